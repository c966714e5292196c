package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var (
	ErrNameTaken   = errors.New("app: name already registered")
	ErrMaxApps     = errors.New("app: no free app slots")
	ErrMaxTasks    = errors.New("app: no free task slots")
	ErrNotFound    = errors.New("app: not found")
	ErrInvalidName = errors.New("app: invalid name")
)

// State is the lifecycle state of an app
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// App is a registered application
type App struct {
	ID         id.AppID
	InstanceID string
	Name       string
	MainTask   id.TaskID
	State      State
	CreatedAt  time.Time
}

// Task is a thread of execution belonging to an app
type Task struct {
	ID    id.TaskID
	AppID id.AppID
	Name  string
}

// CloseHook releases resources an app holds in another subsystem
type CloseHook func(appID id.AppID) error

// Stats summarizes registry occupancy
type Stats struct {
	Apps     int `json:"apps"`
	Tasks    int `json:"tasks"`
	MaxApps  int `json:"max_apps"`
	MaxTasks int `json:"max_tasks"`
}

type appSlot struct {
	gen  uint16
	app  *App // nil when free
	task []id.TaskID
}

type taskSlot struct {
	gen  uint16
	task *Task
}

// Manager tracks apps and their tasks in fixed-size tables
type Manager struct {
	mu       sync.RWMutex
	apps     []appSlot  // Protected by mu
	tasks    []taskSlot // Protected by mu
	byName   map[string]id.AppID
	lastApp  int
	lastTask int
	hooks    []CloseHook
	metrics  Recorder
}

// NewManager creates a registry for at most maxApps apps and maxTasks tasks
func NewManager(maxApps, maxTasks int) *Manager {
	return &Manager{
		apps:     make([]appSlot, maxApps),
		tasks:    make([]taskSlot, maxTasks),
		byName:   make(map[string]id.AppID),
		lastApp:  -1,
		lastTask: -1,
	}
}

// Recorder receives registry occupancy
type Recorder interface {
	SetRegisteredApps(apps, tasks int)
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics Recorder) *Manager {
	m.metrics = metrics
	return m
}

// OnClose registers a hook run for every app being closed
func (m *Manager) OnClose(hook CloseHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Register creates an app together with its main task
func (m *Manager) Register(name string) (*App, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	ai, ok := nextFree(len(m.apps), m.lastApp, func(i int) bool { return m.apps[i].app == nil })
	if !ok {
		return nil, ErrMaxApps
	}
	ti, ok := nextFree(len(m.tasks), m.lastTask, func(i int) bool { return m.tasks[i].task == nil })
	if !ok {
		return nil, ErrMaxTasks
	}

	as := &m.apps[ai]
	as.gen = id.NextGeneration(as.gen)
	appID := id.MakeAppID(ai, as.gen)

	ts := &m.tasks[ti]
	ts.gen = id.NextGeneration(ts.gen)
	taskID := id.MakeTaskID(ti, ts.gen)
	ts.task = &Task{ID: taskID, AppID: appID, Name: name}

	as.app = &App{
		ID:         appID,
		InstanceID: uuid.New().String(),
		Name:       name,
		MainTask:   taskID,
		State:      StateRunning,
		CreatedAt:  time.Now(),
	}
	as.task = []id.TaskID{taskID}

	m.byName[name] = appID
	m.lastApp, m.lastTask = ai, ti
	m.recordCounts()

	appCopy := *as.app
	return &appCopy, nil
}

// SpawnTask adds a child task to an app
func (m *Manager) SpawnTask(appID id.AppID, name string) (*Task, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	as := m.appSlot(appID)
	if as == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	ti, ok := nextFree(len(m.tasks), m.lastTask, func(i int) bool { return m.tasks[i].task == nil })
	if !ok {
		return nil, ErrMaxTasks
	}

	ts := &m.tasks[ti]
	ts.gen = id.NextGeneration(ts.gen)
	task := &Task{ID: id.MakeTaskID(ti, ts.gen), AppID: appID, Name: name}
	ts.task = task
	as.task = append(as.task, task.ID)
	m.lastTask = ti
	m.recordCounts()

	taskCopy := *task
	return &taskCopy, nil
}

// Get retrieves an app by ID
func (m *Manager) Get(appID id.AppID) (*App, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	as := m.appSlot(appID)
	if as == nil {
		return nil, false
	}
	appCopy := *as.app
	return &appCopy, true
}

// Lookup finds an app by name
func (m *Manager) Lookup(name string) (*App, bool) {
	m.mu.RLock()
	appID, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Get(appID)
}

// GetTask retrieves a task by ID
func (m *Manager) GetTask(taskID id.TaskID) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts := m.taskSlot(taskID)
	if ts == nil {
		return nil, false
	}
	taskCopy := *ts.task
	return &taskCopy, true
}

// List returns all registered apps
func (m *Manager) List() []*App {
	m.mu.RLock()
	defer m.mu.RUnlock()

	apps := make([]*App, 0, len(m.byName))
	for i := range m.apps {
		if a := m.apps[i].app; a != nil {
			appCopy := *a
			apps = append(apps, &appCopy)
		}
	}
	return apps
}

// AppName returns the app name, or an empty string for unknown ids
func (m *Manager) AppName(appID id.AppID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if as := m.appSlot(appID); as != nil {
		return as.app.Name
	}
	return ""
}

// TaskName returns "APP" for a main task and "APP.TASK" for child tasks
func (m *Manager) TaskName(taskID id.TaskID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts := m.taskSlot(taskID)
	if ts == nil {
		return "Unknown"
	}
	as := m.appSlot(ts.task.AppID)
	if as == nil {
		return ts.task.Name
	}
	if as.app.MainTask == taskID {
		return as.app.Name
	}
	return as.app.Name + "." + ts.task.Name
}

// Close runs the close hooks for an app and then frees its slots.
// Hook errors are collected; the app is removed regardless.
func (m *Manager) Close(appID id.AppID) error {
	m.mu.Lock()
	as := m.appSlot(appID)
	if as == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	as.app.State = StateStopping
	hooks := append([]CloseHook(nil), m.hooks...)
	m.mu.Unlock()

	var err error
	for _, hook := range hooks {
		err = multierr.Append(err, hook(appID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if as = m.appSlot(appID); as != nil {
		for _, taskID := range as.task {
			if ts := m.taskSlot(taskID); ts != nil {
				ts.task = nil
			}
		}
		delete(m.byName, as.app.Name)
		as.app = nil
		as.task = nil
	}
	m.recordCounts()
	return err
}

// CloseAll closes every registered app
func (m *Manager) CloseAll() error {
	var err error
	for _, a := range m.List() {
		err = multierr.Append(err, m.Close(a.ID))
	}
	return err
}

// Stats returns registry occupancy
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{MaxApps: len(m.apps), MaxTasks: len(m.tasks)}
	s.Apps = len(m.byName)
	for i := range m.tasks {
		if m.tasks[i].task != nil {
			s.Tasks++
		}
	}
	return s
}

func (m *Manager) appSlot(appID id.AppID) *appSlot {
	if !appID.IsValid() || appID.Index() >= len(m.apps) {
		return nil
	}
	as := &m.apps[appID.Index()]
	if as.app == nil || as.app.ID != appID {
		return nil
	}
	return as
}

func (m *Manager) taskSlot(taskID id.TaskID) *taskSlot {
	if !taskID.IsValid() || taskID.Index() >= len(m.tasks) {
		return nil
	}
	ts := &m.tasks[taskID.Index()]
	if ts.task == nil || ts.task.ID != taskID {
		return nil
	}
	return ts
}

func (m *Manager) recordCounts() {
	if m.metrics == nil {
		return
	}
	tasks := 0
	for i := range m.tasks {
		if m.tasks[i].task != nil {
			tasks++
		}
	}
	m.metrics.SetRegisteredApps(len(m.byName), tasks)
}

// nextFree scans round-robin starting after last
func nextFree(n, last int, free func(int) bool) (int, bool) {
	for k := 1; k <= n; k++ {
		i := (last + k) % n
		if free(i) {
			return i, true
		}
	}
	return 0, false
}
