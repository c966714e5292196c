package events

import (
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"go.uber.org/zap"
)

// Severity classifies an event
type Severity int

const (
	Debug Severity = iota
	Info
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Error:
		return "ERROR"
	case Critical:
		return "CRIT"
	default:
		return "UNKNOWN"
	}
}

// Event is one emitted event record
type Event struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	TaskID   id.TaskID `json:"task_id"`
	TaskName string    `json:"task"`
	EventID  uint16    `json:"event_id"`
	Severity Severity  `json:"severity"`
	Text     string    `json:"text"`
}

// Sender is the event reporting boundary used by the bus
type Sender interface {
	SendEvent(task id.TaskID, eventID uint16, sev Severity, text string)
}

// Publisher forwards accepted events onto a transport, typically the bus itself
type Publisher interface {
	PublishEvent(ev Event) error
}

// TaskNamer resolves task ids for event text
type TaskNamer interface {
	TaskName(taskID id.TaskID) string
}

// Stats counts event traffic
type Stats struct {
	Sent          uint64 `json:"sent"`
	Filtered      uint64 `json:"filtered"`
	PublishErrors uint64 `json:"publish_errors"`
	// Suppressed counts publishes skipped while the publish breaker is open
	Suppressed    uint64 `json:"suppressed"`
	Dropped       uint64 `json:"dropped"`
}

// Service logs events, applies binary filters, keeps a history ring and
// fans events out to listeners.
type Service struct {
	mu        sync.Mutex
	logger    *zap.Logger
	namer     TaskNamer
	filters   map[uint16]*filterState // Protected by mu
	history   []Event                 // Protected by mu
	next      int
	full      bool
	listeners map[int]chan Event // Protected by mu
	listenerN int
	publisher Publisher
	breaker   *resilience.Breaker
	seq       uint64
	stats     Stats
}

// Option configures a Service
type Option func(*Service)

// WithTaskNamer sets the task name resolver
func WithTaskNamer(n TaskNamer) Option {
	return func(s *Service) { s.namer = n }
}

// WithFilters installs binary filters
func WithFilters(filters []Filter) Option {
	return func(s *Service) {
		for _, f := range filters {
			s.filters[f.EventID] = &filterState{mask: f.Mask}
		}
	}
}

// WithHistory sets the size of the recent-event ring
func WithHistory(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.history = make([]Event, n)
		}
	}
}

// WithPublishBreaker guards the publisher with b so a consumer that stops
// draining the event pipe is not hit with every event
func WithPublishBreaker(b *resilience.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// NewService creates an event service logging through logger
func NewService(logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		logger:    logger,
		filters:   make(map[uint16]*filterState),
		history:   make([]Event, 128),
		listeners: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPublisher installs the transport used to forward events. Passing nil
// disables forwarding.
func (s *Service) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// SendEvent implements Sender
func (s *Service) SendEvent(task id.TaskID, eventID uint16, sev Severity, text string) {
	name := task.String()
	if s.namer != nil {
		name = s.namer.TaskName(task)
	}

	s.mu.Lock()
	if f, ok := s.filters[eventID]; ok && !f.pass() {
		s.stats.Filtered++
		s.mu.Unlock()
		return
	}
	s.seq++
	ev := Event{
		Seq:      s.seq,
		Time:     time.Now(),
		TaskID:   task,
		TaskName: name,
		EventID:  eventID,
		Severity: sev,
		Text:     text,
	}
	s.record(ev)
	s.stats.Sent++
	pub := s.publisher
	s.mu.Unlock()

	s.log(ev)

	if pub != nil {
		s.publish(pub, ev)
	}
}

func (s *Service) publish(pub Publisher, ev Event) {
	var err error
	if s.breaker != nil {
		err = s.breaker.Do(func() error { return pub.PublishEvent(ev) })
	} else {
		err = pub.PublishEvent(ev)
	}
	if err == nil {
		return
	}

	s.mu.Lock()
	if errors.Is(err, resilience.ErrOpen) {
		s.stats.Suppressed++
		s.mu.Unlock()
		return
	}
	s.stats.PublishErrors++
	s.mu.Unlock()
	s.logger.Debug("event publish failed", zap.Uint16("event_id", ev.EventID), zap.Error(err))
}

func (s *Service) log(ev Event) {
	fields := []zap.Field{
		zap.Uint16("event_id", ev.EventID),
		zap.String("task", ev.TaskName),
		zap.Uint64("seq", ev.Seq),
	}
	switch ev.Severity {
	case Debug:
		s.logger.Debug(ev.Text, fields...)
	case Info:
		s.logger.Info(ev.Text, fields...)
	case Critical:
		s.logger.Error(ev.Text, append(fields, zap.Bool("critical", true))...)
	default:
		s.logger.Error(ev.Text, fields...)
	}
}

// record appends to the ring and notifies listeners; caller holds mu.
// Slow listeners lose events rather than blocking the sender.
func (s *Service) record(ev Event) {
	s.history[s.next] = ev
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.full = true
	}

	for _, ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			s.stats.Dropped++
		}
	}
}

// Recent returns up to n of the most recent events, oldest first
func (s *Service) Recent(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.next
	if s.full {
		count = len(s.history)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]Event, 0, n)
	start := (s.next - n + len(s.history)) % len(s.history)
	for i := 0; i < n; i++ {
		out = append(out, s.history[(start+i)%len(s.history)])
	}
	return out
}

// Listen registers a listener with the given buffer. The returned function
// unregisters it and closes the channel.
func (s *Service) Listen(buffer int) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, buffer)
	key := s.listenerN
	s.listenerN++
	s.listeners[key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, key)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Stats returns event counters
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
