package app

import (
	"errors"
	"testing"

	"github.com/GriffinCanCode/flightbus/internal/shared/id"
)

func TestRegister(t *testing.T) {
	m := NewManager(4, 8)

	a, err := m.Register("SAMPLE_APP")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if a.Name != "SAMPLE_APP" {
		t.Errorf("Expected name SAMPLE_APP, got %s", a.Name)
	}
	if !a.MainTask.IsValid() {
		t.Error("Expected main task to be created")
	}
	if a.InstanceID == "" {
		t.Error("Expected instance ID to be set")
	}
	if a.State != StateRunning {
		t.Errorf("Expected state running, got %s", a.State)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	m := NewManager(4, 8)
	if _, err := m.Register("A"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := m.Register("A"); !errors.Is(err, ErrNameTaken) {
		t.Errorf("Expected ErrNameTaken, got %v", err)
	}
	if _, err := m.Register(""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Expected ErrInvalidName, got %v", err)
	}
}

func TestCapacity(t *testing.T) {
	m := NewManager(1, 2)
	a, err := m.Register("A")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := m.Register("B"); !errors.Is(err, ErrMaxApps) {
		t.Errorf("Expected ErrMaxApps, got %v", err)
	}
	if _, err := m.SpawnTask(a.ID, "W1"); err != nil {
		t.Fatalf("SpawnTask failed: %v", err)
	}
	if _, err := m.SpawnTask(a.ID, "W2"); !errors.Is(err, ErrMaxTasks) {
		t.Errorf("Expected ErrMaxTasks, got %v", err)
	}
}

func TestTaskName(t *testing.T) {
	m := NewManager(2, 4)
	a, _ := m.Register("TO_LAB")
	w, err := m.SpawnTask(a.ID, "CHILD")
	if err != nil {
		t.Fatalf("SpawnTask failed: %v", err)
	}

	if got := m.TaskName(a.MainTask); got != "TO_LAB" {
		t.Errorf("main task name = %s", got)
	}
	if got := m.TaskName(w.ID); got != "TO_LAB.CHILD" {
		t.Errorf("child task name = %s", got)
	}
	if got := m.TaskName(id.TaskID(0)); got != "Unknown" {
		t.Errorf("unknown task name = %s", got)
	}
}

func TestCloseRunsHooksAndFreesSlots(t *testing.T) {
	m := NewManager(2, 4)
	a, _ := m.Register("A")
	w, _ := m.SpawnTask(a.ID, "W")

	var closed []id.AppID
	m.OnClose(func(appID id.AppID) error {
		closed = append(closed, appID)
		return nil
	})
	hookErr := errors.New("cleanup failed")
	m.OnClose(func(id.AppID) error { return hookErr })

	err := m.Close(a.ID)
	if !errors.Is(err, hookErr) {
		t.Errorf("Expected hook error to propagate, got %v", err)
	}
	if len(closed) != 1 || closed[0] != a.ID {
		t.Errorf("Expected hook to see %s, got %v", a.ID, closed)
	}
	if _, ok := m.Get(a.ID); ok {
		t.Error("App should be gone after Close")
	}
	if _, ok := m.GetTask(w.ID); ok {
		t.Error("Child task should be gone after Close")
	}
	if s := m.Stats(); s.Apps != 0 || s.Tasks != 0 {
		t.Errorf("Expected empty registry, got %+v", s)
	}
}

func TestStaleAppIDAfterReuse(t *testing.T) {
	m := NewManager(1, 2)
	a, _ := m.Register("A")
	if err := m.Close(a.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	b, err := m.Register("B")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if a.ID == b.ID {
		t.Fatal("Reused slot must carry a new generation")
	}
	if _, ok := m.Get(a.ID); ok {
		t.Error("Stale ID must not resolve")
	}
	if err := m.Close(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLookupAndList(t *testing.T) {
	m := NewManager(3, 3)
	_, _ = m.Register("A")
	_, _ = m.Register("B")

	if _, ok := m.Lookup("B"); !ok {
		t.Error("Lookup should find B")
	}
	if got := len(m.List()); got != 2 {
		t.Errorf("Expected 2 apps, got %d", got)
	}
	if err := m.CloseAll(); err != nil {
		t.Errorf("CloseAll failed: %v", err)
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("Expected 0 apps, got %d", got)
	}
}
