// Package testutil provides mocks and a bus harness for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/domain/app"
	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEventSender is a mock implementation of events.Sender.
type MockEventSender struct {
	mock.Mock
}

// SendEvent mocks the SendEvent method.
func (m *MockEventSender) SendEvent(task id.TaskID, eventID uint16, sev events.Severity, text string) {
	m.Called(task, eventID, sev, text)
}

// NewMockEventSender creates a sender that accepts any event.
func NewMockEventSender(t *testing.T) *MockEventSender {
	t.Helper()
	m := new(MockEventSender)
	m.On("SendEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	return m
}

// MockObserver is a mock implementation of bus.Observer.
type MockObserver struct {
	mock.Mock
}

// ObserveTransmit mocks the ObserveTransmit method.
func (m *MockObserver) ObserveTransmit(status string, fanout int, d time.Duration) {
	m.Called(status, fanout, d)
}

// ObserveReceive mocks the ObserveReceive method.
func (m *MockObserver) ObserveReceive(outcome string, d time.Duration) {
	m.Called(outcome, d)
}

// MockCodec is a mock implementation of msg.Codec. Unset expectations
// fall through to the header codec.
type MockCodec struct {
	mock.Mock
	msg.HeaderCodec
}

// Verify mocks the Verify method.
func (m *MockCodec) Verify(payload []byte, capacity int) msg.Verdict {
	args := m.Called(payload, capacity)
	return args.Get(0).(msg.Verdict)
}

// Originate mocks the Originate method.
func (m *MockCodec) Originate(payload []byte, capacity int) msg.Verdict {
	args := m.Called(payload, capacity)
	return args.Get(0).(msg.Verdict)
}

// NewMockCodec creates a codec that accepts everything.
func NewMockCodec(t *testing.T) *MockCodec {
	t.Helper()
	m := new(MockCodec)
	m.On("Verify", mock.Anything, mock.Anything).Return(msg.Accepted).Maybe()
	m.On("Originate", mock.Anything, mock.Anything).Return(msg.Accepted).Maybe()
	return m
}

// ============================================================================
// Harness
// ============================================================================

// Harness is a bus wired to a real app registry and event service
type Harness struct {
	Bus    *bus.Bus
	Apps   *app.Manager
	Events *events.Service
}

// SmallConfig returns limits small enough to hit in tests.
func SmallConfig() bus.Config {
	cfg := bus.DefaultConfig()
	cfg.MaxPipes = 8
	cfg.MaxMsgIDs = 16
	cfg.MaxDestPerPkt = 4
	cfg.MaxTasks = 16
	cfg.MaxMsgSize = 1024
	cfg.PoolBytes = 64 * 1024
	cfg.BlockSizes = []int{64, 256, 1024}
	return cfg
}

// NewHarness creates a bus with cfg. The bus and every app are closed on
// test cleanup.
func NewHarness(t *testing.T, cfg bus.Config, opts ...bus.Option) *Harness {
	t.Helper()
	apps := app.NewManager(8, cfg.MaxTasks)
	svc := events.NewService(nil, events.WithTaskNamer(apps), events.WithHistory(512))

	b, err := bus.New(cfg, apps, append([]bus.Option{bus.WithEvents(svc)}, opts...)...)
	require.NoError(t, err)
	apps.OnClose(b.CleanUpApp)

	t.Cleanup(func() {
		apps.CloseAll()
		b.Close()
	})
	return &Harness{Bus: b, Apps: apps, Events: svc}
}

// Client registers an app and returns a client for its main task.
func (h *Harness) Client(t *testing.T, name string) *bus.Client {
	t.Helper()
	a, err := h.Apps.Register(name)
	require.NoError(t, err)
	c, err := h.Bus.Client(a.MainTask)
	require.NoError(t, err)
	return c
}

// Pipe creates a pipe for c and subscribes it to mids.
func (h *Harness) Pipe(t *testing.T, c *bus.Client, name string, depth int, mids ...msg.ID) id.PipeID {
	t.Helper()
	pid, err := c.CreatePipe(depth, name)
	require.NoError(t, err)
	for _, mid := range mids {
		require.NoError(t, c.Subscribe(mid, pid))
	}
	return pid
}

// Send transmits data framed for mid and fails the test on error.
func Send(t *testing.T, c *bus.Client, mid msg.ID, data string) bus.TransmitReport {
	t.Helper()
	r, err := c.TransmitMsg(context.Background(), msg.NewMessage(mid, []byte(data)))
	require.NoError(t, err)
	return r
}

// Recv polls pid and returns the user data of the message.
func Recv(t *testing.T, c *bus.Client, pid id.PipeID) string {
	t.Helper()
	buf, err := c.Receive(context.Background(), pid)
	require.NoError(t, err)
	defer buf.Release()
	return string(msg.UserData(buf.Bytes()))
}

// EventCount counts recent events with eventID.
func (h *Harness) EventCount(eventID bus.EventID) int {
	n := 0
	for _, ev := range h.Events.Recent(0) {
		if ev.EventID == uint16(eventID) {
			n++
		}
	}
	return n
}
