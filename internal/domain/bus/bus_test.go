package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/GriffinCanCode/flightbus/internal/domain/app"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	task id.TaskID
	eid  EventID
	sev  events.Severity
	text string
}

// eventLog records events the bus emits
type eventLog struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (l *eventLog) SendEvent(task id.TaskID, eid uint16, sev events.Severity, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentEvent{task: task, eid: EventID(eid), sev: sev, text: text})
}

func (l *eventLog) count(eid EventID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.sent {
		if e.eid == eid {
			n++
		}
	}
	return n
}

func (l *eventLog) last(eid EventID) (sentEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.sent) - 1; i >= 0; i-- {
		if l.sent[i].eid == eid {
			return l.sent[i], true
		}
	}
	return sentEvent{}, false
}

type fixture struct {
	bus  *Bus
	apps *app.Manager
	log  *eventLog
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxPipes = 8
	cfg.MaxMsgIDs = 16
	cfg.MaxDestPerPkt = 4
	cfg.MaxTasks = 16
	cfg.MaxMsgSize = 1024
	cfg.PoolBytes = 64 * 1024
	cfg.BlockSizes = []int{64, 256, 1024}
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	apps := app.NewManager(8, cfg.MaxTasks)
	log := &eventLog{}
	b, err := New(cfg, apps, append([]Option{WithEvents(log)}, opts...)...)
	require.NoError(t, err)
	apps.OnClose(b.CleanUpApp)
	t.Cleanup(func() { _ = b.Close() })
	return &fixture{bus: b, apps: apps, log: log}
}

func (f *fixture) client(t *testing.T, name string) *Client {
	t.Helper()
	a, err := f.apps.Register(name)
	require.NoError(t, err)
	c, err := f.bus.Client(a.MainTask)
	require.NoError(t, err)
	return c
}

// pipeFor creates a pipe owned by c subscribed to each id
func (f *fixture) pipeFor(t *testing.T, c *Client, name string, depth int, ids ...msg.ID) id.PipeID {
	t.Helper()
	pid, err := c.CreatePipe(depth, name)
	require.NoError(t, err)
	for _, mid := range ids {
		require.NoError(t, c.Subscribe(mid, pid))
	}
	return pid
}

func send(t *testing.T, c *Client, mid msg.ID, data string, opts ...TxnOption) TransmitReport {
	t.Helper()
	r, err := c.TransmitMsg(context.Background(), msg.NewMessage(mid, []byte(data)), opts...)
	require.NoError(t, err)
	return r
}

func TestNewValidatesConfig(t *testing.T) {
	apps := app.NewManager(1, 1)

	cfg := testConfig()
	cfg.MaxPipes = 0
	_, err := New(cfg, apps)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.BlockSizes = []int{64}
	_, err = New(cfg, apps)
	assert.Error(t, err, "largest block smaller than MaxMsgSize")

	_, err = New(testConfig(), nil)
	assert.Error(t, err)
}

func TestNewEmitsInit(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.Equal(t, 1, f.log.count(EventInit))
	assert.Equal(t, 64*1024, f.bus.Stats().MemPoolCapacity)
}

func TestClientUnknownTask(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.bus.Client(id.MakeTaskID(3, 1))
	assert.ErrorIs(t, err, ErrBadArgument)
}

func TestCloseDeletesPipes(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.client(t, "A")
	f.pipeFor(t, c, "A_PIPE", 4, 0x100)
	send(t, c, 0x100, "x")

	require.NoError(t, f.bus.Close())
	s := f.bus.Stats()
	assert.Zero(t, s.PipesInUse)
	assert.Zero(t, s.BuffersInUse)
	assert.Zero(t, s.SubscriptionsInUse)

	require.NoError(t, f.bus.Close(), "second close is a no-op")
	_, err := c.CreatePipe(4, "LATE")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCleanUpAppOnClose(t *testing.T) {
	f := newFixture(t, testConfig())
	a := f.client(t, "A")
	b := f.client(t, "B")

	pa := f.pipeFor(t, a, "A_PIPE", 4, 0x100)
	f.pipeFor(t, b, "B_PIPE", 4, 0x100)
	_, err := a.AllocateMessageBuffer(32)
	require.NoError(t, err)
	send(t, b, 0x100, "queued for both")

	require.NoError(t, f.apps.Close(a.App()))

	_, err = f.bus.PipeInfo(pa)
	assert.ErrorIs(t, err, ErrPipeNotFound)
	s := f.bus.Stats()
	assert.Equal(t, 1, s.PipesInUse)
	assert.Equal(t, 1, s.SubscriptionsInUse)
	assert.Zero(t, s.ZeroCopyIssued)
	assert.Equal(t, 1, s.BuffersInUse, "B still holds its queued copy")
}
