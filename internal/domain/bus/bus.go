package bus

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/domain/app"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/domain/router"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/flightbus/internal/osal"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the fixed limits of a bus instance
type Config struct {
	MaxPipes        int
	MaxMsgIDs       int
	MaxDestPerPkt   int
	MaxTasks        int
	MaxPipeDepth    int
	DefaultMsgLimit int
	MaxMsgSize      int
	PoolBytes       int
	BlockSizes      []int
	VerifyRetry     bool
}

// DefaultConfig returns the standard platform limits
func DefaultConfig() Config {
	return Config{
		MaxPipes:        64,
		MaxMsgIDs:       256,
		MaxDestPerPkt:   16,
		MaxTasks:        128,
		MaxPipeDepth:    256,
		DefaultMsgLimit: 8,
		MaxMsgSize:      32768,
		PoolBytes:       512 * 1024,
		VerifyRetry:     true,
	}
}

// Validate checks the limits are usable
func (c Config) Validate() error {
	switch {
	case c.MaxPipes <= 0 || c.MaxPipes > id.MaxIndex:
		return fmt.Errorf("invalid MaxPipes %d", c.MaxPipes)
	case c.MaxMsgIDs <= 0 || c.MaxMsgIDs > id.MaxIndex:
		return fmt.Errorf("invalid MaxMsgIDs %d", c.MaxMsgIDs)
	case c.MaxDestPerPkt <= 0:
		return fmt.Errorf("invalid MaxDestPerPkt %d", c.MaxDestPerPkt)
	case c.MaxTasks <= 0:
		return fmt.Errorf("invalid MaxTasks %d", c.MaxTasks)
	case c.MaxPipeDepth <= 0 || c.MaxPipeDepth > osal.MaxQueueDepth:
		return fmt.Errorf("invalid MaxPipeDepth %d", c.MaxPipeDepth)
	case c.DefaultMsgLimit <= 0:
		return fmt.Errorf("invalid DefaultMsgLimit %d", c.DefaultMsgLimit)
	case c.MaxMsgSize < msg.HeaderSize:
		return fmt.Errorf("invalid MaxMsgSize %d", c.MaxMsgSize)
	case c.PoolBytes <= 0:
		return fmt.Errorf("invalid PoolBytes %d", c.PoolBytes)
	}
	return nil
}

// Router is the routing collaborator the bus consumes
type Router interface {
	RouteID(msgID msg.ID) id.RouteID
	AddRoute(msgID msg.ID) (id.RouteID, error)
	MsgID(rid id.RouteID) msg.ID
	Destinations(rid id.RouteID) iter.Seq[*router.Destination]
	DestCount(rid id.RouteID) int
	Destination(rid id.RouteID, pipe id.PipeID) *router.Destination
	AddDestination(rid id.RouteID, d *router.Destination) error
	RemoveDestination(rid id.RouteID, pipe id.PipeID) (*router.Destination, bool)
	IncrementSequence(rid id.RouteID) uint32
	Sequence(rid id.RouteID) uint32
	ForEachRoute(fn func(id.RouteID), th *router.Throttle)
}

// AppDirectory resolves callers to their owning app
type AppDirectory interface {
	GetTask(taskID id.TaskID) (*app.Task, bool)
	TaskName(taskID id.TaskID) string
	AppName(appID id.AppID) string
}

// Observer receives per-transaction measurements
type Observer interface {
	ObserveTransmit(status string, fanout int, d time.Duration)
	ObserveReceive(outcome string, d time.Duration)
}

// Bus is a process-local publish/subscribe message bus. One mutex guards
// the pipe table, the descriptor arena, the router and the reentrancy
// guard. Queue I/O and event reporting always happen outside it.
type Bus struct {
	mu       sync.Mutex
	cfg      Config
	logger   *zap.Logger
	clk      clock.Clock
	codec    msg.Codec
	routes   Router
	pool     *osal.MemPool
	bufs     bufferArena
	pipes    []pipe
	lastPipe int
	guard    recurseGuard
	stats    Stats
	apps     AppDirectory
	events   events.Sender
	observer Observer
	tracer   *tracing.Tracer
	admin    id.TaskID
	closed   bool
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithClock sets the clock used for deadlines and queue timers
func WithClock(c clock.Clock) Option { return func(b *Bus) { b.clk = c } }

// WithCodec replaces the default header codec
func WithCodec(c msg.Codec) Option { return func(b *Bus) { b.codec = c } }

// WithRouter replaces the default routing table
func WithRouter(r Router) Option { return func(b *Bus) { b.routes = r } }

// WithEvents sets the event sink
func WithEvents(s events.Sender) Option { return func(b *Bus) { b.events = s } }

// WithObserver sets the transaction observer
func WithObserver(o Observer) Option { return func(b *Bus) { b.observer = o } }

// WithTracer records a span per transaction
func WithTracer(t *tracing.Tracer) Option { return func(b *Bus) { b.tracer = t } }

// WithAdminTask sets the task administrative operations report events as
func WithAdminTask(task id.TaskID) Option { return func(b *Bus) { b.admin = task } }

// New creates a bus
func New(cfg Config, apps AppDirectory, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bus config: %w", err)
	}
	if apps == nil {
		return nil, errors.New("bus: app directory required")
	}

	pool, err := osal.NewMemPool(cfg.PoolBytes, cfg.BlockSizes)
	if err != nil {
		return nil, fmt.Errorf("bus pool: %w", err)
	}
	if pool.MaxBlockSize() < cfg.MaxMsgSize {
		return nil, fmt.Errorf("bus pool: largest block %d below MaxMsgSize %d", pool.MaxBlockSize(), cfg.MaxMsgSize)
	}

	b := &Bus{
		cfg:      cfg,
		pool:     pool,
		bufs:     newBufferArena(),
		pipes:    make([]pipe, cfg.MaxPipes),
		lastPipe: -1,
		guard:    newRecurseGuard(cfg.MaxTasks),
		apps:     apps,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.clk == nil {
		b.clk = clock.New()
	}
	if b.codec == nil {
		b.codec = msg.HeaderCodec{}
	}
	if b.routes == nil {
		b.routes = router.New(cfg.MaxMsgIDs)
	}
	b.stats.MemPoolCapacity = cfg.PoolBytes

	b.logger.Info("Software bus initialized",
		zap.Int("max_pipes", cfg.MaxPipes),
		zap.Int("max_msg_ids", cfg.MaxMsgIDs),
		zap.Int("pool_bytes", cfg.PoolBytes),
	)
	b.emit(b.admin, EventInit, events.Info, "cFE SB Initialized")
	return b, nil
}

// Config returns the bus limits
func (b *Bus) Config() Config { return b.cfg }

// Close deletes every pipe and wakes any blocked receivers. Outstanding
// Buffer references stay valid until released.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var active []pipe
	for i := range b.pipes {
		if b.pipes[i].state == pipeActive {
			active = append(active, b.pipes[i])
		}
	}
	b.mu.Unlock()

	var err error
	for _, p := range active {
		err = multierr.Append(err, b.deletePipe(b.admin, p.id, p.owner, true))
	}
	b.logger.Info("Software bus closed", zap.Int("pipes_deleted", len(active)))
	return err
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ============================================================================
// Clients
// ============================================================================

// Client performs bus operations on behalf of one task
type Client struct {
	bus  *Bus
	task id.TaskID
	app  id.AppID
}

// Client binds a task to the bus
func (b *Bus) Client(task id.TaskID) (*Client, error) {
	t, ok := b.apps.GetTask(task)
	if !ok {
		return nil, fmt.Errorf("%w: unknown task %s", ErrBadArgument, task)
	}
	return &Client{bus: b, task: t.ID, app: t.AppID}, nil
}

// Task returns the calling task
func (c *Client) Task() id.TaskID { return c.task }

// App returns the calling app
func (c *Client) App() id.AppID { return c.app }

// Bus returns the bus the client is bound to
func (c *Client) Bus() *Bus { return c.bus }

// ============================================================================
// App Cleanup
// ============================================================================

// CleanUpApp deletes every pipe owned by appID and releases every
// zero-copy buffer it still holds. It is installed as an app close hook.
func (b *Bus) CleanUpApp(appID id.AppID) error {
	b.mu.Lock()
	var owned []id.PipeID
	for i := range b.pipes {
		if b.pipes[i].state == pipeActive && b.pipes[i].owner == appID {
			owned = append(owned, b.pipes[i].id)
		}
	}
	b.mu.Unlock()

	var err error
	for _, pid := range owned {
		err = multierr.Append(err, b.deletePipe(b.admin, pid, appID, true))
	}

	b.mu.Lock()
	released := 0
	b.bufs.each(listZeroCopy, func(slot int32, d *descriptor) {
		if d.owner == appID {
			d.owner = 0
			released++
			b.decrUseLocked(b.bufs.handle(slot))
		}
	})
	b.mu.Unlock()

	b.logger.Debug("Cleaned up app",
		zap.String("app", b.apps.AppName(appID)),
		zap.Int("pipes", len(owned)),
		zap.Int("zero_copy_released", released),
	)
	return err
}
