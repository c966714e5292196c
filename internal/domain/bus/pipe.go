package bus

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/router"
	"github.com/GriffinCanCode/flightbus/internal/osal"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"go.uber.org/zap"
)

// PipeOpts are per-pipe option flags
type PipeOpts uint8

const (
	// OptIgnoreMine drops messages the owning app sends itself
	OptIgnoreMine PipeOpts = 1 << iota
	// OptAutoRelease releases the previously received buffer on the next receive
	OptAutoRelease
)

type pipeState uint8

const (
	pipeFree pipeState = iota
	pipeReserved
	pipeActive
)

type pipe struct {
	state      pipeState
	gen        uint16
	id         id.PipeID
	name       string
	owner      id.AppID
	opts       PipeOpts
	queue      *osal.Queue[bufHandle]
	maxDepth   int
	curDepth   int
	peakDepth  int
	sendErrors int
	lastRef    *Buffer
}

// PipeInfo is a snapshot of one pipe
type PipeInfo struct {
	ID         id.PipeID `json:"pipe_id"`
	Name       string    `json:"name"`
	Owner      id.AppID  `json:"owner"`
	OwnerName  string    `json:"owner_name"`
	Opts       PipeOpts  `json:"opts"`
	MaxDepth   int       `json:"max_depth"`
	CurDepth   int       `json:"current_depth"`
	PeakDepth  int       `json:"peak_depth"`
	SendErrors int       `json:"send_errors"`
}

// locate returns the slot a pipe id maps to, without checking it is still
// the same pipe. Use isMatch before trusting it.
func (b *Bus) locate(pid id.PipeID) *pipe {
	if !pid.IsValid() || pid.Index() >= len(b.pipes) {
		return nil
	}
	return &b.pipes[pid.Index()]
}

func isMatch(p *pipe, pid id.PipeID) bool {
	return p != nil && p.state == pipeActive && p.id == pid
}

func (b *Bus) pipeLocked(pid id.PipeID) *pipe {
	if p := b.locate(pid); isMatch(p, pid) {
		return p
	}
	return nil
}

func (b *Bus) pipeName(pid id.PipeID) string {
	if p := b.pipeLocked(pid); p != nil {
		return p.name
	}
	return pid.String()
}

// CreatePipe creates a pipe of the given depth owned by the caller
func (c *Client) CreatePipe(depth int, name string) (id.PipeID, error) {
	return c.bus.createPipe(c.task, c.app, depth, name)
}

func (b *Bus) createPipe(task id.TaskID, owner id.AppID, depth int, name string) (id.PipeID, error) {
	taskName := b.apps.TaskName(task)

	if depth <= 0 || depth > b.cfg.MaxPipeDepth || name == "" {
		b.countCreateError()
		b.emit(task, EventCreatePipeBadArg, events.Error,
			fmt.Sprintf("CreatePipeErr:Bad Input Arg:app=%s,ptr=%s,depth=%d,maxdepth=%d", taskName, name, depth, b.cfg.MaxPipeDepth))
		return 0, fmt.Errorf("%w: depth %d name %q", ErrBadArgument, depth, name)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	for i := range b.pipes {
		if b.pipes[i].state != pipeFree && b.pipes[i].name == name {
			b.stats.CreatePipeErrors++
			b.mu.Unlock()
			b.emit(task, EventCreatePipeNameTaken, events.Error,
				fmt.Sprintf("CreatePipeErr:OS_QueueCreate returned name taken,app %s,name %s", taskName, name))
			return 0, fmt.Errorf("%w: %s", ErrPipeNameTaken, name)
		}
	}
	slot, ok := b.nextFreePipeLocked()
	if !ok {
		b.stats.CreatePipeErrors++
		b.mu.Unlock()
		b.emit(task, EventMaxPipesMet, events.Error,
			fmt.Sprintf("CreatePipeErr:Max Pipes(%d)In Use.app %s", b.cfg.MaxPipes, taskName))
		return 0, ErrMaxPipesMet
	}
	p := &b.pipes[slot]
	p.state = pipeReserved
	p.name = name
	p.gen = id.NextGeneration(p.gen)
	pid := id.MakePipeID(slot, p.gen)
	b.mu.Unlock()

	queue, qerr := osal.NewQueue[bufHandle](name, depth, b.clk)

	b.mu.Lock()
	if qerr != nil {
		*p = pipe{gen: p.gen}
		b.stats.CreatePipeErrors++
		b.mu.Unlock()
		b.emit(task, EventCreatePipeErr, events.Error,
			fmt.Sprintf("CreatePipeErr:OS_QueueCreate returned %v,app %s", qerr, taskName))
		return 0, fmt.Errorf("create pipe queue: %w", qerr)
	}
	*p = pipe{
		state:    pipeActive,
		gen:      p.gen,
		id:       pid,
		name:     name,
		owner:    owner,
		queue:    queue,
		maxDepth: depth,
	}
	b.lastPipe = slot
	b.stats.PipesInUse++
	if b.stats.PipesInUse > b.stats.PeakPipesInUse {
		b.stats.PeakPipesInUse = b.stats.PipesInUse
	}
	b.mu.Unlock()

	b.logger.Debug("Pipe created",
		zap.String("pipe", name),
		zap.Stringer("pipe_id", pid),
		zap.Int("depth", depth),
		zap.String("app", taskName),
	)
	b.emit(task, EventPipeAdded, events.Debug,
		fmt.Sprintf("Pipe Created:name %s,id %d,app %s", name, pid.Index(), taskName))
	return pid, nil
}

func (b *Bus) countCreateError() {
	b.mu.Lock()
	b.stats.CreatePipeErrors++
	b.mu.Unlock()
}

// nextFreePipeLocked scans round-robin after the last allocated slot so a
// freshly freed id is not handed straight back out.
func (b *Bus) nextFreePipeLocked() (int, bool) {
	n := len(b.pipes)
	for k := 1; k <= n; k++ {
		i := (b.lastPipe + k) % n
		if b.pipes[i].state == pipeFree {
			return i, true
		}
	}
	return 0, false
}

// DeletePipe deletes a pipe the caller owns
func (c *Client) DeletePipe(pid id.PipeID) error {
	return c.bus.deletePipe(c.task, pid, c.app, false)
}

// DeletePipe deletes any pipe. Intended for administrative use.
func (b *Bus) DeletePipe(pid id.PipeID) error {
	return b.deletePipe(b.admin, pid, 0, true)
}

func (b *Bus) deletePipe(task id.TaskID, pid id.PipeID, caller id.AppID, admin bool) error {
	taskName := b.apps.TaskName(task)

	b.mu.Lock()
	p := b.pipeLocked(pid)
	if p == nil {
		b.mu.Unlock()
		b.emit(task, EventDeletePipeErr, events.Error,
			fmt.Sprintf("Pipe Delete Error:Bad Argument,PipedId %s,Requestor %s", pid, taskName))
		return fmt.Errorf("%w: %s", ErrPipeNotFound, pid)
	}
	if !admin && p.owner != caller {
		b.mu.Unlock()
		b.emit(task, EventDeletePipeErr, events.Error,
			fmt.Sprintf("Pipe Delete Error:Caller(%s) is not the owner of pipe %s", taskName, p.name))
		return fmt.Errorf("%w: %s", ErrNotOwner, pid)
	}

	removed := 0
	b.routes.ForEachRoute(func(rid id.RouteID) {
		if _, ok := b.routes.RemoveDestination(rid, pid); ok {
			removed++
		}
	}, nil)
	b.stats.SubscriptionsInUse -= removed

	if p.lastRef != nil {
		_ = b.releaseRefLocked(p.lastRef)
		p.lastRef = nil
	}
	queue := p.queue
	name := p.name
	owner := p.owner
	p.state = pipeReserved
	b.mu.Unlock()

	// Close waits out in-flight writers, so the drain sees every reference
	// the queue will ever hold.
	queue.Close()
	pending := queue.Drain()

	b.mu.Lock()
	for _, h := range pending {
		b.decrUseLocked(h)
	}
	gen := p.gen
	*p = pipe{gen: gen}
	b.stats.PipesInUse--
	b.mu.Unlock()

	b.logger.Debug("Pipe deleted",
		zap.String("pipe", name),
		zap.Stringer("pipe_id", pid),
		zap.Int("subscriptions_removed", removed),
		zap.Int("buffers_drained", len(pending)),
	)
	b.emit(task, EventPipeDeleted, events.Debug,
		fmt.Sprintf("Pipe Deleted:id %d,owner %s", pid.Index(), b.apps.AppName(owner)))
	return nil
}

// SetPipeOpts replaces the option flags of a pipe the caller owns
func (c *Client) SetPipeOpts(pid id.PipeID, opts PipeOpts) error {
	b := c.bus
	b.mu.Lock()
	p := b.pipeLocked(pid)
	var err error
	switch {
	case p == nil:
		err = fmt.Errorf("%w: %s", ErrPipeNotFound, pid)
		b.stats.PipeOptsErrors++
	case p.owner != c.app:
		err = fmt.Errorf("%w: %s", ErrNotOwner, pid)
		b.stats.PipeOptsErrors++
	default:
		p.opts = opts
	}
	b.mu.Unlock()

	if err != nil {
		b.emit(c.task, EventSetPipeOptsErr, events.Error,
			fmt.Sprintf("Pipe Opts Error:Bad Argument,PipedId %s,Requestor %s", pid, b.apps.TaskName(c.task)))
		return err
	}
	b.emit(c.task, EventSetPipeOpts, events.Debug,
		fmt.Sprintf("Pipe opts set:id %d,owner %s,opts=0x%02x", pid.Index(), b.apps.TaskName(c.task), uint8(opts)))
	return nil
}

// GetPipeOpts returns the option flags of a pipe
func (b *Bus) GetPipeOpts(pid id.PipeID) (PipeOpts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pipeLocked(pid)
	if p == nil {
		b.stats.PipeOptsErrors++
		return 0, fmt.Errorf("%w: %s", ErrPipeNotFound, pid)
	}
	return p.opts, nil
}

// GetPipeName returns the name of a pipe
func (b *Bus) GetPipeName(pid id.PipeID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pipeLocked(pid)
	if p == nil {
		return "", fmt.Errorf("%w: %s", ErrPipeNotFound, pid)
	}
	return p.name, nil
}

// GetPipeIDByName finds an active pipe by name
func (b *Bus) GetPipeIDByName(name string) (id.PipeID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.pipes {
		if b.pipes[i].state == pipeActive && b.pipes[i].name == name {
			return b.pipes[i].id, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrPipeNotFound, name)
}

// PipeInfo returns a snapshot of one pipe
func (b *Bus) PipeInfo(pid id.PipeID) (PipeInfo, error) {
	b.mu.Lock()
	p := b.pipeLocked(pid)
	if p == nil {
		b.mu.Unlock()
		return PipeInfo{}, fmt.Errorf("%w: %s", ErrPipeNotFound, pid)
	}
	info := p.info()
	b.mu.Unlock()

	info.OwnerName = b.apps.AppName(info.Owner)
	return info, nil
}

// Pipes returns snapshots of every active pipe in table order
func (b *Bus) Pipes() []PipeInfo {
	b.mu.Lock()
	out := make([]PipeInfo, 0, b.stats.PipesInUse)
	for i := range b.pipes {
		if b.pipes[i].state == pipeActive {
			out = append(out, b.pipes[i].info())
		}
	}
	b.mu.Unlock()

	for i := range out {
		out[i].OwnerName = b.apps.AppName(out[i].Owner)
	}
	return out
}

func (p *pipe) info() PipeInfo {
	return PipeInfo{
		ID:         p.id,
		Name:       p.name,
		Owner:      p.owner,
		Opts:       p.opts,
		MaxDepth:   p.maxDepth,
		CurDepth:   p.curDepth,
		PeakDepth:  p.peakDepth,
		SendErrors: p.sendErrors,
	}
}

// destinationLocked re-resolves the edge a queued buffer was counted against
func (b *Bus) destinationLocked(rid id.RouteID, pid id.PipeID) *router.Destination {
	if !rid.IsValid() {
		return nil
	}
	return b.routes.Destination(rid, pid)
}

// IsPipeNotFound reports whether err indicates a stale or unknown pipe id
func IsPipeNotFound(err error) bool { return errors.Is(err, ErrPipeNotFound) }
