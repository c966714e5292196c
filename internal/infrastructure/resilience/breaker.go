package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned by Do while the breaker is open or a probe is in flight
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker
type Settings struct {
	// Trip opens the breaker after this many consecutive failures
	Trip uint32
	// Cooldown is how long the breaker stays open before probing
	Cooldown time.Duration
	// OnStateChange is called outside the lock after each transition
	OnStateChange func(name string, from, to State)
	Clock         clock.Clock
}

// Counts holds breaker statistics
type Counts struct {
	Successes           uint64 `json:"successes"`
	Failures            uint64 `json:"failures"`
	Rejected            uint64 `json:"rejected"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name     string
	settings Settings

	mu      sync.Mutex
	state   State
	counts  Counts
	reopen  time.Time // Valid while open
	probing bool
}

// New creates a breaker. Zero settings default to five failures and a
// ten second cooldown.
func New(name string, settings Settings) *Breaker {
	if settings.Trip == 0 {
		settings.Trip = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 10 * time.Second
	}
	if settings.Clock == nil {
		settings.Clock = clock.New()
	}
	return &Breaker{name: name, settings: settings}
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving an expired open breaker to half-open
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.refreshLocked()
	s := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return s
}

// Counts returns a copy of the statistics
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn unless the breaker rejects it. A panic in fn counts as a
// failure and is re-raised.
func (b *Breaker) Do(fn func() error) (err error) {
	if !b.allow() {
		return ErrOpen
	}
	defer func() {
		if r := recover(); r != nil {
			b.record(false)
			panic(r)
		}
		b.record(err == nil)
	}()
	return fn()
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	from, to := b.refreshLocked()
	ok := true
	switch b.state {
	case StateOpen:
		ok = false
	case StateHalfOpen:
		if b.probing {
			ok = false
		} else {
			b.probing = true
		}
	}
	if !ok {
		b.counts.Rejected++
	}
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	prev := b.state
	if success {
		b.counts.Successes++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.setLocked(StateClosed)
		}
	} else {
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		if b.state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.settings.Trip {
			b.setLocked(StateOpen)
		}
	}
	b.probing = false
	next := b.state
	b.mu.Unlock()
	if prev != next {
		b.notify(prev, next)
	}
}

// refreshLocked moves an open breaker past its cooldown to half-open and
// reports the transition, if any
func (b *Breaker) refreshLocked() (State, State) {
	if b.state == StateOpen && !b.settings.Clock.Now().Before(b.reopen) {
		b.setLocked(StateHalfOpen)
		return StateOpen, StateHalfOpen
	}
	return b.state, b.state
}

func (b *Breaker) setLocked(s State) {
	b.state = s
	if s == StateOpen {
		b.reopen = b.settings.Clock.Now().Add(b.settings.Cooldown)
	}
	if s == StateClosed {
		b.counts.ConsecutiveFailures = 0
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
