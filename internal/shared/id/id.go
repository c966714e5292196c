// Package id provides the identifier types shared across the bus.
//
// Two families of identifiers live here:
//   - Handles: generation-tagged resource ids (pipes, routes, apps, tasks).
//     A handle packs a table index with the generation of the slot it was
//     issued from, so a handle that outlives its slot never matches the
//     slot's next occupant.
//   - ULIDs: sortable, prefixed ids for transactions and trace spans.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Generation-Tagged Handles
// ============================================================================

// MaxIndex is the largest table index a handle can carry.
const MaxIndex = 0xFFFE

// PipeID identifies a pipe table slot at a specific generation
type PipeID uint32

// RouteID identifies a routing table entry
type RouteID uint32

// AppID identifies a registered application
type AppID uint32

// TaskID identifies a task belonging to an application
type TaskID uint32

// pack builds the raw handle value. Index is stored off by one so the zero
// value is never a valid handle.
func pack(index int, gen uint16) uint32 {
	if index < 0 || index > MaxIndex {
		panic(fmt.Sprintf("id: index %d out of range", index))
	}
	if gen == 0 {
		gen = 1
	}
	return uint32(gen)<<16 | uint32(index+1)
}

func index(v uint32) int         { return int(v&0xFFFF) - 1 }
func generation(v uint32) uint16 { return uint16(v >> 16) }

// NextGeneration advances a slot generation, skipping zero.
func NextGeneration(gen uint16) uint16 {
	gen++
	if gen == 0 {
		gen = 1
	}
	return gen
}

// MakePipeID builds a pipe handle
func MakePipeID(idx int, gen uint16) PipeID { return PipeID(pack(idx, gen)) }

// MakeRouteID builds a route handle
func MakeRouteID(idx int, gen uint16) RouteID { return RouteID(pack(idx, gen)) }

// MakeAppID builds an app handle
func MakeAppID(idx int, gen uint16) AppID { return AppID(pack(idx, gen)) }

// MakeTaskID builds a task handle
func MakeTaskID(idx int, gen uint16) TaskID { return TaskID(pack(idx, gen)) }

func (p PipeID) IsValid() bool      { return p != 0 }
func (p PipeID) Index() int         { return index(uint32(p)) }
func (p PipeID) Generation() uint16 { return generation(uint32(p)) }
func (p PipeID) String() string     { return format("pipe", uint32(p)) }

func (r RouteID) IsValid() bool      { return r != 0 }
func (r RouteID) Index() int         { return index(uint32(r)) }
func (r RouteID) Generation() uint16 { return generation(uint32(r)) }
func (r RouteID) String() string     { return format("route", uint32(r)) }

func (a AppID) IsValid() bool      { return a != 0 }
func (a AppID) Index() int         { return index(uint32(a)) }
func (a AppID) Generation() uint16 { return generation(uint32(a)) }
func (a AppID) String() string     { return format("app", uint32(a)) }

func (t TaskID) IsValid() bool      { return t != 0 }
func (t TaskID) Index() int         { return index(uint32(t)) }
func (t TaskID) Generation() uint16 { return generation(uint32(t)) }
func (t TaskID) String() string     { return format("task", uint32(t)) }

func format(prefix string, v uint32) string {
	if v == 0 {
		return prefix + "_undefined"
	}
	return fmt.Sprintf("%s_%d.%d", prefix, index(v), generation(v))
}

// ============================================================================
// ULID Generator
// ============================================================================

// TxnID identifies one transmit or receive transaction
type TxnID string

// SpanID identifies a trace span
type SpanID string

const (
	TxnPrefix  = "txn"
	SpanPrefix = "span"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Tests use it for deterministic output.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTxnID generates a new transaction ID
func NewTxnID() TxnID {
	return TxnID(Default().GenerateWithPrefix(TxnPrefix))
}

// NewSpanID generates a new span ID
func NewSpanID() SpanID {
	return SpanID(Default().GenerateWithPrefix(SpanPrefix))
}

func (t TxnID) String() string  { return string(t) }
func (s SpanID) String() string { return string(s) }

// Timestamp extracts the creation time from a prefixed or bare ULID string
func Timestamp(s string) (time.Time, error) {
	if n := len(s); n > ulid.EncodedSize {
		s = s[n-ulid.EncodedSize:]
	}
	parsed, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
