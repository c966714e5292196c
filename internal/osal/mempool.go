package osal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrOutOfMemory  = errors.New("osal: memory pool exhausted")
	ErrInvalidBlock = errors.New("osal: block does not belong to pool")
	ErrBlockTooBig  = errors.New("osal: request exceeds largest block size")
)

// DefaultBlockSizes mirrors a typical flight memory pool configuration
var DefaultBlockSizes = []int{
	32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536,
}

// PoolStats is a point-in-time view of pool usage
type PoolStats struct {
	Capacity     int
	BytesInUse   int
	PeakBytes    int
	BlocksInUse  int
	AllocErrors  int
	FreeByClass  map[int]int
	CarvedBlocks int
}

// MemPool hands out byte blocks from a fixed budget. Requests are rounded up
// to the smallest fitting size class; freed blocks are kept on a per-class
// free list and reused before new memory is carved.
type MemPool struct {
	mu       sync.Mutex
	capacity int
	carved   int
	classes  []int
	free     map[int][][]byte
	stats    PoolStats
}

// NewMemPool creates a pool with a total budget of capacity bytes
func NewMemPool(capacity int, blockSizes []int) (*MemPool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("osal: invalid pool capacity %d", capacity)
	}
	if len(blockSizes) == 0 {
		blockSizes = DefaultBlockSizes
	}
	classes := append([]int(nil), blockSizes...)
	sort.Ints(classes)
	if classes[0] <= 0 {
		return nil, fmt.Errorf("osal: invalid block size %d", classes[0])
	}

	return &MemPool{
		capacity: capacity,
		classes:  classes,
		free:     make(map[int][][]byte, len(classes)),
		stats:    PoolStats{Capacity: capacity},
	}, nil
}

// MaxBlockSize returns the largest request the pool can serve
func (p *MemPool) MaxBlockSize() int {
	return p.classes[len(p.classes)-1]
}

func (p *MemPool) classFor(size int) (int, bool) {
	i := sort.SearchInts(p.classes, size)
	if i == len(p.classes) {
		return 0, false
	}
	return p.classes[i], true
}

// Alloc returns a block with len == size and cap equal to its size class.
// The block contents are not zeroed.
func (p *MemPool) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("osal: invalid allocation size %d", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	class, ok := p.classFor(size)
	if !ok {
		p.stats.AllocErrors++
		return nil, fmt.Errorf("%w: %d > %d", ErrBlockTooBig, size, p.MaxBlockSize())
	}

	var block []byte
	if list := p.free[class]; len(list) > 0 {
		block = list[len(list)-1]
		p.free[class] = list[:len(list)-1]
	} else {
		if p.carved+class > p.capacity {
			p.stats.AllocErrors++
			return nil, fmt.Errorf("%w: need %d bytes, %d carved of %d", ErrOutOfMemory, class, p.carved, p.capacity)
		}
		block = make([]byte, class)
		p.carved += class
		p.stats.CarvedBlocks++
	}

	p.stats.BlocksInUse++
	p.stats.BytesInUse += class
	if p.stats.BytesInUse > p.stats.PeakBytes {
		p.stats.PeakBytes = p.stats.BytesInUse
	}
	return block[:size], nil
}

// Free returns a block obtained from Alloc
func (p *MemPool) Free(block []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := cap(block)
	if _, ok := p.free[class]; !ok {
		if c, found := p.classFor(class); !found || c != class {
			return fmt.Errorf("%w: cap %d", ErrInvalidBlock, class)
		}
	}
	if p.stats.BlocksInUse == 0 {
		return fmt.Errorf("%w: no blocks outstanding", ErrInvalidBlock)
	}

	p.free[class] = append(p.free[class], block[:class])
	p.stats.BlocksInUse--
	p.stats.BytesInUse -= class
	return nil
}

// Stats returns a copy of the pool statistics
func (p *MemPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.FreeByClass = make(map[int]int, len(p.free))
	for class, list := range p.free {
		s.FreeByClass[class] = len(list)
	}
	return s
}
