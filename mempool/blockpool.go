package mempool

import (
	"github.com/grailbio/base/log"
)

// DefaultMaxFree is the default bound on the number of blocks a BlockPool
// keeps cached.
const DefaultMaxFree = 256

// Block is a raw block handed out by a BlockPool.  cap(Data()) is the true
// capacity of the block; len(Data()) is the size last requested for it.
type Block[T any] struct {
	buf        []T
	next, prev *Block[T] // cache links; nil while the block is in use
}

// Data returns the usable part of the block.
func (b *Block[T]) Data() []T { return b.buf }

// Len returns the size last requested for the block.
func (b *Block[T]) Len() int { return len(b.buf) }

// Cap returns the true capacity of the block.
func (b *Block[T]) Cap() int { return cap(b.buf) }

// BlockPoolOpts configures a BlockPool.
type BlockPoolOpts struct {
	// MaxFree bounds the number of cached blocks.  <= 0 means DefaultMaxFree.
	MaxFree int
}

// DefaultBlockPoolOpts are the options used when none are given.
var DefaultBlockPoolOpts = BlockPoolOpts{MaxFree: DefaultMaxFree}

// BlockPool caches released blocks so that pools built on top of it do not
// hit the system allocator each time they grow or shrink.  The cache is a
// count-bounded FIFO: Release pushes at the head and, once more than MaxFree
// blocks are cached, the oldest ones are returned to the allocator.
//
// A BlockPool is reference counted.  NewBlockPool returns it with one
// reference; every pool that stores it calls Ref, and Deref when done.  When
// the count reaches zero the cache is emptied.
type BlockPool[T any] struct {
	alloc   Allocator[T]
	head    *Block[T] // newest cached block
	tail    *Block[T] // oldest cached block
	n       int       // # of cached blocks
	maxFree int
	refs    int
	nAlloc  int // # of blocks currently held from alloc, cached or not
}

// NewBlockPool creates a BlockPool with one reference.  A nil alloc means
// HeapAllocator.
func NewBlockPool[T any](alloc Allocator[T], opts BlockPoolOpts) *BlockPool[T] {
	if alloc == nil {
		alloc = HeapAllocator[T]{}
	}
	if opts.MaxFree <= 0 {
		opts.MaxFree = DefaultMaxFree
	}
	return &BlockPool[T]{alloc: alloc, maxFree: opts.MaxFree, refs: 1}
}

// Ref adds a reference.
func (p *BlockPool[T]) Ref() { p.refs++ }

// Deref drops a reference.  The last Deref frees every cached block; the pool
// must not be used afterwards.
func (p *BlockPool[T]) Deref() {
	p.refs--
	if p.refs > 0 {
		return
	}
	if p.refs < 0 {
		log.Panicf("mempool.BlockPool: Deref on a pool with no references")
	}
	if log.At(log.Debug) {
		log.Debug.Printf("mempool.BlockPool: destroying, %d cached block(s), %d outstanding", p.n, p.nAlloc-p.n)
	}
	for b := p.head; b != nil; {
		next := b.next
		p.free(b)
		b = next
	}
	p.head, p.tail, p.n = nil, nil, 0
}

// Len returns the number of cached blocks.
func (p *BlockPool[T]) Len() int { return p.n }

// NumAllocated returns the number of blocks obtained from the allocator and not
// yet returned to it, whether cached or in use.
func (p *BlockPool[T]) NumAllocated() int { return p.nAlloc }

func (p *BlockPool[T]) detach(b *Block[T]) {
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		p.tail = b.prev
	}
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		p.head = b.next
	}
	b.next, b.prev = nil, nil
	p.n--
}

func (p *BlockPool[T]) attach(b *Block[T]) {
	b.prev = nil
	b.next = p.head
	if p.head != nil {
		p.head.prev = b
	} else {
		p.tail = b
	}
	p.head = b
	p.n++
}

func (p *BlockPool[T]) free(b *Block[T]) {
	p.alloc.Free(b.buf)
	b.buf = nil
	p.nAlloc--
}

// Acquire returns a block of at least n elements, accepting a cached block of
// capacity up to 3n.
func (p *BlockPool[T]) Acquire(n int) (*Block[T], error) {
	return p.AcquireRange(n, n+(n<<1))
}

// AcquireRange returns a block with len == lo.  The first cached block whose
// capacity lies in [lo, hi] is reused; otherwise a new block of exactly lo
// elements is allocated.  On allocation failure the pool is unchanged.
func (p *BlockPool[T]) AcquireRange(lo, hi int) (*Block[T], error) {
	for b := p.head; b != nil; b = b.next {
		if c := cap(b.buf); c >= lo && c <= hi {
			p.detach(b)
			b.buf = b.buf[:lo]
			return b, nil
		}
	}
	buf, err := p.alloc.Alloc(lo)
	if err != nil {
		return nil, err
	}
	p.nAlloc++
	return &Block[T]{buf: buf}, nil
}

// Release returns b to the cache, evicting the oldest cached blocks while the
// cache holds more than MaxFree.  The caller must not touch b afterwards.
func (p *BlockPool[T]) Release(b *Block[T]) {
	p.attach(b)
	for p.n > p.maxFree {
		old := p.tail
		p.detach(old)
		p.free(old)
	}
}

// Drop returns b straight to the allocator, bypassing the cache.
func (p *BlockPool[T]) Drop(b *Block[T]) {
	p.free(b)
}

// Grow resizes b to n elements, accepting a cached replacement of capacity up
// to 3n.
func (p *BlockPool[T]) Grow(b *Block[T], n int) (*Block[T], error) {
	return p.GrowRange(b, n, n+(n<<1))
}

// GrowRange resizes b to n elements.  If b's capacity suffices it is resliced in
// place.  Otherwise a block is acquired with AcquireRange(n, hi), the old
// contents (len(b.Data()) elements) are copied over, and b is released.  On
// failure b is left untouched.
func (p *BlockPool[T]) GrowRange(b *Block[T], n, hi int) (*Block[T], error) {
	if n <= cap(b.buf) {
		b.buf = b.buf[:n]
		return b, nil
	}
	nb, err := p.AcquireRange(n, hi)
	if err != nil {
		return nil, err
	}
	copy(nb.buf, b.buf)
	p.Release(b)
	return nb, nil
}

// Join moves every block cached by other to the old end of p's cache in O(1),
// then reapplies p's MaxFree bound.  other is left empty but otherwise usable.
// Both pools must draw from the same allocator.
func (p *BlockPool[T]) Join(other *BlockPool[T]) {
	if other.head == nil {
		return
	}
	if p.tail == nil {
		p.head = other.head
	} else {
		p.tail.next = other.head
		other.head.prev = p.tail
	}
	p.tail = other.tail
	p.n += other.n
	p.nAlloc += other.n
	other.nAlloc -= other.n
	other.head, other.tail, other.n = nil, nil, 0
	for p.n > p.maxFree {
		old := p.tail
		p.detach(old)
		p.free(old)
	}
}

// Shrink keeps the newest cached blocks whose capacities add up to at most
// limit elements and frees the rest.
func (p *BlockPool[T]) Shrink(limit int) {
	total := 0
	b := p.head
	for ; b != nil; b = b.next {
		total += cap(b.buf)
		if total > limit {
			break
		}
	}
	for b != nil {
		next := b.next
		p.detach(b)
		p.free(b)
		b = next
	}
}
