package mempool

import (
	"github.com/grailbio/base/log"
)

// Handle names a record in a SlabPool.  The upper 32 bits hold the index of
// the block in the pool's chain plus one, the lower 32 bits the slot within
// the block.  The zero Handle never names a record and serves as nil in
// linked structures built on top of a slab.
type Handle uint64

// NilHandle is the zero Handle.
const NilHandle Handle = 0

func makeHandle(block, slot int) Handle {
	return Handle(uint64(block+1)<<32 | uint64(uint32(slot)))
}

func (h Handle) block() int { return int(h>>32) - 1 }
func (h Handle) slot() int  { return int(uint32(h)) }

const (
	defaultExtensionFactor = 2
	defaultInitialLen      = 16
	// Blocks smaller than this many bytes are returned to the allocator on
	// Destroy instead of being cached.
	defaultDropThreshold = 1 << 20
)

// SlabPoolOpts configures a SlabPool.
type SlabPoolOpts[T any] struct {
	// BlockPool supplies the blocks.  The slab takes its own reference.  nil
	// means a private pool.
	BlockPool *BlockPool[T]
	// ExtensionFactor scales the capacity of the previous block to get the size
	// of the next one.  <= 1 means 2.
	ExtensionFactor float64
	// InitialLen is the number of records in the first block.  <= 0 means 16.
	InitialLen int
	// DropThreshold: on Destroy, blocks smaller than this many bytes bypass the
	// BlockPool cache.  0 means 1MiB; < 0 caches every block.
	DropThreshold int
}

// SlabPool allocates fixed-size records of type T.  Records are carved out of
// a chain of blocks that grows geometrically, and freed records are recycled
// through a stack of handles.  A record never straddles two blocks, and
// pointers returned by Get stay valid until the record is freed.
type SlabPool[T any] struct {
	bp            *BlockPool[T]
	blocks        []*Block[T] // oldest first
	avail         int         // next unused slot in the last block
	free          []Handle
	factor        float64
	initialLen    int
	dropThreshold int
	n             int // # of live records
}

// NewSlabPool creates an empty SlabPool.
func NewSlabPool[T any](opts SlabPoolOpts[T]) *SlabPool[T] {
	p := &SlabPool[T]{
		factor:        opts.ExtensionFactor,
		initialLen:    opts.InitialLen,
		dropThreshold: opts.DropThreshold,
	}
	if p.factor <= 1 {
		p.factor = defaultExtensionFactor
	}
	if p.initialLen <= 0 {
		p.initialLen = defaultInitialLen
	}
	if p.dropThreshold == 0 {
		p.dropThreshold = defaultDropThreshold
	}
	if opts.BlockPool != nil {
		opts.BlockPool.Ref()
		p.bp = opts.BlockPool
	} else {
		p.bp = NewBlockPool[T](nil, DefaultBlockPoolOpts)
	}
	return p
}

// grow appends a new block to the chain.
func (p *SlabPool[T]) grow() error {
	n := p.initialLen
	if len(p.blocks) > 0 {
		n = int(float64(p.blocks[len(p.blocks)-1].Cap()) * p.factor)
		if n < 1 {
			n = 1
		}
	}
	b, err := p.bp.Acquire(n)
	if err != nil {
		return err
	}
	// A recycled block may be larger than asked for; use all of it.
	b.buf = b.buf[:cap(b.buf)]
	p.blocks = append(p.blocks, b)
	p.avail = 0
	if log.At(log.Debug) {
		log.Debug.Printf("mempool.SlabPool: block %d, %d records", len(p.blocks)-1, len(b.buf))
	}
	return nil
}

// Allocate returns a zeroed record.  It fails only if a new block is needed
// and the BlockPool cannot provide one; records already issued are not
// affected.
func (p *SlabPool[T]) Allocate() (Handle, error) {
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.n++
		return h, nil
	}
	if len(p.blocks) == 0 || p.avail == len(p.blocks[len(p.blocks)-1].buf) {
		if err := p.grow(); err != nil {
			return NilHandle, err
		}
	}
	bi := len(p.blocks) - 1
	h := makeHandle(bi, p.avail)
	var zero T
	p.blocks[bi].buf[p.avail] = zero
	p.avail++
	p.n++
	return h, nil
}

// Get returns a pointer to the record named by h.
func (p *SlabPool[T]) Get(h Handle) *T {
	return &p.blocks[h.block()].buf[h.slot()]
}

// Free recycles the record named by h.  The record is zeroed so that values
// it referenced can be collected.  h must not be used until Allocate returns it
// again.
func (p *SlabPool[T]) Free(h Handle) {
	if h == NilHandle {
		log.Panicf("mempool.SlabPool: Free(NilHandle)")
	}
	var zero T
	*p.Get(h) = zero
	p.free = append(p.free, h)
	p.n--
}

// Len returns the number of live records.
func (p *SlabPool[T]) Len() int { return p.n }

// Destroy hands every block back to the BlockPool and drops the slab's
// reference to it.  Outstanding handles become invalid.  Calling Destroy more
// than once is harmless.
func (p *SlabPool[T]) Destroy() {
	if p.bp == nil {
		return
	}
	size := elemSize[T]()
	for _, b := range p.blocks {
		if p.dropThreshold > 0 && b.Cap()*size < p.dropThreshold {
			p.bp.Drop(b)
		} else {
			// Cached blocks must not pin whatever the records referenced.
			clear(b.buf)
			p.bp.Release(b)
		}
	}
	p.bp.Deref()
	p.bp = nil
	p.blocks = nil
	p.free = nil
	p.avail = 0
	p.n = 0
}
