package mempool

import (
	"math/bits"
	"strconv"
	"unsafe"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	wordSize = int(unsafe.Sizeof(uintptr(0)))

	// Every allocation is preceded by a header word: the size class (int32,
	// largeClass for large objects) followed by the large-object slot (int32).
	headerSize = 8
	largeClass = -1

	// DefaultMaxSize is the largest request served from a size class by
	// default.
	DefaultMaxSize = 1 << 24
)

// ClassOf returns the size class serving an n-byte request and the capacity of
// that class.  Requests up to one machine word share class 0.  Above that,
// the first two classes double; after them every power-of-two range [2^(p-1),
// 2^p) is split into a 3/4*2^p class and a 2^p class, which bounds internal
// fragmentation to about a third.
func ClassOf(n int) (class, capacity int) {
	if n <= wordSize {
		return 0, wordSize
	}
	p := bits.Len(uint(n - 1)) // ceil(log2(n))
	capacity = 1 << uint(p)
	if p < wordPower+2 {
		return p - wordPower, capacity
	}
	class = 2*(p-wordPower) - 1
	if reduced := capacity - capacity>>2; reduced >= n {
		return class - 1, reduced
	}
	return class, capacity
}

// ClassCapacity returns the capacity of the given size class.
func ClassCapacity(class int) int {
	if class < 2 {
		return 1 << uint(class+wordPower)
	}
	c := 1 << uint(class/2+wordPower+1)
	if class%2 == 0 {
		c -= c >> 2
	}
	return c
}

var wordPower = bits.Len(uint(wordSize)) - 1

func alignWord(n int) int {
	return (n + wordSize - 1) &^ (wordSize - 1)
}

// header returns the header word preceding an allocation.  b must be a slice
// returned by SizeClassPool, possibly resliced from the front-preserving side.
func header(b []byte) *[2]int32 {
	return (*[2]int32)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(b)), -headerSize))
}

// SizeClassPoolOpts configures a SizeClassPool.
type SizeClassPoolOpts struct {
	// MaxSize is the largest request served from a size class; it is rounded
	// up to the capacity of its class.  Larger requests are allocated
	// individually.  <= 0 means DefaultMaxSize.
	MaxSize int
	// ExtensionFactor scales the capacity of the previous block to get the size
	// of the next one.  <= 1 means 2.
	ExtensionFactor float64
	// InitialBlockSize is the size of the first block, in bytes.  <= 0 means
	// 4096.
	InitialBlockSize int
	// BlockPool supplies blocks for size-classed allocations; LargeBlockPool
	// supplies large objects.  The pool takes its own references.  nil means a
	// private heap-backed pool.
	BlockPool      *BlockPool[byte]
	LargeBlockPool *BlockPool[byte]
	// DropThreshold: blocks smaller than this many bytes bypass the BlockPool
	// cache when the pool lets go of them.  0 means 1MiB; < 0 caches every
	// block.
	DropThreshold int
}

// largeObj is one individually allocated object.
type largeObj struct {
	blk        *Block[byte]
	prev, next *largeObj
}

// SizeClassPool is a variable-size byte allocator.  Requests up to MaxSize
// are rounded up to a size class and bump-allocated from a shared chain of
// blocks, with one free stack per class.  Larger requests get their own block
// from a second BlockPool and sit on a doubly-linked list until freed.
//
// The slices returned by Alloc have len == n and cap == the capacity actually
// reserved.  They must be handed back to Free or Realloc with their first
// element unchanged (b[:k] is fine, b[k:] is not).
type SizeClassPool struct {
	bp, lbp       *BlockPool[byte]
	maxSize       int
	caps          []int      // capacity of each class
	free          [][][]byte // per-class stacks of freed allocations, len 0
	blocks        []*Block[byte]
	blockSize     int // capacity of the newest block
	avail, end    int // bump range in the newest block
	factor        float64
	initialSize   int
	dropThreshold int
	n             int // # of live class allocations

	large     []*largeObj // indexed by the slot stored in the header
	largeFree []int32
	largeHead *largeObj
	nLarge    int
}

// NewSizeClassPool creates an empty SizeClassPool.
func NewSizeClassPool(opts SizeClassPoolOpts) *SizeClassPool {
	p := &SizeClassPool{
		factor:        opts.ExtensionFactor,
		initialSize:   opts.InitialBlockSize,
		dropThreshold: opts.DropThreshold,
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	maxClass, maxCap := ClassOf(opts.MaxSize)
	p.maxSize = maxCap
	p.caps = make([]int, maxClass+1)
	for i := range p.caps {
		p.caps[i] = ClassCapacity(i)
	}
	p.free = make([][][]byte, maxClass+1)
	if p.factor <= 1 {
		p.factor = defaultExtensionFactor
	}
	if p.initialSize <= 0 {
		p.initialSize = 4096
	}
	if p.dropThreshold == 0 {
		p.dropThreshold = defaultDropThreshold
	}
	if p.bp = opts.BlockPool; p.bp != nil {
		p.bp.Ref()
	} else {
		p.bp = NewBlockPool[byte](nil, DefaultBlockPoolOpts)
	}
	if p.lbp = opts.LargeBlockPool; p.lbp != nil {
		p.lbp.Ref()
	} else {
		p.lbp = NewBlockPool[byte](nil, DefaultBlockPoolOpts)
	}
	return p
}

// MaxSize returns the largest request served from a size class.
func (p *SizeClassPool) MaxSize() int { return p.maxSize }

// NumClasses returns the number of size classes.
func (p *SizeClassPool) NumClasses() int { return len(p.caps) }

// Len returns the number of live size-classed allocations.
func (p *SizeClassPool) Len() int { return p.n }

// LargeLen returns the number of live large objects.
func (p *SizeClassPool) LargeLen() int { return p.nLarge }

func (p *SizeClassPool) putBack(bp *BlockPool[byte], b *Block[byte]) {
	if p.dropThreshold > 0 && b.Cap() < p.dropThreshold {
		bp.Drop(b)
	} else {
		bp.Release(b)
	}
}

// brk bump-allocates size bytes, word aligned, starting a new block if the
// current one is short.
func (p *SizeClassPool) brk(size int) ([]byte, error) {
	size = alignWord(size)
	if size > p.end-p.avail {
		extend := p.initialSize
		if len(p.blocks) > 0 {
			extend = int(float64(p.blockSize) * p.factor)
		}
		if extend < size {
			extend = size
		}
		extend = alignWord(extend)
		b, err := p.bp.Acquire(extend)
		if err != nil {
			return nil, err
		}
		p.blocks = append(p.blocks, b)
		p.blockSize = b.Cap()
		p.avail, p.end = 0, extend
		if log.At(log.Debug) {
			log.Debug.Printf("mempool.SizeClassPool: block %d, %d bytes", len(p.blocks)-1, extend)
		}
	}
	buf := p.blocks[len(p.blocks)-1].buf
	s := buf[p.avail : p.avail+size : p.avail+size]
	p.avail += size
	return s, nil
}

func badSize(op string, n int) error {
	return errors.E(errors.Invalid, "mempool.SizeClassPool."+op+": negative size", strconv.Itoa(n))
}

// Alloc returns n bytes.  The memory is not zeroed.  A negative n yields an
// errors.Invalid error.
func (p *SizeClassPool) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, badSize("Alloc", n)
	}
	if n > p.maxSize {
		return p.allocLarge(n)
	}
	class, capacity := ClassOf(n)
	if k := len(p.free[class]); k > 0 {
		s := p.free[class][k-1]
		p.free[class] = p.free[class][:k-1]
		p.n++
		return s[:n], nil
	}
	s, err := p.brk(headerSize + capacity)
	if err != nil {
		return nil, err
	}
	s = s[headerSize : headerSize+n : headerSize+capacity]
	*header(s) = [2]int32{int32(class), 0}
	p.n++
	return s, nil
}

func (p *SizeClassPool) allocLarge(n int) ([]byte, error) {
	b, err := p.lbp.Acquire(headerSize + n)
	if err != nil {
		return nil, err
	}
	obj := &largeObj{blk: b, next: p.largeHead}
	if p.largeHead != nil {
		p.largeHead.prev = obj
	}
	p.largeHead = obj
	var slot int32
	if k := len(p.largeFree); k > 0 {
		slot = p.largeFree[k-1]
		p.largeFree = p.largeFree[:k-1]
		p.large[slot] = obj
	} else {
		slot = int32(len(p.large))
		p.large = append(p.large, obj)
	}
	p.nLarge++
	s := b.buf[headerSize : headerSize+n : headerSize+n]
	*header(s) = [2]int32{largeClass, slot}
	return s, nil
}

func (p *SizeClassPool) unlinkLarge(slot int32) *largeObj {
	obj := p.large[slot]
	if obj.next != nil {
		obj.next.prev = obj.prev
	}
	if obj.prev != nil {
		obj.prev.next = obj.next
	} else {
		p.largeHead = obj.next
	}
	p.large[slot] = nil
	p.largeFree = append(p.largeFree, slot)
	p.nLarge--
	return obj
}

// Free releases an allocation made by Alloc or Realloc.
func (p *SizeClassPool) Free(b []byte) {
	if cap(b) == 0 {
		log.Panicf("mempool.SizeClassPool: Free of an empty slice")
	}
	h := header(b)
	class := int(h[0])
	if class == largeClass {
		obj := p.unlinkLarge(h[1])
		p.lbp.Release(obj.blk)
		return
	}
	if class < 0 || class >= len(p.caps) {
		log.Panicf("mempool.SizeClassPool: Free of a foreign slice (class %d)", class)
	}
	full := unsafe.Slice(unsafe.SliceData(b), p.caps[class])
	p.free[class] = append(p.free[class], full[:0])
	p.n--
}

// Realloc resizes an allocation to n bytes, moving it if its current capacity
// does not fit.  Contents up to the smaller of the two sizes are preserved.
// On failure b is untouched and still owned by the caller.
func (p *SizeClassPool) Realloc(b []byte, n int) ([]byte, error) {
	if n < 0 {
		return nil, badSize("Realloc", n)
	}
	h := header(b)
	if h[0] == largeClass {
		if n > p.maxSize {
			obj := p.large[h[1]]
			nb, err := p.lbp.Grow(obj.blk, headerSize+n)
			if err != nil {
				return nil, err
			}
			obj.blk = nb
			return nb.buf[headerSize : headerSize+n : headerSize+n], nil
		}
		s, err := p.Alloc(n)
		if err != nil {
			return nil, err
		}
		copy(s, b[:cap(b)])
		p.Free(b)
		return s, nil
	}
	capacity := p.caps[h[0]]
	full := unsafe.Slice(unsafe.SliceData(b), capacity)
	if n <= capacity {
		return full[:n], nil
	}
	s, err := p.Alloc(n)
	if err != nil {
		return nil, err
	}
	copy(s, full)
	p.Free(b)
	return s, nil
}

// Rewind invalidates every size-classed allocation at once and keeps only the
// newest, largest block for reuse.  Large objects are not affected.
func (p *SizeClassPool) Rewind() {
	k := len(p.blocks)
	if k == 0 {
		return
	}
	last := p.blocks[k-1]
	for i, b := range p.blocks[:k-1] {
		p.putBack(p.bp, b)
		p.blocks[i] = nil
	}
	p.blocks[k-1] = nil
	p.blocks = append(p.blocks[:0], last)
	p.blockSize = last.Cap()
	p.avail, p.end = 0, len(last.buf)
	for i := range p.free {
		p.free[i] = nil
	}
	p.n = 0
}

// Destroy releases every block, including those of live large objects, and
// drops the pool's references to its BlockPools.  Calling Destroy more than
// once is harmless.
func (p *SizeClassPool) Destroy() {
	if p.bp == nil {
		return
	}
	for _, b := range p.blocks {
		p.putBack(p.bp, b)
	}
	p.bp.Deref()
	for obj := p.largeHead; obj != nil; obj = obj.next {
		p.putBack(p.lbp, obj.blk)
	}
	p.lbp.Deref()
	p.bp, p.lbp = nil, nil
	p.blocks = nil
	p.free = nil
	p.avail, p.end = 0, 0
	p.large, p.largeFree, p.largeHead = nil, nil, nil
	p.n, p.nLarge = 0, 0
}
