package interval

import (
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bioidx/mempool"
)

const (
	// DefaultMinShift makes level-0 bins 4096 positions wide.
	DefaultMinShift = 12
	// DefaultStep makes each level's bins 8x wider than the previous level's.
	DefaultStep = 3
)

// Reg2Bin returns the placement of [start, end): the finest level whose
// bin-aligned blocks of 2^(minShift+step*level) positions contain the whole
// interval, and the id of that block within the level.
//
// Requires: 0 <= start < end.
func Reg2Bin(start, end PosType, minShift, step uint32) (level, bin uint32) {
	s := minShift
	beg, last := uint32(start), uint32(end-1)
	for beg>>s != last>>s {
		s += step
		level++
	}
	return level, beg >> s
}

// item is one stored interval.  Items of a bin form a singly-linked list,
// newest first.
type item[V any] struct {
	start, end PosType
	payload    V
	next       mempool.Handle
}

// bin is the head of the item list at one (level, bin id).
type bin struct {
	head mempool.Handle
	n    int32
}

// BinnedIndexOpts configures a BinnedIndex.
type BinnedIndexOpts struct {
	// MinShift is log2 of the level-0 bin width.  0 means DefaultMinShift.
	MinShift uint32
	// Step is the log2 growth of the bin width per level.  0 means DefaultStep.
	Step uint32
}

// DefaultBinnedIndexOpts are the options used when none are given.
var DefaultBinnedIndexOpts = BinnedIndexOpts{MinShift: DefaultMinShift, Step: DefaultStep}

// BinnedIndex stores half-open intervals with payloads of type V and finds
// the ones overlapping a query range.
//
// Each interval is filed under exactly one bin: the one chosen by Reg2Bin.
// Level l holds a hash map from bin id to the list of intervals filed there.
// A query visits, at every level, the bin ids its range spans and filters the
// candidates with an exact overlap test.  The number of levels grows as wider
// intervals arrive and never shrinks.
//
// Item and bin records live in two SlabPools.  BinnedIndex is not thread-safe.
type BinnedIndex[V any] struct {
	minShift, step uint32
	levels         []binMap
	items          *mempool.SlabPool[item[V]]
	bins           *mempool.SlabPool[bin]
	n              int
	destroyed      bool
}

// NewBinnedIndex creates an empty index.
func NewBinnedIndex[V any](opts BinnedIndexOpts) *BinnedIndex[V] {
	return newBinnedIndex[V](opts, nil, nil)
}

// newBinnedIndex creates an index whose slabs draw from the given block
// pools; nil pools are private.
func newBinnedIndex[V any](opts BinnedIndexOpts, itemBlocks *mempool.BlockPool[item[V]], binBlocks *mempool.BlockPool[bin]) *BinnedIndex[V] {
	if opts.MinShift == 0 {
		opts.MinShift = DefaultMinShift
	}
	if opts.Step == 0 {
		opts.Step = DefaultStep
	}
	if opts.MinShift >= 32 {
		log.Panicf("interval.NewBinnedIndex: MinShift %d out of range", opts.MinShift)
	}
	return &BinnedIndex[V]{
		minShift: opts.MinShift,
		step:     opts.Step,
		items:    mempool.NewSlabPool(mempool.SlabPoolOpts[item[V]]{BlockPool: itemBlocks}),
		bins:     mempool.NewSlabPool(mempool.SlabPoolOpts[bin]{BlockPool: binBlocks}),
	}
}

func validRange(op string, start, end PosType) error {
	if start < 0 || end <= start {
		return errors.E(errors.Invalid, "interval."+op+": invalid range", "["+strconv.Itoa(int(start))+",", strconv.Itoa(int(end))+")")
	}
	return nil
}

// Len returns the number of stored intervals.
func (x *BinnedIndex[V]) Len() int { return x.n }

// NumLevels returns the number of levels created so far.
func (x *BinnedIndex[V]) NumLevels() int { return len(x.levels) }

// Insert stores [start, end) with the given payload.  It fails with an
// errors.Invalid error unless 0 <= start < end, and with the slab's error if
// memory cannot be obtained; in the latter case the index is unchanged.
func (x *BinnedIndex[V]) Insert(start, end PosType, payload V) error {
	if x.destroyed {
		return errors.E(errors.Precondition, "interval.Insert: index destroyed")
	}
	if err := validRange("Insert", start, end); err != nil {
		return err
	}
	level, binID := Reg2Bin(start, end, x.minShift, x.step)
	for uint32(len(x.levels)) <= level {
		x.levels = append(x.levels, binMap{})
	}
	// Allocate the item before touching the bin map, so that a failure leaves
	// no empty bin behind.
	ih, err := x.items.Allocate()
	if err != nil {
		return err
	}
	m := &x.levels[level]
	bh, ok := m.get(binID)
	if !ok {
		if bh, err = x.bins.Allocate(); err != nil {
			x.items.Free(ih)
			return err
		}
		m.put(binID, bh)
	}
	b := x.bins.Get(bh)
	it := x.items.Get(ih)
	it.start, it.end, it.payload = start, end, payload
	it.next = b.head
	b.head = ih
	b.n++
	x.n++
	return nil
}

// Search returns an iterator over the stored intervals overlapping
// [start, end).  It fails with an errors.Invalid error unless 0 <= start < end.
func (x *BinnedIndex[V]) Search(start, end PosType) (*Iterator[V], error) {
	it := &Iterator[V]{}
	if err := x.SearchInto(it, start, end); err != nil {
		return nil, err
	}
	return it, nil
}

// SearchInto is like Search, but reinitializes an existing iterator instead of
// allocating one.
func (x *BinnedIndex[V]) SearchInto(it *Iterator[V], start, end PosType) error {
	if err := validRange("Search", start, end); err != nil {
		return err
	}
	it.reset(x, start, end)
	return nil
}

// Destroy returns every item and bin to the slabs and then destroys the slabs.
// Iterators over the index must not be used afterwards.  Calling Destroy more
// than once is harmless.
func (x *BinnedIndex[V]) Destroy() {
	if x.destroyed {
		return
	}
	for l := range x.levels {
		x.levels[l].each(func(_ uint32, bh mempool.Handle) {
			b := x.bins.Get(bh)
			for ih := b.head; ih != mempool.NilHandle; {
				next := x.items.Get(ih).next
				x.items.Free(ih)
				ih = next
			}
			x.bins.Free(bh)
		})
	}
	if log.At(log.Debug) {
		log.Debug.Printf("interval.BinnedIndex: destroyed %d item(s) in %d level(s)", x.n, len(x.levels))
	}
	x.levels = nil
	x.items.Destroy()
	x.bins.Destroy()
	x.n = 0
	x.destroyed = true
}
