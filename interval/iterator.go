package interval

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bioidx/mempool"
)

type iterState uint8

const (
	// iterFresh: no item yielded yet.
	iterFresh iterState = iota
	// iterPositioned: the last Next yielded cur; Remove is allowed.
	iterPositioned
	// iterRemoved: the item yielded by the last Next has been removed.
	iterRemoved
	// iterExhausted: Next has reported the end; it will keep doing so.
	iterExhausted
)

// Iterator walks the intervals of a BinnedIndex that overlap a query range,
// level by level from the finest, and can remove them on the way.
//
// An Iterator is produced by Search or SearchInto and may be reused through
// SearchInto.  The zero Iterator, and any iterator for a key a Collection does
// not hold, is empty.  Several iterators may read the same index as long as
// nobody modifies it; Remove is only safe through the iterator whose Next
// produced the item, and Insert invalidates every live iterator of the index.
type Iterator[V any] struct {
	x          *BinnedIndex[V]
	start, end PosType
	state      iterState
	level      int
	// binID walks [first bin id, lastBin] at the current level.
	binID, lastBin int64
	binH           mempool.Handle // bin being walked
	cur, prev      mempool.Handle // current item and its predecessor in the bin
}

func (it *Iterator[V]) reset(x *BinnedIndex[V], start, end PosType) {
	*it = Iterator[V]{
		x:       x,
		start:   start,
		end:     end,
		level:   -1,
		binID:   0,
		lastBin: -1,
	}
}

// nextBin moves to the next bin overlapping the query, descending to coarser
// levels as needed, and points cur at its first item.  It returns false once
// every level has been visited.
func (it *Iterator[V]) nextBin() bool {
	x := it.x
	for {
		it.binID++
		if it.binID > it.lastBin {
			l := it.level + 1
			for l < len(x.levels) && x.levels[l].len() == 0 {
				l++
			}
			if l >= len(x.levels) {
				it.binID--
				return false
			}
			it.level = l
			shift := x.minShift + x.step*uint32(l)
			it.binID = int64(uint32(it.start) >> shift)
			it.lastBin = int64(uint32(it.end-1) >> shift)
		}
		if bh, ok := x.levels[it.level].get(uint32(it.binID)); ok {
			it.binH = bh
			it.cur = x.bins.Get(bh).head
			it.prev = mempool.NilHandle
			return true
		}
	}
}

// Next returns the payload of the next stored interval overlapping the query.
// ok is false once the iterator is exhausted, and stays false.
func (it *Iterator[V]) Next() (payload V, ok bool) {
	if it.x == nil || it.state == iterExhausted {
		return payload, false
	}
	x := it.x
	for {
		if it.cur != mempool.NilHandle {
			it.prev = it.cur
			it.cur = x.items.Get(it.cur).next
		}
		if it.cur == mempool.NilHandle {
			if !it.nextBin() {
				it.state = iterExhausted
				return payload, false
			}
			if it.cur == mempool.NilHandle {
				continue
			}
		}
		e := x.items.Get(it.cur)
		if max(it.start, e.start) < min(it.end, e.end) {
			it.state = iterPositioned
			return e.payload, true
		}
	}
}

// Interval returns the bounds of the interval last returned by Next.  It must
// only be called while Remove would be legal.
func (it *Iterator[V]) Interval() (start, end PosType) {
	if it.state != iterPositioned {
		return 0, 0
	}
	e := it.x.items.Get(it.cur)
	return e.start, e.end
}

// Remove deletes the interval last returned by Next from the index.  It fails
// with an errors.Precondition error unless the previous call on the iterator
// was a Next that returned an item.  Iteration continues with the item that
// followed the removed one.
func (it *Iterator[V]) Remove() error {
	if it.state != iterPositioned {
		return errors.E(errors.Precondition, "interval.Iterator.Remove: no current item")
	}
	x := it.x
	e := x.items.Get(it.cur)
	b := x.bins.Get(it.binH)
	if it.prev == mempool.NilHandle {
		if e.next == mempool.NilHandle {
			x.bins.Free(it.binH)
			x.levels[it.level].del(uint32(it.binID))
			it.binH = mempool.NilHandle
		} else {
			b.head = e.next
			b.n--
		}
		x.items.Free(it.cur)
		// Revisit this bin id on the next call: it may still hold items.
		it.cur = mempool.NilHandle
		it.binID--
	} else {
		x.items.Get(it.prev).next = e.next
		b.n--
		x.items.Free(it.cur)
		it.cur = it.prev
	}
	x.n--
	it.state = iterRemoved
	return nil
}
