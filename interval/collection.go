package interval

import (
	"fmt"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bioidx/mempool"
)

// UnplacedRefID is the reference id of unplaced features.  It is never a
// valid key.
const UnplacedRefID = int32(-1)

// Key identifies one index of a Collection: a reference sequence and a
// strand.  Forward-strand and strandless features share a key; reverse-strand
// features of the same reference get their own.
type Key struct {
	RefID   int32
	Reverse bool
}

// KeyOf returns the key for a feature on reference refID with the given strand
// character ('+', '-', '.', ...).  Only '-' on a placed reference selects the
// reverse strand.
func KeyOf(refID int32, strand byte) Key {
	return Key{RefID: refID, Reverse: refID >= 0 && strand == '-'}
}

func (k Key) String() string {
	if k.Reverse {
		return fmt.Sprintf("%d-", k.RefID)
	}
	return fmt.Sprintf("%d", k.RefID)
}

// keyedIndex is the llrb entry of a Collection.
type keyedIndex[V any] struct {
	key Key
	idx *BinnedIndex[V]
}

// Compare orders entries by reference id, then forward before reverse.
func (e keyedIndex[V]) Compare(c llrb.Comparable) int {
	k2 := c.(keyedIndex[V]).key
	if e.key.RefID != k2.RefID {
		if e.key.RefID < k2.RefID {
			return -1
		}
		return 1
	}
	if e.key.Reverse == k2.Reverse {
		return 0
	}
	if k2.Reverse {
		return -1
	}
	return 1
}

// CollectionOpts configures a Collection.
type CollectionOpts struct {
	// MinShift and Step configure every index the collection creates on
	// demand.  Zero values mean DefaultMinShift and DefaultStep.
	MinShift, Step uint32
	// MaxFree bounds the number of blocks cached by the block pools the
	// collection's indexes share.  <= 0 means mempool.DefaultMaxFree.
	MaxFree int
}

// DefaultCollectionOpts are the options used when none are given.
var DefaultCollectionOpts = CollectionOpts{MinShift: DefaultMinShift, Step: DefaultStep}

// Collection is a set of BinnedIndexes, one per Key, created on first insert.
// The indexes share a pair of block pools, so that memory released by one
// index (on Destroy) can be picked up by another.
//
// Collection is not thread-safe for writers.  Search, SearchInto, Index and
// iteration without Remove do not modify the collection and may run
// concurrently with each other.
type Collection[V any] struct {
	opts       CollectionOpts
	tree       llrb.Tree
	itemBlocks *mempool.BlockPool[item[V]]
	binBlocks  *mempool.BlockPool[bin]
	// lastKey/lastIdx cache the index most recently inserted into.
	// Consecutive inserts usually hit the same reference.  Only writers
	// update the cache.
	lastKey   Key
	lastIdx   *BinnedIndex[V]
	destroyed bool
}

// NewCollection creates an empty Collection.
func NewCollection[V any](opts CollectionOpts) *Collection[V] {
	if opts.MinShift == 0 {
		opts.MinShift = DefaultMinShift
	}
	if opts.Step == 0 {
		opts.Step = DefaultStep
	}
	bpOpts := mempool.BlockPoolOpts{MaxFree: opts.MaxFree}
	return &Collection[V]{
		opts:       opts,
		itemBlocks: mempool.NewBlockPool[item[V]](nil, bpOpts),
		binBlocks:  mempool.NewBlockPool[bin](nil, bpOpts),
	}
}

// Index returns the index for key, or nil.
func (c *Collection[V]) Index(key Key) *BinnedIndex[V] {
	if c.lastIdx != nil && c.lastKey == key {
		return c.lastIdx
	}
	e := c.tree.Get(keyedIndex[V]{key: key})
	if e == nil {
		return nil
	}
	return e.(keyedIndex[V]).idx
}

func (c *Collection[V]) create(key Key, opts BinnedIndexOpts) *BinnedIndex[V] {
	idx := newBinnedIndex[V](opts, c.itemBlocks, c.binBlocks)
	c.tree.Insert(keyedIndex[V]{key: key, idx: idx})
	c.lastKey, c.lastIdx = key, idx
	if log.At(log.Debug) {
		log.Debug.Printf("interval.Collection: new index for key %v (minShift %d, step %d)", key, idx.minShift, idx.step)
	}
	return idx
}

func (c *Collection[V]) checkKey(op string, key Key) error {
	if c.destroyed {
		return errors.E(errors.Precondition, "interval.Collection."+op+": collection destroyed")
	}
	if key.RefID == UnplacedRefID {
		return errors.E(errors.Invalid, "interval.Collection."+op+": unplaced reference id", key.String())
	}
	return nil
}

// AddReference creates the index for key with its own binning parameters.  It
// fails with an errors.Exists error if the key already has an index.
func (c *Collection[V]) AddReference(key Key, minShift, step uint32) error {
	if err := c.checkKey("AddReference", key); err != nil {
		return err
	}
	if c.Index(key) != nil {
		return errors.E(errors.Exists, "interval.Collection.AddReference: key", key.String(), "already indexed")
	}
	c.create(key, BinnedIndexOpts{MinShift: minShift, Step: step})
	return nil
}

// Insert stores [start, end) with the given payload under key, creating the
// key's index if needed.  The unplaced reference id is rejected with an
// errors.Invalid error.
func (c *Collection[V]) Insert(key Key, start, end PosType, payload V) error {
	if err := c.checkKey("Insert", key); err != nil {
		return err
	}
	if err := validRange("Insert", start, end); err != nil {
		return err
	}
	idx := c.Index(key)
	if idx == nil {
		idx = c.create(key, BinnedIndexOpts{MinShift: c.opts.MinShift, Step: c.opts.Step})
	}
	c.lastKey, c.lastIdx = key, idx
	return idx.Insert(start, end, payload)
}

// Search returns an iterator over the intervals stored under key that overlap
// [start, end).  A key without an index yields an empty iterator; only an
// invalid range is an error.
func (c *Collection[V]) Search(key Key, start, end PosType) (*Iterator[V], error) {
	it := &Iterator[V]{}
	if err := c.SearchInto(it, key, start, end); err != nil {
		return nil, err
	}
	return it, nil
}

// SearchInto is like Search, but reinitializes an existing iterator.
func (c *Collection[V]) SearchInto(it *Iterator[V], key Key, start, end PosType) error {
	if err := validRange("Search", start, end); err != nil {
		return err
	}
	if idx := c.Index(key); idx != nil {
		it.reset(idx, start, end)
	} else {
		*it = Iterator[V]{}
	}
	return nil
}

// Len returns the number of intervals stored under all keys.
func (c *Collection[V]) Len() int {
	n := 0
	c.Do(func(_ Key, idx *BinnedIndex[V]) bool {
		n += idx.Len()
		return false
	})
	return n
}

// NumKeys returns the number of keys with an index.
func (c *Collection[V]) NumKeys() int { return c.tree.Len() }

// Do calls fn for every key and its index in key order, stopping early if fn
// returns true.
func (c *Collection[V]) Do(fn func(key Key, idx *BinnedIndex[V]) bool) {
	c.tree.Do(func(e llrb.Comparable) bool {
		ki := e.(keyedIndex[V])
		return fn(ki.key, ki.idx)
	})
}

// Destroy destroys every index, then releases the shared block pools.
// Indexes already destroyed through Index(key).Destroy() are skipped.
// Calling Destroy more than once is harmless.
func (c *Collection[V]) Destroy() {
	if c.destroyed {
		return
	}
	c.Do(func(_ Key, idx *BinnedIndex[V]) bool {
		idx.Destroy()
		return false
	})
	c.tree = llrb.Tree{}
	c.lastIdx = nil
	c.itemBlocks.Deref()
	c.binBlocks.Deref()
	c.destroyed = true
}
