package mempool

import (
	"strconv"
	"unsafe"

	"github.com/grailbio/base/errors"
)

// Allocator is the system allocator underneath a BlockPool.  Alloc returns a
// slice with len == n.  Free is handed back exactly the slice Alloc returned,
// possibly resliced to a different length (never a different capacity).
type Allocator[T any] interface {
	Alloc(n int) ([]T, error)
	Free(buf []T)
}

// HeapAllocator allocates from the Go heap.  Free is a no-op; the garbage
// collector reclaims the block once the pool drops it.
type HeapAllocator[T any] struct{}

// Alloc implements Allocator.
func (HeapAllocator[T]) Alloc(n int) ([]T, error) {
	return make([]T, n), nil
}

// Free implements Allocator.
func (HeapAllocator[T]) Free([]T) {}

// CountingAllocator wraps another allocator and keeps track of what is
// outstanding.  If Limit > 0, an Alloc that would push the number of
// outstanding elements past Limit fails with an errors.Unavailable error.  It is
// mostly useful for leak accounting and for exercising allocation-failure
// paths.
type CountingAllocator[T any] struct {
	// Base is the wrapped allocator.  nil means HeapAllocator.
	Base Allocator[T]
	// Limit bounds the number of outstanding elements.  0 means no bound.
	Limit int

	blocks int // # of outstanding blocks
	elems  int // total capacity of outstanding blocks
	total  int // # of successful Alloc calls, ever
}

// Alloc implements Allocator.
func (a *CountingAllocator[T]) Alloc(n int) ([]T, error) {
	if a.Limit > 0 && a.elems+n > a.Limit {
		return nil, errors.E(errors.Unavailable, "mempool.CountingAllocator: request for", strconv.Itoa(n),
			"elements exceeds limit", strconv.Itoa(a.Limit))
	}
	base := a.Base
	if base == nil {
		base = HeapAllocator[T]{}
	}
	buf, err := base.Alloc(n)
	if err != nil {
		return nil, err
	}
	a.blocks++
	a.elems += cap(buf)
	a.total++
	return buf, nil
}

// Free implements Allocator.
func (a *CountingAllocator[T]) Free(buf []T) {
	a.blocks--
	a.elems -= cap(buf)
	if a.Base != nil {
		a.Base.Free(buf)
	}
}

// Blocks returns the number of blocks allocated and not yet freed.
func (a *CountingAllocator[T]) Blocks() int { return a.blocks }

// Elems returns the total capacity of the blocks allocated and not yet freed.
func (a *CountingAllocator[T]) Elems() int { return a.elems }

// Total returns the number of successful Alloc calls.
func (a *CountingAllocator[T]) Total() int { return a.total }

// elemSize returns the size of one T, in bytes.  Zero-sized types count as
// one byte so that block-size thresholds stay meaningful.
func elemSize[T any]() int {
	var zero T
	if n := int(unsafe.Sizeof(zero)); n > 0 {
		return n
	}
	return 1
}
