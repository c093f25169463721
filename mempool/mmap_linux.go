//go:build linux
// +build linux

package mempool

import (
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// MmapAllocator allocates byte blocks as anonymous private mappings, bypassing
// the Go heap.  It is meant for the large-object side of a SizeClassPool,
// where blocks are big, long lived and invisible to the garbage collector
// anyway.  The blocks must not be used to store Go pointers.
type MmapAllocator struct {
	// HugePages requests transparent huge pages with madvise(MADV_HUGEPAGE).
	// Ubuntu activates THPs only for madvised regions by default.
	HugePages bool
}

// Alloc implements Allocator.
func (a MmapAllocator) Alloc(n int) ([]byte, error) {
	size := n
	if size == 0 {
		size = 1
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "mempool.MmapAllocator: mmap", strconv.Itoa(size), "bytes", err)
	}
	if a.HugePages {
		if err := unix.Madvise(buf, unix.MADV_HUGEPAGE); err != nil && log.At(log.Debug) {
			log.Debug.Printf("mempool.MmapAllocator: madvise(%d bytes): %v", size, err)
		}
	}
	return buf[:n], nil
}

// Free implements Allocator.
func (a MmapAllocator) Free(buf []byte) {
	if err := unix.Munmap(buf[:cap(buf)]); err != nil {
		log.Panicf("mempool.MmapAllocator: munmap: %v", err)
	}
}
