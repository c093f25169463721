// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package mempool provides the block-caching allocators behind the binned
// interval index.
//
// There are three layers:
//
//   BlockPool[T]   a reference-counted, bounded FIFO cache of raw blocks
//                  obtained from an Allocator[T].
//   SlabPool[T]    fixed-size records carved out of geometrically growing
//                  blocks, addressed by Handle.
//   SizeClassPool  variable-size byte allocations bucketed into size classes,
//                  with oversized requests served individually.
//
// Nothing in this package is thread-safe.  A BlockPool may be shared by
// several slab or size-class pools (see Ref/Deref), but all of them must be
// driven from one goroutine at a time.
package mempool
