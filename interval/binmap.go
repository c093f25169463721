package interval

import (
	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/bioidx/mempool"
)

// binMap maps bin ids to Bin records for one level of a BinnedIndex.  It is a
// vanilla linear-probing hash table; the upper bits of farmhash(bin id) pick
// the home slot.  Deletion shifts later members of the probe run backwards,
// so there are no tombstones and lookups stop at the first empty slot.
//
// An empty slot is one whose value is mempool.NilHandle.
type binMap struct {
	keys  []uint32
	vals  []mempool.Handle
	n     int
	shift uint // 64 - log2(len(keys))
}

const (
	binMapMinSize = 8
	// The table doubles once it is more than 3/4 full.
	binMapLoadNum, binMapLoadDen = 3, 4
)

func hashBin(bin uint32) uint64 {
	return farm.Hash64WithSeed(nil, uint64(bin))
}

func (m *binMap) home(bin uint32) int {
	return int(hashBin(bin) >> m.shift)
}

func (m *binMap) len() int { return m.n }

// find returns the slot holding bin, or -1.
func (m *binMap) find(bin uint32) int {
	if m.n == 0 {
		return -1
	}
	mask := len(m.keys) - 1
	for i := m.home(bin); m.vals[i] != mempool.NilHandle; i = (i + 1) & mask {
		if m.keys[i] == bin {
			return i
		}
	}
	return -1
}

func (m *binMap) get(bin uint32) (mempool.Handle, bool) {
	if i := m.find(bin); i >= 0 {
		return m.vals[i], true
	}
	return mempool.NilHandle, false
}

// put inserts or replaces the value for bin.  v must not be NilHandle.
func (m *binMap) put(bin uint32, v mempool.Handle) {
	if (m.n+1)*binMapLoadDen > len(m.keys)*binMapLoadNum {
		m.resize()
	}
	mask := len(m.keys) - 1
	i := m.home(bin)
	for ; m.vals[i] != mempool.NilHandle; i = (i + 1) & mask {
		if m.keys[i] == bin {
			m.vals[i] = v
			return
		}
	}
	m.keys[i], m.vals[i] = bin, v
	m.n++
}

func (m *binMap) resize() {
	size := binMapMinSize
	shift := uint(64 - 3)
	for size*binMapLoadNum < (m.n+1)*binMapLoadDen*2 {
		size *= 2
		shift--
	}
	oldKeys, oldVals := m.keys, m.vals
	m.keys = make([]uint32, size)
	m.vals = make([]mempool.Handle, size)
	m.shift = shift
	mask := size - 1
	for j, v := range oldVals {
		if v == mempool.NilHandle {
			continue
		}
		i := m.home(oldKeys[j])
		for m.vals[i] != mempool.NilHandle {
			i = (i + 1) & mask
		}
		m.keys[i], m.vals[i] = oldKeys[j], v
	}
}

// del removes bin, if present.
func (m *binMap) del(bin uint32) {
	i := m.find(bin)
	if i < 0 {
		return
	}
	mask := len(m.keys) - 1
	for j := i; ; {
		m.vals[i] = mempool.NilHandle
		for {
			j = (j + 1) & mask
			if m.vals[j] == mempool.NilHandle {
				m.n--
				return
			}
			// The entry at j may move into the hole at i only if its home slot
			// does not lie cyclically in (i, j].
			h := m.home(m.keys[j])
			if i <= j {
				if i < h && h <= j {
					continue
				}
			} else if i < h || h <= j {
				continue
			}
			break
		}
		m.keys[i], m.vals[i] = m.keys[j], m.vals[j]
		i = j
	}
}

// each calls fn for every entry.  fn must not modify the map.
func (m *binMap) each(fn func(bin uint32, v mempool.Handle)) {
	for i, v := range m.vals {
		if v != mempool.NilHandle {
			fn(m.keys[i], v)
		}
	}
}
