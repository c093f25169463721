package interval

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bioidx/mempool"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestReg2Bin(t *testing.T) {
	tests := []struct {
		start, end PosType
		level, bin uint32
	}{
		{0, 100, 0, 0},
		{50, 60, 0, 0},
		{0, 4096, 0, 0},
		{4096, 8192, 0, 1},
		{4095, 4097, 1, 0},
		{200, 100000, 2, 0},
		{0, 1000000000, 6, 0},
		{1 << 30, 1<<30 + 1, 0, 1 << 18},
		{0, math.MaxInt32, 7, 0},
	}
	for _, test := range tests {
		level, bin := Reg2Bin(test.start, test.end, DefaultMinShift, DefaultStep)
		expect.EQ(t, level, test.level, "[%d, %d)", test.start, test.end)
		expect.EQ(t, bin, test.bin, "[%d, %d)", test.start, test.end)
	}
	// Same input, same placement, regardless of what is already stored.
	level, bin := Reg2Bin(200, 100000, 10, 2)
	expect.EQ(t, level, uint32(4))
	expect.EQ(t, bin, uint32(0))
}

// collect drains it and returns the sorted payloads.
func collect(t *testing.T, it *Iterator[string]) []string {
	var got []string
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	sort.Strings(got)
	return got
}

func search(t *testing.T, x *BinnedIndex[string], start, end PosType) []string {
	it, err := x.Search(start, end)
	require.NoError(t, err)
	return collect(t, it)
}

func TestBinnedIndexRemove(t *testing.T) {
	x := NewBinnedIndex[string](DefaultBinnedIndexOpts)
	assert.NoError(t, x.Insert(0, 100, "A"))
	assert.NoError(t, x.Insert(50, 60, "B"))
	assert.NoError(t, x.Insert(0, 1000000000, "C"))
	assert.NoError(t, x.Insert(200, 100000, "D"))
	expect.EQ(t, x.Len(), 4)
	expect.EQ(t, x.NumLevels(), 7)

	it, err := x.Search(150, 180)
	assert.NoError(t, err)
	v, ok := it.Next()
	expect.True(t, ok)
	expect.EQ(t, v, "C")
	start, end := it.Interval()
	expect.EQ(t, start, PosType(0))
	expect.EQ(t, end, PosType(1000000000))
	assert.NoError(t, it.Remove())
	_, ok = it.Next()
	expect.False(t, ok)

	expect.EQ(t, x.Len(), 3)
	expect.EQ(t, len(search(t, x, 150, 180)), 0)
	expect.EQ(t, search(t, x, 0, 100000), []string{"A", "B", "D"})
	expect.EQ(t, search(t, x, 55, 56), []string{"A", "B"})
	expect.EQ(t, x.levels[6].len(), 0)
	expect.EQ(t, x.NumLevels(), 7)
}

func TestBinnedIndexRemoveSequencing(t *testing.T) {
	x := NewBinnedIndex[string](DefaultBinnedIndexOpts)
	assert.NoError(t, x.Insert(0, 10, "A"))
	assert.NoError(t, x.Insert(5, 15, "B"))

	it, err := x.Search(0, 20)
	assert.NoError(t, err)
	err = it.Remove()
	require.True(t, errors.Is(errors.Precondition, err), "err: %v", err)

	_, ok := it.Next()
	expect.True(t, ok)
	assert.NoError(t, it.Remove())
	err = it.Remove()
	require.True(t, errors.Is(errors.Precondition, err), "err: %v", err)
	s, e := it.Interval()
	expect.EQ(t, s, PosType(0))
	expect.EQ(t, e, PosType(0))

	_, ok = it.Next()
	expect.True(t, ok)
	_, ok = it.Next()
	expect.False(t, ok)
	_, ok = it.Next()
	expect.False(t, ok)
	err = it.Remove()
	require.True(t, errors.Is(errors.Precondition, err), "err: %v", err)
	expect.EQ(t, x.Len(), 1)

	var empty Iterator[string]
	_, ok = empty.Next()
	expect.False(t, ok)
	require.Error(t, empty.Remove())
}

// Removing every item of a bin, in any position, leaves no bin behind.
func TestBinnedIndexRemoveWholeBin(t *testing.T) {
	for _, keep := range []string{"", "a", "c", "e"} {
		x := NewBinnedIndex[string](DefaultBinnedIndexOpts)
		for _, v := range []string{"a", "b", "c", "d", "e"} {
			assert.NoError(t, x.Insert(10, 20, v))
		}
		it, err := x.Search(0, 100)
		assert.NoError(t, err)
		var seen []string
		for {
			v, ok := it.Next()
			if !ok {
				break
			}
			seen = append(seen, v)
			if v != keep {
				assert.NoError(t, it.Remove())
			}
		}
		// Items of a bin come back newest first.
		expect.EQ(t, seen, []string{"e", "d", "c", "b", "a"})
		if keep == "" {
			expect.EQ(t, x.Len(), 0)
			expect.EQ(t, x.levels[0].len(), 0)
			expect.EQ(t, x.bins.Len(), 0)
			expect.EQ(t, x.items.Len(), 0)
			continue
		}
		expect.EQ(t, x.Len(), 1)
		expect.EQ(t, x.bins.Len(), 1)
		expect.EQ(t, search(t, x, 0, 100), []string{keep})
	}
}

func TestBinnedIndexValidation(t *testing.T) {
	x := NewBinnedIndex[string](BinnedIndexOpts{})
	expect.EQ(t, x.minShift, uint32(DefaultMinShift))
	expect.EQ(t, x.step, uint32(DefaultStep))
	for _, r := range [][2]PosType{{-1, 10}, {10, 10}, {10, 5}} {
		err := x.Insert(r[0], r[1], "bad")
		require.True(t, errors.Is(errors.Invalid, err), "[%d, %d): %v", r[0], r[1], err)
		_, err = x.Search(r[0], r[1])
		require.True(t, errors.Is(errors.Invalid, err), "[%d, %d): %v", r[0], r[1], err)
	}
	expect.EQ(t, x.Len(), 0)
	expect.EQ(t, x.NumLevels(), 0)
	require.Panics(t, func() { NewBinnedIndex[string](BinnedIndexOpts{MinShift: 32}) })
}

type testInterval struct {
	start, end PosType
	id         int
}

func randomIntervals(r *rand.Rand, n int) []testInterval {
	ivs := make([]testInterval, n)
	for i := range ivs {
		length := 1 + r.Intn(1<<uint(r.Intn(24)))
		start := r.Intn(1 << 26)
		ivs[i] = testInterval{PosType(start), PosType(start + length), i}
	}
	return ivs
}

func bruteForce(ivs map[int]testInterval, start, end PosType) []int {
	var ids []int
	for _, iv := range ivs {
		if iv.start < end && start < iv.end {
			ids = append(ids, iv.id)
		}
	}
	sort.Ints(ids)
	return ids
}

func searchIDs(t *testing.T, x *BinnedIndex[int], it *Iterator[int], start, end PosType) []int {
	require.NoError(t, x.SearchInto(it, start, end))
	var ids []int
	for {
		id, ok := it.Next()
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func TestBinnedIndexRandom(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	for _, opts := range []BinnedIndexOpts{DefaultBinnedIndexOpts, {MinShift: 8, Step: 1}, {MinShift: 14, Step: 4}} {
		x := NewBinnedIndex[int](opts)
		live := map[int]testInterval{}
		for _, iv := range randomIntervals(r, 5000) {
			assert.NoError(t, x.Insert(iv.start, iv.end, iv.id))
			live[iv.id] = iv
		}
		expect.EQ(t, x.Len(), len(live))

		var it Iterator[int]
		check := func() {
			for q := 0; q < 300; q++ {
				start := PosType(r.Intn(1 << 26))
				end := start + PosType(1+r.Intn(1<<uint(r.Intn(22))))
				expect.EQ(t, searchIDs(t, x, &it, start, end), bruteForce(live, start, end), "opts %+v, query [%d, %d)", opts, start, end)
			}
		}
		check()

		// Remove a third of the intervals in one pass; every interval must still
		// be visited exactly once.
		require.NoError(t, x.SearchInto(&it, 0, 1<<27))
		seen := map[int]bool{}
		for {
			id, ok := it.Next()
			if !ok {
				break
			}
			require.False(t, seen[id], "id %d visited twice", id)
			seen[id] = true
			if id%3 == 0 {
				assert.NoError(t, it.Remove())
				delete(live, id)
			}
		}
		expect.EQ(t, len(seen), 5000)
		expect.EQ(t, x.Len(), len(live))
		check()
		x.Destroy()
	}
}

func TestBinnedIndexAllocationFailure(t *testing.T) {
	itemAlloc := &mempool.CountingAllocator[item[string]]{}
	binAlloc := &mempool.CountingAllocator[bin]{Limit: 16}
	itemBlocks := mempool.NewBlockPool[item[string]](itemAlloc, mempool.DefaultBlockPoolOpts)
	binBlocks := mempool.NewBlockPool[bin](binAlloc, mempool.DefaultBlockPoolOpts)
	x := newBinnedIndex[string](DefaultBinnedIndexOpts, itemBlocks, binBlocks)

	// The first bin block holds 16 bins; the 17th distinct bin fails.
	for i := 0; i < 16; i++ {
		assert.NoError(t, x.Insert(PosType(i<<12), PosType(i<<12+1), "x"))
	}
	err := x.Insert(16<<12, 16<<12+1, "y")
	require.True(t, errors.Is(errors.Unavailable, err), "err: %v", err)
	expect.EQ(t, x.Len(), 16)
	expect.EQ(t, x.items.Len(), 16)
	expect.EQ(t, x.levels[0].len(), 16)
	expect.EQ(t, len(search(t, x, 0, 1<<20)), 16)

	// Existing bins still accept items.
	assert.NoError(t, x.Insert(5, 6, "z"))
	expect.EQ(t, x.Len(), 17)

	itemAlloc.Limit = itemAlloc.Elems()
	for err = nil; err == nil; {
		err = x.Insert(0, 1, "w")
	}
	require.True(t, errors.Is(errors.Unavailable, err), "err: %v", err)
	n := x.Len()
	expect.EQ(t, x.items.Len(), n)

	x.Destroy()
	x.Destroy()
	itemBlocks.Deref()
	binBlocks.Deref()
	expect.EQ(t, itemAlloc.Blocks(), 0)
	expect.EQ(t, binAlloc.Blocks(), 0)
}

func TestBinnedIndexDestroy(t *testing.T) {
	x := NewBinnedIndex[string](DefaultBinnedIndexOpts)
	assert.NoError(t, x.Insert(0, 100, "A"))
	assert.NoError(t, x.Insert(0, 1<<20, "B"))
	x.Destroy()
	x.Destroy()
	expect.EQ(t, x.Len(), 0)
	err := x.Insert(0, 100, "C")
	require.True(t, errors.Is(errors.Precondition, err), "err: %v", err)
	expect.EQ(t, len(search(t, x, 0, 100)), 0)
}

func BenchmarkInsert(b *testing.B) {
	ivs := randomIntervals(rand.New(rand.NewSource(0)), 1<<16)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		x := NewBinnedIndex[int](DefaultBinnedIndexOpts)
		for _, iv := range ivs {
			if err := x.Insert(iv.start, iv.end, iv.id); err != nil {
				b.Fatal(err)
			}
		}
		x.Destroy()
	}
}

func BenchmarkSearch(b *testing.B) {
	r := rand.New(rand.NewSource(0))
	x := NewBinnedIndex[int](DefaultBinnedIndexOpts)
	for _, iv := range randomIntervals(r, 1<<16) {
		if err := x.Insert(iv.start, iv.end, iv.id); err != nil {
			b.Fatal(err)
		}
	}
	var it Iterator[int]
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := PosType(r.Intn(1 << 26))
		if err := x.SearchInto(&it, start, start+1000); err != nil {
			b.Fatal(err)
		}
		for _, ok := it.Next(); ok; _, ok = it.Next() {
		}
	}
}
