package interval

import (
	"github.com/grailbio/hts/sam"
)

// SearchRecord returns an iterator over the forward-strand intervals of
// r's reference that overlap the reference span of r.  A record that consumes
// no reference bases is treated as covering its start position.  Unmapped
// records (no reference) yield an empty iterator.
func (c *Collection[V]) SearchRecord(r *sam.Record) (*Iterator[V], error) {
	if r.Ref == nil || r.Ref.ID() < 0 || r.Pos < 0 {
		return &Iterator[V]{}, nil
	}
	start := PosType(r.Pos)
	end := PosType(r.End())
	if end <= start {
		end = start + 1
	}
	return c.Search(Key{RefID: int32(r.Ref.ID())}, start, end)
}
