/*Package interval implements an in-memory index of genomic intervals that
  supports overlap queries and deletion while iterating.
  Intervals are half-open, [start, end), and are filed into a hierarchy of
  fixed-width bins in the manner of the BAM/tabix binning schemes, except that
  the number of levels is not fixed in advance.
  A Collection keeps one BinnedIndex per (reference, strand) key.
  It assumes every position fits in a PosType, which is currently defined as
  int32 since that's what BAM files are limited to.
*/
package interval

// PosType is the type used to represent genomic positions.
type PosType int32
