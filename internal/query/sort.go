package query

import "sort"

// SortSpec is an ordered field -> direction mapping (1 ascending, -1
// descending); map iteration order is not stable in Go, so callers that
// need multi-key tie-breaking pass SortSpec as a slice to preserve the
// field order the filter language's "sort" option specifies (spec
// §4.5).
type SortSpec struct {
	Field     string
	Direction int // 1 ascending, -1 descending
}

// SortDocuments sorts docs in place according to specs, comparing
// lexicographically in spec order and falling through to the next spec
// on a tie.
func SortDocuments(docs []Document, specs []SortSpec) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range specs {
			va, _ := GetPath(docs[i], s.Field)
			vb, _ := GetPath(docs[j], s.Field)
			c := Compare(va, vb)
			if s.Direction < 0 {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}
