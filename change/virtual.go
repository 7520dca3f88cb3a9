package change

// VirtualResponse reports the resolved index window for a
// VirtualChangeSet.
type VirtualResponse struct {
	StartIndex int
	Size       int
	TotalCount int
}

// VirtualChangeSet is a SortedChangeSet restricted to an index window
// with a free start index (as opposed to PagedChangeSet's fixed-size
// pages).
type VirtualChangeSet[K comparable, V any] struct {
	*SortedChangeSet[K, V]
	Response VirtualResponse
}

// NewVirtualChangeSet wraps a SortedChangeSet with the resolved window
// response.
func NewVirtualChangeSet[K comparable, V any](s *SortedChangeSet[K, V], resp VirtualResponse) *VirtualChangeSet[K, V] {
	return &VirtualChangeSet[K, V]{SortedChangeSet: s, Response: resp}
}
