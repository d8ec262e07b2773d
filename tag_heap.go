package opqueue

// heapKind selects which head tag a clientHeap orders by.
type heapKind int

const (
	resvHeap heapKind = iota
	propHeap
	limitHeap

	numHeaps
)

// clientHeap is a min-heap of client records keyed by the tags of each
// record's front request. Only records with pending requests are stored.
//
// Every record tracks its position in each heap (heapIdx) so a record can
// be fixed or removed in O(log n) after its front request changes.
type clientHeap[K comparable, T any] struct {
	kind heapKind
	recs []*clientRec[K, T]
}

func (h *clientHeap[K, T]) Len() int { return len(h.recs) }

func (h *clientHeap[K, T]) Less(i, j int) bool {
	a, b := h.recs[i].reqs.Front(), h.recs[j].reqs.Front()
	switch h.kind {
	case resvHeap:
		// only requests under their limit may be served by reservation
		if a.tag.ready != b.tag.ready {
			return a.tag.ready
		}
		if a.tag.reservation != b.tag.reservation {
			return a.tag.reservation < b.tag.reservation
		}
	case propHeap:
		// ready requests rise above everything still waiting on a limit
		if a.tag.ready != b.tag.ready {
			return a.tag.ready
		}
		if a.tag.proportion != b.tag.proportion {
			return a.tag.proportion < b.tag.proportion
		}
	case limitHeap:
		// ready requests sink so the top is the next one to promote
		if a.tag.ready != b.tag.ready {
			return b.tag.ready
		}
		if a.tag.limit != b.tag.limit {
			return a.tag.limit < b.tag.limit
		}
	}
	return a.seq < b.seq
}

func (h *clientHeap[K, T]) Swap(i, j int) {
	h.recs[i], h.recs[j] = h.recs[j], h.recs[i]
	h.recs[i].heapIdx[h.kind] = i
	h.recs[j].heapIdx[h.kind] = j
}

func (h *clientHeap[K, T]) Push(x any) {
	rec := x.(*clientRec[K, T])
	rec.heapIdx[h.kind] = len(h.recs)
	h.recs = append(h.recs, rec)
}

func (h *clientHeap[K, T]) Pop() any {
	old := h.recs
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIdx[h.kind] = -1
	h.recs = old[:n-1]
	return rec
}

// top returns the minimum record, or nil when the heap is empty.
func (h *clientHeap[K, T]) top() *clientRec[K, T] {
	if len(h.recs) == 0 {
		return nil
	}
	return h.recs[0]
}
