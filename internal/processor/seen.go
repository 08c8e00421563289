package processor

// seenSet is a bounded first-in-first-out set of processed message IDs. An
// ID is added only after its message fully processed, so a failed message is
// still picked up on redelivery.
//
// The set is a cheap fast path, not the correctness mechanism: the blob and
// analytical writes are idempotent, so a duplicate that slips past an
// evicted entry converges to the same state anyway. Accessed only from the
// worker loop, so no locking.
type seenSet struct {
	ids      map[string]struct{}
	order    []string
	capacity int
	next     int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
		capacity: capacity,
	}
}

// contains reports whether the ID has been processed recently.
func (s *seenSet) contains(id string) bool {
	_, ok := s.ids[id]

	return ok
}

// add records a processed ID, evicting the oldest entry at capacity.
func (s *seenSet) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}

	if evicted := s.order[s.next]; evicted != "" {
		delete(s.ids, evicted)
	}

	s.order[s.next] = id
	s.next = (s.next + 1) % s.capacity
	s.ids[id] = struct{}{}
}
