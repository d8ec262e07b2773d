package opqueue

// MergedQueue puts a strict-priority overlay in front of a
// SchedulableQueue. Strict requests always go first; the inner queue is
// only consulted when the overlay is empty.
//
// MergedQueue is not safe for concurrent use.
type MergedQueue[K comparable, T any] struct {
	strict *strictQueue[K, T]
	queue  SchedulableQueue[K, T]
}

func NewMergedQueue[K comparable, T any](queue SchedulableQueue[K, T]) *MergedQueue[K, T] {
	return &MergedQueue[K, T]{
		strict: newStrictQueue[K, T](),
		queue:  queue,
	}
}

func (q *MergedQueue[K, T]) EnqueueStrict(key K, priority uint32, item T) {
	q.strict.enqueue(key, priority, item, false)
}

func (q *MergedQueue[K, T]) EnqueueStrictFront(key K, priority uint32, item T) {
	q.strict.enqueue(key, priority, item, true)
}

func (q *MergedQueue[K, T]) Enqueue(key K, cost uint32, item T) {
	q.queue.Enqueue(key, cost, item)
}

func (q *MergedQueue[K, T]) EnqueueFront(key K, cost uint32, item T) {
	q.queue.EnqueueFront(key, cost, item)
}

// Dequeue removes the next request.
//
// It fails with ErrEmptyQueue when nothing is queued, and with a
// *NotReadyError when every pending request is held back by its limit.
func (q *MergedQueue[K, T]) Dequeue() (K, T, Phase, error) {
	if k, v, ok := q.strict.dequeue(); ok {
		return k, v, PhaseStrict, nil
	}
	var (
		k K
		v T
	)
	r := q.queue.Pull()
	switch r.Kind {
	case PullReturning:
		return r.Key, r.Item, r.Phase, nil
	case PullFuture:
		return k, v, 0, &NotReadyError{Until: r.When}
	default:
		return k, v, 0, emptyQueueError()
	}
}

// RemoveByFilter removes matching requests from both halves, the inner
// queue's first.
func (q *MergedQueue[K, T]) RemoveByFilter(filter func(T) bool) []T {
	out := q.queue.RemoveByFilter(filter)
	return append(out, q.strict.removeByFilter(filter)...)
}

func (q *MergedQueue[K, T]) Len() int { return q.strict.Len() + q.queue.Len() }

func (q *MergedQueue[K, T]) StrictLen() int { return q.strict.Len() }

func (q *MergedQueue[K, T]) Empty() bool { return q.Len() == 0 }

func (q *MergedQueue[K, T]) Dump(f Formatter, dumpKey func(K, Formatter), dumpItem func(T, Formatter)) {
	f.DumpInt("length", int64(q.Len()))
	q.strict.dump(f, dumpKey, dumpItem)
	q.queue.Dump(f, dumpKey, dumpItem)
}
