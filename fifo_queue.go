// fifo_queue.go
package opqueue

const (
	initialFifoCapacity = 8
)

// fifoQueue is a growable ring buffer used for every FIFO in the package:
// the pending requests of one scheduling key and the requests of one
// strict priority bucket.
//
// Items leave from the front in insertion order. PushFront puts an item
// ahead of everything already queued, which is how retried work jumps its
// peers. The zero value is an empty queue.
type fifoQueue[T any] struct {
	buf  []T // circular buffer
	head int // index of the front item
	size int // number of items currently buffered
}

// Len returns the number of items currently waiting in the queue.
func (q *fifoQueue[T]) Len() int { return q.size }

func (q *fifoQueue[T]) grow() {
	newCap := 2 * len(q.buf)
	if newCap == 0 {
		newCap = initialFifoCapacity
	}
	buf := make([]T, newCap)
	if q.size > 0 {
		n := copy(buf, q.buf[q.head:min(q.head+q.size, len(q.buf))])
		copy(buf[n:], q.buf[:q.size-n])
	}
	q.buf = buf
	q.head = 0
}

func (q *fifoQueue[T]) idx(i int) int {
	return (q.head + i) % len(q.buf)
}

// PushBack appends v at the tail, growing the buffer when full.
func (q *fifoQueue[T]) PushBack(v T) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[q.idx(q.size)] = v
	q.size++
}

// PushFront inserts v ahead of every queued item.
func (q *fifoQueue[T]) PushFront(v T) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = v
	q.size++
}

// PopFront removes and returns the oldest item.
//
// If the queue is empty, returns the zero value and false.
func (q *fifoQueue[T]) PopFront() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

// Front returns a pointer to the front item, or nil when empty. The
// pointer is valid until the next mutation.
func (q *fifoQueue[T]) Front() *T {
	if q.size == 0 {
		return nil
	}
	return &q.buf[q.head]
}

// Filter drops every item for which remove returns true, preserving the
// order of the survivors, and reports how many were dropped. remove sees
// items front to back.
func (q *fifoQueue[T]) Filter(remove func(T) bool) int {
	var zero T
	kept := 0
	for i := 0; i < q.size; i++ {
		v := q.buf[q.idx(i)]
		if remove(v) {
			continue
		}
		q.buf[q.idx(kept)] = v
		kept++
	}
	for i := kept; i < q.size; i++ {
		q.buf[q.idx(i)] = zero
	}
	dropped := q.size - kept
	q.size = kept
	return dropped
}

// Each calls fn for every item front to back.
func (q *fifoQueue[T]) Each(fn func(*T)) {
	for i := 0; i < q.size; i++ {
		fn(&q.buf[q.idx(i)])
	}
}
