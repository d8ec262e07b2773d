package opqueue

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrEmptyQueue is returned by Dequeue when nothing is queued.
	// Callers are expected to check Empty first; hitting it means the
	// caller lost track of the queue state.
	ErrEmptyQueue = errors.New("opqueue: dequeue on empty queue")

	// ErrMalformedRequest is returned when a request carries no pool and
	// the owning service cannot resolve one.
	ErrMalformedRequest = errors.New("opqueue: request has no resolvable pool")

	// ErrDispatcherClosed is returned by Dispatcher submissions after
	// Shutdown.
	ErrDispatcherClosed = errors.New("opqueue: dispatcher closed")
)

// NotReadyError reports that every pending request is held back by its
// limit and limit breaking is disabled. Nothing can be dequeued before
// Until.
type NotReadyError struct {
	Until time.Time
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("opqueue: all pending requests are limited until %s",
		e.Until.Format(time.RFC3339Nano))
}

func emptyQueueError() error {
	return errors.WithAssertionFailure(ErrEmptyQueue)
}
