package opqueue

import (
	"fmt"
	"time"
)

// Phase reports why a request was chosen by Dequeue.
type Phase uint8

const (
	// PhaseStrict: served from the strict-priority overlay.
	PhaseStrict Phase = iota
	// PhaseReservation: the key was owed service under its reservation.
	PhaseReservation
	// PhaseProportion: weight-proportional sharing among eligible keys.
	PhaseProportion
	// PhaseLimitBreak: served past its limit because nothing was eligible.
	PhaseLimitBreak

	numPhases
)

var phaseNames = [numPhases]string{
	PhaseStrict:      "strict",
	PhaseReservation: "reservation",
	PhaseProportion:  "proportion",
	PhaseLimitBreak:  "limit_break",
}

func (p Phase) String() string {
	if p < numPhases {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// PullKind is the outcome of SchedulableQueue.Pull.
type PullKind uint8

const (
	// PullNone: the queue holds nothing.
	PullNone PullKind = iota
	// PullReturning: Key and Item carry the dequeued request.
	PullReturning
	// PullFuture: requests are pending but none may be served before When.
	PullFuture
)

// PullResult is returned by SchedulableQueue.Pull.
type PullResult[K comparable, T any] struct {
	Kind  PullKind
	Key   K
	Item  T
	Cost  uint32
	Phase Phase
	When  time.Time
}

// SchedulableQueue is a keyed queue that decides the service order of its
// requests on its own. MergedQueue layers strict priorities on top of one.
//
// Implementations are not safe for concurrent use; callers serialize
// access (see Dispatcher).
type SchedulableQueue[K comparable, T any] interface {
	// Enqueue appends item to key's FIFO.
	Enqueue(key K, cost uint32, item T)

	// EnqueueFront puts item ahead of key's pending requests.
	EnqueueFront(key K, cost uint32, item T)

	// Pull removes the next request to serve, if any may be served now.
	Pull() PullResult[K, T]

	// RemoveByFilter removes and returns every item for which filter
	// returns true.
	RemoveByFilter(filter func(T) bool) []T

	Len() int
	Empty() bool

	// Dump writes the queue state into f without modifying it.
	Dump(f Formatter, dumpKey func(K, Formatter), dumpItem func(T, Formatter))
}
