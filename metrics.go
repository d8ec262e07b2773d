package opqueue

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MetricsPolicy defines hooks used by the queue to report enqueue,
// dequeue and removal activity.
//
// Implementations must be safe for concurrent use.
// All methods are expected to be lightweight and non-blocking.
type MetricsPolicy interface {
	// IncEnqueued counts one request accepted for class.
	IncEnqueued(class OpClass, strict bool)

	// IncDequeued counts one request of class handed out in phase.
	IncDequeued(class OpClass, phase Phase)

	// AddRemoved counts n requests withdrawn before service.
	AddRemoved(n int)
}

// AtomicMetrics is a lock-free metrics implementation backed by atomics.
//
// Writes are optimized for hot paths.
// Reads are intended for cold-path observation.
type AtomicMetrics struct {
	enqueued [numOpClasses]atomic.Uint64
	strict   atomic.Uint64

	_ cpu.CacheLinePad

	dequeued [numPhases]atomic.Uint64
	served   [numOpClasses]atomic.Uint64

	_ cpu.CacheLinePad

	removed atomic.Uint64
}

var _ MetricsPolicy = (*AtomicMetrics)(nil)

func (m *AtomicMetrics) IncEnqueued(class OpClass, strict bool) {
	if class < numOpClasses {
		m.enqueued[class].Add(1)
	}
	if strict {
		m.strict.Add(1)
	}
}

func (m *AtomicMetrics) IncDequeued(class OpClass, phase Phase) {
	if class < numOpClasses {
		m.served[class].Add(1)
	}
	if phase < numPhases {
		m.dequeued[phase].Add(1)
	}
}

func (m *AtomicMetrics) AddRemoved(n int) {
	m.removed.Add(uint64(n))
}

// Enqueued returns the number of requests accepted for class.
func (m *AtomicMetrics) Enqueued(class OpClass) uint64 {
	return m.enqueued[class].Load()
}

// StrictEnqueued returns the number of requests accepted as strict.
func (m *AtomicMetrics) StrictEnqueued() uint64 {
	return m.strict.Load()
}

// Served returns the number of requests of class dequeued.
func (m *AtomicMetrics) Served(class OpClass) uint64 {
	return m.served[class].Load()
}

// Dequeued returns the number of requests dequeued in phase.
func (m *AtomicMetrics) Dequeued(phase Phase) uint64 {
	return m.dequeued[phase].Load()
}

// Removed returns the number of requests withdrawn before service.
func (m *AtomicMetrics) Removed() uint64 {
	return m.removed.Load()
}

// Queued returns the number of requests currently accounted as pending.
func (m *AtomicMetrics) Queued() int64 {
	var in, out uint64
	for i := range m.enqueued {
		in += m.enqueued[i].Load()
	}
	for i := range m.dequeued {
		out += m.dequeued[i].Load()
	}
	return int64(in) - int64(out) - int64(m.removed.Load())
}

//------------- NoopMetrics ----------------------------------

// NoopMetrics is a MetricsPolicy implementation that discards
// all metric updates.
type NoopMetrics struct{}

func (m *NoopMetrics) IncEnqueued(OpClass, bool)  {}
func (m *NoopMetrics) IncDequeued(OpClass, Phase) {}
func (m *NoopMetrics) AddRemoved(int)             {}
