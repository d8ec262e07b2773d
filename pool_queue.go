package opqueue

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type resolverRef struct {
	PoolResolver
}

// PoolQueue schedules requests per (pool, op class): every request is
// accounted against the QoS budget of the pool it targets and the class
// its type maps to. Strict requests bypass QoS entirely.
//
// PoolQueue is not safe for concurrent use. SetService may be called at
// any time.
type PoolQueue[T any] struct {
	queue   *MergedQueue[InnerClient, Request[T]]
	tags    *TagQueue[InnerClient, Request[T]]
	qos     QoSProvider
	service atomic.Pointer[resolverRef]

	log     *zap.Logger
	metrics MetricsPolicy
}

// NewPoolQueue creates an empty queue that takes QoS parameters from qos.
// A nil qos serves every key best effort.
func NewPoolQueue[T any](opts Options, qos QoSProvider) *PoolQueue[T] {
	opts.FillDefaults()
	q := &PoolQueue[T]{
		qos:     qos,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	q.tags = NewTagQueue[InnerClient, Request[T]](opts, q.lookup)
	q.queue = NewMergedQueue[InnerClient, Request[T]](q.tags)
	return q
}

func (q *PoolQueue[T]) lookup(key InnerClient) (QoSParams, bool) {
	if q.qos == nil {
		return QoSParams{}, false
	}
	return q.qos.Lookup(key)
}

// SetService binds the service used to resolve the pool of requests that
// do not carry one.
func (q *PoolQueue[T]) SetService(s PoolResolver) {
	if s == nil {
		q.service.Store(nil)
		return
	}
	q.service.Store(&resolverRef{s})
}

func (q *PoolQueue[T]) getPool(r *Request[T]) (PoolID, error) {
	if r.Pool != NoPool {
		return r.Pool, nil
	}
	if ref := q.service.Load(); ref != nil {
		if p, ok := ref.PoolOfPG(r.PG); ok && p != NoPool {
			return p, nil
		}
	}
	return NoPool, errors.WithAssertionFailure(
		errors.Wrapf(ErrMalformedRequest, "owner %d type %s pg %d", r.Owner, r.Type, r.PG))
}

// innerClient resolves the scheduling key of r and records the owner and
// the resolved pool on it.
func (q *PoolQueue[T]) innerClient(cl Client, r *Request[T]) (InnerClient, error) {
	pool, err := q.getPool(r)
	if err != nil {
		return InnerClient{}, err
	}
	r.Owner = cl
	r.Pool = pool
	return InnerClient{Pool: pool, Class: r.Class()}, nil
}

// EnqueueStrict queues r ahead of all QoS-scheduled work, behind strict
// requests of equal or higher priority.
func (q *PoolQueue[T]) EnqueueStrict(cl Client, priority uint32, r Request[T]) error {
	return q.enqueueStrict(cl, priority, r, false)
}

// EnqueueStrictFront is EnqueueStrict ahead of requests of equal priority.
func (q *PoolQueue[T]) EnqueueStrictFront(cl Client, priority uint32, r Request[T]) error {
	return q.enqueueStrict(cl, priority, r, true)
}

func (q *PoolQueue[T]) enqueueStrict(cl Client, priority uint32, r Request[T], front bool) error {
	key, err := q.innerClient(cl, &r)
	if err != nil {
		return err
	}
	r.Priority = priority
	if front {
		q.queue.EnqueueStrictFront(key, priority, r)
	} else {
		q.queue.EnqueueStrict(key, priority, r)
	}
	q.metrics.IncEnqueued(key.Class, true)
	return nil
}

// Enqueue queues r under QoS scheduling. priority is kept on the request
// but does not affect ordering.
func (q *PoolQueue[T]) Enqueue(cl Client, priority, cost uint32, r Request[T]) error {
	return q.enqueue(cl, priority, cost, r, false)
}

// EnqueueFront queues r ahead of its key's pending requests.
func (q *PoolQueue[T]) EnqueueFront(cl Client, priority, cost uint32, r Request[T]) error {
	return q.enqueue(cl, priority, cost, r, true)
}

func (q *PoolQueue[T]) enqueue(cl Client, priority, cost uint32, r Request[T], front bool) error {
	key, err := q.innerClient(cl, &r)
	if err != nil {
		return err
	}
	r.Priority = priority
	r.Cost = cost
	if front {
		q.queue.EnqueueFront(key, cost, r)
	} else {
		q.queue.Enqueue(key, cost, r)
	}
	q.metrics.IncEnqueued(key.Class, false)
	return nil
}

// Dequeue removes the next request. See MergedQueue.Dequeue for errors.
func (q *PoolQueue[T]) Dequeue() (Request[T], error) {
	r, _, err := q.DequeuePhase()
	return r, err
}

// DequeuePhase is Dequeue that also reports how the request was chosen.
func (q *PoolQueue[T]) DequeuePhase() (Request[T], Phase, error) {
	key, r, phase, err := q.queue.Dequeue()
	if err != nil {
		return Request[T]{}, 0, err
	}
	q.metrics.IncDequeued(key.Class, phase)
	return r, phase, nil
}

// RemoveByClass removes every pending request owned by cl. The removed
// requests are placed in front of out, in reverse discovery order, and
// the combined slice is returned.
func (q *PoolQueue[T]) RemoveByClass(cl Client, out []Request[T]) []Request[T] {
	removed := q.queue.RemoveByFilter(func(r Request[T]) bool {
		return r.Owner == cl
	})
	if len(removed) == 0 {
		return out
	}
	q.metrics.AddRemoved(len(removed))
	q.log.Debug("removed requests",
		zap.Uint64("owner", uint64(cl)),
		zap.Int("count", len(removed)))

	res := make([]Request[T], 0, len(removed)+len(out))
	for i := len(removed) - 1; i >= 0; i-- {
		res = append(res, removed[i])
	}
	return append(res, out...)
}

// Clean runs the idle sweep of the QoS engine immediately.
func (q *PoolQueue[T]) Clean() { q.tags.Clean() }

func (q *PoolQueue[T]) Len() int { return q.queue.Len() }

func (q *PoolQueue[T]) Empty() bool { return q.queue.Empty() }

// Dump writes the state of both halves of the queue into f.
func (q *PoolQueue[T]) Dump(f Formatter) {
	q.queue.Dump(f, dumpInnerClient, dumpRequest[T])
}

func dumpInnerClient(k InnerClient, f Formatter) {
	f.DumpInt("pool", int64(k.Pool))
	f.DumpString("class", k.Class.String())
}

func dumpRequest[T any](r Request[T], f Formatter) {
	f.DumpUint("owner", uint64(r.Owner))
	f.DumpString("type", r.Type.String())
	f.DumpUint("pg", r.PG)
	f.DumpUint("cost", uint64(r.Cost))
	f.DumpUint("priority", uint64(r.Priority))
}
