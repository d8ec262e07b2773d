package opqueue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/cockroachdb/errors"
	"k8s.io/utils/clock"
)

const DefaultMaxWorkers = 10

// Handler executes one dequeued request. A non-nil error triggers a retry
// according to the dispatcher's RetryPolicy.
type Handler[T any] func(ctx context.Context, r Request[T]) error

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions[T any] struct {
	// Workers is the number of goroutines executing requests.
	Workers int

	// Retry applies to every request. Zero fields take defaults.
	Retry RetryPolicy

	// PinWorkers locks each worker to an OS thread bound to one CPU.
	// Linux only; elsewhere pinning failures are reported as internal
	// errors.
	PinWorkers bool

	// OnJobError receives the last error of a request that exhausted its
	// attempts, panicked or was canceled.
	OnJobError func(Request[T], error)

	// OnInternalError receives failures not tied to a request.
	OnInternalError func(error)
}

type envelope[T any] struct {
	ctx     context.Context
	payload T
	attempt int
	strict  bool
}

// Dispatcher owns a PoolQueue and drains it with a fixed set of workers.
// It is the synchronization point the queue itself lacks: producers call
// Submit, SubmitStrict and Cancel from any goroutine while workers pull
// under the same mutex and run the handler outside it.
//
// Failed requests are re-queued at the front of their key after a
// backoff, so a retry keeps its place in the schedule.
type Dispatcher[T any] struct {
	opts    DispatcherOptions[T]
	handler Handler[T]
	clock   clock.PassiveClock

	mu     sync.Mutex
	queue  *PoolQueue[*envelope[T]]
	wake   chan struct{} // closed and replaced on every change
	closed bool

	wg            sync.WaitGroup
	stopOnce      sync.Once
	done          chan struct{}
	activeWorkers atomic.Int32
}

// NewDispatcher creates a dispatcher over a new PoolQueue built from
// qopts and qos, and starts its workers.
func NewDispatcher[T any](qopts Options, qos QoSProvider, opts DispatcherOptions[T], h Handler[T]) *Dispatcher[T] {
	if opts.Workers <= 0 {
		opts.Workers = DefaultMaxWorkers
	}
	opts.Retry.fillDefaults()
	qopts.FillDefaults()

	d := &Dispatcher[T]{
		opts:    opts,
		handler: h,
		clock:   qopts.Clock,
		queue:   NewPoolQueue[*envelope[T]](qopts, qos),
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// SetService binds the pool resolver of the underlying queue.
func (d *Dispatcher[T]) SetService(s PoolResolver) {
	d.queue.SetService(s)
}

func (d *Dispatcher[T]) broadcastLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

func wrapRequest[T any](ctx context.Context, r Request[T], strict bool) Request[*envelope[T]] {
	return Request[*envelope[T]]{
		Owner:    r.Owner,
		Type:     r.Type,
		Pool:     r.Pool,
		PG:       r.PG,
		Cost:     r.Cost,
		Priority: r.Priority,
		Payload:  &envelope[T]{ctx: ctx, payload: r.Payload, strict: strict},
	}
}

func unwrapRequest[T any](r Request[*envelope[T]]) Request[T] {
	return Request[T]{
		Owner:    r.Owner,
		Type:     r.Type,
		Pool:     r.Pool,
		PG:       r.PG,
		Cost:     r.Cost,
		Priority: r.Priority,
		Payload:  r.Payload.payload,
	}
}

// Submit queues r for QoS-scheduled execution on behalf of cl. ctx is
// handed to the handler and cancels the request while it waits.
func (d *Dispatcher[T]) Submit(ctx context.Context, cl Client, priority, cost uint32, r Request[T]) error {
	return d.submit(ctx, cl, r, false, func(w Request[*envelope[T]]) error {
		return d.queue.Enqueue(cl, priority, cost, w)
	})
}

// SubmitStrict queues r ahead of all QoS-scheduled work.
func (d *Dispatcher[T]) SubmitStrict(ctx context.Context, cl Client, priority uint32, r Request[T]) error {
	return d.submit(ctx, cl, r, true, func(w Request[*envelope[T]]) error {
		return d.queue.EnqueueStrict(cl, priority, w)
	})
}

func (d *Dispatcher[T]) submit(ctx context.Context, cl Client, r Request[T], strict bool,
	enqueue func(Request[*envelope[T]]) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	err := enqueue(wrapRequest(ctx, r, strict))
	if err == nil {
		d.broadcastLocked()
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	lg.FromContext(ctx).Info("Request submitted",
		lg.Any("owner", cl),
		lg.String("type", r.Type.String()),
		lg.Any("strict", strict))
	return nil
}

// Cancel withdraws every queued request of cl and returns them, most
// recently discovered first. Requests already running are not affected.
func (d *Dispatcher[T]) Cancel(cl Client) []Request[T] {
	d.mu.Lock()
	removed := d.queue.RemoveByClass(cl, nil)
	d.mu.Unlock()

	out := make([]Request[T], 0, len(removed))
	for _, r := range removed {
		out = append(out, unwrapRequest(r))
	}
	return out
}

// Shutdown stops accepting requests and waits until the queue is drained
// and all workers have exited, or ctx is done.
func (d *Dispatcher[T]) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.broadcastLocked()
		d.mu.Unlock()
		go func() {
			d.wg.Wait()
			close(d.done)
		}()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop is a blocking Shutdown.
func (d *Dispatcher[T]) Stop() { _ = d.Shutdown(context.Background()) }

func (d *Dispatcher[T]) ActiveWorkers() int32 { return d.activeWorkers.Load() }

// Len returns the number of queued requests.
func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Dump writes the state of the underlying queue into f.
func (d *Dispatcher[T]) Dump(f Formatter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.Dump(f)
}

func (d *Dispatcher[T]) worker(id int) {
	defer d.wg.Done()
	if d.opts.PinWorkers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := PinToCPU(id % runtime.NumCPU()); err != nil {
			d.reportInternalError(errors.Wrapf(err, "pinning worker %d", id))
		}
	}
	for {
		r, ok := d.next()
		if !ok {
			return
		}
		d.run(r)
	}
}

// next blocks until a request can be dequeued. It returns false once the
// dispatcher is closed and the queue is empty.
func (d *Dispatcher[T]) next() (Request[*envelope[T]], bool) {
	for {
		var wait time.Duration

		d.mu.Lock()
		if d.queue.Empty() {
			if d.closed {
				d.mu.Unlock()
				return Request[*envelope[T]]{}, false
			}
		} else {
			r, err := d.queue.Dequeue()
			if err == nil {
				d.mu.Unlock()
				return r, true
			}
			var nr *NotReadyError
			if !errors.As(err, &nr) {
				d.mu.Unlock()
				d.reportInternalError(err)
				continue
			}
			if wait = nr.Until.Sub(d.clock.Now()); wait <= 0 {
				d.mu.Unlock()
				continue
			}
		}
		wake := d.wake
		d.mu.Unlock()

		if wait <= 0 {
			<-wake
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (d *Dispatcher[T]) run(w Request[*envelope[T]]) {
	env := w.Payload
	req := unwrapRequest(w)
	logger := lg.FromContext(env.ctx).With(
		lg.Any("owner", req.Owner),
		lg.String("type", req.Type.String()),
		lg.Any("pool", req.Pool))

	d.activeWorkers.Add(1)
	defer d.activeWorkers.Add(-1)

	if err := env.ctx.Err(); err != nil {
		logger.Info("Request canceled before execution", lg.Any("reason", err))
		d.reportJobError(req, err)
		return
	}

	env.attempt++
	logger.Info("Worker processing request",
		lg.Int("attempt", env.attempt),
		lg.Int32("active_workers", d.activeWorkers.Load()))

	panicked, err := d.call(env.ctx, req)
	switch {
	case err == nil:
		logger.Info("Worker finished", lg.Int32("active_workers", d.activeWorkers.Load()))
		return
	case panicked:
		d.reportJobError(req, err)
		return
	case env.attempt >= d.opts.Retry.Attempts:
		logger.Error("Worker error", lg.Int("attempt", env.attempt), lg.Any("error", err))
		d.reportJobError(req, err)
		return
	}

	pol := d.opts.Retry
	bo := boff.New(pol.Initial, pol.Max, time.Now().UnixNano())
	var delay time.Duration
	for i := 0; i < env.attempt; i++ {
		delay = bo.Next()
	}
	logger.Warn("request attempt failed; backing off",
		lg.Int("attempt", env.attempt),
		lg.String("sleep", delay.String()),
		lg.Any("error", err),
	)
	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-env.ctx.Done():
		timer.Stop()
		logger.Info("Request canceled", lg.Any("reason", env.ctx.Err()))
		d.reportJobError(req, env.ctx.Err())
		return
	}
	d.requeue(w)
}

func (d *Dispatcher[T]) call(ctx context.Context, r Request[T]) (panicked bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			lg.FromContext(ctx).Error("request panicked", lg.Any("panic", p))
			panicked, err = true, errors.Newf("opqueue: handler panic: %v", p)
		}
	}()
	return false, d.handler(ctx, r)
}

// requeue puts a failed request back at the front of its key. Retries are
// accepted after Shutdown so draining completes them.
func (d *Dispatcher[T]) requeue(w Request[*envelope[T]]) {
	d.mu.Lock()
	var err error
	if w.Payload.strict {
		err = d.queue.EnqueueStrictFront(w.Owner, w.Priority, w)
	} else {
		err = d.queue.EnqueueFront(w.Owner, w.Priority, w.Cost, w)
	}
	d.broadcastLocked()
	d.mu.Unlock()
	if err != nil {
		d.reportInternalError(errors.Wrap(err, "re-queueing failed request"))
	}
}
