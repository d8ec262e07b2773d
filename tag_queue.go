package opqueue

import (
	"container/heap"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"
)

// reqTag holds the three dmClock tags of one request, in seconds since the
// queue epoch.
type reqTag struct {
	reservation float64
	proportion  float64
	limit       float64

	// start is the proportional start time the proportion tag was derived
	// from. Serving the request in the proportional phase moves the
	// virtual time up to it.
	start float64

	// ready is set once the limit tag has matured.
	ready bool
}

// freshTag is the history of a key with no past requests: its first
// reservation tag is the arrival time itself.
func freshTag() reqTag {
	return reqTag{reservation: math.Inf(-1)}
}

type pendingReq[T any] struct {
	tag  reqTag
	seq  uint64
	cost uint32
	item T
}

// clientRec is the clock state of one scheduling key.
type clientRec[K comparable, T any] struct {
	key     K
	created uint64

	info QoSParams
	prev reqTag

	lastTick float64
	idle     bool

	reqs    fifoQueue[pendingReq[T]]
	heapIdx [numHeaps]int
}

// InfoFunc resolves the QoS parameters of a key at enqueue time. ok false
// means nothing is configured and the key is served best effort.
type InfoFunc[K comparable] func(key K) (params QoSParams, ok bool)

// TagQueue is a dmClock scheduler over arbitrary keys. Each key gets a
// reservation, a weight and a limit from the InfoFunc; requests are
// tagged on arrival and served by reservation first, then by weight among
// keys under their limit.
//
// TagQueue is not safe for concurrent use.
type TagQueue[K comparable, T any] struct {
	opts  Options
	info  InfoFunc[K]
	log   *zap.Logger
	epoch time.Time

	clients map[K]*clientRec[K, T]
	heaps   [numHeaps]clientHeap[K, T]

	vt        float64
	seq       uint64
	created   uint64
	size      int
	lastClean float64
}

var _ SchedulableQueue[int, int] = (*TagQueue[int, int])(nil)

// NewTagQueue creates an empty queue. info may be nil, in which case every
// key is best effort.
func NewTagQueue[K comparable, T any](opts Options, info InfoFunc[K]) *TagQueue[K, T] {
	opts.FillDefaults()
	q := &TagQueue[K, T]{
		opts:    opts,
		info:    info,
		log:     opts.Logger.Named("mclock"),
		epoch:   opts.Clock.Now(),
		clients: make(map[K]*clientRec[K, T]),
	}
	for k := range q.heaps {
		q.heaps[k].kind = heapKind(k)
	}
	return q
}

func (q *TagQueue[K, T]) now() float64 {
	return q.opts.Clock.Since(q.epoch).Seconds()
}

func (q *TagQueue[K, T]) timeOf(tag float64) time.Time {
	return q.epoch.Add(time.Duration(tag * float64(time.Second)))
}

// Len returns the number of pending requests.
func (q *TagQueue[K, T]) Len() int { return q.size }

// Empty reports whether no requests are pending.
func (q *TagQueue[K, T]) Empty() bool { return q.size == 0 }

// Clients returns the number of keys with clock state, pending or not.
func (q *TagQueue[K, T]) Clients() int { return len(q.clients) }

// Enqueue tags item against key's history and queues it behind key's
// pending requests.
func (q *TagQueue[K, T]) Enqueue(key K, cost uint32, item T) {
	now := q.now()
	q.maybeClean(now)

	rec := q.client(key, now)
	tag := q.nextTag(rec, cost, now)
	rec.prev = tag

	q.seq++
	q.push(rec, pendingReq[T]{tag: tag, seq: q.seq, cost: cost, item: item}, false)
}

// EnqueueFront queues item ahead of key's pending requests. The item takes
// over the tags of the current head, so it is served no later than the
// head would have been. Its cost is still charged to key's history, so the
// key's next arrivals are tagged as if item had been queued at the back.
func (q *TagQueue[K, T]) EnqueueFront(key K, cost uint32, item T) {
	now := q.now()
	q.maybeClean(now)

	rec := q.client(key, now)
	tag := q.nextTag(rec, cost, now)
	rec.prev = tag

	p := pendingReq[T]{tag: tag, cost: cost, item: item}
	if head := rec.reqs.Front(); head != nil {
		p.tag = head.tag
		p.seq = head.seq
	} else {
		q.seq++
		p.seq = q.seq
	}
	q.push(rec, p, true)
}

// client returns key's record, creating it or resetting its history when
// it has been idle, and refreshes its parameters.
func (q *TagQueue[K, T]) client(key K, now float64) *clientRec[K, T] {
	rec, ok := q.clients[key]
	if !ok {
		q.created++
		rec = &clientRec[K, T]{
			key:      key,
			created:  q.created,
			prev:     freshTag(),
			lastTick: now,
			heapIdx:  [numHeaps]int{-1, -1, -1},
		}
		q.clients[key] = rec
	} else if rec.reqs.Len() == 0 &&
		(rec.idle || now-rec.lastTick >= q.opts.IdleAge.Seconds()) {
		q.log.Debug("resetting idle client",
			zap.Any("key", key),
			zap.Float64("inactive_s", now-rec.lastTick))
		rec.prev = freshTag()
		rec.idle = false
	}
	rec.lastTick = now
	rec.info = q.lookup(key, !ok)
	return rec
}

func (q *TagQueue[K, T]) lookup(key K, fresh bool) QoSParams {
	var (
		p  QoSParams
		ok bool
	)
	if q.info != nil {
		p, ok = q.info(key)
	}
	if !ok {
		if fresh {
			q.log.Debug("no qos info, serving best effort",
				zap.Any("key", key),
				zap.Float64("weight", q.opts.DefaultWeight))
		}
		return QoSParams{Weight: q.opts.DefaultWeight}
	}
	if p.Weight <= 0 {
		p.Weight = q.opts.DefaultWeight
	}
	if p.Reservation < 0 {
		p.Reservation = 0
	}
	if p.Limit < 0 {
		p.Limit = 0
	}
	// a reservation above the limit could never be honored
	if p.Limit > 0 && p.Reservation > p.Limit {
		p.Reservation = p.Limit
	}
	return p
}

func (q *TagQueue[K, T]) cost(c uint32) float64 {
	return float64(max(c, q.opts.MinCost))
}

// nextTag computes the tags of a new request of key rec arriving at now.
func (q *TagQueue[K, T]) nextTag(rec *clientRec[K, T], cost uint32, now float64) reqTag {
	c := q.cost(cost)
	info := rec.info

	// no reservation: never due; no limit: always eligible
	t := reqTag{reservation: math.Inf(1)}
	if info.Reservation > 0 {
		// Reservation credit does not accumulate: a key that falls behind
		// its rate is due now, not earlier. Without a finite history the
		// request is due on arrival.
		t.reservation = now
		if prev := rec.prev.reservation; !math.IsInf(prev, 0) {
			t.reservation = math.Max(now, prev+c/info.Reservation)
		}
	}
	if info.Limit > 0 {
		t.limit = math.Max(now, rec.prev.limit) + c/info.Limit
	}
	t.start = math.Max(now, math.Max(rec.prev.proportion, q.vt))
	t.proportion = t.start + c/info.Weight
	t.ready = t.limit <= now
	return t
}

func (q *TagQueue[K, T]) push(rec *clientRec[K, T], p pendingReq[T], front bool) {
	wasEmpty := rec.reqs.Len() == 0
	if front {
		rec.reqs.PushFront(p)
	} else {
		rec.reqs.PushBack(p)
	}
	q.size++
	if wasEmpty {
		for k := range q.heaps {
			heap.Push(&q.heaps[k], rec)
		}
	}
}

func (q *TagQueue[K, T]) fix(rec *clientRec[K, T]) {
	for k := range q.heaps {
		heap.Fix(&q.heaps[k], rec.heapIdx[k])
	}
}

func (q *TagQueue[K, T]) detach(rec *clientRec[K, T]) {
	for k := range q.heaps {
		heap.Remove(&q.heaps[k], rec.heapIdx[k])
	}
}

// Pull removes the next request due for service.
func (q *TagQueue[K, T]) Pull() PullResult[K, T] {
	if q.size == 0 {
		return PullResult[K, T]{Kind: PullNone}
	}
	now := q.now()

	lh := &q.heaps[limitHeap]
	for {
		rec := lh.top()
		head := rec.reqs.Front()
		if head.tag.ready || head.tag.limit > now {
			break
		}
		head.tag.ready = true
		q.fix(rec)
	}

	// The limit binds the reservation phase too: only requests whose limit
	// tag has matured are considered.
	rec := q.heaps[resvHeap].top()
	if head := rec.reqs.Front(); head.tag.ready && head.tag.reservation <= now {
		return q.serve(rec, PhaseReservation, now)
	}

	rec = q.heaps[propHeap].top()
	if rec.reqs.Front().tag.ready {
		return q.serve(rec, PhaseProportion, now)
	}
	if q.opts.AllowLimitBreak {
		return q.serve(rec, PhaseLimitBreak, now)
	}

	// Nothing is ready, and nothing can be served before its limit tag
	// matures, so the limit heap top is the earliest eligible time.
	when := lh.top().reqs.Front().tag.limit
	return PullResult[K, T]{Kind: PullFuture, When: q.timeOf(when)}
}

func (q *TagQueue[K, T]) serve(rec *clientRec[K, T], phase Phase, now float64) PullResult[K, T] {
	p, _ := rec.reqs.PopFront()
	q.size--
	rec.lastTick = now
	rec.idle = false

	if phase != PhaseReservation {
		if p.tag.start > q.vt {
			q.vt = p.tag.start
		}
		// Service outside the reservation phase does not count against
		// the reservation, so pull the key's reservation tags back.
		if r := rec.info.Reservation; r > 0 {
			d := q.cost(p.cost) / r
			rec.prev.reservation -= d
			rec.reqs.Each(func(pr *pendingReq[T]) {
				pr.tag.reservation -= d
			})
		}
	}

	if rec.reqs.Len() == 0 {
		q.detach(rec)
	} else {
		q.fix(rec)
	}
	return PullResult[K, T]{
		Kind:  PullReturning,
		Key:   rec.key,
		Item:  p.item,
		Cost:  p.cost,
		Phase: phase,
	}
}

// byCreation returns every client record in creation order.
func (q *TagQueue[K, T]) byCreation() []*clientRec[K, T] {
	recs := make([]*clientRec[K, T], 0, len(q.clients))
	for _, rec := range q.clients {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *clientRec[K, T]) int {
		switch {
		case a.created < b.created:
			return -1
		case a.created > b.created:
			return 1
		}
		return 0
	})
	return recs
}

// RemoveByFilter removes every pending item matching filter. Keys are
// visited in creation order and each key front to back. Clock state is
// left as is.
func (q *TagQueue[K, T]) RemoveByFilter(filter func(T) bool) []T {
	var out []T
	for _, rec := range q.byCreation() {
		if rec.reqs.Len() == 0 {
			continue
		}
		n := rec.reqs.Filter(func(p pendingReq[T]) bool {
			if filter(p.item) {
				out = append(out, p.item)
				return true
			}
			return false
		})
		if n == 0 {
			continue
		}
		q.size -= n
		if rec.reqs.Len() == 0 {
			q.detach(rec)
		} else {
			q.fix(rec)
		}
	}
	return out
}

// Clean marks keys without recent activity idle and drops the state of
// keys inactive for longer than EraseAge. Enqueue calls it every
// CleanInterval.
func (q *TagQueue[K, T]) Clean() {
	q.clean(q.now())
}

func (q *TagQueue[K, T]) maybeClean(now float64) {
	if now-q.lastClean >= q.opts.CleanInterval.Seconds() {
		q.clean(now)
	}
}

func (q *TagQueue[K, T]) clean(now float64) {
	q.lastClean = now
	idle, erase := q.opts.IdleAge.Seconds(), q.opts.EraseAge.Seconds()
	for key, rec := range q.clients {
		if rec.reqs.Len() > 0 {
			continue
		}
		inactive := now - rec.lastTick
		switch {
		case inactive >= erase:
			delete(q.clients, key)
			q.log.Debug("erasing inactive client",
				zap.Any("key", key),
				zap.Float64("inactive_s", inactive))
		case inactive >= idle:
			rec.idle = true
		}
	}
}

// Dump writes the clock state of every key and its pending requests.
func (q *TagQueue[K, T]) Dump(f Formatter, dumpKey func(K, Formatter), dumpItem func(T, Formatter)) {
	f.OpenObject("mclock")
	f.DumpInt("size", int64(q.size))
	f.DumpInt("clients", int64(len(q.clients)))
	f.DumpFloat("virtual_time", q.vt)

	f.OpenArray("client_records")
	for _, rec := range q.byCreation() {
		f.OpenObject("client")
		dumpKey(rec.key, f)
		f.DumpBool("idle", rec.idle)
		f.DumpFloat("last_tick", rec.lastTick)

		f.OpenObject("qos")
		f.DumpFloat("reservation", rec.info.Reservation)
		f.DumpFloat("weight", rec.info.Weight)
		f.DumpFloat("limit", rec.info.Limit)
		f.CloseSection()

		dumpTag(f, "prev_tag", rec.prev)

		f.OpenArray("requests")
		rec.reqs.Each(func(p *pendingReq[T]) {
			f.OpenObject("request")
			dumpTag(f, "tag", p.tag)
			dumpItem(p.item, f)
			f.CloseSection()
		})
		f.CloseSection()

		f.CloseSection()
	}
	f.CloseSection()

	f.CloseSection()
}

func dumpTag(f Formatter, name string, t reqTag) {
	f.OpenObject(name)
	f.DumpFloat("reservation", t.reservation)
	f.DumpFloat("proportion", t.proportion)
	f.DumpFloat("limit", t.limit)
	f.DumpBool("ready", t.ready)
	f.CloseSection()
}
