package opqueue

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	testclock "k8s.io/utils/clock/testing"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type tagTestEnv struct {
	clock   *testclock.FakeClock
	q       *TagQueue[string, string]
	qos     map[string]QoSParams
	counter map[string]int
}

func newTagTestEnv(opts Options) *tagTestEnv {
	e := &tagTestEnv{
		clock:   testclock.NewFakeClock(testEpoch),
		qos:     make(map[string]QoSParams),
		counter: make(map[string]int),
	}
	opts.Clock = e.clock
	e.q = NewTagQueue[string, string](opts, func(key string) (QoSParams, bool) {
		p, ok := e.qos[key]
		return p, ok
	})
	return e
}

func (e *tagTestEnv) nextItem(key string) string {
	e.counter[key]++
	return key + strconv.Itoa(e.counter[key])
}

func scanString(t *testing.T, d *datadriven.TestData, key, def string) string {
	if !d.HasArg(key) {
		return def
	}
	var s string
	d.ScanArgs(t, key, &s)
	return s
}

func scanFloat(t *testing.T, d *datadriven.TestData, key string) float64 {
	v, err := strconv.ParseFloat(scanString(t, d, key, "0"), 64)
	require.NoError(t, err)
	return v
}

func scanInt(t *testing.T, d *datadriven.TestData, key string, def int) int {
	v, err := strconv.Atoi(scanString(t, d, key, strconv.Itoa(def)))
	require.NoError(t, err)
	return v
}

func scanDuration(t *testing.T, d *datadriven.TestData, key string) time.Duration {
	v, err := time.ParseDuration(scanString(t, d, key, "0s"))
	require.NoError(t, err)
	return v
}

func TestTagQueueDataDriven(t *testing.T) {
	var e *tagTestEnv
	datadriven.RunTest(t, "testdata/tag_queue", func(t *testing.T, d *datadriven.TestData) string {
		if d.Cmd != "init" && e == nil {
			d.Fatalf(t, "%s before init", d.Cmd)
		}
		switch d.Cmd {
		case "init":
			e = newTagTestEnv(Options{
				IdleAge:         scanDuration(t, d, "idle"),
				EraseAge:        scanDuration(t, d, "erase"),
				AllowLimitBreak: d.HasArg("limit-break"),
			})
			return ""

		case "qos":
			key := scanString(t, d, "key", "")
			e.qos[key] = QoSParams{
				Reservation: scanFloat(t, d, "res"),
				Weight:      scanFloat(t, d, "wgt"),
				Limit:       scanFloat(t, d, "lim"),
			}
			return ""

		case "enqueue", "enqueue-front":
			key := scanString(t, d, "key", "")
			cost := uint32(scanInt(t, d, "cost", 1))
			for i := scanInt(t, d, "n", 1); i > 0; i-- {
				if d.Cmd == "enqueue" {
					e.q.Enqueue(key, cost, e.nextItem(key))
				} else {
					e.q.EnqueueFront(key, cost, e.nextItem(key))
				}
			}
			return fmt.Sprintf("len=%d", e.q.Len())

		case "advance":
			e.clock.Step(scanDuration(t, d, "d"))
			return fmt.Sprintf("t=%s", e.clock.Since(testEpoch))

		case "pull":
			var buf strings.Builder
			for i := scanInt(t, d, "n", 1); i > 0; i-- {
				r := e.q.Pull()
				switch r.Kind {
				case PullReturning:
					fmt.Fprintf(&buf, "%s %s\n", r.Item, r.Phase)
				case PullFuture:
					fmt.Fprintf(&buf, "future t=%s\n", r.When.Sub(testEpoch))
				default:
					fmt.Fprintln(&buf, "none")
				}
			}
			return buf.String()

		case "remove":
			key := scanString(t, d, "key", "")
			removed := e.q.RemoveByFilter(func(item string) bool {
				return strings.HasPrefix(item, key)
			})
			return strings.Join(removed, " ")

		case "tags":
			rec, ok := e.q.clients[scanString(t, d, "key", "")]
			if !ok {
				return "no client"
			}
			var buf strings.Builder
			rec.reqs.Each(func(p *pendingReq[string]) {
				fmt.Fprintf(&buf, "%s r=%g p=%g l=%g\n",
					p.item, p.tag.reservation, p.tag.proportion, p.tag.limit)
			})
			return buf.String()

		case "clean":
			e.q.Clean()
			var idle []string
			for k, rec := range e.q.clients {
				if rec.idle {
					idle = append(idle, k)
				}
			}
			sort.Strings(idle)
			return fmt.Sprintf("clients=%d idle=%s", e.q.Clients(), strings.Join(idle, ","))

		default:
			d.Fatalf(t, "unknown command %s", d.Cmd)
			return ""
		}
	})
}

func TestTagQueueReservationBeforeBestEffort(t *testing.T) {
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Reservation: 100, Weight: 1}
	e.qos["b"] = QoSParams{Weight: 1}

	// b arrives first and would win a proportion tie
	e.q.Enqueue("b", 10, "b1")
	e.q.Enqueue("a", 10, "a1")

	r := e.q.Pull()
	require.Equal(t, PullReturning, r.Kind)
	require.Equal(t, "a", r.Key)
	require.Equal(t, PhaseReservation, r.Phase)
	require.Equal(t, uint32(10), r.Cost)

	r = e.q.Pull()
	require.Equal(t, "b", r.Key)
	require.Equal(t, PhaseProportion, r.Phase)
	require.True(t, e.q.Empty())
}

func TestTagQueueReservationSpacing(t *testing.T) {
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Reservation: 4, Weight: 1}
	for i := 0; i < 3; i++ {
		e.q.Enqueue("a", 1, "a")
	}

	resv := func() []float64 {
		var tags []float64
		e.q.clients["a"].reqs.Each(func(p *pendingReq[string]) {
			tags = append(tags, p.tag.reservation)
		})
		return tags
	}
	require.Equal(t, []float64{0, 0.25, 0.5}, resv())

	// after a long pause the key is due at once, with no banked credit
	for !e.q.Empty() {
		e.q.Pull()
	}
	e.clock.Step(10 * time.Second)
	e.q.Enqueue("a", 1, "a")
	e.q.Enqueue("a", 1, "a")
	require.Equal(t, []float64{10, 10.25}, resv())
}

func TestTagQueueReservationGuarantee(t *testing.T) {
	// a reserves 10 units/s but has negligible weight against b; over ten
	// seconds it must still get its reserved share.
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Reservation: 10, Weight: 0.01}
	e.qos["b"] = QoSParams{Weight: 1000}

	served := map[string]int{}
	for tick := 0; tick < 100; tick++ {
		e.q.Enqueue("a", 1, "a")
		for i := 0; i < 5; i++ {
			e.q.Enqueue("b", 1, "b")
		}
		// the server retires 2 requests per 100ms tick
		for i := 0; i < 2; i++ {
			r := e.q.Pull()
			require.Equal(t, PullReturning, r.Kind)
			served[r.Key]++
		}
		e.clock.Step(100 * time.Millisecond)
	}
	// one request per tick from the second tick on, give or take float
	// rounding at the tag boundary
	require.GreaterOrEqual(t, served["a"], 95)
}

func TestTagQueueLimitCeiling(t *testing.T) {
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Weight: 1, Limit: 4}

	for i := 0; i < 100; i++ {
		e.q.Enqueue("a", 1, "a")
	}
	served := 0
	for tick := 0; tick < 8; tick++ {
		e.clock.Step(250 * time.Millisecond)
		for {
			r := e.q.Pull()
			if r.Kind != PullReturning {
				require.Equal(t, PullFuture, r.Kind)
				require.True(t, r.When.After(e.clock.Now()))
				break
			}
			served++
		}
	}
	// two seconds at 4/s
	require.Equal(t, 8, served)
}

func TestTagQueueFutureIsEarliestLimit(t *testing.T) {
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Weight: 1, Limit: 1}
	e.qos["b"] = QoSParams{Reservation: 2, Weight: 1, Limit: 2}

	e.q.Enqueue("a", 1, "a1")
	e.q.Enqueue("b", 1, "b1")

	// b's reservation is due but its limit is not
	r := e.q.Pull()
	require.Equal(t, PullFuture, r.Kind)
	require.Equal(t, testEpoch.Add(500*time.Millisecond), r.When)

	e.clock.Step(500 * time.Millisecond)
	r = e.q.Pull()
	require.Equal(t, "b1", r.Item)
	require.Equal(t, PhaseReservation, r.Phase)

	r = e.q.Pull()
	require.Equal(t, PullFuture, r.Kind)
	require.Equal(t, testEpoch.Add(time.Second), r.When)
}

func TestTagQueueReservationCappedByLimit(t *testing.T) {
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Reservation: 10, Weight: 1, Limit: 2}
	for i := 0; i < 100; i++ {
		e.q.Enqueue("a", 1, "a")
	}

	served := 0
	for tick := 0; tick < 10; tick++ {
		e.clock.Step(100 * time.Millisecond)
		for e.q.Pull().Kind == PullReturning {
			served++
		}
	}
	// one second at 2/s, whatever the reservation asks for
	require.Equal(t, 2, served)
	require.Equal(t, 2.0, e.q.clients["a"].info.Reservation)
}

func TestTagQueueProportionalReducesReservation(t *testing.T) {
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Reservation: 1, Weight: 100}
	e.qos["b"] = QoSParams{Weight: 1}

	e.q.Enqueue("a", 1, "a1")
	e.q.Enqueue("a", 1, "a2")
	e.q.Enqueue("a", 1, "a3")
	e.q.Enqueue("b", 1, "b1")

	r := e.q.Pull()
	require.Equal(t, "a1", r.Item)
	require.Equal(t, PhaseReservation, r.Phase)

	r = e.q.Pull()
	require.Equal(t, "a2", r.Item)
	require.Equal(t, PhaseProportion, r.Phase)

	rec := e.q.clients["a"]
	require.Equal(t, 1.0, rec.reqs.Front().tag.reservation)
	require.Equal(t, 1.0, rec.prev.reservation)
}

func TestTagQueueEnqueueFrontCharges(t *testing.T) {
	e := newTagTestEnv(Options{})
	e.qos["a"] = QoSParams{Weight: 1, Limit: 1}

	e.q.Enqueue("a", 1, "a1")
	e.q.EnqueueFront("a", 1, "retry")
	e.q.EnqueueFront("a", 1, "retry")
	e.q.Enqueue("a", 1, "a2")

	// the retries reuse a1's place but still consume a's limit
	var order []string
	var limits []float64
	e.q.clients["a"].reqs.Each(func(p *pendingReq[string]) {
		order = append(order, p.item)
		limits = append(limits, p.tag.limit)
	})
	require.Equal(t, []string{"retry", "retry", "a1", "a2"}, order)
	require.Equal(t, []float64{1, 1, 1, 4}, limits)
}

func TestTagQueueVirtualTime(t *testing.T) {
	e := newTagTestEnv(Options{})
	for i := 0; i < 4; i++ {
		e.q.Enqueue("a", 1, "a")
	}
	for i := 0; i < 3; i++ {
		e.q.Pull()
	}
	// a newcomer starts at the virtual time, not at zero, so it cannot
	// claim service for the time it was absent
	e.q.Enqueue("b", 1, "b1")
	require.Equal(t, 2.0, e.q.vt)
	require.Equal(t, 3.0, e.q.clients["b"].reqs.Front().tag.proportion)
}

func TestTagQueueRemoveByFilterOrder(t *testing.T) {
	e := newTagTestEnv(Options{})
	for i := 1; i <= 3; i++ {
		for _, k := range []string{"c", "a", "b"} {
			e.q.Enqueue(k, 1, fmt.Sprintf("%s%d", k, i))
		}
	}
	removed := e.q.RemoveByFilter(func(item string) bool {
		return item[1] != '2'
	})
	// creation order of keys, then FIFO within a key
	require.Equal(t, []string{"c1", "c3", "a1", "a3", "b1", "b3"}, removed)
	require.Equal(t, 3, e.q.Len())

	var rest []string
	for !e.q.Empty() {
		rest = append(rest, e.q.Pull().Item)
	}
	require.ElementsMatch(t, []string{"a2", "b2", "c2"}, rest)
}

func TestTagQueueFallbackLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clk := testclock.NewFakeClock(testEpoch)
	q := NewTagQueue[string, int](Options{
		Clock:         clk,
		Logger:        zap.New(core),
		DefaultWeight: 3,
	}, nil)

	q.Enqueue("a", 3, 1)
	q.Enqueue("a", 3, 2)

	require.Equal(t, 1, logs.FilterMessage("no qos info, serving best effort").Len())
	rec := q.clients["a"]
	require.Equal(t, QoSParams{Weight: 3}, rec.info)
	require.True(t, math.IsInf(rec.reqs.Front().tag.reservation, 1))
	require.Equal(t, 1.0, rec.reqs.Front().tag.proportion)
}

func TestTagQueueEraseLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clk := testclock.NewFakeClock(testEpoch)
	q := NewTagQueue[string, int](Options{
		Clock:         clk,
		Logger:        zap.New(core),
		IdleAge:       time.Second,
		EraseAge:      time.Second,
		CleanInterval: time.Second,
	}, nil)

	q.Enqueue("a", 1, 1)
	q.Pull()
	clk.Step(2 * time.Second)
	q.Enqueue("b", 1, 2)

	require.Equal(t, 1, q.Clients())
	require.Equal(t, 1, logs.FilterMessage("erasing inactive client").Len())
}

func TestTagQueueLengthInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	e := newTagTestEnv(Options{})
	keys := []string{"a", "b", "c", "d"}
	e.qos["a"] = QoSParams{Reservation: 5, Weight: 1}
	e.qos["b"] = QoSParams{Weight: 2, Limit: 20}
	e.qos["c"] = QoSParams{Weight: 1, Limit: 3}

	pending := map[string]bool{}
	id := 0
	for step := 0; step < 5000; step++ {
		switch op := rng.Intn(10); {
		case op < 4:
			id++
			item := strconv.Itoa(id)
			e.q.Enqueue(keys[rng.Intn(len(keys))], uint32(rng.Intn(4)), item)
			pending[item] = true
		case op < 5:
			id++
			item := strconv.Itoa(id)
			e.q.EnqueueFront(keys[rng.Intn(len(keys))], uint32(rng.Intn(4)), item)
			pending[item] = true
		case op < 8:
			r := e.q.Pull()
			switch r.Kind {
			case PullReturning:
				require.True(t, pending[r.Item], "item %s pulled twice", r.Item)
				delete(pending, r.Item)
			case PullNone:
				require.Empty(t, pending)
			}
		case op < 9:
			mod := strconv.Itoa(rng.Intn(7))
			for _, item := range e.q.RemoveByFilter(func(item string) bool {
				return strings.HasSuffix(item, mod)
			}) {
				require.True(t, pending[item])
				delete(pending, item)
			}
		default:
			e.clock.Step(time.Duration(rng.Intn(500)) * time.Millisecond)
		}
		require.Equal(t, len(pending), e.q.Len())
		require.Equal(t, len(pending) == 0, e.q.Empty())
	}
}
