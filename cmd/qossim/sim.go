package main

import (
	"context"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/azargarov/opqueue"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	testclock "k8s.io/utils/clock/testing"
)

// ClientStats is what one client got out of a simulation.
type ClientStats struct {
	Name     string
	Key      opqueue.InnerClient
	Enqueued int64
	Rejected int64
	Served   int64
	Cost     uint64
	Phases   map[opqueue.Phase]int64
}

// Report is the outcome of a simulation, clients in workload order.
type Report struct {
	Elapsed time.Duration
	Clients []*ClientStats
	Pending int
}

type simulator struct {
	w     *Workload
	clock *testclock.FakeClock
	queue *opqueue.PoolQueue[string]
	stats map[string]*ClientStats
}

func newSimulator(w *Workload, log *zap.Logger, metrics opqueue.MetricsPolicy) *simulator {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewFakeClock(start)

	opts := w.Queue.Options()
	opts.Clock = clk
	opts.Logger = log
	opts.Metrics = metrics

	qos := opqueue.NewQoSRegistry(w.Queue.QoSTable())
	q := opqueue.NewPoolQueue[string](opts, qos)
	q.SetService(w)

	s := &simulator{
		w:     w,
		clock: clk,
		queue: q,
		stats: make(map[string]*ClientStats, len(w.Clients)),
	}
	for _, c := range w.Clients {
		s.stats[c.Name] = &ClientStats{Name: c.Name, Phases: make(map[opqueue.Phase]int64)}
	}
	return s
}

func (s *simulator) request(c *ClientSpec) opqueue.Request[string] {
	r := opqueue.Request[string]{
		Type:    c.opType,
		Pool:    opqueue.NoPool,
		PG:      c.PG,
		Cost:    c.Cost,
		Payload: c.Name,
	}
	if c.Pool != nil {
		r.Pool = *c.Pool
	}
	return r
}

func (s *simulator) submit(ctx context.Context, c *ClientSpec) {
	st := s.stats[c.Name]
	r := s.request(c)
	var err error
	if c.Strict {
		err = s.queue.EnqueueStrict(c.ID, c.Priority, r)
	} else {
		err = s.queue.Enqueue(c.ID, c.Priority, c.Cost, r)
	}
	if err != nil {
		st.Rejected++
		if st.Rejected == 1 {
			lg.FromContext(ctx).Warn("request rejected",
				lg.String("client", c.Name),
				lg.Any("error", err))
		}
		return
	}
	st.Enqueued++
}

func (s *simulator) run(ctx context.Context) (*Report, error) {
	tick := s.w.Tick
	steps := int(s.w.Duration / tick)
	credit := make([]float64, len(s.w.Clients))
	budget := 0.0

	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.clock.Step(tick)
		at := time.Duration(i) * tick

		for j := range s.w.Clients {
			c := &s.w.Clients[j]
			if !c.active(at) {
				continue
			}
			credit[j] += c.Rate * tick.Seconds()
			for ; credit[j] >= 1; credit[j]-- {
				s.submit(ctx, c)
			}
		}

		budget += s.w.Capacity * tick.Seconds()
		for budget > 0 && !s.queue.Empty() {
			r, phase, err := s.queue.DequeuePhase()
			if err != nil {
				var nr *opqueue.NotReadyError
				if errors.As(err, &nr) {
					break
				}
				return nil, err
			}
			cost := max(r.Cost, 1)
			budget -= float64(cost)

			st := s.stats[r.Payload]
			st.Key = opqueue.InnerClient{Pool: r.Pool, Class: r.Class()}
			st.Served++
			st.Cost += uint64(cost)
			st.Phases[phase]++
		}
		// idle capacity is not banked
		if budget > 0 {
			budget = 0
		}
	}

	rep := &Report{
		Elapsed: time.Duration(steps) * tick,
		Pending: s.queue.Len(),
	}
	for _, c := range s.w.Clients {
		rep.Clients = append(rep.Clients, s.stats[c.Name])
	}
	lg.FromContext(ctx).Info("simulation finished",
		lg.Int("steps", steps),
		lg.Int("pending", rep.Pending))
	return rep, nil
}
