package main

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/azargarov/opqueue"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultTick     = 10 * time.Millisecond
	defaultDuration = 10 * time.Second
)

// Workload describes one simulation: the queue configuration, how much
// cost the simulated server retires per second and the clients feeding it.
type Workload struct {
	Queue    opqueue.Config `yaml:"queue"`
	Capacity float64        `yaml:"capacity"`
	Duration time.Duration  `yaml:"duration"`
	Tick     time.Duration  `yaml:"tick"`

	// PGs maps placement groups to pools for clients that do not name a
	// pool.
	PGs map[uint64]opqueue.PoolID `yaml:"pgs"`

	Clients []ClientSpec `yaml:"clients"`
}

// ClientSpec is a steady stream of identical requests.
type ClientSpec struct {
	Name string         `yaml:"name"`
	ID   opqueue.Client `yaml:"id"`

	// Pool is the target pool; when unset the pool is resolved from PG.
	Pool *opqueue.PoolID `yaml:"pool"`
	PG   uint64          `yaml:"pg"`

	Type     string  `yaml:"type"`
	Rate     float64 `yaml:"rate"`
	Cost     uint32  `yaml:"cost"`
	Priority uint32  `yaml:"priority"`

	// Strict sends the stream through the strict-priority overlay.
	Strict bool `yaml:"strict"`

	Start time.Duration `yaml:"start"`
	Stop  time.Duration `yaml:"stop"`

	opType opqueue.OpType
}

func (c *ClientSpec) active(at time.Duration) bool {
	return at > c.Start && (c.Stop == 0 || at <= c.Stop)
}

func loadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading workload")
	}
	w, err := parseWorkload(data)
	if err != nil {
		return nil, errors.Wrapf(err, "workload %s", path)
	}
	return w, nil
}

func parseWorkload(data []byte) (*Workload, error) {
	var w Workload
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decoding workload")
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *Workload) validate() error {
	if err := w.Queue.Validate(); err != nil {
		return err
	}
	if w.Capacity <= 0 {
		return errors.Newf("capacity must be positive, got %v", w.Capacity)
	}
	if w.Tick <= 0 {
		w.Tick = defaultTick
	}
	if w.Duration <= 0 {
		w.Duration = defaultDuration
	}
	if len(w.Clients) == 0 {
		return errors.New("workload has no clients")
	}
	seen := make(map[string]bool, len(w.Clients))
	for i := range w.Clients {
		c := &w.Clients[i]
		if c.Name == "" {
			return errors.Newf("clients[%d]: missing name", i)
		}
		if seen[c.Name] {
			return errors.Newf("clients[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true
		if c.Rate < 0 {
			return errors.Newf("client %s: negative rate", c.Name)
		}
		if c.Type == "" {
			c.Type = opqueue.TypeClientOp.String()
		}
		t, err := opqueue.ParseOpType(c.Type)
		if err != nil {
			return errors.Wrapf(err, "client %s", c.Name)
		}
		c.opType = t
	}
	return nil
}

// PoolOfPG resolves pools of clients that only name a placement group.
func (w *Workload) PoolOfPG(pg uint64) (opqueue.PoolID, bool) {
	p, ok := w.PGs[pg]
	return p, ok
}
