package opqueue

import (
	"sync/atomic"
)

// QoSParams are the dmClock parameters of one scheduling key, all in cost
// units per second.
//
// A zero Reservation means no guaranteed rate, a zero Limit means no
// ceiling, and a non-positive Weight is replaced by the queue's default
// weight.
type QoSParams struct {
	Reservation float64 `yaml:"reservation"`
	Weight      float64 `yaml:"weight"`
	Limit       float64 `yaml:"limit"`
}

// QoSProvider resolves the parameters in effect for a key. ok is false
// when nothing is configured for the key, in which case the queue treats
// it as best effort.
type QoSProvider interface {
	Lookup(key InnerClient) (params QoSParams, ok bool)
}

// QoSProviderFunc adapts a function to QoSProvider.
type QoSProviderFunc func(InnerClient) (QoSParams, bool)

func (f QoSProviderFunc) Lookup(key InnerClient) (QoSParams, bool) { return f(key) }

// QoSTable is an immutable snapshot of configured parameters. Lookups try
// the exact pool and class first, then the class default, then Global.
type QoSTable struct {
	Version uint64

	Global  *QoSParams
	Classes map[OpClass]QoSParams
	Pools   map[InnerClient]QoSParams
}

// Lookup implements QoSProvider against this snapshot.
func (t *QoSTable) Lookup(key InnerClient) (QoSParams, bool) {
	if p, ok := t.Pools[key]; ok {
		return p, true
	}
	if p, ok := t.Classes[key.Class]; ok {
		return p, true
	}
	if t.Global != nil {
		return *t.Global, true
	}
	return QoSParams{}, false
}

func (t *QoSTable) clone() *QoSTable {
	c := &QoSTable{
		Version: t.Version,
		Classes: make(map[OpClass]QoSParams, len(t.Classes)),
		Pools:   make(map[InnerClient]QoSParams, len(t.Pools)),
	}
	if t.Global != nil {
		g := *t.Global
		c.Global = &g
	}
	for k, v := range t.Classes {
		c.Classes[k] = v
	}
	for k, v := range t.Pools {
		c.Pools[k] = v
	}
	return c
}

// DefaultClassQoS returns the stock per-class parameters: client and
// replication traffic get a reservation, background work only a weight.
func DefaultClassQoS() map[OpClass]QoSParams {
	return map[OpClass]QoSParams{
		ClassClientOp:     {Reservation: 1000, Weight: 500},
		ClassRepOp:        {Reservation: 1000, Weight: 500},
		ClassPeeringEvent: {Weight: 1},
		ClassSnapTrim:     {Weight: 1},
		ClassRecovery:     {Weight: 1},
		ClassScrub:        {Weight: 1},
		ClassPGDelete:     {Weight: 1},
	}
}

// QoSRegistry publishes QoSTable snapshots. Readers never lock and always
// observe a complete table; writers replace the whole table.
type QoSRegistry struct {
	snap atomic.Pointer[QoSTable]
}

// NewQoSRegistry creates a registry serving t.
func NewQoSRegistry(t QoSTable) *QoSRegistry {
	r := &QoSRegistry{}
	r.snap.Store(t.clone())
	return r
}

// Lookup implements QoSProvider. It reads a single snapshot.
func (r *QoSRegistry) Lookup(key InnerClient) (QoSParams, bool) {
	return r.snap.Load().Lookup(key)
}

// Snapshot returns the current table. It must not be modified.
func (r *QoSRegistry) Snapshot() *QoSTable {
	return r.snap.Load()
}

// Store replaces the table and returns the new version.
func (r *QoSRegistry) Store(t QoSTable) uint64 {
	return r.Update(func(cur *QoSTable) {
		cur.Global = t.Global
		cur.Classes = t.Classes
		cur.Pools = t.Pools
	})
}

// Update applies fn to a private copy of the current table and publishes
// it. fn may run more than once under contention.
func (r *QoSRegistry) Update(fn func(t *QoSTable)) uint64 {
	for {
		old := r.snap.Load()
		next := old.clone()
		fn(next)
		next = next.clone()
		next.Version = old.Version + 1
		if r.snap.CompareAndSwap(old, next) {
			return next.Version
		}
	}
}
