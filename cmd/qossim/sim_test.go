package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/azargarov/opqueue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimulatorShares(t *testing.T) {
	w, err := loadWorkload("testdata/two_tenants.yaml")
	require.NoError(t, err)

	m := &opqueue.AtomicMetrics{}
	rep, err := newSimulator(w, zap.NewNop(), m).run(context.Background())
	require.NoError(t, err)

	stats := map[string]*ClientStats{}
	for _, c := range rep.Clients {
		stats[c.Name] = c
	}

	admin := stats["admin"]
	require.Equal(t, admin.Enqueued, admin.Served)
	require.Equal(t, admin.Served, admin.Phases[opqueue.PhaseStrict])

	gold, bronze := stats["gold"], stats["bronze"]
	require.Equal(t, opqueue.InnerClient{Pool: 2, Class: opqueue.ClassClientOp}, bronze.Key)
	ratio := float64(gold.Cost) / float64(bronze.Cost)
	require.InDelta(t, 2.0, ratio, 0.1)
	for _, c := range []*ClientStats{gold, bronze} {
		var byPhase int64
		for _, n := range c.Phases {
			byPhase += n
		}
		require.Equal(t, c.Served, byPhase)
		require.Equal(t, c.Served, c.Phases[opqueue.PhaseProportion])
	}
	// capacity is 300/s over 10s
	require.InDelta(t, 3000, gold.Served+bronze.Served+admin.Served, 10)

	lost := stats["lost"]
	require.Zero(t, lost.Enqueued)
	require.InDelta(t, 10, lost.Rejected, 1)

	require.Equal(t, int64(rep.Pending), m.Queued())
}

func TestRunCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capacity: 50
duration: 1s
clients:
  - {name: a, id: 1, pool: 1, rate: 100, cost: 1}
`), 0o644))

	var out bytes.Buffer
	cmd := newRunCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--dump", "--metrics"})
	require.NoError(t, cmd.Execute())

	s := out.String()
	require.Contains(t, s, "simulated 1s, 50 requests left pending")
	require.Contains(t, s, "1/client_op")
	require.Contains(t, s, "mclock:")
	require.Contains(t, s, `opqueue_dequeued_total{class="client_op",phase="proportion"} 50`)
}

func TestWorkloadValidation(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no capacity", "clients: [{name: a, rate: 1}]\n"},
		{"no clients", "capacity: 1\n"},
		{"duplicate", "capacity: 1\nclients: [{name: a}, {name: a}]\n"},
		{"bad type", "capacity: 1\nclients: [{name: a, type: nope}]\n"},
		{"bad queue", "capacity: 1\nqueue: {min_cost: -1}\nclients: [{name: a}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWorkload([]byte(tt.in))
			require.Error(t, err)
		})
	}
}
