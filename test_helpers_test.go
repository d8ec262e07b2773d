package opqueue_test

import (
	"context"
	"crypto/sha256"
	"time"

	oq "github.com/azargarov/opqueue"
)

type workload struct {
	name string
	fn   oq.Handler[int]
}

var shaData = []byte("some deterministic payloadsome deterministic payloadsome deterministic payloadsome deterministic payload")

var (
	emptyWork = func(context.Context, oq.Request[int]) error {
		return nil
	}

	cpuWork = func(context.Context, oq.Request[int]) error {
		x := 0
		for i := range 1000 {
			x += i * i
		}
		_ = x
		return nil
	}

	ioWork = func(context.Context, oq.Request[int]) error {
		time.Sleep(5 * time.Microsecond)
		return nil
	}

	shaWork = func(context.Context, oq.Request[int]) error {
		_ = sha256.Sum256(shaData)
		return nil
	}
)

var workloads = []workload{
	{"empty ", emptyWork},
	{"sha256", shaWork},
	{"cpu   ", cpuWork},
	{"io    ", ioWork},
}

// benchQoS gives every pool a weight proportional to its id and reserves
// capacity for the first pool.
var benchQoS = oq.QoSProviderFunc(func(k oq.InnerClient) (oq.QoSParams, bool) {
	p := oq.QoSParams{Weight: float64(k.Pool + 1)}
	if k.Pool == 0 {
		p.Reservation = 1000
	}
	return p, true
})

func benchRequest(i int, pools int) oq.Request[int] {
	return oq.Request[int]{
		Type:    oq.TypeClientOp,
		Pool:    oq.PoolID(i % pools),
		Payload: i,
	}
}
