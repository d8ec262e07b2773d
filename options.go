package opqueue

import (
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	DefaultIdleAge       = 10 * time.Minute
	DefaultEraseAge      = 15 * time.Minute
	DefaultCleanInterval = 6 * time.Minute
	DefaultMinCost       = 1
	DefaultWeight        = 1.0
)

// Options configure a queue.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	// IdleAge is how long a key must go without pending requests or
	// service before its tag history is discarded.
	IdleAge time.Duration

	// EraseAge is how long an inactive key is kept before its state is
	// dropped entirely. Values below IdleAge are raised to IdleAge.
	EraseAge time.Duration

	// CleanInterval bounds how often Enqueue runs the idle sweep.
	CleanInterval time.Duration

	// AllowLimitBreak lets the proportional phase serve a request whose
	// limit tag has not matured yet when nothing else is eligible.
	AllowLimitBreak bool

	// MinCost is the floor applied to request costs for tag arithmetic.
	MinCost uint32

	// DefaultWeight replaces missing or non-positive weights.
	DefaultWeight float64

	Clock   clock.PassiveClock
	Logger  *zap.Logger
	Metrics MetricsPolicy
}

func (o *Options) FillDefaults() {
	if o.IdleAge <= 0 {
		o.IdleAge = DefaultIdleAge
	}
	if o.EraseAge <= 0 {
		o.EraseAge = DefaultEraseAge
	}
	if o.EraseAge < o.IdleAge {
		o.EraseAge = o.IdleAge
	}
	if o.CleanInterval <= 0 {
		o.CleanInterval = DefaultCleanInterval
	}
	if o.MinCost == 0 {
		o.MinCost = DefaultMinCost
	}
	if o.DefaultWeight <= 0 {
		o.DefaultWeight = DefaultWeight
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
}
