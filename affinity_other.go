//go:build !linux

package opqueue

import (
	"github.com/cockroachdb/errors"
)

// PinToCPU is only supported on Linux.
func PinToCPU(cpu int) error {
	return errors.Newf("pinning to cpu %d: not supported on this platform", cpu)
}
