//go:build linux

package opqueue

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// PinToCPU restricts the calling thread to cpu. Callers lock the goroutine
// to its thread first (runtime.LockOSThread), or the binding is lost on
// the next reschedule.
func PinToCPU(cpu int) error {
	if cpu < 0 {
		return errors.Newf("pinning to cpu %d: negative cpu", cpu)
	}
	var mask unix.CPUSet
	mask.Set(cpu)
	if mask.Count() == 0 {
		return errors.Newf("pinning to cpu %d: out of range", cpu)
	}
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return errors.Wrapf(err, "pinning to cpu %d", cpu)
	}
	return nil
}
