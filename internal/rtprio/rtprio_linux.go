//go:build linux

package rtprio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// niceness is the fallback when real-time scheduling is not permitted.
const niceness = -11

// Acquire switches the calling thread to SCHED_FIFO. If that's not
// permitted, it tries to lower the niceness of the thread.
func Acquire() error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: Priority,
	}
	err := unix.SchedSetAttr(0, &attr, 0)
	if err == nil {
		return nil
	}
	if nerr := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), niceness); nerr != nil {
		return fmt.Errorf("sched_setattr: %w, setpriority: %w", err, nerr)
	}
	return nil
}
