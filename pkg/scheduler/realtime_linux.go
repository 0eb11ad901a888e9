package scheduler

import "golang.org/x/sys/unix"

func lockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

// setRealtime switches the calling thread to SCHED_FIFO.
func setRealtime(priority int) error {
	attr := unix.SchedAttr{
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	return unix.SchedSetAttr(unix.Gettid(), &attr, 0)
}
