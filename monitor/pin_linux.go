package monitor

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pin binds the calling thread to a host CPU chosen from the hart id. The
// caller must have locked its goroutine to the thread.
func pin(id int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(id % runtime.NumCPU())

	return unix.SchedSetaffinity(0, &set)
}
