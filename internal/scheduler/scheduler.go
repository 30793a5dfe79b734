// Package scheduler provides the daemon's process-wide stop token and
// the thread affinity/priority hints applied to the latency-sensitive
// UDP ingest reader — §5.
package scheduler

import (
	"context"
	"log"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/unix"
)

// Token is the shared cancellation signal threaded explicitly through
// every long-running goroutine, rather than relied on as a bare
// package-level global (§9 design note).
type Token struct {
	context.Context
	Cancel context.CancelFunc
}

// NewToken returns a fresh stop token.
func NewToken() Token {
	ctx, cancel := context.WithCancel(context.Background())
	return Token{Context: ctx, Cancel: cancel}
}

// CPUCount reports the number of logical CPUs available, preferring
// gopsutil's cross-platform count over runtime.NumCPU when it
// succeeds (gopsutil accounts for cgroup quotas on Linux).
func CPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// PinCurrentThread locks the calling goroutine to its current OS
// thread and restricts that thread's affinity to cpuID, matching the
// original's per-thread CPU pinning for the ingest reader (§5). Must
// be called from the goroutine meant to be pinned, immediately after
// it starts, and runtime.UnlockOSThread must never be called
// afterward on that goroutine.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}

// RaisePriority attempts to raise the calling thread's scheduling
// priority (a lower `nice` value) to prio. Failure is logged, not
// fatal: this is a best-effort latency hint and the original tolerates
// running unprivileged.
func RaisePriority(prio int) {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, prio); err != nil {
		log.Printf("scheduler: setpriority(%d) failed (run as root for realtime scheduling hints): %v", prio, err)
	}
}

// Realtime requests SCHED_FIFO at the given priority for the calling
// thread. Requires CAP_SYS_NICE; when that fails (the common
// unprivileged case) it falls back to the strongest nice value and
// logs once, again best-effort.
func Realtime(prio int) {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(prio),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		log.Printf("scheduler: SCHED_FIFO prio %d unavailable (%v), falling back to nice -20", prio, err)
		RaisePriority(-20)
	}
}
