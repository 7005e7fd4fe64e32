package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxRRPriority is the top SCHED_RR priority on Linux
const maxRRPriority = 99

// lockMemory pins current and future pages so a station thread never takes
// a major fault mid-period
func lockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall: %w", err)
	}
	return nil
}

// rrPriority maps the configured priority onto the SCHED_RR range. Zero
// and out of range values select the maximum.
func rrPriority(p int) uint32 {
	if p <= 0 || p > maxRRPriority {
		return maxRRPriority
	}
	return uint32(p)
}

// realtimeThreadSetup returns the per-thread hook run by each station loop
// after it has locked its OS thread, or nil when real-time scheduling is off
func realtimeThreadSetup(cfg RealtimeConfig) func() error {
	if !cfg.Enabled {
		return nil
	}
	priority := rrPriority(cfg.Priority)
	return func() error {
		attr := unix.SchedAttr{
			Size:     uint32(unsafe.Sizeof(unix.SchedAttr{})),
			Policy:   unix.SCHED_RR,
			Priority: priority,
		}
		// pid 0 is the calling thread
		if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
			return fmt.Errorf("sched_setattr(SCHED_RR, %d): %w", priority, err)
		}
		prefaultStack()
		return nil
	}
}

// prefaultStack grows the goroutine stack once at startup so the first
// periods do not pay for stack copies
//
//go:noinline
func prefaultStack() byte {
	var buf [64 << 10]byte
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 1
	}
	return buf[len(buf)-1]
}
