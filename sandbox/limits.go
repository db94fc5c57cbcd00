package sandbox

import (
	"math"
	"time"
)

// Largest limits that still fit the runtime's units. Larger values are
// clamped rather than wrapped.
const (
	maxWallTimeSeconds = math.MaxInt64 / int64(time.Second)
	maxMemoryMB        = math.MaxInt64 / (1024 * 1024)
)

// Constraints are the runtime-level settings derived from Limits.
type Constraints struct {
	// MemoryBytes is the memory ceiling; swap is capped to the same value.
	// Zero means unlimited.
	MemoryBytes int64
	// PidsLimit is the maximum number of processes, nil for unlimited.
	PidsLimit *int64
	// CPUSeconds is fed to the runtime as RLIMIT_CPU. Zero means unlimited.
	CPUSeconds int64
	// WallTime is the watchdog deadline enforced by the engine, not the
	// runtime. Zero means no deadline.
	WallTime time.Duration
}

// MergeLimits layers limits by precedence: call over profile over engine
// defaults. Fields left nil at every level stay nil.
//
// When factor is positive and neither the call nor the profile sets a wall
// time, the wall time is derived as the effective CPU time times factor.
func MergeLimits(call *Limits, profile, defaults Limits, factor int) Limits {
	out := defaults
	overlay(&out, profile)
	if call != nil {
		overlay(&out, *call)
	}

	wallSet := profile.WallTimeSeconds != nil || (call != nil && call.WallTimeSeconds != nil)
	if factor > 0 && !wallSet && limited(out.CPUTimeSeconds) {
		wall := maxWallTimeSeconds
		if cpu := int64(*out.CPUTimeSeconds); cpu <= maxWallTimeSeconds/int64(factor) {
			wall = cpu * int64(factor)
		}
		out.WallTimeSeconds = Int(int(wall))
	}
	return out
}

func overlay(dst *Limits, src Limits) {
	if src.CPUTimeSeconds != nil {
		dst.CPUTimeSeconds = src.CPUTimeSeconds
	}
	if src.WallTimeSeconds != nil {
		dst.WallTimeSeconds = src.WallTimeSeconds
	}
	if src.MemoryMB != nil {
		dst.MemoryMB = src.MemoryMB
	}
	if src.MaxProcesses != nil {
		dst.MaxProcesses = src.MaxProcesses
	}
}

// limited reports whether v carries an actual ceiling. nil and any
// non-positive value (Unlimited in particular) mean no limit.
func limited(v *int) bool {
	return v != nil && *v > 0
}

// Apply translates merged limits into runtime constraints.
func Apply(l Limits) Constraints {
	var c Constraints
	if limited(l.MemoryMB) {
		c.MemoryBytes = min(int64(*l.MemoryMB), maxMemoryMB) * 1024 * 1024
	}
	if limited(l.MaxProcesses) {
		pids := int64(*l.MaxProcesses)
		c.PidsLimit = &pids
	}
	if limited(l.CPUTimeSeconds) {
		c.CPUSeconds = int64(*l.CPUTimeSeconds)
	}
	if limited(l.WallTimeSeconds) {
		c.WallTime = time.Duration(min(int64(*l.WallTimeSeconds), maxWallTimeSeconds)) * time.Second
	}
	return c
}
