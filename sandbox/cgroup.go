package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	resourcePollInterval = 200 * time.Millisecond
	cgroupCPUPeriod      = 100 * time.Millisecond
)

// enforcer applies resource limits to a spawned child and watches usage.
// Cgroup v2 is used when a root is configured and writable; prlimit caps
// CPU otherwise. Usage polling runs in every mode so breaches surface as
// typed errors rather than opaque kills.
type enforcer struct {
	limits    ResourceLimits
	cgroupDir string
}

func newEnforcer(limits ResourceLimits) *enforcer {
	return &enforcer{limits: limits}
}

// attach places the child under the limits. Returns nil when enforcement
// is disabled or only best-effort mechanisms were available.
func (e *enforcer) attach(pid int, executionID string) error {
	if !e.limits.Enabled() {
		return nil
	}
	if e.limits.CgroupRoot != "" {
		if err := e.attachCgroup(pid, executionID); err == nil {
			return nil
		}
		// Fall through to prlimit when the cgroup tree is not writable.
	}
	return e.applyPrlimit(pid)
}

func (e *enforcer) attachCgroup(pid int, executionID string) error {
	dir := filepath.Join(e.limits.CgroupRoot, "sbx-"+executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if e.limits.CPUQuota > 0 {
		quota := e.limits.CPUQuota.Microseconds()
		period := cgroupCPUPeriod.Microseconds()
		val := fmt.Sprintf("%d %d", quota, period)
		if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(val), 0o644); err != nil {
			return err
		}
	}
	if e.limits.MemoryBytes > 0 {
		val := strconv.FormatInt(e.limits.MemoryBytes, 10)
		if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(val), 0o644); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	e.cgroupDir = dir
	return nil
}

func (e *enforcer) applyPrlimit(pid int) error {
	if e.limits.MaxCPU > 0 {
		secs := uint64((e.limits.MaxCPU + time.Second - 1) / time.Second)
		lim := unix.Rlimit{Cur: secs, Max: secs}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return err
		}
	}
	if e.limits.MemoryBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(e.limits.MemoryBytes), Max: uint64(e.limits.MemoryBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return err
		}
	}
	return nil
}

// cleanup removes the per-execution cgroup once the child has exited.
func (e *enforcer) cleanup() {
	if e.cgroupDir != "" {
		os.Remove(e.cgroupDir)
		e.cgroupDir = ""
	}
}

// watch polls the child's usage until ctx is done or a limit is breached.
// The first breach is sent on the returned channel exactly once.
func (e *enforcer) watch(ctx context.Context, pid int) <-chan *ResourceLimitError {
	ch := make(chan *ResourceLimitError, 1)
	if !e.limits.Enabled() {
		return ch
	}
	go func() {
		ticker := time.NewTicker(resourcePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cpu, rss, err := sampleUsage(pid)
				if err != nil {
					return // child gone
				}
				if e.limits.MaxCPU > 0 && cpu > e.limits.MaxCPU {
					ch <- &ResourceLimitError{Resource: "cpu", Usage: cpu.Milliseconds(), Limit: e.limits.MaxCPU.Milliseconds()}
					return
				}
				if e.limits.MemoryBytes > 0 && rss > e.limits.MemoryBytes {
					ch <- &ResourceLimitError{Resource: "memory", Usage: rss, Limit: e.limits.MemoryBytes}
					return
				}
			}
		}
	}()
	return ch
}

// sampleUsage reads cumulative CPU time and resident memory for pid from
// /proc/<pid>/stat (fields utime+stime) and /proc/<pid>/statm.
func sampleUsage(pid int) (cpu time.Duration, rss int64, err error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// comm may contain spaces; fields are positional after the ')'.
	raw := string(stat)
	idx := strings.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 > len(raw) {
		return 0, 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(raw[idx+2:])
	// fields[11] = utime, fields[12] = stime (1-based 14 and 15).
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, _ := strconv.ParseInt(fields[11], 10, 64)
	stime, _ := strconv.ParseInt(fields[12], 10, 64)
	// USER_HZ is 100 on every platform this runs on.
	const clockTicksPerSecond = 100
	cpu = time.Duration(utime+stime) * time.Second / clockTicksPerSecond

	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Fields(string(statm))
	if len(parts) >= 2 {
		pages, _ := strconv.ParseInt(parts[1], 10, 64)
		rss = pages * int64(os.Getpagesize())
	}
	return cpu, rss, nil
}
