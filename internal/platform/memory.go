// Package platform detects container resource limits so the Health
// Supervisor can annotate readiness output with how close the process is to
// its cgroup ceiling. It has no admission-control role here: unlike the
// teacher's ResourceGuard, this system has no inbound connections to admit
// or reject — the only action available is to report.
package platform

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// MemoryLimit returns the container memory limit in bytes from the cgroup
// filesystem. Tries cgroup v2 first, falls back to v1. Returns 0 with a nil
// error when no limit file is found, or when cgroup v2 reports "max". The v1
// limit_in_bytes value is returned as read; for an unconstrained v1 cgroup
// that is a very large number, not 0.
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}

// ProcessMemoryUsage returns this process's resident set size in bytes, via
// gopsutil, for the Health Supervisor's process memory gauge.
func ProcessMemoryUsage() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
