package sandbox

import (
	"fmt"
	"strconv"
)

type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`  // Hard memory limit, swap included
	PidsLimit int64 `json:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb"`    // Tmpfs size for /tmp
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 512, // 0.5 CPU
		MemoryMB:  256,
		PidsLimit: 64, // guest plus nsjail and the idle init
		DiskMB:    100,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 8192 {
		return fmt.Errorf("%w: cpu_shares must be 2-8192, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 16384 {
		return fmt.Errorf("%w: memory_mb must be 16-16384, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 2000 {
		return fmt.Errorf("%w: pids_limit must be 5-2000, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 10240 {
		return fmt.Errorf("%w: disk_mb must be 1-10240, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}

func (rl ResourceLimits) MemoryBytes() int64 {
	return rl.MemoryMB * 1024 * 1024
}

// NanoCPUs converts shares to the hard CPU quota the engine enforces.
func (rl ResourceLimits) NanoCPUs() int64 {
	return rl.CPUShares * 1e9 / 1024
}

func (rl ResourceLimits) TmpfsOptions() string {
	return fmt.Sprintf("rw,nosuid,nodev,noexec,size=%dm,mode=1777", rl.DiskMB)
}

// cliArgs renders the limits as docker run flags.
func (rl ResourceLimits) cliArgs() []string {
	mem := strconv.FormatInt(rl.MemoryMB, 10) + "m"
	return []string{
		"--memory", mem,
		"--memory-swap", mem,
		"--pids-limit", strconv.FormatInt(rl.PidsLimit, 10),
		"--cpus", strconv.FormatFloat(float64(rl.CPUShares)/1024.0, 'f', 2, 64),
		"--tmpfs", "/tmp:" + rl.TmpfsOptions(),
	}
}
