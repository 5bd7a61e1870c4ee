package sysfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var cpuOnlinePath = "/sys/devices/system/cpu/online"

// parseCPUList parses the kernel cpu list format, e.g. "0-3,6".
func parseCPUList(list string) ([]uint, error) {
	cpus := make([]uint, 0)
	list = strings.TrimSpace(list)
	if list == "" {
		return cpus, nil
	}

	for _, part := range strings.Split(list, ",") {
		bounds := strings.SplitN(part, "-", 2)
		first, err := strconv.ParseUint(bounds[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q: %w", list, err)
		}
		last := first
		if len(bounds) == 2 {
			last, err = strconv.ParseUint(bounds[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", list, err)
			}
		}
		if last < first {
			return nil, fmt.Errorf("invalid cpu range %q", part)
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, uint(cpu))
		}
	}

	return cpus, nil
}

// OnlineCPUs lists the CPUs currently online.
func OnlineCPUs() ([]uint, error) {
	data, err := os.ReadFile(cpuOnlinePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read online cpus: %w", err)
	}
	return parseCPUList(string(data))
}

// HotplugGuard holds an exclusive flock on a lock file shared with the
// hotplug tooling while a transition runs, then reports the online cores.
type HotplugGuard struct {
	lockPath string
}

func NewHotplugGuard(lockPath string) *HotplugGuard {
	return &HotplugGuard{lockPath: lockPath}
}

func (g *HotplugGuard) WithAllCoresHeld(fn func(cpus []uint) error) error {
	lockFile, err := os.OpenFile(g.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open hotplug lock %s: %w", g.lockPath, err)
	}
	defer lockFile.Close()

	fd := int(lockFile.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock hotplug lock %s: %w", g.lockPath, err)
	}
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()

	cpus, err := OnlineCPUs()
	if err != nil {
		return err
	}
	return fn(cpus)
}
