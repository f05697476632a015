package monitoring

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ContainerCPU measures CPU usage relative to the cgroup allocation rather
// than the host, so 100% means the container is using its whole quota.
type ContainerCPU struct {
	mu           sync.Mutex
	version      int // cgroup version, 1 or 2
	path         string
	allocated    float64
	lastUsageUs  uint64
	lastSampleAt time.Time
	now          func() time.Time
}

// NewContainerCPU detects the cgroup of the current process.
func NewContainerCPU() (*ContainerCPU, error) {
	path, version, err := detectCgroup("/proc/self/cgroup", "/sys/fs/cgroup")
	if err != nil {
		return nil, fmt.Errorf("detect cgroup: %w", err)
	}
	return newContainerCPU(path, version, time.Now)
}

func newContainerCPU(path string, version int, now func() time.Time) (*ContainerCPU, error) {
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu usage: %w", err)
	}

	c := &ContainerCPU{
		version:      version,
		path:         path,
		allocated:    float64(runtime.NumCPU()),
		lastUsageUs:  usage,
		lastSampleAt: now(),
		now:          now,
	}
	if quota > 0 && period > 0 {
		c.allocated = float64(quota) / float64(period)
	}
	return c, nil
}

// Allocation is quota/period, or the host core count without a quota.
func (c *ContainerCPU) Allocation() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// Percent returns usage since the previous call as a share of the allocation.
func (c *ContainerCPU) Percent() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	usage, err := readCPUUsage(c.path, c.version)
	if err != nil {
		return 0, err
	}
	elapsed := now.Sub(c.lastSampleAt).Microseconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("sample interval too small")
	}

	raw := float64(usage-c.lastUsageUs) / float64(elapsed) * 100
	c.lastUsageUs = usage
	c.lastSampleAt = now
	return raw / c.allocated, nil
}

// detectCgroup reads the process cgroup file. v2 has a single "0::/path"
// line; v1 lists the cpu controller separately.
func detectCgroup(procFile, root string) (string, int, error) {
	f, err := os.Open(procFile)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return filepath.Join(root, parts[2]), 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return filepath.Join(root, "cpu", parts[2]), 1, nil
		}
	}
	return "", 0, fmt.Errorf("no cpu cgroup in %s", procFile)
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(filepath.Join(path, "cpu.max"))
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		if quota, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	if quota, err = readInt(filepath.Join(path, "cpu.cfs_quota_us")); err != nil {
		return 0, 0, err
	}
	period, err = readInt(filepath.Join(path, "cpu.cfs_period_us"))
	return quota, period, err
}

// readCPUUsage returns cumulative usage in microseconds.
func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(filepath.Join(path, "cpu.stat"))
		if err != nil {
			return 0, err
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("usage_usec missing from cpu.stat")
	}

	ns, err := readInt(filepath.Join(path, "cpuacct.usage"))
	if err != nil {
		return 0, err
	}
	return uint64(ns) / 1000, nil
}

func readInt(file string) (int64, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// CPUSource picks container-aware measurement when a cgroup is visible and
// falls back to host-wide gopsutil sampling otherwise.
func CPUSource(logger zerolog.Logger) func() (float64, error) {
	container, err := NewContainerCPU()
	if err == nil {
		logger.Info().
			Int("cgroup_version", container.version).
			Float64("cpus_allocated", container.Allocation()).
			Msg("Using container-aware CPU measurement")
		return container.Percent
	}

	logger.Info().Err(err).Msg("No cgroup CPU accounting, using host CPU")
	return func() (float64, error) {
		pct, err := cpu.Percent(0, false)
		if err != nil {
			return 0, err
		}
		if len(pct) == 0 {
			return 0, fmt.Errorf("no cpu data")
		}
		return pct[0], nil
	}
}
