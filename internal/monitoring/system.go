package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds the latest process resource sample.
type SystemMetrics struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemMonitor samples process CPU and memory on an interval so health
// checks read a cached value instead of hitting /proc per request.
type SystemMonitor struct {
	proc   *process.Process
	cpu    func() (float64, error) // container-aware when set
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics
}

func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	m := &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{Timestamp: time.Now()},
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Process stats unavailable, falling back to host memory")
	} else {
		m.proc = proc
	}
	return m
}

// WithCPUSource replaces per-process CPU sampling, typically with
// CPUSource so the figure is relative to the container quota.
func (m *SystemMonitor) WithCPUSource(source func() (float64, error)) *SystemMonitor {
	m.cpu = source
	return m
}

// Run samples until ctx is cancelled.
func (m *SystemMonitor) Run(ctx context.Context, interval time.Duration) {
	defer RecoverPanic(m.logger, "systemMonitor", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SystemMonitor) sample() {
	var (
		rss uint64
		cpu float64
	)

	if m.proc != nil {
		if memInfo, err := m.proc.MemoryInfo(); err == nil {
			rss = memInfo.RSS
		}
		if m.cpu == nil {
			if pct, err := m.proc.CPUPercent(); err == nil {
				cpu = pct
			}
		}
	} else if vmem, err := mem.VirtualMemory(); err == nil {
		rss = vmem.Used
	}
	if m.cpu != nil {
		if pct, err := m.cpu(); err == nil {
			cpu = pct
		} else {
			m.logger.Debug().Err(err).Msg("CPU sample failed")
		}
	}

	goroutines := runtime.NumGoroutine()
	UpdateSystemMetrics(rss, cpu, goroutines)

	m.mu.Lock()
	m.metrics = SystemMetrics{
		CPUPercent: cpu,
		MemoryMB:   float64(rss) / 1024 / 1024,
		Goroutines: goroutines,
		Timestamp:  time.Now(),
	}
	m.mu.Unlock()
}

// Snapshot returns the last sample.
func (m *SystemMonitor) Snapshot() SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
