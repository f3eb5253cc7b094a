package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds the most recent process resource sample.
type SystemMetrics struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"-"`
}

// SystemSampler periodically samples the process's CPU and memory usage.
// Measure once on a ticker, query many times from the stats endpoint.
type SystemSampler struct {
	proc     *process.Process
	logger   zerolog.Logger
	interval time.Duration

	mu      sync.RWMutex
	metrics SystemMetrics

	wg sync.WaitGroup
}

// NewSystemSampler creates a sampler for the current process. A nil proc
// (unsupported platform) degrades to goroutine counts only.
func NewSystemSampler(interval time.Duration, logger zerolog.Logger) *SystemSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, system sampling degraded")
		proc = nil
	}
	return &SystemSampler{
		proc:     proc,
		logger:   logger.With().Str("component", "system_sampler").Logger(),
		interval: interval,
	}
}

// Start launches the sampling loop. It stops when ctx is cancelled.
func (s *SystemSampler) Start(ctx context.Context) {
	s.sample()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer RecoverPanic(s.logger, "systemSampler", nil)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sampling loop has exited.
func (s *SystemSampler) Wait() { s.wg.Wait() }

func (s *SystemSampler) sample() {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			m.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			m.RSSBytes = mem.RSS
		}
	}

	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()

	s.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Uint64("rss_bytes", m.RSSBytes).
		Int("goroutines", m.Goroutines).
		Msg("System sample")
}

// Snapshot returns the most recent sample.
func (s *SystemSampler) Snapshot() SystemMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}
