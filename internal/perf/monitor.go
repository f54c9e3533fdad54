// Package perf samples system resource usage and recommends per-task
// worker counts. The recommendation is advisory: the task manager consults
// it once per task at submission, and a task never shrinks mid-flight.
package perf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/astroair/vidtanium/internal/config"
)

// sampleWindow bounds the retained sample history.
const sampleWindow = 60

// memoryPressureThreshold is the used-memory fraction above which worker
// counts are halved.
const memoryPressureThreshold = 0.90

// sample is one resource reading.
type sample struct {
	at         time.Time
	cpuPercent float64
	memPercent float64
}

// Monitor periodically samples CPU and memory utilization.
type Monitor struct {
	cfg    config.PerfConfig
	logger *slog.Logger

	mu      sync.Mutex
	samples []sample

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor; it does nothing until Start.
func NewMonitor(cfg config.PerfConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// Start begins sampling in the background. A disabled monitor starts
// nothing.
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.Adaptive {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	interval := m.cfg.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.takeSample()
			}
		}
	}()
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

// takeSample reads current utilization and appends it to the window.
func (m *Monitor) takeSample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		m.logger.Debug("cpu sample failed")
		return
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Debug("memory sample failed")
		return
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample{
		at:         time.Now(),
		cpuPercent: percents[0],
		memPercent: vm.UsedPercent,
	})
	if len(m.samples) > sampleWindow {
		m.samples = m.samples[len(m.samples)-sampleWindow:]
	}
	m.mu.Unlock()
}

// averages returns mean CPU and memory utilization over the window.
func (m *Monitor) averages() (cpuAvg, memAvg float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return 0, 0, false
	}
	for _, s := range m.samples {
		cpuAvg += s.cpuPercent
		memAvg += s.memPercent
	}
	n := float64(len(m.samples))
	return cpuAvg / n, memAvg / n, true
}

// RecommendWorkers returns the advised worker count for a new task,
// never below 1 and never above configured. With the monitor disabled
// or unprimed the configured count passes through.
func (m *Monitor) RecommendWorkers(configured int) int {
	if configured < 1 {
		configured = 1
	}
	if !m.cfg.Adaptive {
		return configured
	}

	cpuAvg, memAvg, ok := m.averages()
	if !ok {
		return configured
	}

	recommended := configured
	target := m.cfg.TargetCPUPercent
	if target <= 0 {
		target = 85
	}
	if cpuAvg > target {
		// Scale down proportionally to the overshoot.
		recommended = int(float64(configured) * target / cpuAvg)
	}
	if memAvg > memoryPressureThreshold*100 {
		recommended /= 2
	}
	if recommended < 1 {
		recommended = 1
	}

	if recommended != configured {
		m.logger.Info("adaptive worker recommendation",
			slog.Int("configured", configured),
			slog.Int("recommended", recommended),
			slog.Float64("cpu_avg", cpuAvg),
			slog.Float64("mem_avg", memAvg))
	}
	return recommended
}
