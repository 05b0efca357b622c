package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemSampler periodically reads Go runtime usage and host-wide CPU
// usage and pushes them into the gauges on Metrics. Grounded on the
// teacher's SystemMetrics: gopsutil for CPU percentage with an exponential moving
// average to smooth spikes, runtime.ReadMemStats for heap size.
type SystemSampler struct {
	metrics *Metrics

	mu         sync.Mutex
	cpuPercent float64
}

func NewSystemSampler(m *Metrics) *SystemSampler {
	return &SystemSampler{metrics: m}
}

// Run samples on interval until ctx-like stop channel closes. Callers
// typically run this in its own goroutine; cmd/gateway starts it from main.
func (s *SystemSampler) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.metrics.SetGoroutines(runtime.NumGoroutine())
	s.metrics.SetMemoryMB(float64(mem.HeapAlloc) / 1024 / 1024)

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]

	s.mu.Lock()
	if s.cpuPercent == 0 {
		s.cpuPercent = current
	} else {
		const alpha = 0.3
		s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
	}
	smoothed := s.cpuPercent
	s.mu.Unlock()

	s.metrics.SetCPUPercent(smoothed)
}
