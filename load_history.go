package main

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

// LoadHistoryTracker samples host CPU and load once a second and keeps the
// last minute of samples. The station loops share the host with everything
// else, so a busy host is the first thing to check when xruns climb.
type LoadHistoryTracker struct {
	cpuCores int
	metrics  *PrometheusMetrics
	logger   *log.Logger

	samples   []LoadSample // Last 60 samples, oldest first
	historyMu sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// LoadSample represents a single 1-second sample
type LoadSample struct {
	CPUPercent float64   `json:"cpu_percent"`
	Load1Min   float64   `json:"load_1min"`
	Load5Min   float64   `json:"load_5min"`
	Load15Min  float64   `json:"load_15min"`
	Status     string    `json:"status"` // "ok", "warning", "critical"
	Timestamp  time.Time `json:"timestamp"`
}

// NewLoadHistoryTracker creates a new load history tracker
func NewLoadHistoryTracker(metrics *PrometheusMetrics, logger *log.Logger) *LoadHistoryTracker {
	cpuCores := 0
	info, err := cpu.Info()
	if err == nil && len(info) > 0 {
		// Sum cores across all CPUs (for multi-socket systems)
		for _, cpuInfo := range info {
			cpuCores += int(cpuInfo.Cores)
		}
	}

	return &LoadHistoryTracker{
		cpuCores: cpuCores,
		metrics:  metrics,
		logger:   logger,
		samples:  make([]LoadSample, 0, 60),
		stopChan: make(chan struct{}),
	}
}

// Start begins sampling
func (lht *LoadHistoryTracker) Start() {
	lht.wg.Add(1)
	go lht.sampleLoop()
	lht.logger.Info("load history tracker started", "cpu_cores", lht.cpuCores)
}

// Stop shuts down the tracker
func (lht *LoadHistoryTracker) Stop() {
	close(lht.stopChan)
	lht.wg.Wait()
}

// sampleLoop collects samples every 1 second
func (lht *LoadHistoryTracker) sampleLoop() {
	defer lht.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-lht.stopChan:
			return
		case <-ticker.C:
			sample, err := lht.sample()
			if err != nil {
				lht.logger.Debug("load sample failed", "err", err)
				continue
			}
			lht.record(sample)
		}
	}
}

// sample reads the current host figures
func (lht *LoadHistoryTracker) sample() (LoadSample, error) {
	s := LoadSample{Timestamp: time.Now()}

	percents, err := cpu.Percent(0, false)
	if err != nil {
		return s, err
	}
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	avg, err := load.Avg()
	if err != nil {
		return s, err
	}
	s.Load1Min, s.Load5Min, s.Load15Min = avg.Load1, avg.Load5, avg.Load15
	s.Status = loadStatus(s.Load1Min, lht.cpuCores)

	return s, nil
}

// record appends a sample, dropping the oldest beyond one minute
func (lht *LoadHistoryTracker) record(s LoadSample) {
	lht.historyMu.Lock()
	if len(lht.samples) == cap(lht.samples) {
		copy(lht.samples, lht.samples[1:])
		lht.samples = lht.samples[:len(lht.samples)-1]
	}
	lht.samples = append(lht.samples, s)
	lht.historyMu.Unlock()

	if lht.metrics != nil {
		lht.metrics.UpdateHostLoad(s)
	}
}

// loadStatus grades a 1-minute load average against the core count
func loadStatus(load1 float64, cores int) string {
	if cores <= 0 {
		return "ok"
	}
	perCore := load1 / float64(cores)
	switch {
	case perCore >= 1.0:
		return "critical"
	case perCore >= 0.7:
		return "warning"
	default:
		return "ok"
	}
}

// Latest returns the most recent sample, if any
func (lht *LoadHistoryTracker) Latest() (LoadSample, bool) {
	lht.historyMu.RLock()
	defer lht.historyMu.RUnlock()

	if len(lht.samples) == 0 {
		return LoadSample{}, false
	}
	return lht.samples[len(lht.samples)-1], true
}

// GetHistory returns a copy of the last minute of samples
func (lht *LoadHistoryTracker) GetHistory() []LoadSample {
	lht.historyMu.RLock()
	defer lht.historyMu.RUnlock()

	out := make([]LoadSample, len(lht.samples))
	copy(out, lht.samples)
	return out
}
