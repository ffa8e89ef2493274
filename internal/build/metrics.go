package build

import (
	"sync"
	"time"
)

// Metrics tracks one build's module walk and emit timings.
type Metrics struct {
	Modules         int64
	Succeeded       int64
	Failed          int64
	AverageDuration time.Duration
	TotalDuration   time.Duration
	EmittedFiles    int
	EmitDuration    time.Duration
	mutex           sync.RWMutex
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordModule records the load and transform of one module.
func (m *Metrics) RecordModule(d time.Duration, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Modules++
	m.TotalDuration += d
	if err != nil {
		m.Failed++
	} else {
		m.Succeeded++
	}
	m.AverageDuration = m.TotalDuration / time.Duration(m.Modules)
}

// RecordEmit records the output stage.
func (m *Metrics) RecordEmit(files int, d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.EmittedFiles = files
	m.EmitDuration = d
}

// MetricsSnapshot is a copy of Metrics without its lock.
type MetricsSnapshot struct {
	Modules         int64         `json:"modules"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
	AverageDuration time.Duration `json:"average_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
	EmittedFiles    int           `json:"emitted_files"`
	EmitDuration    time.Duration `json:"emit_duration"`
}

// GetSnapshot returns a snapshot of current metrics.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return MetricsSnapshot{
		Modules:         m.Modules,
		Succeeded:       m.Succeeded,
		Failed:          m.Failed,
		AverageDuration: m.AverageDuration,
		TotalDuration:   m.TotalDuration,
		EmittedFiles:    m.EmittedFiles,
		EmitDuration:    m.EmitDuration,
	}
}

// FailureRate returns failed modules over walked modules in [0, 1].
func (m *Metrics) FailureRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.Modules == 0 {
		return 0.0
	}
	return float64(m.Failed) / float64(m.Modules)
}
