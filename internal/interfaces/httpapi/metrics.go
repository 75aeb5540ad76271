package httpapi

import (
	"sync"
	"time"
)

type stageCounters struct {
	Done      uint64
	Retried   uint64
	Failed    uint64
	Exhausted uint64
	FetchErrs uint64
	BadJobs   uint64
}

// Metrics collects relay counters for the plaintext endpoint. It satisfies
// the pipeline worker's observer interface.
type Metrics struct {
	mu         sync.RWMutex
	startTime  time.Time
	requests   uint64
	duplicates uint64
	stages     map[string]*stageCounters
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		stages:    make(map[string]*stageCounters),
	}
}

func (m *Metrics) stage(name string) *stageCounters {
	counters, ok := m.stages[name]
	if !ok {
		counters = &stageCounters{}
		m.stages[name] = counters
	}
	return counters
}

func (m *Metrics) IncRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
}

func (m *Metrics) IncDuplicate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
}

func (m *Metrics) JobDone(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).Done++
}

func (m *Metrics) JobRetried(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).Retried++
}

func (m *Metrics) JobFailed(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).Failed++
}

func (m *Metrics) JobExhausted(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).Exhausted++
}

func (m *Metrics) FetchError(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).FetchErrs++
}

func (m *Metrics) DecodeError(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).BadJobs++
}

type MetricsSnapshot struct {
	StartTime  time.Time
	Requests   uint64
	Duplicates uint64
	Stages     map[string]stageCounters
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stages := make(map[string]stageCounters, len(m.stages))
	for name, counters := range m.stages {
		stages[name] = *counters
	}
	return MetricsSnapshot{
		StartTime:  m.startTime,
		Requests:   m.requests,
		Duplicates: m.duplicates,
		Stages:     stages,
	}
}
