package replication

import (
	"sync"
	"time"
)

// MetricsCollector receives replication measurements.
type MetricsCollector interface {
	// RecordPassDuration records how long one push or pull pass took.
	RecordPassDuration(direction string, d time.Duration)
	// RecordDocuments records revisions sent and received in a pass.
	RecordDocuments(pushed, pulled int)
	// RecordDocumentError records a per-document failure by error kind.
	RecordDocumentError(direction string, kind string)
	// RecordConflicts records forks reconciled while pulling.
	RecordConflicts(resolved, deferred int)
	// RecordReconnect records a reconnection attempt.
	RecordReconnect(attempt int)
}

// NoOpMetricsCollector discards everything.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPassDuration(string, time.Duration) {}
func (NoOpMetricsCollector) RecordDocuments(int, int)                 {}
func (NoOpMetricsCollector) RecordDocumentError(string, string)       {}
func (NoOpMetricsCollector) RecordConflicts(int, int)                 {}
func (NoOpMetricsCollector) RecordReconnect(int)                      {}

// MetricsSnapshot is a point-in-time copy of CounterMetrics.
type MetricsSnapshot struct {
	Pushed     int
	Pulled     int
	Errors     map[string]int
	Resolved   int
	Deferred   int
	Reconnects int
	Passes     int
	PassTime   time.Duration
}

// CounterMetrics keeps totals in memory; the CLI prints them after a
// one-shot run.
type CounterMetrics struct {
	mu sync.Mutex
	s  MetricsSnapshot
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{s: MetricsSnapshot{Errors: make(map[string]int)}}
}

func (m *CounterMetrics) RecordPassDuration(direction string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Passes++
	m.s.PassTime += d
}

func (m *CounterMetrics) RecordDocuments(pushed, pulled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Pushed += pushed
	m.s.Pulled += pulled
}

func (m *CounterMetrics) RecordDocumentError(direction string, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Errors[direction+"/"+kind]++
}

func (m *CounterMetrics) RecordConflicts(resolved, deferred int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Resolved += resolved
	m.s.Deferred += deferred
}

func (m *CounterMetrics) RecordReconnect(attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Reconnects++
}

// Snapshot returns a copy safe to read while replication runs.
func (m *CounterMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.s
	out.Errors = make(map[string]int, len(m.s.Errors))
	for k, v := range m.s.Errors {
		out.Errors[k] = v
	}
	return out
}
