package tiercache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; see
// PrometheusCollector.
type MetricsCollector interface {
	// RecordGet is called after each get. hit reports whether the key
	// was found.
	RecordGet(hit bool, duration time.Duration, err error)

	// RecordPut is called after each put, including conditional puts.
	RecordPut(duration time.Duration, err error)

	// RecordRemove is called after each remove.
	RecordRemove(duration time.Duration, err error)

	// RecordEviction is called for every entry evicted from the store.
	RecordEviction()
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordGet(bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordPut(time.Duration, error)       {}
func (NoopMetricsCollector) RecordRemove(time.Duration, error)    {}
func (NoopMetricsCollector) RecordEviction()                      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	GetCount      atomic.Int64
	GetHits       atomic.Int64
	GetErrors     atomic.Int64
	GetTotalNanos atomic.Int64
	PutCount      atomic.Int64
	PutErrors     atomic.Int64
	PutTotalNanos atomic.Int64
	RemoveCount   atomic.Int64
	RemoveErrors  atomic.Int64
	EvictionCount atomic.Int64
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(hit bool, duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if hit {
		b.GetHits.Add(1)
	}
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(_ time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction() {
	b.EvictionCount.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		GetCount:      b.GetCount.Load(),
		GetHits:       b.GetHits.Load(),
		GetErrors:     b.GetErrors.Load(),
		GetAvgNanos:   avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		PutCount:      b.PutCount.Load(),
		PutErrors:     b.PutErrors.Load(),
		PutAvgNanos:   avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		RemoveCount:   b.RemoveCount.Load(),
		RemoveErrors:  b.RemoveErrors.Load(),
		EvictionCount: b.EvictionCount.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	GetCount      int64
	GetHits       int64
	GetErrors     int64
	GetAvgNanos   int64
	PutCount      int64
	PutErrors     int64
	PutAvgNanos   int64
	RemoveCount   int64
	RemoveErrors  int64
	EvictionCount int64
}
