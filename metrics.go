package vscsi

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// OpCounters tracks one transfer direction
type OpCounters struct {
	Ops    atomic.Uint64 // Completed requests
	Bytes  atomic.Uint64 // Bytes of successful requests
	Errors atomic.Uint64 // Failed requests
}

func (c *OpCounters) record(bytes uint64, success bool) {
	c.Ops.Add(1)
	if success {
		c.Bytes.Add(bytes)
	} else {
		c.Errors.Add(1)
	}
}

func (c *OpCounters) reset() {
	c.Ops.Store(0)
	c.Bytes.Store(0)
	c.Errors.Store(0)
}

// Metrics tracks I/O request statistics for a device
type Metrics struct {
	Read  OpCounters
	Write OpCounters
	Flush OpCounters
	Unmap OpCounters

	// Completion outcomes outside the success/error split
	Redo               atomic.Uint64 // Completions with redo possible
	Cancelled          atomic.Uint64 // Completions of cancelled requests
	InvalidCompletions atomic.Uint64 // Complete calls with stale handles
	EnqueueFailures    atomic.Uint64 // Enqueues rolled back

	// Outstanding request statistics
	OutstandingTotal atomic.Uint64 // Cumulative outstanding samples
	OutstandingCount atomic.Uint64 // Number of samples
	MaxOutstanding   atomic.Uint32 // Maximum observed outstanding requests

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets[i] counts completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read request
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.Read.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write request
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.Write.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordFlush records a completed flush request
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.Flush.record(0, success)
	m.recordLatency(latencyNs)
}

// RecordUnmap records a completed unmap request
func (m *Metrics) RecordUnmap(bytes uint64, latencyNs uint64, success bool) {
	m.Unmap.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordOutstanding samples the outstanding request count
func (m *Metrics) RecordOutstanding(depth uint32) {
	m.OutstandingTotal.Add(uint64(depth))
	m.OutstandingCount.Add(1)

	for {
		current := m.MaxOutstanding.Load()
		if depth <= current {
			break
		}
		if m.MaxOutstanding.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	ReadOps  uint64 `json:"read_ops"`
	WriteOps uint64 `json:"write_ops"`
	FlushOps uint64 `json:"flush_ops"`
	UnmapOps uint64 `json:"unmap_ops"`

	ReadBytes   uint64 `json:"read_bytes"`
	WriteBytes  uint64 `json:"write_bytes"`
	UnmapBytes  uint64 `json:"unmap_bytes"`
	ReadErrors  uint64 `json:"read_errors"`
	WriteErrors uint64 `json:"write_errors"`
	FlushErrors uint64 `json:"flush_errors"`
	UnmapErrors uint64 `json:"unmap_errors"`

	Redo               uint64 `json:"redo"`
	Cancelled          uint64 `json:"cancelled"`
	InvalidCompletions uint64 `json:"invalid_completions"`
	EnqueueFailures    uint64 `json:"enqueue_failures"`

	AvgOutstanding float64 `json:"avg_outstanding"`
	MaxOutstanding uint32  `json:"max_outstanding"`

	AvgLatencyNs  uint64 `json:"avg_latency_ns"`
	LatencyP50Ns  uint64 `json:"latency_p50_ns"`
	LatencyP99Ns  uint64 `json:"latency_p99_ns"`
	LatencyP999Ns uint64 `json:"latency_p999_ns"`
	UptimeNs      uint64 `json:"uptime_ns"`

	LatencyHistogram [numLatencyBuckets]uint64 `json:"latency_histogram"`

	TotalOps   uint64  `json:"total_ops"`
	TotalBytes uint64  `json:"total_bytes"`
	IOPS       float64 `json:"iops"`
	ErrorRate  float64 `json:"error_rate"` // Percentage of failed requests
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:            m.Read.Ops.Load(),
		WriteOps:           m.Write.Ops.Load(),
		FlushOps:           m.Flush.Ops.Load(),
		UnmapOps:           m.Unmap.Ops.Load(),
		ReadBytes:          m.Read.Bytes.Load(),
		WriteBytes:         m.Write.Bytes.Load(),
		UnmapBytes:         m.Unmap.Bytes.Load(),
		ReadErrors:         m.Read.Errors.Load(),
		WriteErrors:        m.Write.Errors.Load(),
		FlushErrors:        m.Flush.Errors.Load(),
		UnmapErrors:        m.Unmap.Errors.Load(),
		Redo:               m.Redo.Load(),
		Cancelled:          m.Cancelled.Load(),
		InvalidCompletions: m.InvalidCompletions.Load(),
		EnqueueFailures:    m.EnqueueFailures.Load(),
		MaxOutstanding:     m.MaxOutstanding.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps + snap.UnmapOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.UnmapBytes

	if n := m.OutstandingCount.Load(); n > 0 {
		snap.AvgOutstanding = float64(m.OutstandingTotal.Load()) / float64(n)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.IOPS = float64(snap.TotalOps) / (float64(snap.UptimeNs) / 1e9)
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors + snap.UnmapErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*OpCounters{&m.Read, &m.Write, &m.Flush, &m.Unmap} {
		c.reset()
	}
	m.Redo.Store(0)
	m.Cancelled.Store(0)
	m.InvalidCompletions.Store(0)
	m.EnqueueFailures.Store(0)
	m.OutstandingTotal.Store(0)
	m.OutstandingCount.Store(0)
	m.MaxOutstanding.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. Methods are called from
// the completion path and must not block.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveUnmap(bytes uint64, latencyNs uint64, success bool)

	// ObserveOutstanding is called after each accepted enqueue with the
	// LUN's outstanding count
	ObserveOutstanding(depth uint32)

	// ObserveRedo is called for each completion with redo possible
	ObserveRedo()

	// ObserveCancelled is called when a cancelled request completes
	ObserveCancelled()

	// ObserveInvalidCompletion is called for each rejected Complete
	ObserveInvalidCompletion()

	// ObserveEnqueueFailure is called for each rolled back enqueue
	ObserveEnqueueFailure()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveUnmap(uint64, uint64, bool) {}
func (NoOpObserver) ObserveOutstanding(uint32)         {}
func (NoOpObserver) ObserveRedo()                      {}
func (NoOpObserver) ObserveCancelled()                 {}
func (NoOpObserver) ObserveInvalidCompletion()         {}
func (NoOpObserver) ObserveEnqueueFailure()            {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveUnmap(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordUnmap(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveOutstanding(depth uint32) {
	o.metrics.RecordOutstanding(depth)
}

func (o *MetricsObserver) ObserveRedo()              { o.metrics.Redo.Add(1) }
func (o *MetricsObserver) ObserveCancelled()         { o.metrics.Cancelled.Add(1) }
func (o *MetricsObserver) ObserveInvalidCompletion() { o.metrics.InvalidCompletions.Add(1) }
func (o *MetricsObserver) ObserveEnqueueFailure()    { o.metrics.EnqueueFailures.Add(1) }

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
