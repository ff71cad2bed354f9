// Package metrics records licence-verifier calls: counters, a rolling latency
// window, histograms, a persisted snapshot and an optional log-sink forwarder.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	DefaultLatencyWindow = 1000
	DefaultRecordWindow  = 500
)

type Outcome string

const (
	OutcomeValid   Outcome = "valid"
	OutcomeInvalid Outcome = "invalid"
	OutcomeError   Outcome = "error"
)

// Record is one verifier call. LicencePrefix never holds more than four digits.
type Record struct {
	RequestID     string    `json:"request_id"`
	Timestamp     time.Time `json:"timestamp"`
	LatencyMs     float64   `json:"latency_ms"`
	LicencePrefix string    `json:"licence_prefix,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	ErrorTag      string    `json:"error_tag,omitempty"`
}

// Snapshot is a point-in-time copy of the sink.
type Snapshot struct {
	TotalRequests       uint64            `json:"total_requests"`
	SuccessCount        uint64            `json:"success_count"`
	ValidCount          uint64            `json:"valid_count"`
	InvalidCount        uint64            `json:"invalid_count"`
	ErrorCount          uint64            `json:"error_count"`
	SuccessRatePct      float64           `json:"success_rate_pct"`
	AvgLatencyMs        float64           `json:"avg_latency_ms"`
	P50LatencyMs        float64           `json:"p50_latency_ms"`
	P95LatencyMs        float64           `json:"p95_latency_ms"`
	P99LatencyMs        float64           `json:"p99_latency_ms"`
	LatencySamples      int               `json:"latency_samples"`
	ErrorBreakdown      map[string]uint64 `json:"error_breakdown"`
	LicencePrefixCounts map[string]uint64 `json:"licence_prefix_counts"`
}

// Forwarder receives every record. Enqueue must not block.
type Forwarder interface {
	Enqueue(r Record)
}

// Sink is safe for concurrent use. All mutation happens under mu; readers get
// copies.
type Sink struct {
	mu sync.Mutex

	total, valid, invalid, errs uint64

	latencies []float64
	latNext   int

	records []Record
	recNext int

	prefixes  map[string]uint64
	errorTags map[string]uint64

	started    time.Time
	collectors *Collectors
	forwarder  Forwarder
}

type Option func(*Sink)

func WithCollectors(c *Collectors) Option {
	return func(s *Sink) { s.collectors = c }
}

func WithForwarder(f Forwarder) Option {
	return func(s *Sink) { s.forwarder = f }
}

// WithLatencyWindow overrides the size of the latency ring. Sizes below one
// keep the default.
func WithLatencyWindow(n int) Option {
	return func(s *Sink) {
		if n < 1 {
			return
		}
		s.latencies = make([]float64, 0, n)
	}
}

func NewSink(opts ...Option) *Sink {
	s := &Sink{
		latencies: make([]float64, 0, DefaultLatencyWindow),
		records:   make([]Record, 0, DefaultRecordWindow),
		prefixes:  map[string]uint64{},
		errorTags: map[string]uint64{},
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record adds r to the sink and hands it to the forwarder.
func (s *Sink) Record(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.total++
	switch r.Outcome {
	case OutcomeValid:
		s.valid++
	case OutcomeInvalid:
		s.invalid++
	default:
		s.errs++
	}
	if r.ErrorTag != "" {
		s.errorTags[r.ErrorTag]++
	}
	if r.LicencePrefix != "" {
		s.prefixes[r.LicencePrefix]++
	}
	s.pushLatency(r.LatencyMs)
	s.pushRecord(r)
	s.mu.Unlock()

	if s.collectors != nil {
		s.collectors.observeVerification(r)
	}
	if s.forwarder != nil {
		s.forwarder.Enqueue(r)
	}
}

func (s *Sink) pushLatency(ms float64) {
	if len(s.latencies) < cap(s.latencies) {
		s.latencies = append(s.latencies, ms)
		return
	}
	s.latencies[s.latNext] = ms
	s.latNext = (s.latNext + 1) % len(s.latencies)
}

func (s *Sink) pushRecord(r Record) {
	if len(s.records) < cap(s.records) {
		s.records = append(s.records, r)
		return
	}
	s.records[s.recNext] = r
	s.recNext = (s.recNext + 1) % len(s.records)
}

// Snapshot computes counters and latency statistics over the window.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		TotalRequests:       s.total,
		ValidCount:          s.valid,
		InvalidCount:        s.invalid,
		ErrorCount:          s.errs,
		SuccessCount:        s.valid + s.invalid,
		ErrorBreakdown:      copyCounts(s.errorTags),
		LicencePrefixCounts: copyCounts(s.prefixes),
	}
	window := append([]float64(nil), s.latencies...)
	s.mu.Unlock()

	if snap.TotalRequests > 0 {
		snap.SuccessRatePct = round2(float64(snap.SuccessCount) / float64(snap.TotalRequests) * 100)
	}

	snap.LatencySamples = len(window)
	if len(window) > 0 {
		sort.Float64s(window)
		var sum float64
		for _, v := range window {
			sum += v
		}
		snap.AvgLatencyMs = round2(sum / float64(len(window)))
		snap.P50LatencyMs = round2(percentile(window, 0.50))
		snap.P95LatencyMs = round2(percentile(window, 0.95))
		snap.P99LatencyMs = round2(percentile(window, 0.99))
	}
	return snap
}

// Recent returns up to n of the latest records, oldest first.
func (s *Sink) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]Record, 0, len(s.records))
	ordered = append(ordered, s.records[s.recNext:]...)
	ordered = append(ordered, s.records[:s.recNext]...)
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Uptime is the time since the sink was created.
func (s *Sink) Uptime() time.Duration {
	return time.Since(s.started)
}

// percentile picks sorted[floor(len*p)], clamped to the last element.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
