package metrics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotCounters(t *testing.T) {
	s := NewSink()
	s.Record(Record{RequestID: "a", LatencyMs: 100, Outcome: OutcomeValid, LicencePrefix: "5678"})
	s.Record(Record{RequestID: "b", LatencyMs: 200, Outcome: OutcomeInvalid, LicencePrefix: "5678"})
	s.Record(Record{RequestID: "c", LatencyMs: 300, Outcome: OutcomeError, ErrorTag: "timeout"})
	s.Record(Record{RequestID: "d", LatencyMs: 400, Outcome: OutcomeError, ErrorTag: "http-503", LicencePrefix: "1234"})

	snap := s.Snapshot()
	assert.Equal(t, uint64(4), snap.TotalRequests)
	assert.Equal(t, uint64(2), snap.SuccessCount)
	assert.Equal(t, uint64(1), snap.ValidCount)
	assert.Equal(t, uint64(1), snap.InvalidCount)
	assert.Equal(t, uint64(2), snap.ErrorCount)
	assert.Equal(t, 50.0, snap.SuccessRatePct)
	assert.Equal(t, 250.0, snap.AvgLatencyMs)
	assert.Equal(t, map[string]uint64{"timeout": 1, "http-503": 1}, snap.ErrorBreakdown)
	assert.Equal(t, map[string]uint64{"5678": 2, "1234": 1}, snap.LicencePrefixCounts)
}

func TestPercentilesUseFloorIndex(t *testing.T) {
	s := NewSink()
	for i := 1; i <= 100; i++ {
		s.Record(Record{LatencyMs: float64(i), Outcome: OutcomeValid})
	}

	snap := s.Snapshot()
	// sorted[floor(100*p)] on values 1..100
	assert.Equal(t, 51.0, snap.P50LatencyMs)
	assert.Equal(t, 96.0, snap.P95LatencyMs)
	assert.Equal(t, 100.0, snap.P99LatencyMs)
	assert.Equal(t, 50.5, snap.AvgLatencyMs)
}

func TestLatencyWindowIsBounded(t *testing.T) {
	s := NewSink(WithLatencyWindow(10))
	for i := 0; i < 25; i++ {
		s.Record(Record{LatencyMs: float64(i), Outcome: OutcomeValid})
	}

	snap := s.Snapshot()
	assert.Equal(t, 10, snap.LatencySamples)
	assert.Equal(t, uint64(25), snap.TotalRequests)
	// only 15..24 remain
	assert.Equal(t, 19.5, snap.AvgLatencyMs)
}

func TestNonPositiveLatencyWindowKeepsDefault(t *testing.T) {
	for _, n := range []int{0, -3} {
		s := NewSink(WithLatencyWindow(n))
		for i := 0; i < DefaultLatencyWindow+2; i++ {
			s.Record(Record{LatencyMs: 1, Outcome: OutcomeValid})
		}

		snap := s.Snapshot()
		assert.Equal(t, DefaultLatencyWindow, snap.LatencySamples, "window %d", n)
		assert.Equal(t, uint64(DefaultLatencyWindow+2), snap.TotalRequests)
	}
}

func TestRecentKeepsOrderAcrossWrap(t *testing.T) {
	s := NewSink()
	for i := 0; i < DefaultRecordWindow+5; i++ {
		s.Record(Record{RequestID: string(rune('a' + i%26)), LatencyMs: float64(i), Outcome: OutcomeValid})
	}

	recent := s.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, float64(DefaultRecordWindow+2), recent[0].LatencyMs)
	assert.Equal(t, float64(DefaultRecordWindow+4), recent[2].LatencyMs)
	assert.Len(t, s.Recent(0), DefaultRecordWindow)
}

func TestEmptySnapshot(t *testing.T) {
	snap := NewSink().Snapshot()
	assert.Zero(t, snap.TotalRequests)
	assert.Zero(t, snap.SuccessRatePct)
	assert.Zero(t, snap.P99LatencyMs)
	assert.NotNil(t, snap.ErrorBreakdown)
}

func TestConcurrentRecord(t *testing.T) {
	s := NewSink()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Record(Record{LatencyMs: 1, Outcome: OutcomeValid})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1000), s.Snapshot().TotalRequests)
}

func TestPersistAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metrics.json")

	s := NewSink()
	for i := 0; i < 150; i++ {
		s.Record(Record{RequestID: "r", LatencyMs: float64(i), Outcome: OutcomeValid, LicencePrefix: "5678"})
	}
	s.Record(Record{RequestID: "x", LatencyMs: 5, Outcome: OutcomeError, ErrorTag: "scraper-failure"})
	require.NoError(t, s.Persist(path))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, SchemaVersion, doc.Schema)
	assert.Len(t, doc.RecentRecords, PersistedRecords)
	assert.Equal(t, uint64(151), doc.Snapshot.TotalRequests)

	restored := NewSink()
	restored.Restore(doc)
	snap := restored.Snapshot()
	assert.Equal(t, uint64(151), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.ErrorBreakdown["scraper-failure"])
	assert.Equal(t, PersistedRecords, snap.LatencySamples)
}

func TestLoadDocumentMissingFile(t *testing.T) {
	doc, err := LoadDocument(filepath.Join(t.TempDir(), "absent.json"))
	assert.NoError(t, err)
	assert.Nil(t, doc)
}

func TestCollectorsObserveRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg, "qemplois")
	s := NewSink(WithCollectors(c))

	s.Record(Record{LatencyMs: 1500, Outcome: OutcomeValid})
	s.Record(Record{LatencyMs: 10, Outcome: OutcomeError, ErrorTag: "timeout"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Verifications.WithLabelValues("valid", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Verifications.WithLabelValues("error", "timeout")))
}

type captured struct {
	mu      sync.Mutex
	axiom   [][]map[string]any
	datadog [][]map[string]any
	headers []http.Header
}

func newSinkServer(t *testing.T, c *captured) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body = zr
		}
		var events []map[string]any
		if !assert.NoError(t, json.NewDecoder(body).Decode(&events)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.headers = append(c.headers, r.Header.Clone())
		switch r.URL.Path {
		case "/axiom":
			c.axiom = append(c.axiom, events)
		case "/dd":
			c.datadog = append(c.datadog, events)
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestForwarderShipsBatchesToBothSinks(t *testing.T) {
	var c captured
	srv := newSinkServer(t, &c)
	defer srv.Close()

	f := NewLogForwarder(ForwarderOptions{
		AxiomToken: "tok", AxiomDataset: "rbq", AxiomURL: srv.URL + "/axiom",
		DDAPIKey: "dd-key", DDService: "qemplois-rbq", DDEnv: "test", DatadogURL: srv.URL + "/dd",
		BatchSize: 2, FlushInterval: time.Hour,
		Logger: quietLogger(),
	})
	require.True(t, f.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	f.Enqueue(Record{RequestID: "a", Outcome: OutcomeValid, Timestamp: time.Now()})
	f.Enqueue(Record{RequestID: "b", Outcome: OutcomeInvalid, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.axiom) == 1 && len(c.datadog) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	assert.Len(t, c.axiom[0], 2)
	assert.Equal(t, "a", c.axiom[0][0]["request_id"])
	assert.Equal(t, "qemplois-rbq", c.datadog[0][0]["service"])
	assert.Contains(t, c.datadog[0][0]["ddtags"], "env:test")
	for _, h := range c.headers {
		if h.Get("Content-Encoding") == "gzip" {
			assert.Equal(t, "dd-key", h.Get("DD-API-KEY"))
		} else {
			assert.Equal(t, "Bearer tok", h.Get("Authorization"))
		}
	}
	c.mu.Unlock()

	// a partial batch is flushed on shutdown
	f.Enqueue(Record{RequestID: "c", Outcome: OutcomeValid, Timestamp: time.Now()})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.axiom, 2)
	assert.Equal(t, "c", c.axiom[1][0]["request_id"])
}

func TestForwarderRetriesRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	collectors := NewCollectors(reg, "test")
	f := NewLogForwarder(ForwarderOptions{
		AxiomToken: "tok", AxiomDataset: "rbq", AxiomURL: srv.URL,
		RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond,
		Collectors: collectors,
		Logger:     quietLogger(),
	})

	f.ship(context.Background(), []Record{{RequestID: "a", Outcome: OutcomeValid}})
	assert.Equal(t, int32(3), hits.Load())
	assert.Zero(t, testutil.ToFloat64(collectors.ForwarderFailed))
}

func TestForwarderGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	collectors := NewCollectors(prometheus.NewRegistry(), "test")
	f := NewLogForwarder(ForwarderOptions{
		AxiomToken: "tok", AxiomDataset: "rbq", AxiomURL: srv.URL,
		RetryWaitMin: time.Millisecond, RetryWaitMax: 2 * time.Millisecond,
		Collectors: collectors,
		Logger:     quietLogger(),
	})

	f.ship(context.Background(), []Record{{RequestID: "a"}})
	assert.Equal(t, int32(maxRetries+1), hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.ForwarderFailed))
}

func TestForwarderDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewLogForwarder(ForwarderOptions{
		DDAPIKey: "k", DatadogURL: srv.URL,
		RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond,
		Logger: quietLogger(),
	})
	f.ship(context.Background(), []Record{{RequestID: "a"}})
	assert.Equal(t, int32(1), hits.Load())
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	collectors := NewCollectors(prometheus.NewRegistry(), "test")
	f := NewLogForwarder(ForwarderOptions{
		AxiomToken: "tok", AxiomDataset: "rbq", AxiomURL: "http://127.0.0.1:1",
		QueueSize:  2,
		Collectors: collectors,
		Logger:     quietLogger(),
	})

	for i := 0; i < 5; i++ {
		f.Enqueue(Record{RequestID: "x"})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(collectors.ForwarderDropped))
}

func TestDisabledForwarderIgnoresRecords(t *testing.T) {
	f := NewLogForwarder(ForwarderOptions{Logger: quietLogger()})
	assert.False(t, f.Enabled())
	f.Enqueue(Record{RequestID: "x"})
	assert.Len(t, f.queue, 0)
}

func TestDoublingBackoff(t *testing.T) {
	min, max := time.Second, 10*time.Second
	assert.Equal(t, time.Second, doublingBackoff(min, max, 0, nil))
	assert.Equal(t, 4*time.Second, doublingBackoff(min, max, 2, nil))
	assert.Equal(t, 10*time.Second, doublingBackoff(min, max, 5, nil))
}
