package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
)

const (
	defaultBatchSize     = 10
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 1000
	maxRetries           = 3
	drainTimeout         = 5 * time.Second
)

// retryableStatus are the responses worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
}

// ForwarderOptions configures the sinks. A sink with no credentials is skipped.
type ForwarderOptions struct {
	AxiomToken   string
	AxiomDataset string
	AxiomDomain  string
	// AxiomURL overrides the URL derived from AxiomDomain and AxiomDataset.
	AxiomURL string

	DDAPIKey  string
	DDSite    string
	DDService string
	DDEnv     string
	// DatadogURL overrides the URL derived from DDSite.
	DatadogURL string

	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff. Defaults
	// are 1s and 10s.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	HTTPClient *http.Client
	Collectors *Collectors
	Logger     *slog.Logger
}

type target struct {
	name  string
	build func(ctx context.Context, batch []Record) (*retryablehttp.Request, error)
}

// LogForwarder batches verifier records and ships them to Axiom and Datadog.
// Enqueue never blocks; a full queue drops the record.
type LogForwarder struct {
	queue         chan Record
	batchSize     int
	flushInterval time.Duration
	targets       []target
	client        *retryablehttp.Client
	collectors    *Collectors
	logger        *slog.Logger
}

func NewLogForwarder(opts ForwarderOptions) *LogForwarder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = time.Second
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.CheckRetry = checkRetry
	client.Backoff = doublingBackoff
	client.Logger = opts.Logger
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}

	f := &LogForwarder{
		queue:         make(chan Record, opts.QueueSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		client:        client,
		collectors:    opts.Collectors,
		logger:        opts.Logger,
	}

	if opts.AxiomToken != "" && opts.AxiomDataset != "" {
		url := opts.AxiomURL
		if url == "" {
			url = fmt.Sprintf("https://%s/v1/datasets/%s/ingest", opts.AxiomDomain, opts.AxiomDataset)
		}
		f.targets = append(f.targets, axiomTarget(url, opts.AxiomToken))
	}
	if opts.DDAPIKey != "" {
		url := opts.DatadogURL
		if url == "" {
			url = fmt.Sprintf("https://http-intake.logs.%s/api/v2/logs", opts.DDSite)
		}
		f.targets = append(f.targets, datadogTarget(url, opts.DDAPIKey, opts.DDService, opts.DDEnv))
	}
	return f
}

// Enabled reports whether any sink is configured.
func (f *LogForwarder) Enabled() bool {
	return len(f.targets) > 0
}

func (f *LogForwarder) Enqueue(r Record) {
	if !f.Enabled() {
		return
	}
	select {
	case f.queue <- r:
	default:
		if f.collectors != nil {
			f.collectors.ForwarderDropped.Inc()
		}
		f.logger.Warn("log forwarder queue full, dropping record", "request_id", r.RequestID)
	}
}

// Run ships batches until ctx is done, then drains what is queued.
func (f *LogForwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, f.batchSize)
	for {
		select {
		case r := <-f.queue:
			batch = append(batch, r)
			if len(batch) >= f.batchSize {
				f.ship(ctx, batch)
				batch = make([]Record, 0, f.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				f.ship(ctx, batch)
				batch = make([]Record, 0, f.batchSize)
			}
		case <-ctx.Done():
			f.drain(batch)
			return
		}
	}
}

func (f *LogForwarder) drain(batch []Record) {
pending:
	for {
		select {
		case r := <-f.queue:
			batch = append(batch, r)
		default:
			break pending
		}
	}
	if len(batch) == 0 {
		return
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	f.ship(drainCtx, batch)
}

// ship sends one batch to every sink. Failures are logged and counted; the
// batch is not requeued.
func (f *LogForwarder) ship(ctx context.Context, batch []Record) {
	for _, t := range f.targets {
		if err := f.send(ctx, t, batch); err != nil {
			if f.collectors != nil {
				f.collectors.ForwarderFailed.Inc()
			}
			f.logger.Warn("log batch ship failed", "sink", t.name, "records", len(batch), "error", err)
		}
	}
}

func (f *LogForwarder) send(ctx context.Context, t target, batch []Record) error {
	req, err := t.build(ctx, batch)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s responded %d", t.name, resp.StatusCode)
	}
	return nil
}

func axiomTarget(url, token string) target {
	return target{
		name: "axiom",
		build: func(ctx context.Context, batch []Record) (*retryablehttp.Request, error) {
			events := make([]map[string]any, 0, len(batch))
			for _, r := range batch {
				events = append(events, map[string]any{
					"_time":          r.Timestamp.Format(time.RFC3339Nano),
					"request_id":     r.RequestID,
					"latency_ms":     r.LatencyMs,
					"licence_prefix": r.LicencePrefix,
					"outcome":        r.Outcome,
					"error_tag":      r.ErrorTag,
				})
			}
			body, err := json.Marshal(events)
			if err != nil {
				return nil, err
			}
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
	}
}

func datadogTarget(url, apiKey, service, env string) target {
	return target{
		name: "datadog",
		build: func(ctx context.Context, batch []Record) (*retryablehttp.Request, error) {
			entries := make([]map[string]any, 0, len(batch))
			for _, r := range batch {
				msg, err := json.Marshal(r)
				if err != nil {
					return nil, err
				}
				entries = append(entries, map[string]any{
					"ddsource": "rbq-verifier",
					"service":  service,
					"ddtags":   "env:" + env + ",outcome:" + string(r.Outcome),
					"message":  string(msg),
				})
			}
			body, err := gzipJSON(entries)
			if err != nil {
				return nil, err
			}
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
			if err != nil {
				return nil, err
			}
			req.Header.Set("DD-API-KEY", apiKey)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Content-Encoding", "gzip")
			return req, nil
		},
	}
}

func gzipJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return retryableStatus[resp.StatusCode], nil
}

// doublingBackoff waits min*2^attempt, capped at max.
func doublingBackoff(min, max time.Duration, attempt int, _ *http.Response) time.Duration {
	wait := min << uint(attempt)
	if wait <= 0 || wait > max {
		return max
	}
	return wait
}
