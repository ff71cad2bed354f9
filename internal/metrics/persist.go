package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion tags the persisted document layout.
const SchemaVersion = "rbq_metrics_v1"

// PersistedRecords is how many recent records go into the document.
const PersistedRecords = 100

// Document is the on-disk form of the sink.
type Document struct {
	Schema        string    `json:"schema"`
	Snapshot      Snapshot  `json:"snapshot"`
	RecentRecords []Record  `json:"recent_records"`
	PersistedAt   time.Time `json:"persisted_at"`
}

// Persist rewrites the document at path in one rename.
func (s *Sink) Persist(path string) error {
	doc := Document{
		Schema:        SchemaVersion,
		Snapshot:      s.Snapshot(),
		RecentRecords: s.Recent(PersistedRecords),
		PersistedAt:   time.Now().UTC(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".metrics-*.json")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadDocument reads a persisted document. A missing file yields (nil, nil).
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	if doc.Schema != SchemaVersion {
		return nil, fmt.Errorf("unsupported metrics schema %q", doc.Schema)
	}
	return &doc, nil
}

// Restore seeds counters, histograms and the record window from doc. The
// latency window is rebuilt from the persisted records.
func (s *Sink) Restore(doc *Document) {
	if doc == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total = doc.Snapshot.TotalRequests
	s.valid = doc.Snapshot.ValidCount
	s.invalid = doc.Snapshot.InvalidCount
	s.errs = doc.Snapshot.ErrorCount
	for k, v := range doc.Snapshot.ErrorBreakdown {
		s.errorTags[k] = v
	}
	for k, v := range doc.Snapshot.LicencePrefixCounts {
		s.prefixes[k] = v
	}
	for _, r := range doc.RecentRecords {
		s.pushLatency(r.LatencyMs)
		s.pushRecord(r)
	}
}

// RunPersister writes the document every interval until ctx is done, then
// writes it one last time.
func (s *Sink) RunPersister(ctx context.Context, path string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Persist(path); err != nil {
				logger.Warn("metrics persist failed", "path", path, "error", err)
			}
		case <-ctx.Done():
			if err := s.Persist(path); err != nil {
				logger.Warn("final metrics persist failed", "path", path, "error", err)
			}
			return
		}
	}
}
