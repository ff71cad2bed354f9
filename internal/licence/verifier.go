package licence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/config"
	"github.com/qemplois/marketplace-server/internal/metrics"
	"github.com/qemplois/marketplace-server/internal/utils"
)

const (
	TagFormatInvalid  = "format-invalid"
	TagTimeout        = "timeout"
	TagScraperFailure = "scraper-failure"
)

// Result is what the scraper reports for one licence.
type Result struct {
	Valid       bool     `json:"valid"`
	Licence     string   `json:"licence"`
	CompanyName *string  `json:"companyName,omitempty"`
	NEQ         *string  `json:"neq,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Status      string   `json:"status,omitempty"`
	Error       *string  `json:"error,omitempty"`
}

// scraperOutput is the scraper's stdout document. status is usually a
// human-readable string but some runs put the upstream HTTP code there.
type scraperOutput struct {
	Valid       bool            `json:"valid"`
	Licence     string          `json:"licence"`
	CompanyName *string         `json:"company_name"`
	NEQ         *string         `json:"neq"`
	Categories  []string        `json:"categories"`
	Status      json.RawMessage `json:"status"`
	Error       *string         `json:"error"`
}

// Recorder receives one record per verification.
type Recorder interface {
	Record(r metrics.Record)
}

// Checker is implemented by Verifier; tests and the service depend on it.
type Checker interface {
	Verify(ctx context.Context, raw string) (*Result, error)
}

type Verifier struct {
	dir      string
	command  []string
	timeout  time.Duration
	env      []string
	recorder Recorder
	logger   *slog.Logger
}

// NewVerifier runs cfg.Command with "--json <licence>" appended, in cfg.Dir.
func NewVerifier(cfg config.LicenceConfig, recorder Recorder, logger *slog.Logger) *Verifier {
	return &Verifier{
		dir:      cfg.Dir,
		command:  cfg.Command,
		timeout:  cfg.Timeout,
		recorder: recorder,
		logger:   logger,
	}
}

// WithEnv appends extra environment entries to every scraper run.
func (v *Verifier) WithEnv(env ...string) *Verifier {
	v.env = append(v.env, env...)
	return v
}

// Verify normalizes raw, runs the scraper and records the call. Failures are
// *apperrors.Error values: format-invalid, timeout or scraper-failure.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Result, error) {
	start := time.Now()
	requestID := utils.RequestIDFrom(ctx)
	rec := metrics.Record{
		RequestID:     requestID,
		Timestamp:     start.UTC(),
		LicencePrefix: Prefix(raw),
	}
	emit := func(outcome metrics.Outcome, tag string) {
		rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		rec.Outcome = outcome
		rec.ErrorTag = tag
		if v.recorder != nil {
			v.recorder.Record(rec)
		}
	}

	normalized, err := Normalize(raw)
	if err != nil {
		emit(metrics.OutcomeError, TagFormatInvalid)
		return nil, err
	}

	out, err := v.run(ctx, normalized, requestID)
	if err != nil {
		tag := TagScraperFailure
		if apperrors.Is(err, apperrors.Timeout) {
			tag = TagTimeout
		}
		if appErr, ok := apperrors.As(err); ok {
			appErr.Tag = tag
		}
		emit(metrics.OutcomeError, tag)
		return nil, err
	}

	if code, ok := httpStatus(out.Status); ok && code >= 400 {
		tag := "http-" + strconv.Itoa(code)
		emit(metrics.OutcomeError, tag)
		appErr := apperrors.Newf(apperrors.ScraperFailure, "registry responded %d", code)
		appErr.Tag = tag
		return nil, appErr
	}

	res := &Result{
		Valid:       out.Valid,
		Licence:     normalized,
		CompanyName: out.CompanyName,
		NEQ:         out.NEQ,
		Categories:  out.Categories,
		Error:       out.Error,
	}
	if s, ok := statusText(out.Status); ok {
		res.Status = s
	}

	if res.Valid {
		emit(metrics.OutcomeValid, "")
	} else {
		emit(metrics.OutcomeInvalid, "")
	}
	return res, nil
}

func (v *Verifier) run(ctx context.Context, normalized, requestID string) (*scraperOutput, error) {
	if len(v.command) == 0 {
		return nil, apperrors.New(apperrors.ScraperFailure, "no verifier command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	args := append(append([]string{}, v.command[1:]...), "--json", normalized)
	cmd := exec.CommandContext(ctx, v.command[0], args...)
	cmd.Dir = v.dir
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(), "X_REQUEST_ID="+requestID, "PYTHONIOENCODING=utf-8")
	cmd.Env = append(cmd.Env, v.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if stderr.Len() > 0 {
		v.logger.Debug("licence scraper stderr", "request_id", requestID, "stderr", stderr.String())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, apperrors.Wrap(apperrors.Timeout, fmt.Errorf("scraper exceeded %s", v.timeout))
	}
	if runErr != nil {
		v.logger.Error("licence scraper failed", "request_id", requestID, "error", runErr)
		return nil, apperrors.Wrap(apperrors.ScraperFailure, runErr)
	}

	var out scraperOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		v.logger.Error("licence scraper output unreadable", "request_id", requestID, "error", err)
		return nil, apperrors.Wrap(apperrors.ScraperFailure, fmt.Errorf("decode scraper output: %w", err))
	}
	return &out, nil
}

func httpStatus(raw json.RawMessage) (int, bool) {
	var n int
	if len(raw) == 0 || json.Unmarshal(raw, &n) != nil {
		return 0, false
	}
	return n, true
}

func statusText(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}
