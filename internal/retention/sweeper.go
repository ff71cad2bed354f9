// Package retention anonymizes accounts whose retention period has run out and
// trims old audit entries.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/audit"
	"github.com/qemplois/marketplace-server/internal/models"
)

const defaultBatchSize = 100

// ErrAlreadyRunning is returned when a sweep is requested while one is active.
var ErrAlreadyRunning = apperrors.New(apperrors.Conflict, "retention sweep already running")

type Store interface {
	ListExpiredUserIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	AnonymizeUser(ctx context.Context, userID string, now time.Time, audit *models.AuditEntry) (bool, error)
	TrimAuditLog(ctx context.Context, before time.Time) (int64, error)
	ClearExpiredPlatformIDs(ctx context.Context, now time.Time) (int64, error)
}

// LinkPurger drops platform bindings held outside the database.
type LinkPurger interface {
	PurgeUser(ctx context.Context, userID string) error
}

type Result struct {
	Anonymized   int
	Failed       int
	Trimmed      int64
	LinksCleared int64
}

type Sweeper struct {
	store        Store
	links        LinkPurger
	auditHorizon time.Duration
	batchSize    int
	now          func() time.Time
	logger       *slog.Logger

	running sync.Mutex
}

type Option func(*Sweeper)

func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper builds a sweeper. links may be nil.
func NewSweeper(store Store, links LinkPurger, auditHorizon time.Duration, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:        store,
		links:        links,
		auditHorizon: auditHorizon,
		batchSize:    defaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.With("component", "retention"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass. Only one pass runs at a time; a concurrent call gets
// ErrAlreadyRunning. Re-running right after a pass changes nothing.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	if !s.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Unlock()

	now := s.now()
	res := &Result{}
	failed := map[string]bool{}

	for {
		limit := s.batchSize + len(failed)
		ids, err := s.store.ListExpiredUserIDs(ctx, now, limit)
		if err != nil {
			return res, apperrors.Persistence(err)
		}

		attempted := 0
		for _, id := range ids {
			if failed[id] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			attempted++

			entry := audit.NewEntry(models.System, audit.DataDeletion, audit.ResourceUser, id,
				map[string]any{"reason": "retention-expired"})
			ok, err := s.store.AnonymizeUser(ctx, id, now, entry)
			if err != nil {
				s.logger.Error("anonymize failed", "user_id", id, "error", err)
				failed[id] = true
				res.Failed++
				continue
			}
			if !ok {
				continue
			}

			res.Anonymized++
			if s.links != nil {
				if err := s.links.PurgeUser(ctx, id); err != nil {
					s.logger.Warn("platform link purge failed", "user_id", id, "error", err)
				}
			}
		}

		if attempted == 0 || len(ids) < limit {
			break
		}
	}

	trimmed, err := s.store.TrimAuditLog(ctx, now.Add(-s.auditHorizon))
	if err != nil {
		return res, apperrors.Persistence(err)
	}
	res.Trimmed = trimmed

	cleared, err := s.store.ClearExpiredPlatformIDs(ctx, now)
	if err != nil {
		return res, apperrors.Persistence(err)
	}
	res.LinksCleared = cleared

	s.logger.Info("retention sweep finished",
		"anonymized", res.Anonymized,
		"failed", res.Failed,
		"audit_trimmed", res.Trimmed,
		"links_cleared", res.LinksCleared)
	return res, nil
}

// Run schedules Sweep on spec (UTC cron syntax) and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context, spec string) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("scheduled retention sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	c.Start()
	s.logger.Info("retention sweeper scheduled", "schedule", spec)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
