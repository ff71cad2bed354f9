package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/qemplois/marketplace-server/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("concurrent modification")
	ErrEmailTaken        = errors.New("email already registered")
	ErrPhoneTaken        = errors.New("phone already registered")
	ErrPlatformIDTaken   = errors.New("platform id already bound")
	ErrAcceptedBidExists = errors.New("job already has an accepted bid")
	ErrAlreadyClaimed    = errors.New("lead claimed by another pro")
	ErrProfileExists     = errors.New("pro profile already exists")
)

// UserStore covers accounts, consent and retention bookkeeping.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User, profile *models.ProProfile, audit *models.AuditEntry) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	UpdatePassword(ctx context.Context, userID, hash string, audit *models.AuditEntry) error
	UpdateProfile(ctx context.Context, userID string, change ProfileChange, audit *models.AuditEntry) (*models.User, error)
	SetRetentionAt(ctx context.Context, userID string, at time.Time, audit *models.AuditEntry) error
	BindPlatformID(ctx context.Context, userID string, platform models.Platform, platformUserID string, until time.Time) error
	ClearPlatformID(ctx context.Context, userID string, platform models.Platform) error
	ReleasePlatformID(ctx context.Context, platform models.Platform, platformUserID string) (int64, error)
	ClearExpiredPlatformIDs(ctx context.Context, now time.Time) (int64, error)
	TouchLastAccess(ctx context.Context, userID string, at time.Time) error
	ListExpiredUserIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	AnonymizeUser(ctx context.Context, userID string, now time.Time, audit *models.AuditEntry) (bool, error)
}

// ProStore covers pro profiles.
type ProStore interface {
	CreateProProfile(ctx context.Context, profile *models.ProProfile, audit *models.AuditEntry) error
	GetProProfile(ctx context.Context, userID string) (*models.ProProfile, error)
	UpdateLicence(ctx context.Context, userID string, licence *string, audit *models.AuditEntry) error
	AdvanceIdentityStatus(ctx context.Context, userID string, from, to models.IdentityStatus, at time.Time, audit *models.AuditEntry) (*models.ProProfile, error)
}

// CatalogStore covers categories, jobs and services.
type CatalogStore interface {
	ListCategories(ctx context.Context) ([]models.Category, error)
	GetCategory(ctx context.Context, id string) (*models.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*models.Category, error)
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ChangeJobCategory(ctx context.Context, jobID, categoryID string) error
	CreateService(ctx context.Context, svc *models.Service) error
	GetService(ctx context.Context, id string) (*models.Service, error)
	ListServices(ctx context.Context, proID string) ([]models.Service, error)
	UpdateService(ctx context.Context, id string, change ServiceChange) (*models.Service, error)
}

// BidStore covers bids. InsertBidIfGated is the only way a bid row is created.
type BidStore interface {
	InsertBidIfGated(ctx context.Context, bid *models.Bid, gate BidGate, audit *models.AuditEntry) error
	GetBid(ctx context.Context, id string) (*models.Bid, error)
	ListBidsForJob(ctx context.Context, jobID string) ([]models.Bid, error)
	AcceptBid(ctx context.Context, bidID string, audit *models.AuditEntry) (*models.Bid, error)
	SetBidStatus(ctx context.Context, bidID string, from, to models.BidStatus, audit *models.AuditEntry) (*models.Bid, error)
}

// BookingStore covers bookings and their status history.
type BookingStore interface {
	CreateBooking(ctx context.Context, booking *models.Booking, audit *models.AuditEntry) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]models.Booking, error)
	ApplyBookingTransition(ctx context.Context, bookingID string, decide TransitionFunc) (*models.Booking, error)
}

// LeadStore covers leads and the traction ledger.
type LeadStore interface {
	CreateLead(ctx context.Context, lead *models.Lead) error
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	ListLeads(ctx context.Context, limit int) ([]models.Lead, error)
	ClaimLeadAndLog(ctx context.Context, event *models.TractionEvent) error
	InsertTractionEvent(ctx context.Context, event *models.TractionEvent) error
	TractionSummary(ctx context.Context, recent int) (*models.TractionSummary, error)
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditForUser(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error)
	TrimAuditLog(ctx context.Context, before time.Time) (int64, error)
}

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	UserStore
	ProStore
	CatalogStore
	BidStore
	BookingStore
	LeadStore
	AuditStore
}

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// withTx runs fn in a transaction that is rolled back unless fn succeeds.
func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// uniqueViolation maps a unique-constraint failure to its sentinel error.
// missingReference maps a foreign key violation to ErrNotFound.
func missingReference(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func uniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case "users_email_key":
		return ErrEmailTaken
	case "users_phone_key":
		return ErrPhoneTaken
	case "users_telegram_id_key", "users_whatsapp_id_key":
		return ErrPlatformIDTaken
	case "bids_one_accepted_per_job":
		return ErrAcceptedBidExists
	case "pro_profiles_pkey":
		return ErrProfileExists
	}
	return err
}
