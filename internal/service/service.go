package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/audit"
	"github.com/qemplois/marketplace-server/internal/cache"
	"github.com/qemplois/marketplace-server/internal/config"
	"github.com/qemplois/marketplace-server/internal/licence"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/repository"
	"github.com/qemplois/marketplace-server/internal/retention"
)

// Service defines all the business logic operations
type Service interface {
	// Identity and sessions
	Register(ctx context.Context, actor models.Actor, req models.RegisterRequest) (*models.AuthResponse, error)
	Login(ctx context.Context, actor models.Actor, req models.LoginRequest) (*models.AuthResponse, error)
	Refresh(ctx context.Context, actor models.Actor, req models.RefreshRequest) (*models.AuthResponse, error)
	Logout(ctx context.Context, actor models.Actor, session *Session, req models.LogoutRequest) error
	ParseAccessToken(ctx context.Context, token string) (*Session, error)
	Me(ctx context.Context, actor models.Actor) (*models.UserView, error)
	UpdateProfile(ctx context.Context, actor models.Actor, req models.UpdateProfileRequest) (*models.UserView, error)
	ChangePassword(ctx context.Context, actor models.Actor, req models.ChangePasswordRequest) error
	RequestDeletion(ctx context.Context, actor models.Actor) error
	AuditTrail(ctx context.Context, actor models.Actor) ([]models.AuditEntry, error)

	// Platform links
	IssueLinkToken(ctx context.Context, actor models.Actor) (*models.LinkTokenResponse, error)
	LinkPlatform(ctx context.Context, actor models.Actor, req models.LinkPlatformRequest) (*models.LinkResponse, error)
	UnlinkPlatform(ctx context.Context, actor models.Actor, req models.UnlinkPlatformRequest) error
	VerifyLink(ctx context.Context, req models.VerifyLinkRequest) (*models.LinkResponse, error)

	// Pro profiles
	BecomePro(ctx context.Context, actor models.Actor, req models.BecomeProRequest) (*ProEnrollment, error)
	GetMyProfile(ctx context.Context, actor models.Actor) (*models.ProProfile, error)
	UpdateLicence(ctx context.Context, actor models.Actor, req models.UpdateLicenceRequest) (*models.ProProfile, error)
	SetIdentityStatus(ctx context.Context, actor models.Actor, proID string, req models.SetIdentityStatusRequest) (*models.ProProfile, error)
	VerifyLicence(ctx context.Context, actor models.Actor, req models.VerifyLicenceRequest) (*licence.Result, error)

	// Catalog
	ListCategories(ctx context.Context) ([]models.Category, error)
	CreateJob(ctx context.Context, actor models.Actor, req models.CreateJobRequest) (*models.Job, error)
	GetJob(ctx context.Context, actor models.Actor, jobID string) (*models.Job, error)
	ChangeJobCategory(ctx context.Context, actor models.Actor, jobID string, req models.ChangeJobCategoryRequest) (*models.Job, error)
	CreateService(ctx context.Context, actor models.Actor, req models.CreateServiceRequest) (*models.Service, error)
	ListServices(ctx context.Context, actor models.Actor, proID string) ([]models.Service, error)
	UpdateService(ctx context.Context, actor models.Actor, serviceID string, req models.UpdateServiceRequest) (*models.Service, error)
	DeactivateService(ctx context.Context, actor models.Actor, serviceID string) (*models.Service, error)

	// Bids
	SubmitBid(ctx context.Context, actor models.Actor, req models.SubmitBidRequest) (*models.Bid, error)
	ListBidsForJob(ctx context.Context, actor models.Actor, jobID string) ([]models.Bid, error)
	AcceptBid(ctx context.Context, actor models.Actor, bidID string) (*models.Bid, error)
	RejectBid(ctx context.Context, actor models.Actor, bidID string) (*models.Bid, error)
	CancelBid(ctx context.Context, actor models.Actor, bidID string) (*models.Bid, error)

	// Bookings
	CreateBooking(ctx context.Context, actor models.Actor, req models.CreateBookingRequest) (*models.BookingView, error)
	ListBookings(ctx context.Context, actor models.Actor) ([]models.Booking, error)
	GetBooking(ctx context.Context, actor models.Actor, bookingID string) (*models.BookingView, error)
	TransitionBooking(ctx context.Context, actor models.Actor, bookingID string, req models.TransitionRequest) (*models.BookingView, error)
	CancelBooking(ctx context.Context, actor models.Actor, bookingID string, req models.CancelBookingRequest) (*models.BookingView, error)

	// Leads and traction
	IngestLead(ctx context.Context, actor models.Actor, req models.IngestLeadRequest) (*models.Lead, error)
	ListLeads(ctx context.Context, actor models.Actor) ([]models.Lead, error)
	LogTraction(ctx context.Context, actor models.Actor, req models.LogTractionRequest) (*models.TractionEvent, error)
	TractionSummary(ctx context.Context, actor models.Actor) (*models.TractionSummary, error)

	// Administration
	RunRetentionSweep(ctx context.Context, actor models.Actor) (*retention.Result, error)
}

// LinkStore holds platform bindings.
type LinkStore interface {
	Bind(ctx context.Context, link cache.Link) (*cache.Link, error)
	Unbind(ctx context.Context, userID string, platform models.Platform) error
	Lookup(ctx context.Context, platform models.Platform, platformUserID string) (*cache.Link, error)
}

// LinkTokenStore issues and consumes one-time link tokens.
type LinkTokenStore interface {
	Issue(ctx context.Context, userID string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, token string) (string, bool, error)
}

// RevocationStore remembers revoked token ids until they expire.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (*retention.Result, error)
}

// Dependencies are the collaborators beyond the repository. Nil stores
// disable the features that need them.
type Dependencies struct {
	Links       LinkStore
	LinkTokens  LinkTokenStore
	Revocations RevocationStore
	Verifier    licence.Checker
	Sweeper     Sweeper
	Logger      *slog.Logger
	Now         func() time.Time
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo        repository.Repository
	links       LinkStore
	linkTokens  LinkTokenStore
	revocations RevocationStore
	verifier    licence.Checker
	sweeper     Sweeper
	audit       *audit.Recorder
	validate    *Validator
	logger      *slog.Logger
	now         func() time.Time

	accessSecret    []byte
	refreshSecret   []byte
	accessTTL       time.Duration
	refreshTTL      time.Duration
	bcryptCost      int
	linkTokenTTL    time.Duration
	retentionPeriod time.Duration
	dummyHash       []byte
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(repo repository.Repository, auth config.AuthConfig, ret config.RetentionConfig, deps Dependencies) Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	cost := auth.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	// Unknown emails are checked against this hash so both login failures cost the same.
	dummy, err := bcrypt.GenerateFromPassword([]byte("qemplois-timing-guard"), cost)
	if err != nil {
		panic(fmt.Sprintf("generate dummy hash: %v", err))
	}

	return &DefaultService{
		repo:            repo,
		links:           deps.Links,
		linkTokens:      deps.LinkTokens,
		revocations:     deps.Revocations,
		verifier:        deps.Verifier,
		sweeper:         deps.Sweeper,
		audit:           audit.NewRecorder(repo, logger),
		validate:        NewValidator(),
		logger:          logger.With("component", "service"),
		now:             now,
		accessSecret:    []byte(auth.JWTSecret),
		refreshSecret:   []byte(auth.JWTRefreshSecret),
		accessTTL:       auth.AccessTTL,
		refreshTTL:      auth.RefreshTTL,
		bcryptCost:      cost,
		linkTokenTTL:    auth.LinkTokenTTL,
		retentionPeriod: ret.Period(),
		dummyHash:       dummy,
	}
}

// clock returns the current time at the precision the database keeps.
func (s *DefaultService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// storeErr translates repository failures into coded errors. Errors that
// already carry a code pass through.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.Wrap(apperrors.NotFound, err)
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, repository.ErrAcceptedBidExists),
		errors.Is(err, repository.ErrProfileExists),
		errors.Is(err, repository.ErrPlatformIDTaken):
		return apperrors.Wrap(apperrors.Conflict, err)
	case errors.Is(err, repository.ErrEmailTaken):
		return apperrors.Wrap(apperrors.EmailInUse, err)
	case errors.Is(err, repository.ErrPhoneTaken):
		return apperrors.Wrap(apperrors.PhoneInUse, err)
	case errors.Is(err, repository.ErrAlreadyClaimed):
		return apperrors.Wrap(apperrors.AlreadyClaimedByOther, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return apperrors.Persistence(err)
}

func forbidden(msg string) error {
	return apperrors.New(apperrors.Forbidden, msg)
}

func notFound(what string) error {
	return apperrors.Newf(apperrors.NotFound, "%s not found", what)
}

// record writes a standalone audit entry. The operation it describes has
// already happened, so a failed write is logged and not returned.
func (s *DefaultService) record(ctx context.Context, entry *models.AuditEntry) {
	_ = s.audit.Record(ctx, entry)
}

func (s *DefaultService) RunRetentionSweep(ctx context.Context, actor models.Actor) (*retention.Result, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("retention sweeps are admin only")
	}
	if s.sweeper == nil {
		return nil, apperrors.New(apperrors.PersistenceFailure, "retention sweeper not configured")
	}
	return s.sweeper.Sweep(ctx)
}
