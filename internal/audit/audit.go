// Package audit builds and records entries of the append-only audit trail.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/utils"
)

// Action tags.
const (
	Registration          = "registration"
	LoginSuccess          = "login-success"
	LoginFailed           = "login-failed"
	Logout                = "logout"
	SessionRefreshed      = "session-refreshed"
	PasswordChanged       = "password-changed"
	ProfileUpdated        = "profile-update"
	DeletionRequested     = "deletion-requested"
	DataDeletion          = "data-deletion"
	PlatformLinked        = "platform-linked"
	PlatformUnlinked      = "platform-unlinked"
	ProEnrolled           = "pro-enrolled"
	LicenceUpdated        = "licence-updated"
	IdentityStatusChanged = "identity-status-changed"
	BidSubmitted          = "bid-submitted"
	BidRejectedByGate     = "bid-gate-rejected"
	BidAccepted           = "bid-accepted"
	BidRejected           = "bid-rejected"
	BidCancelled          = "bid-cancelled"
	BookingCreated        = "booking-created"
	BookingStatusUpdated  = "booking-status-updated"
)

// Resource tags.
const (
	ResourceUser    = "user"
	ResourceAuth    = "auth"
	ResourceProfile = "pro-profile"
	ResourceBid     = "bid"
	ResourceBooking = "booking"
)

// Store is the persistence the recorder writes to.
type Store interface {
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditForUser(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error)
}

// NewEntry builds an entry attributed to actor. The request id, when known,
// is kept in details.
func NewEntry(actor models.Actor, action, resource, resourceID string, details map[string]any) *models.AuditEntry {
	entry := &models.AuditEntry{
		Action:   action,
		Resource: resource,
	}
	if actor.UserID != "" {
		entry.UserID = strPtr(actor.UserID)
	}
	if resourceID != "" {
		entry.ResourceID = strPtr(resourceID)
	}
	if actor.IP != "" {
		entry.IPAddress = strPtr(actor.IP)
	}
	if actor.UserAgent != "" {
		entry.UserAgent = strPtr(actor.UserAgent)
	}

	if actor.RequestID != "" {
		if details == nil {
			details = map[string]any{}
		}
		details["requestId"] = actor.RequestID
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			entry.Details = b
		}
	}
	return entry
}

// Recorder writes entries that are not part of a larger transaction.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With("component", "audit")}
}

// Record persists entry. Failures are logged with the request id and returned.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditEntry) error {
	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		utils.LoggerFrom(ctx).Error("audit write failed",
			"action", entry.Action,
			"resource", entry.Resource,
			"request_id", utils.RequestIDFrom(ctx),
			"error", err)
		return err
	}
	return nil
}

// Trail returns the subject's own entries, newest first.
func (r *Recorder) Trail(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.store.ListAuditForUser(ctx, userID, limit)
}

func strPtr(s string) *string { return &s }
