package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/qemplois/marketplace-server/internal/models"
)

// BookingFilter narrows ListBookings. Empty fields match everything.
type BookingFilter struct {
	ClientID string
	ProID    string
	Limit    int
}

// BookingChange is the outcome of a TransitionFunc: the history entry to
// append and the audit entry to write with it. Entry.At is set by the store.
type BookingChange struct {
	Entry models.StatusEntry
	Audit *models.AuditEntry
}

// TransitionFunc inspects the current booking and decides the change, or
// returns the rejection.
type TransitionFunc func(current *models.Booking) (*BookingChange, error)

func (r *PostgresRepository) CreateBooking(ctx context.Context, booking *models.Booking, audit *models.AuditEntry) error {
	if booking.ID == "" {
		booking.ID = uuid.New().String()
	}

	now := r.now()
	booking.Status = models.BookingPending
	booking.CreatedAt = now
	booking.UpdatedAt = now
	for i := range booking.StatusHistory {
		if booking.StatusHistory[i].At.IsZero() {
			booking.StatusHistory[i].At = now
		}
	}

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bookings (id, client_id, pro_id, service_id, status, scheduled_at, duration_hours, location,
				notes, price_estimate, status_history, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, booking.ID, booking.ClientID, booking.ProID, booking.ServiceID, booking.Status, booking.ScheduledAt,
			booking.DurationHours, booking.Location, booking.Notes, booking.PriceEstimate, booking.StatusHistory,
			booking.CreatedAt, booking.UpdatedAt)
		if err != nil {
			return err
		}

		if audit != nil {
			audit.ResourceID = &booking.ID
		}
		return insertAudit(ctx, tx, audit, now)
	})
}

func (r *PostgresRepository) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.GetContext(ctx, &booking, `SELECT * FROM bookings WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Booking not found
		}
		return nil, err
	}
	return &booking, nil
}

func (r *PostgresRepository) ListBookings(ctx context.Context, filter BookingFilter) ([]models.Booking, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT * FROM bookings
		WHERE ($1::text = '' OR client_id = $1::text) AND ($2::text = '' OR pro_id = $2::text)
		ORDER BY created_at DESC
		LIMIT $3
	`

	bookings := []models.Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, filter.ClientID, filter.ProID, limit); err != nil {
		return nil, err
	}
	return bookings, nil
}

// ApplyBookingTransition reads the booking, lets decide pick the change, and
// writes the new status, the appended history entry, the phase timestamp and
// the audit entry in one transaction. The update only applies if the status
// is still the one decide saw; otherwise ErrConflict is returned and nothing
// is written.
func (r *PostgresRepository) ApplyBookingTransition(ctx context.Context, bookingID string, decide TransitionFunc) (*models.Booking, error) {
	var updated models.Booking
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var current models.Booking
		err := tx.GetContext(ctx, &current, `SELECT * FROM bookings WHERE id = $1`, bookingID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		change, err := decide(&current)
		if err != nil {
			return err
		}

		now := r.now()
		change.Entry.At = now
		entry, err := json.Marshal([]models.StatusEntry{change.Entry})
		if err != nil {
			return err
		}

		var reason *string
		if change.Entry.Reason != "" {
			reason = &change.Entry.Reason
		}

		err = tx.GetContext(ctx, &updated, `
			UPDATE bookings SET
				status = $3::booking_status,
				status_history = status_history || $4::jsonb,
				confirmed_at = CASE WHEN $3::booking_status = 'confirmed' THEN COALESCE(confirmed_at, $5) ELSE confirmed_at END,
				started_at = CASE WHEN $3::booking_status = 'in_progress' THEN COALESCE(started_at, $5) ELSE started_at END,
				completed_at = CASE WHEN $3::booking_status = 'completed' THEN COALESCE(completed_at, $5) ELSE completed_at END,
				cancelled_at = CASE WHEN $3::booking_status = 'cancelled' THEN COALESCE(cancelled_at, $5) ELSE cancelled_at END,
				cancellation_reason = CASE WHEN $3::booking_status = 'cancelled' THEN $6::text ELSE cancellation_reason END,
				final_price = CASE WHEN $3::booking_status = 'completed' THEN COALESCE(final_price, price_estimate) ELSE final_price END,
				updated_at = $5
			WHERE id = $1 AND status = $2
			RETURNING *
		`, bookingID, current.Status, change.Entry.Status, string(entry), now, reason)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflict
			}
			return err
		}

		if change.Audit != nil {
			change.Audit.ResourceID = &updated.ID
		}
		return insertAudit(ctx, tx, change.Audit, now)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
