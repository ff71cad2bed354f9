package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/qemplois/marketplace-server/internal/models"
)

func insertProProfile(ctx context.Context, tx *sqlx.Tx, profile *models.ProProfile, now time.Time) error {
	if profile.IdentityStatus == "" {
		profile.IdentityStatus = models.IdentityUnverified
	}
	profile.CreatedAt = now
	profile.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO pro_profiles (user_id, business_name, licence_number, identity_status, verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, profile.UserID, profile.BusinessName, profile.LicenceNumber, profile.IdentityStatus,
		profile.VerifiedAt, profile.CreatedAt, profile.UpdatedAt)
	return err
}

// CreateProProfile gives an existing user the pro role and a profile.
// Admins keep their role.
func (r *PostgresRepository) CreateProProfile(ctx context.Context, profile *models.ProProfile, audit *models.AuditEntry) error {
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET role = 'pro', updated_at = $2
			WHERE id = $1 AND deleted_at IS NULL AND role <> 'admin'
		`, profile.UserID, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists,
				`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND deleted_at IS NULL)`, profile.UserID); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
		}

		if err := insertProProfile(ctx, tx, profile, now); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, now)
	})
	return uniqueViolation(err)
}

func (r *PostgresRepository) GetProProfile(ctx context.Context, userID string) (*models.ProProfile, error) {
	query := `SELECT * FROM pro_profiles WHERE user_id = $1`

	var profile models.ProProfile
	err := r.db.GetContext(ctx, &profile, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Profile not found
		}
		return nil, err
	}

	return &profile, nil
}

func (r *PostgresRepository) UpdateLicence(ctx context.Context, userID string, licence *string, audit *models.AuditEntry) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE pro_profiles SET licence_number = $2, updated_at = $3 WHERE user_id = $1`,
			userID, licence, now)
		if err != nil {
			return err
		}
		if err := expectOne(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, now)
	})
}

// AdvanceIdentityStatus moves identity_status from "from" to "to" only if the
// row still holds "from". verified_at is stamped when "to" is verified.
func (r *PostgresRepository) AdvanceIdentityStatus(
	ctx context.Context,
	userID string,
	from, to models.IdentityStatus,
	at time.Time,
	audit *models.AuditEntry,
) (*models.ProProfile, error) {
	var profile models.ProProfile
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &profile, `
			UPDATE pro_profiles SET
				identity_status = $3::identity_status,
				verified_at = CASE WHEN $3::identity_status = 'verified' THEN $4 ELSE verified_at END,
				updated_at = $4
			WHERE user_id = $1 AND identity_status = $2
			RETURNING *
		`, userID, from, to, at)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflict
			}
			return err
		}
		return insertAudit(ctx, tx, audit, at)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
