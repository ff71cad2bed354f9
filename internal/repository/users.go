package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/qemplois/marketplace-server/internal/models"
)

// PlaceholderEmail is the anonymized email written for a tombstoned user.
func PlaceholderEmail(userID string) string {
	return fmt.Sprintf("deleted_%s@deleted.qemplois.ca", userID)
}

// PlaceholderPhone is the anonymized phone written for a tombstoned user.
func PlaceholderPhone(userID string) string {
	return "deleted_" + userID
}

// AnonymizedName replaces first and last names of tombstoned users.
const AnonymizedName = "Supprimé"

// CreateUser inserts the user, and its pro profile when given, in one transaction.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User, profile *models.ProProfile, audit *models.AuditEntry) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, email, phone, password, role, language_preference, first_name, last_name,
				consent_given, consent_at, retention_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, user.ID, user.Email, user.Phone, user.Password, user.Role, user.LanguagePreference,
			user.FirstName, user.LastName, user.ConsentGiven, user.ConsentAt, user.RetentionAt,
			user.CreatedAt, user.UpdatedAt)
		if err != nil {
			return err
		}

		if profile != nil {
			profile.UserID = user.ID
			if err := insertProProfile(ctx, tx, profile, now); err != nil {
				return err
			}
		}

		if audit != nil && audit.UserID == nil {
			audit.UserID = &user.ID
		}
		return insertAudit(ctx, tx, audit, now)
	})
	return uniqueViolation(err)
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT * FROM users WHERE email = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT * FROM users WHERE id = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, userID, hash string, audit *models.AuditEntry) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET password = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
			userID, hash, now)
		if err != nil {
			return err
		}
		if err := expectOne(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, now)
	})
}

// ProfileChange lists the user columns to overwrite; nil leaves a column as is.
type ProfileChange struct {
	Email      *string
	Phone      *string
	ClearPhone bool
	FirstName  *string
	LastName   *string
	Language   *models.Language
}

// UpdateProfile applies change to a live user and writes the audit entry in
// the same transaction. Email and phone collisions surface as ErrEmailTaken
// and ErrPhoneTaken.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, userID string, change ProfileChange, audit *models.AuditEntry) (*models.User, error) {
	var user models.User
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now()
		err := tx.GetContext(ctx, &user, `
			UPDATE users SET
				email = COALESCE($2, email),
				phone = CASE WHEN $3 THEN NULL ELSE COALESCE($4, phone) END,
				first_name = COALESCE($5, first_name),
				last_name = COALESCE($6, last_name),
				language_preference = COALESCE($7::language_preference, language_preference),
				updated_at = $8
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING *
		`, userID, change.Email, change.ClearPhone, change.Phone, change.FirstName, change.LastName, change.Language, now)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return insertAudit(ctx, tx, audit, now)
	})
	if err != nil {
		return nil, uniqueViolation(err)
	}
	return &user, nil
}

// SetRetentionAt moves the user's retention clock.
func (r *PostgresRepository) SetRetentionAt(ctx context.Context, userID string, at time.Time, audit *models.AuditEntry) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET retention_at = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
			userID, at, now)
		if err != nil {
			return err
		}
		if err := expectOne(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, now)
	})
}

func platformColumns(platform models.Platform) (id, until string, err error) {
	switch platform {
	case models.PlatformTelegram:
		return "telegram_id", "telegram_linked_until", nil
	case models.PlatformWhatsApp:
		return "whatsapp_id", "whatsapp_linked_until", nil
	}
	return "", "", fmt.Errorf("unknown platform %q", platform)
}

// BindPlatformID mirrors a live platform binding onto the user row until it
// expires. Other rows still carrying the same platform id hold a binding the
// link store has already dropped; they are released in the same transaction.
func (r *PostgresRepository) BindPlatformID(ctx context.Context, userID string, platform models.Platform, platformUserID string, until time.Time) error {
	idCol, untilCol, err := platformColumns(platform)
	if err != nil {
		return err
	}

	err = r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now()
		release := fmt.Sprintf(`UPDATE users SET %[1]s = NULL, %[2]s = NULL, updated_at = $3 WHERE %[1]s = $1 AND id <> $2`,
			idCol, untilCol)
		if _, err := tx.ExecContext(ctx, release, platformUserID, userID, now); err != nil {
			return err
		}

		bind := fmt.Sprintf(`UPDATE users SET %s = $2, %s = $3, updated_at = $4 WHERE id = $1 AND deleted_at IS NULL`,
			idCol, untilCol)
		res, err := tx.ExecContext(ctx, bind, userID, platformUserID, until, now)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
	return uniqueViolation(err)
}

// ClearPlatformID drops the user's mirror for platform. Clearing an empty
// mirror is not an error.
func (r *PostgresRepository) ClearPlatformID(ctx context.Context, userID string, platform models.Platform) error {
	idCol, untilCol, err := platformColumns(platform)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE users SET %[1]s = NULL, %[2]s = NULL, updated_at = $2 WHERE id = $1 AND %[1]s IS NOT NULL`,
		idCol, untilCol)
	_, err = r.db.ExecContext(ctx, query, userID, r.now())
	return err
}

// ReleasePlatformID clears every row still mirroring platformUserID.
func (r *PostgresRepository) ReleasePlatformID(ctx context.Context, platform models.Platform, platformUserID string) (int64, error) {
	idCol, untilCol, err := platformColumns(platform)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE users SET %[1]s = NULL, %[2]s = NULL, updated_at = $2 WHERE %[1]s = $1`,
		idCol, untilCol)
	res, err := r.db.ExecContext(ctx, query, platformUserID, r.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearExpiredPlatformIDs clears mirrors whose binding ran out at or before now.
func (r *PostgresRepository) ClearExpiredPlatformIDs(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, platform := range []models.Platform{models.PlatformTelegram, models.PlatformWhatsApp} {
		idCol, untilCol, err := platformColumns(platform)
		if err != nil {
			return total, err
		}
		query := fmt.Sprintf(`UPDATE users SET %[1]s = NULL, %[2]s = NULL, updated_at = $1 WHERE %[1]s IS NOT NULL AND %[2]s <= $1`,
			idCol, untilCol)
		res, err := r.db.ExecContext(ctx, query, now)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *PostgresRepository) TouchLastAccess(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_access_at = $2 WHERE id = $1`, userID, at)
	return err
}

// ListExpiredUserIDs returns live users whose retention clock has run out.
func (r *PostgresRepository) ListExpiredUserIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM users
		WHERE retention_at <= $1 AND deleted_at IS NULL
		ORDER BY retention_at ASC
		LIMIT $2
	`

	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, err
	}
	return ids, nil
}

// AnonymizeUser overwrites identifying columns with placeholders and writes
// the audit entry in the same transaction. It reports false when the user was
// already tombstoned or does not exist.
func (r *PostgresRepository) AnonymizeUser(ctx context.Context, userID string, now time.Time, audit *models.AuditEntry) (bool, error) {
	var anonymized bool
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET
				email = $2,
				phone = $3,
				first_name = $4,
				last_name = $4,
				password = '!',
				telegram_id = NULL,
				telegram_linked_until = NULL,
				whatsapp_id = NULL,
				whatsapp_linked_until = NULL,
				deleted_at = $5,
				updated_at = $5
			WHERE id = $1 AND deleted_at IS NULL
		`, userID, PlaceholderEmail(userID), PlaceholderPhone(userID), AnonymizedName, now)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		anonymized = true
		return insertAudit(ctx, tx, audit, now)
	})
	return anonymized, err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
