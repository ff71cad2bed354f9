package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/qemplois/marketplace-server/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAudit(ctx context.Context, ex execer, entry *models.AuditEntry, now time.Time) error {
	if entry == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if len(entry.Details) == 0 {
		entry.Details = []byte("{}")
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, resource, resource_id, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.UserID, entry.Action, entry.Resource, entry.ResourceID,
		entry.IPAddress, entry.UserAgent, entry.Details, entry.CreatedAt)
	return err
}

func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	return insertAudit(ctx, r.db, entry, r.now())
}

func (r *PostgresRepository) ListAuditForUser(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error) {
	query := `
		SELECT * FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	entries := []models.AuditEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, err
	}
	return entries, nil
}

// TrimAuditLog deletes audit entries created before the given instant.
func (r *PostgresRepository) TrimAuditLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
