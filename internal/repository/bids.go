package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/qemplois/marketplace-server/internal/models"
)

// BidFacts is the state a bid gate decides on. Fields are nil when the
// referenced row does not exist. It is read inside the insert transaction
// with the job and pro rows share-locked.
type BidFacts struct {
	Job      *models.Job
	Category *models.Category
	Pro      *models.ProProfile
}

// BidGate returns nil to let the bid through, or the rejection.
type BidGate func(facts BidFacts) error

// InsertBidIfGated reads the gate facts, runs gate, and inserts the bid only
// if gate passes, all in one transaction. A gate error is returned unchanged.
func (r *PostgresRepository) InsertBidIfGated(ctx context.Context, bid *models.Bid, gate BidGate, audit *models.AuditEntry) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		facts, err := loadBidFacts(ctx, tx, bid.JobID, bid.ProID)
		if err != nil {
			return err
		}

		if err := gate(facts); err != nil {
			return err
		}

		if bid.ID == "" {
			bid.ID = uuid.New().String()
		}
		now := r.now()
		bid.Status = models.BidPending
		bid.CreatedAt = now
		bid.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bids (id, job_id, pro_id, price, price_type, message, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, bid.ID, bid.JobID, bid.ProID, bid.Price, bid.PriceType, bid.Message, bid.Status, bid.CreatedAt, bid.UpdatedAt)
		if err != nil {
			return err
		}

		if audit != nil {
			audit.ResourceID = &bid.ID
		}
		return insertAudit(ctx, tx, audit, now)
	})
}

func loadBidFacts(ctx context.Context, tx *sqlx.Tx, jobID, proID string) (BidFacts, error) {
	var facts BidFacts

	var job models.Job
	err := tx.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1 FOR SHARE`, jobID)
	switch {
	case err == nil:
		facts.Job = &job
	case !errors.Is(err, sql.ErrNoRows):
		return facts, err
	}

	if facts.Job != nil {
		var category models.Category
		if err := tx.GetContext(ctx, &category, `SELECT * FROM categories WHERE id = $1`, job.CategoryID); err != nil {
			return facts, err
		}
		facts.Category = &category
	}

	var pro models.ProProfile
	err = tx.GetContext(ctx, &pro, `
		SELECT p.* FROM pro_profiles p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1 AND u.deleted_at IS NULL
		FOR SHARE OF p
	`, proID)
	switch {
	case err == nil:
		facts.Pro = &pro
	case !errors.Is(err, sql.ErrNoRows):
		return facts, err
	}

	return facts, nil
}

func (r *PostgresRepository) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	var bid models.Bid
	err := r.db.GetContext(ctx, &bid, `SELECT * FROM bids WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}

func (r *PostgresRepository) ListBidsForJob(ctx context.Context, jobID string) ([]models.Bid, error) {
	bids := []models.Bid{}
	err := r.db.SelectContext(ctx, &bids, `SELECT * FROM bids WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return bids, nil
}

// AcceptBid accepts a pending bid, rejects the job's other pending bids and
// archives the job.
func (r *PostgresRepository) AcceptBid(ctx context.Context, bidID string, audit *models.AuditEntry) (*models.Bid, error) {
	var accepted models.Bid
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var current models.Bid
		err := tx.GetContext(ctx, &current, `SELECT * FROM bids WHERE id = $1`, bidID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		// Serialize acceptances per job.
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM jobs WHERE id = $1 FOR UPDATE`, current.JobID); err != nil {
			return err
		}

		now := r.now()
		err = tx.GetContext(ctx, &accepted, `
			UPDATE bids SET status = 'accepted', updated_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING *
		`, bidID, now)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflict
			}
			return uniqueViolation(err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE bids SET status = 'rejected', updated_at = $3
			WHERE job_id = $1 AND id <> $2 AND status = 'pending'
		`, current.JobID, bidID, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'archived', updated_at = $2 WHERE id = $1`, current.JobID, now); err != nil {
			return err
		}

		return insertAudit(ctx, tx, audit, now)
	})
	if err != nil {
		return nil, err
	}
	return &accepted, nil
}

// SetBidStatus moves a bid from "from" to "to"; ErrConflict if it no longer holds "from".
func (r *PostgresRepository) SetBidStatus(ctx context.Context, bidID string, from, to models.BidStatus, audit *models.AuditEntry) (*models.Bid, error) {
	var bid models.Bid
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now()
		err := tx.GetContext(ctx, &bid, `
			UPDATE bids SET status = $3, updated_at = $4
			WHERE id = $1 AND status = $2
			RETURNING *
		`, bidID, from, to, now)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflict
			}
			return err
		}
		return insertAudit(ctx, tx, audit, now)
	})
	if err != nil {
		return nil, err
	}
	return &bid, nil
}
