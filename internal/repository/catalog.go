package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/qemplois/marketplace-server/internal/models"
)

func (r *PostgresRepository) ListCategories(ctx context.Context) ([]models.Category, error) {
	categories := []models.Category{}
	if err := r.db.SelectContext(ctx, &categories, `SELECT * FROM categories ORDER BY name`); err != nil {
		return nil, err
	}
	return categories, nil
}

func (r *PostgresRepository) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	var category models.Category
	err := r.db.GetContext(ctx, &category, `SELECT * FROM categories WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &category, nil
}

func (r *PostgresRepository) GetCategoryByName(ctx context.Context, name string) (*models.Category, error) {
	var category models.Category
	err := r.db.GetContext(ctx, &category, `SELECT * FROM categories WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &category, nil
}

func (r *PostgresRepository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobOpen
	}

	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, client_id, category_id, title, description, location, client_budget, budget_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, job.ID, job.ClientID, job.CategoryID, job.Title, job.Description, job.Location,
		job.ClientBudget, job.BudgetType, job.Status, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *PostgresRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ChangeJobCategory fails with ErrConflict once any bid references the job.
// The job row is locked so a concurrent bid insert cannot slip in between.
func (r *PostgresRepository) ChangeJobCategory(ctx context.Context, jobID, categoryID string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		err := tx.GetContext(ctx, &id, `SELECT id FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var hasBids bool
		if err := tx.GetContext(ctx, &hasBids, `SELECT EXISTS(SELECT 1 FROM bids WHERE job_id = $1)`, jobID); err != nil {
			return err
		}
		if hasBids {
			return ErrConflict
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET category_id = $2, updated_at = $3 WHERE id = $1`,
			jobID, categoryID, r.now())
		return err
	})
}

func (r *PostgresRepository) CreateService(ctx context.Context, svc *models.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	svc.CreatedAt = r.now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO services (id, pro_id, category_id, name, description, base_price, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, svc.ID, svc.ProID, svc.CategoryID, svc.Name, svc.Description, svc.BasePrice, svc.IsActive, svc.CreatedAt)
	return err
}

func (r *PostgresRepository) GetService(ctx context.Context, id string) (*models.Service, error) {
	var svc models.Service
	err := r.db.GetContext(ctx, &svc, `SELECT * FROM services WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &svc, nil
}

// ServiceChange lists the service columns an update touches. Nil fields are kept.
type ServiceChange struct {
	CategoryID  *string
	Name        *string
	Description *string
	BasePrice   *decimal.Decimal
	IsActive    *bool
}

func (r *PostgresRepository) UpdateService(ctx context.Context, id string, change ServiceChange) (*models.Service, error) {
	var svc models.Service
	err := r.db.GetContext(ctx, &svc, `
		UPDATE services SET
			category_id = COALESCE($2, category_id),
			name = COALESCE($3, name),
			description = COALESCE($4, description),
			base_price = COALESCE($5, base_price),
			is_active = COALESCE($6, is_active)
		WHERE id = $1
		RETURNING *
	`, id, change.CategoryID, change.Name, change.Description, change.BasePrice, change.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListServices returns a pro's services, or every active service when proID is empty.
func (r *PostgresRepository) ListServices(ctx context.Context, proID string) ([]models.Service, error) {
	query := `SELECT * FROM services WHERE is_active`
	args := []interface{}{}
	if proID != "" {
		query = `SELECT * FROM services WHERE pro_id = $1`
		args = append(args, proID)
	}
	query += ` ORDER BY created_at DESC`

	services := []models.Service{}
	if err := r.db.SelectContext(ctx, &services, query, args...); err != nil {
		return nil, err
	}
	return services, nil
}
