package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/shopspring/decimal"
)

// UnspecifiedRegion is the histogram bucket for events without a region.
const UnspecifiedRegion = "Non spécifié"

const leadColumns = `id, title, client_name, location, net_amount, federal_tax, provincial_tax,
	net_amount + federal_tax + provincial_tax AS total,
	authentic, source, status, claimed_by, claimed_at, created_at`

func (r *PostgresRepository) CreateLead(ctx context.Context, lead *models.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	lead.Status = models.LeadPending
	lead.CreatedAt = r.now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (id, title, client_name, location, net_amount, federal_tax, provincial_tax, authentic, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, lead.ID, lead.Title, lead.ClientName, lead.Location, lead.NetAmount, lead.FederalTax,
		lead.ProvincialTax, lead.Authentic, lead.Source, lead.Status, lead.CreatedAt)
	if err != nil {
		return err
	}
	lead.Total = lead.NetAmount.Add(lead.FederalTax).Add(lead.ProvincialTax)
	return nil
}

func (r *PostgresRepository) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	var lead models.Lead
	err := r.db.GetContext(ctx, &lead, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &lead, nil
}

func (r *PostgresRepository) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	leads := []models.Lead{}
	err := r.db.SelectContext(ctx, &leads,
		`SELECT `+leadColumns+` FROM leads ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return leads, nil
}

// ClaimLeadAndLog marks the lead claimed by event.ProID and appends the
// lead_claim event in one transaction. Claiming again as the same pro leaves
// the lead unchanged and still records the event.
func (r *PostgresRepository) ClaimLeadAndLog(ctx context.Context, event *models.TractionEvent) error {
	if event.LeadID == nil {
		return ErrNotFound
	}

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		var lead struct {
			Status    models.LeadStatus `db:"status"`
			ClaimedBy *string           `db:"claimed_by"`
		}
		err := tx.GetContext(ctx, &lead, `SELECT status, claimed_by FROM leads WHERE id = $1 FOR UPDATE`, *event.LeadID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		now := r.now()
		switch {
		case lead.ClaimedBy != nil && *lead.ClaimedBy != event.ProID:
			return ErrAlreadyClaimed
		case lead.ClaimedBy == nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE leads SET status = 'claimed', claimed_by = $2, claimed_at = $3 WHERE id = $1
			`, *event.LeadID, event.ProID, now); err != nil {
				return err
			}
		}

		return insertTractionEvent(ctx, tx, event, now)
	})
}

func (r *PostgresRepository) InsertTractionEvent(ctx context.Context, event *models.TractionEvent) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertTractionEvent(ctx, tx, event, r.now())
	})
}

func insertTractionEvent(ctx context.Context, tx *sqlx.Tx, event *models.TractionEvent, now time.Time) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if len(event.Metadata) == 0 {
		event.Metadata = []byte("{}")
	}

	err := tx.QueryRowxContext(ctx, `
		INSERT INTO traction_events (id, kind, pro_id, lead_id, partner_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, created_at
	`, event.ID, event.Kind, event.ProID, event.LeadID, event.PartnerID, event.Metadata, now).
		Scan(&event.Seq, &event.CreatedAt)
	return missingReference(err)
}

// TractionSummary aggregates the ledger. Recent events are ordered by
// created_at, then insert sequence, newest first.
func (r *PostgresRepository) TractionSummary(ctx context.Context, recent int) (*models.TractionSummary, error) {
	summary := &models.TractionSummary{ByRegion: map[string]int64{}}

	var kinds []struct {
		Kind  models.TractionKind `db:"kind"`
		Count int64               `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &kinds,
		`SELECT kind, COUNT(*) AS count FROM traction_events GROUP BY kind`); err != nil {
		return nil, err
	}
	for _, k := range kinds {
		summary.TotalEvents += k.Count
		switch k.Kind {
		case models.TractionLeadClaim:
			summary.LeadClaims = k.Count
		case models.TractionPartnerClick:
			summary.PartnerClicks = k.Count
		}
	}

	var leads struct {
		Total   int64           `db:"total"`
		Claimed int64           `db:"claimed"`
		Taxes   decimal.Decimal `db:"taxes"`
	}
	if err := r.db.GetContext(ctx, &leads, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'claimed') AS claimed,
			COALESCE(SUM(federal_tax + provincial_tax) FILTER (WHERE status = 'claimed'), 0) AS taxes
		FROM leads
	`); err != nil {
		return nil, err
	}
	summary.TotalLeads = leads.Total
	summary.ClaimedLeads = leads.Claimed
	summary.TaxesTraced = leads.Taxes

	var regions []struct {
		Region string `db:"region"`
		Count  int64  `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &regions, `
		SELECT COALESCE(NULLIF(metadata->>'region', ''), $1) AS region, COUNT(*) AS count
		FROM traction_events
		GROUP BY 1
	`, UnspecifiedRegion); err != nil {
		return nil, err
	}
	for _, reg := range regions {
		summary.ByRegion[reg.Region] = reg.Count
	}

	summary.RecentEvents = []models.TractionEvent{}
	if err := r.db.SelectContext(ctx, &summary.RecentEvents, `
		SELECT * FROM traction_events
		ORDER BY created_at DESC, seq DESC
		LIMIT $1
	`, recent); err != nil {
		return nil, err
	}

	return summary, nil
}
