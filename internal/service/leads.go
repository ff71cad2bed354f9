package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/models"
)

// DefaultLeadSource tags leads whose ingester did not name a source.
const DefaultLeadSource = "max-ti-guy"

const recentTractionEvents = 20

func (s *DefaultService) IngestLead(ctx context.Context, actor models.Actor, req models.IngestLeadRequest) (*models.Lead, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("lead ingestion is admin only")
	}
	req.Title = strings.TrimSpace(req.Title)
	req.ClientName = strings.TrimSpace(req.ClientName)
	req.Location = strings.TrimSpace(req.Location)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	lead := &models.Lead{
		Title:         req.Title,
		ClientName:    req.ClientName,
		Location:      req.Location,
		NetAmount:     req.NetAmount.Round(2),
		FederalTax:    req.FederalTax.Round(2),
		ProvincialTax: req.ProvincialTax.Round(2),
		Authentic:     req.Authentic == nil || *req.Authentic,
		Source:        strings.TrimSpace(req.Source),
	}
	if lead.Source == "" {
		lead.Source = DefaultLeadSource
	}

	if err := s.repo.CreateLead(ctx, lead); err != nil {
		return nil, storeErr(err)
	}
	return lead, nil
}

func (s *DefaultService) ListLeads(ctx context.Context, actor models.Actor) ([]models.Lead, error) {
	if actor.Role == models.RoleClient {
		return nil, forbidden("leads are visible to pros")
	}
	leads, err := s.repo.ListLeads(ctx, 100)
	if err != nil {
		return nil, storeErr(err)
	}
	return leads, nil
}

// LogTraction appends a traction event. A lead_claim also claims the lead for
// the pro; claiming again as the same pro is allowed.
func (s *DefaultService) LogTraction(ctx context.Context, actor models.Actor, req models.LogTractionRequest) (*models.TractionEvent, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && (actor.Role != models.RolePro || req.ProID != actor.UserID) {
		return nil, forbidden("pros log their own traction")
	}

	pro, err := s.repo.GetProProfile(ctx, req.ProID)
	if err != nil {
		return nil, storeErr(err)
	}
	if pro == nil {
		return nil, apperrors.New(apperrors.UnknownPro, "")
	}

	event := &models.TractionEvent{
		Kind:  models.TractionKind(req.Kind),
		ProID: req.ProID,
	}
	if req.LeadID != "" {
		event.LeadID = &req.LeadID
	}
	if req.PartnerID != "" {
		event.PartnerID = &req.PartnerID
	}
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fieldError("metadata", "must be a JSON object")
		}
		event.Metadata = b
	}

	if event.LeadID != nil && event.Kind != models.TractionLeadClaim {
		lead, err := s.repo.GetLead(ctx, *event.LeadID)
		if err != nil {
			return nil, storeErr(err)
		}
		if lead == nil {
			return nil, notFound("lead")
		}
	}

	if event.Kind == models.TractionLeadClaim {
		err = s.repo.ClaimLeadAndLog(ctx, event)
	} else {
		err = s.repo.InsertTractionEvent(ctx, event)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return event, nil
}

func (s *DefaultService) TractionSummary(ctx context.Context, actor models.Actor) (*models.TractionSummary, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("traction summary is admin only")
	}
	summary, err := s.repo.TractionSummary(ctx, recentTractionEvents)
	if err != nil {
		return nil, fmt.Errorf("traction summary: %w", storeErr(err))
	}
	summary.ConversionRate = ConversionRate(summary.ClaimedLeads, summary.TotalLeads)
	summary.TaxesTraced = summary.TaxesTraced.Round(2)
	return summary, nil
}

// ConversionRate is claimed over total leads as a percentage with two
// decimals, and zero when there are no leads.
func ConversionRate(claimed, total int64) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(claimed).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(total), 2)
}
