package service

import (
	"context"
	"strings"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/audit"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/repository"
)

// SubmitBid runs the bid gates in order: role, request shape, job and pro
// existence, licence for regulated categories, identity, then the insert.
// The gates after shape validation run inside the insert transaction.
func (s *DefaultService) SubmitBid(ctx context.Context, actor models.Actor, req models.SubmitBidRequest) (*models.Bid, error) {
	if actor.Role != models.RolePro && !actor.IsAdmin() {
		return nil, forbidden("only pros may bid")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	bid := &models.Bid{
		JobID:     req.JobID,
		ProID:     req.ProID,
		Price:     req.Price.Round(2),
		PriceType: models.PriceType(req.PriceType),
		Message:   strings.TrimSpace(req.Message),
	}
	entry := audit.NewEntry(actor, audit.BidSubmitted, audit.ResourceBid, "", map[string]any{
		"jobId": req.JobID,
		"proId": req.ProID,
		"price": bid.Price.StringFixed(2),
	})

	gate := func(facts repository.BidFacts) error {
		return bidGate(actor, facts)
	}
	if err := s.repo.InsertBidIfGated(ctx, bid, gate, entry); err != nil {
		if appErr, ok := apperrors.As(err); ok {
			s.record(ctx, audit.NewEntry(actor, audit.BidRejectedByGate, audit.ResourceBid, "", map[string]any{
				"jobId":  req.JobID,
				"proId":  req.ProID,
				"reason": appErr.Code,
			}))
			return nil, err
		}
		return nil, storeErr(err)
	}
	return bid, nil
}

// bidGate decides on the facts read in the insert transaction. The first
// failing gate wins.
func bidGate(actor models.Actor, facts repository.BidFacts) error {
	if facts.Job == nil {
		return apperrors.New(apperrors.UnknownJob, "")
	}
	if facts.Pro == nil {
		return apperrors.New(apperrors.UnknownPro, "")
	}
	if !actor.IsAdmin() && facts.Pro.UserID != actor.UserID {
		return forbidden("pros may only bid as themselves")
	}

	if facts.Category != nil && facts.Category.RequiresLicence && !hasLicence(facts.Pro) {
		return apperrors.Newf(apperrors.LicenceRequiredMissing, "category %s requires an RBQ licence", facts.Category.Name)
	}
	if facts.Pro.IdentityStatus != models.IdentityVerified {
		return apperrors.New(apperrors.IdentityNotVerified, "")
	}

	if facts.Job.Status != models.JobOpen {
		return apperrors.New(apperrors.Conflict, "job is no longer open for bids")
	}
	return nil
}

// hasLicence reports whether a licence string is on file. Its format is
// checked when the pro stores it, not at bid time.
func hasLicence(p *models.ProProfile) bool {
	return p.LicenceNumber != nil && strings.TrimSpace(*p.LicenceNumber) != ""
}

func (s *DefaultService) ListBidsForJob(ctx context.Context, actor models.Actor, jobID string) ([]models.Bid, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bids, err := s.repo.ListBidsForJob(ctx, jobID)
	if err != nil {
		return nil, storeErr(err)
	}
	if job.ClientID == actor.UserID || actor.IsAdmin() {
		return bids, nil
	}
	if actor.Role != models.RolePro {
		return nil, forbidden("only the job owner may list bids")
	}

	// Pros only see their own bids.
	own := []models.Bid{}
	for _, b := range bids {
		if b.ProID == actor.UserID {
			own = append(own, b)
		}
	}
	return own, nil
}

func (s *DefaultService) loadBid(ctx context.Context, bidID string) (*models.Bid, error) {
	bid, err := s.repo.GetBid(ctx, bidID)
	if err != nil {
		return nil, storeErr(err)
	}
	if bid == nil {
		return nil, notFound("bid")
	}
	return bid, nil
}

// AcceptBid accepts a pending bid; the job's other pending bids are rejected
// and the job is archived.
func (s *DefaultService) AcceptBid(ctx context.Context, actor models.Actor, bidID string) (*models.Bid, error) {
	bid, err := s.loadBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedJob(ctx, actor, bid.JobID); err != nil {
		return nil, err
	}
	if bid.Status != models.BidPending {
		return nil, apperrors.Newf(apperrors.Conflict, "bid is %s", bid.Status)
	}

	entry := audit.NewEntry(actor, audit.BidAccepted, audit.ResourceBid, bid.ID, map[string]any{"jobId": bid.JobID})
	accepted, err := s.repo.AcceptBid(ctx, bid.ID, entry)
	if err != nil {
		return nil, storeErr(err)
	}
	return accepted, nil
}

func (s *DefaultService) RejectBid(ctx context.Context, actor models.Actor, bidID string) (*models.Bid, error) {
	bid, err := s.loadBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedJob(ctx, actor, bid.JobID); err != nil {
		return nil, err
	}
	return s.closeBid(ctx, actor, bid, models.BidRejected, audit.BidRejected)
}

func (s *DefaultService) CancelBid(ctx context.Context, actor models.Actor, bidID string) (*models.Bid, error) {
	bid, err := s.loadBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.ProID != actor.UserID && !actor.IsAdmin() {
		return nil, forbidden("only the bidding pro may cancel")
	}
	return s.closeBid(ctx, actor, bid, models.BidCancelled, audit.BidCancelled)
}

func (s *DefaultService) closeBid(ctx context.Context, actor models.Actor, bid *models.Bid, to models.BidStatus, action string) (*models.Bid, error) {
	if bid.Status != models.BidPending {
		return nil, apperrors.Newf(apperrors.Conflict, "bid is %s", bid.Status)
	}
	entry := audit.NewEntry(actor, action, audit.ResourceBid, bid.ID, map[string]any{"jobId": bid.JobID})
	updated, err := s.repo.SetBidStatus(ctx, bid.ID, models.BidPending, to, entry)
	if err != nil {
		return nil, storeErr(err)
	}
	return updated, nil
}
