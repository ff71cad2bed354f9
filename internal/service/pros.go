package service

import (
	"context"
	"strings"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/audit"
	"github.com/qemplois/marketplace-server/internal/licence"
	"github.com/qemplois/marketplace-server/internal/models"
)

// ProEnrollment is the new profile plus a token pair carrying the pro role.
type ProEnrollment struct {
	Profile *models.ProProfile
	Tokens  *models.AuthResponse
}

func (s *DefaultService) BecomePro(ctx context.Context, actor models.Actor, req models.BecomeProRequest) (*ProEnrollment, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	user, err := s.currentUser(ctx, actor)
	if err != nil {
		return nil, err
	}

	profile := &models.ProProfile{
		UserID:         user.ID,
		BusinessName:   strings.TrimSpace(req.BusinessName),
		IdentityStatus: models.IdentityUnverified,
	}
	if profile.BusinessName == "" {
		profile.BusinessName = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}
	if req.LicenceNumber != nil && strings.TrimSpace(*req.LicenceNumber) != "" {
		normalized, err := licence.Normalize(*req.LicenceNumber)
		if err != nil {
			return nil, err
		}
		profile.LicenceNumber = &normalized
	}

	entry := audit.NewEntry(actor, audit.ProEnrolled, audit.ResourceProfile, user.ID, nil)
	if err := s.repo.CreateProProfile(ctx, profile, entry); err != nil {
		return nil, storeErr(err)
	}

	// Re-read so the tokens carry the role the store settled on.
	user, err = s.currentUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	created, err := s.repo.GetProProfile(ctx, user.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	tokens, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}
	return &ProEnrollment{Profile: created, Tokens: tokens}, nil
}

// ownProfile loads the actor's own pro profile.
func (s *DefaultService) ownProfile(ctx context.Context, actor models.Actor) (*models.ProProfile, error) {
	profile, err := s.repo.GetProProfile(ctx, actor.UserID)
	if err != nil {
		return nil, storeErr(err)
	}
	if profile == nil {
		return nil, notFound("pro profile")
	}
	return profile, nil
}

func (s *DefaultService) GetMyProfile(ctx context.Context, actor models.Actor) (*models.ProProfile, error) {
	return s.ownProfile(ctx, actor)
}

func (s *DefaultService) UpdateLicence(ctx context.Context, actor models.Actor, req models.UpdateLicenceRequest) (*models.ProProfile, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	normalized, err := licence.Normalize(req.LicenceNumber)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownProfile(ctx, actor); err != nil {
		return nil, err
	}

	entry := audit.NewEntry(actor, audit.LicenceUpdated, audit.ResourceProfile, actor.UserID,
		map[string]any{"licencePrefix": licence.Prefix(normalized)})
	if err := s.repo.UpdateLicence(ctx, actor.UserID, &normalized, entry); err != nil {
		return nil, storeErr(err)
	}
	return s.ownProfile(ctx, actor)
}

// SetIdentityStatus records an admin's identity review. The status only
// moves forward.
func (s *DefaultService) SetIdentityStatus(ctx context.Context, actor models.Actor, proID string, req models.SetIdentityStatusRequest) (*models.ProProfile, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("identity review is admin only")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	current, err := s.repo.GetProProfile(ctx, proID)
	if err != nil {
		return nil, storeErr(err)
	}
	if current == nil {
		return nil, notFound("pro profile")
	}

	next := models.IdentityStatus(req.Status)
	if !current.IdentityStatus.CanAdvanceTo(next) {
		return nil, apperrors.Newf(apperrors.InvalidTransition, "identity status %s -> %s", current.IdentityStatus, next)
	}

	entry := audit.NewEntry(actor, audit.IdentityStatusChanged, audit.ResourceProfile, proID,
		map[string]any{"from": current.IdentityStatus, "to": next})
	updated, err := s.repo.AdvanceIdentityStatus(ctx, proID, current.IdentityStatus, next, s.clock(), entry)
	if err != nil {
		return nil, storeErr(err)
	}
	return updated, nil
}

// VerifyLicence proxies a licence check to the external registry scraper.
func (s *DefaultService) VerifyLicence(ctx context.Context, actor models.Actor, req models.VerifyLicenceRequest) (*licence.Result, error) {
	if s.verifier == nil {
		return nil, apperrors.New(apperrors.ScraperFailure, "licence verifier not configured")
	}
	return s.verifier.Verify(ctx, req.Licence)
}
