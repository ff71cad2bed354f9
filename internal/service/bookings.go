package service

import (
	"context"
	"strings"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/audit"
	"github.com/qemplois/marketplace-server/internal/booking"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/repository"
)

// CreateBooking books an active service of an identity-verified pro. The
// estimate is the service's base price times the duration.
func (s *DefaultService) CreateBooking(ctx context.Context, actor models.Actor, req models.CreateBookingRequest) (*models.BookingView, error) {
	if actor.Role != models.RoleClient {
		return nil, forbidden("bookings are created by clients")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	pro, err := s.repo.GetProProfile(ctx, req.ProID)
	if err != nil {
		return nil, storeErr(err)
	}
	if pro == nil {
		return nil, apperrors.New(apperrors.UnknownPro, "")
	}
	if pro.IdentityStatus != models.IdentityVerified {
		return nil, apperrors.New(apperrors.IdentityNotVerified, "")
	}

	svc, err := s.repo.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, storeErr(err)
	}
	if svc == nil || svc.ProID != pro.UserID || !svc.IsActive {
		return nil, notFound("service")
	}

	duration := req.DurationHours.Round(1)
	b := &models.Booking{
		ClientID:      actor.UserID,
		ProID:         pro.UserID,
		ServiceID:     svc.ID,
		ScheduledAt:   req.ScheduledAt.UTC(),
		DurationHours: duration,
		Location:      strings.TrimSpace(req.Location),
		Notes:         req.Notes,
		PriceEstimate: svc.BasePrice.Mul(duration).Round(2),
		StatusHistory: models.StatusHistory{{
			Status: models.BookingPending,
			By:     actor.UserID,
			Role:   actor.Role,
		}},
	}

	entry := audit.NewEntry(actor, audit.BookingCreated, audit.ResourceBooking, "", map[string]any{
		"proId":     pro.UserID,
		"serviceId": svc.ID,
	})
	if err := s.repo.CreateBooking(ctx, b, entry); err != nil {
		return nil, storeErr(err)
	}
	return s.view(b, actor), nil
}

func (s *DefaultService) ListBookings(ctx context.Context, actor models.Actor) ([]models.Booking, error) {
	filter := repository.BookingFilter{Limit: 100}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RolePro:
		filter.ProID = actor.UserID
	default:
		filter.ClientID = actor.UserID
	}

	bookings, err := s.repo.ListBookings(ctx, filter)
	if err != nil {
		return nil, storeErr(err)
	}
	return bookings, nil
}

func (s *DefaultService) GetBooking(ctx context.Context, actor models.Actor, bookingID string) (*models.BookingView, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, storeErr(err)
	}
	if b == nil || partyRole(b, actor) == "" {
		return nil, notFound("booking")
	}
	return s.view(b, actor), nil
}

// TransitionBooking moves a booking along the lifecycle matrix. The check runs
// against the row the store read; if another change lands first the
// compare-and-swap fails with conflict.
func (s *DefaultService) TransitionBooking(ctx context.Context, actor models.Actor, bookingID string, req models.TransitionRequest) (*models.BookingView, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	to := models.BookingStatus(req.Status)
	if !to.Valid() {
		return nil, fieldError("status", "unknown booking status")
	}
	return s.transition(ctx, actor, bookingID, to, strings.TrimSpace(req.Reason))
}

func (s *DefaultService) CancelBooking(ctx context.Context, actor models.Actor, bookingID string, req models.CancelBookingRequest) (*models.BookingView, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.transition(ctx, actor, bookingID, models.BookingCancelled, req.Reason)
}

func (s *DefaultService) transition(ctx context.Context, actor models.Actor, bookingID string, to models.BookingStatus, reason string) (*models.BookingView, error) {
	decide := func(current *models.Booking) (*repository.BookingChange, error) {
		role := partyRole(current, actor)
		if role == "" {
			return nil, notFound("booking")
		}
		if err := booking.Check(current.Status, to, role); err != nil {
			return nil, err
		}
		return &repository.BookingChange{
			Entry: models.StatusEntry{
				Status: to,
				By:     actor.UserID,
				Role:   role,
				Reason: reason,
			},
			Audit: audit.NewEntry(actor, audit.BookingStatusUpdated, audit.ResourceBooking, current.ID, map[string]any{
				"from": current.Status,
				"to":   to,
			}),
		}, nil
	}

	updated, err := s.repo.ApplyBookingTransition(ctx, bookingID, decide)
	if err != nil {
		return nil, storeErr(err)
	}
	return s.view(updated, actor), nil
}

// partyRole is the role actor plays on b, or "" when actor is not a party.
func partyRole(b *models.Booking, actor models.Actor) models.Role {
	switch {
	case actor.IsAdmin():
		return models.RoleAdmin
	case b.ProID == actor.UserID:
		return models.RolePro
	case b.ClientID == actor.UserID:
		return models.RoleClient
	}
	return ""
}

func (s *DefaultService) view(b *models.Booking, actor models.Actor) *models.BookingView {
	return &models.BookingView{
		Booking:              b,
		AvailableTransitions: booking.Available(b.Status, partyRole(b, actor)),
	}
}
