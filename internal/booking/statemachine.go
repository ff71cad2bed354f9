// Package booking holds the booking lifecycle rules.
package booking

import (
	"fmt"
	"net/http"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/models"
)

// transitions maps from -> to -> roles allowed to perform it.
var transitions = map[models.BookingStatus]map[models.BookingStatus][]models.Role{
	models.BookingPending: {
		models.BookingConfirmed: {models.RolePro, models.RoleAdmin},
		models.BookingCancelled: {models.RoleClient, models.RolePro, models.RoleAdmin},
	},
	models.BookingConfirmed: {
		models.BookingInProgress: {models.RolePro, models.RoleAdmin},
		models.BookingCancelled:  {models.RoleClient, models.RolePro, models.RoleAdmin},
	},
	models.BookingInProgress: {
		models.BookingCompleted: {models.RolePro, models.RoleAdmin},
		models.BookingCancelled: {models.RolePro, models.RoleAdmin},
	},
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.BookingStatus) bool {
	return s == models.BookingCompleted || s == models.BookingCancelled
}

// IsValid reports whether from -> to is in the matrix, regardless of role.
func IsValid(from, to models.BookingStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// Check returns nil if role may move a booking from -> to, invalid-transition
// if the matrix has no such edge, and forbidden if the edge exists but role is
// not on it. Both failures are reported with status 400.
func Check(from, to models.BookingStatus, role models.Role) error {
	roles, ok := transitions[from][to]
	if !ok {
		return apperrors.Newf(apperrors.InvalidTransition, "%s -> %s", from, to)
	}
	if role == models.RoleAdmin {
		return nil
	}
	for _, r := range roles {
		if r == role {
			return nil
		}
	}
	return apperrors.Newf(apperrors.Forbidden, "%s may not move a booking from %s to %s", role, from, to).
		WithStatus(http.StatusBadRequest)
}

// Available lists the statuses role may move a booking in from to.
func Available(from models.BookingStatus, role models.Role) []models.BookingStatus {
	out := []models.BookingStatus{}
	for _, to := range []models.BookingStatus{
		models.BookingConfirmed, models.BookingInProgress, models.BookingCompleted, models.BookingCancelled,
	} {
		if Check(from, to, role) == nil {
			out = append(out, to)
		}
	}
	return out
}

// ValidateHistory checks that h starts with pending, is strictly ordered in
// time, and each step is a matrix edge.
func ValidateHistory(h models.StatusHistory) error {
	if len(h) == 0 {
		return fmt.Errorf("empty status history")
	}
	if h[0].Status != models.BookingPending {
		return fmt.Errorf("history starts with %s", h[0].Status)
	}
	for i := 1; i < len(h); i++ {
		if !h[i].At.After(h[i-1].At) {
			return fmt.Errorf("entry %d is not after entry %d", i, i-1)
		}
		if !IsValid(h[i-1].Status, h[i].Status) {
			return fmt.Errorf("entry %d: %s -> %s is not a valid transition", i, h[i-1].Status, h[i].Status)
		}
	}
	return nil
}
