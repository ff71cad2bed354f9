package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/audit"
	"github.com/qemplois/marketplace-server/internal/cache"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/repository"
)

// actingAs attributes actor's request to user once the user is known.
func actingAs(actor models.Actor, user *models.User) models.Actor {
	actor.UserID = user.ID
	actor.Role = user.Role
	return actor
}

func (s *DefaultService) Register(ctx context.Context, actor models.Actor, req models.RegisterRequest) (*models.AuthResponse, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Phone != nil && strings.TrimSpace(*req.Phone) == "" {
		req.Phone = nil
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if !req.ConsentGiven {
		return nil, apperrors.New(apperrors.ConsentMissing, "consent was not given")
	}

	role := models.RoleClient
	if req.Role == string(models.RolePro) {
		role = models.RolePro
	}
	lang := models.LanguageFR
	if req.LanguagePreference == string(models.LanguageEN) {
		lang = models.LanguageEN
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	now := s.clock()
	user := &models.User{
		ID:                 uuid.New().String(),
		Email:              req.Email,
		Password:           string(hashedPassword),
		Role:               role,
		LanguagePreference: lang,
		FirstName:          strings.TrimSpace(req.FirstName),
		LastName:           strings.TrimSpace(req.LastName),
		ConsentGiven:       true,
		ConsentAt:          &now,
		RetentionAt:        now.Add(s.retentionPeriod),
	}
	if req.Phone != nil {
		phone := stripPhone(*req.Phone)
		user.Phone = &phone
	}

	var profile *models.ProProfile
	if role == models.RolePro {
		profile = &models.ProProfile{
			BusinessName:   strings.TrimSpace(user.FirstName + " " + user.LastName),
			IdentityStatus: models.IdentityUnverified,
		}
	}

	entry := audit.NewEntry(actor, audit.Registration, audit.ResourceUser, user.ID, map[string]any{"role": role})
	if err := s.repo.CreateUser(ctx, user, profile, entry); err != nil {
		return nil, storeErr(err)
	}

	return s.issuePair(user)
}

func (s *DefaultService) Login(ctx context.Context, actor models.Actor, req models.LoginRequest) (*models.AuthResponse, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, storeErr(err)
	}

	if user == nil || user.DeletedAt != nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		s.record(ctx, audit.NewEntry(actor, audit.LoginFailed, audit.ResourceAuth, "",
			map[string]any{"reason": "unknown-account"}))
		return nil, apperrors.New(apperrors.CredentialsInvalid, "")
	}

	actor = actingAs(actor, user)
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		s.record(ctx, audit.NewEntry(actor, audit.LoginFailed, audit.ResourceAuth, user.ID,
			map[string]any{"reason": "wrong-password"}))
		return nil, apperrors.New(apperrors.CredentialsInvalid, "")
	}

	if err := s.repo.TouchLastAccess(ctx, user.ID, s.clock()); err != nil {
		s.logger.Warn("touch last access failed", "user_id", user.ID, "error", err)
	}
	s.record(ctx, audit.NewEntry(actor, audit.LoginSuccess, audit.ResourceAuth, user.ID, nil))

	return s.issuePair(user)
}

// Refresh rotates the token pair. The presented refresh token is revoked.
func (s *DefaultService) Refresh(ctx context.Context, actor models.Actor, req models.RefreshRequest) (*models.AuthResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	claims, err := s.parseToken(ctx, req.RefreshToken, tokenRefresh)
	if err != nil {
		if apperrors.Is(err, apperrors.PersistenceFailure) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.SessionInvalid, err)
	}

	user, err := s.repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, storeErr(err)
	}
	if user == nil || user.DeletedAt != nil {
		return nil, apperrors.New(apperrors.SessionInvalid, "account no longer exists")
	}

	if err := s.revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, err
	}

	resp, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.NewEntry(actingAs(actor, user), audit.SessionRefreshed, audit.ResourceAuth, user.ID, nil))
	return resp, nil
}

// Logout revokes the access token of session and, when given and owned by
// the same user, the refresh token.
func (s *DefaultService) Logout(ctx context.Context, actor models.Actor, session *Session, req models.LogoutRequest) error {
	if session != nil {
		if err := s.revoke(ctx, session.TokenID, session.ExpiresAt); err != nil {
			return err
		}
	}

	if req.RefreshToken != "" {
		claims, err := s.parseToken(ctx, req.RefreshToken, tokenRefresh)
		if err == nil && claims.Subject == actor.UserID {
			if err := s.revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
				return err
			}
		}
	}

	s.record(ctx, audit.NewEntry(actor, audit.Logout, audit.ResourceAuth, actor.UserID, nil))
	return nil
}

// currentUser loads the actor's account, refusing deleted ones.
func (s *DefaultService) currentUser(ctx context.Context, actor models.Actor) (*models.User, error) {
	user, err := s.repo.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return nil, storeErr(err)
	}
	if user == nil || user.DeletedAt != nil {
		return nil, apperrors.New(apperrors.Unauthorized, "account no longer exists")
	}
	return user, nil
}

func (s *DefaultService) Me(ctx context.Context, actor models.Actor) (*models.UserView, error) {
	user, err := s.currentUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	return models.NewUserView(user), nil
}

// UpdateProfile changes the caller's contact details, names and language.
func (s *DefaultService) UpdateProfile(ctx context.Context, actor models.Actor, req models.UpdateProfileRequest) (*models.UserView, error) {
	var change repository.ProfileChange
	changed := []string{}

	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		if email == "" {
			return nil, fieldError("email", "must not be empty")
		}
		req.Email = &email
		change.Email = &email
		changed = append(changed, "email")
	}
	if req.Phone != nil {
		phone := stripPhone(strings.TrimSpace(*req.Phone))
		if phone == "" {
			req.Phone = nil
			change.ClearPhone = true
		} else {
			req.Phone = &phone
			change.Phone = &phone
		}
		changed = append(changed, "phone")
	}
	var err error
	if req.FirstName, err = trimmedName("firstName", req.FirstName); err != nil {
		return nil, err
	}
	if req.FirstName != nil {
		change.FirstName = req.FirstName
		changed = append(changed, "firstName")
	}
	if req.LastName, err = trimmedName("lastName", req.LastName); err != nil {
		return nil, err
	}
	if req.LastName != nil {
		change.LastName = req.LastName
		changed = append(changed, "lastName")
	}
	if req.LanguagePreference != nil {
		lang := models.Language(*req.LanguagePreference)
		change.Language = &lang
		changed = append(changed, "languagePreference")
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, fieldError("body", "at least one field is required")
	}
	if _, err := s.currentUser(ctx, actor); err != nil {
		return nil, err
	}

	entry := audit.NewEntry(actor, audit.ProfileUpdated, audit.ResourceUser, actor.UserID,
		map[string]any{"fields": changed})
	user, err := s.repo.UpdateProfile(ctx, actor.UserID, change, entry)
	if err != nil {
		return nil, storeErr(err)
	}
	return models.NewUserView(user), nil
}

// trimmedName trims a present name; a blank one is a field error.
func trimmedName(field string, name *string) (*string, error) {
	if name == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*name)
	if trimmed == "" {
		return nil, fieldError(field, "must not be empty")
	}
	return &trimmed, nil
}

func (s *DefaultService) ChangePassword(ctx context.Context, actor models.Actor, req models.ChangePasswordRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	user, err := s.currentUser(ctx, actor)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.CurrentPassword)); err != nil {
		return apperrors.New(apperrors.CredentialsInvalid, "current password is wrong")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	entry := audit.NewEntry(actor, audit.PasswordChanged, audit.ResourceUser, user.ID, nil)
	return storeErr(s.repo.UpdatePassword(ctx, user.ID, string(hashed), entry))
}

// RequestDeletion pulls the retention deadline to now so the next sweep
// anonymizes the account.
func (s *DefaultService) RequestDeletion(ctx context.Context, actor models.Actor) error {
	entry := audit.NewEntry(actor, audit.DeletionRequested, audit.ResourceUser, actor.UserID, nil)
	return storeErr(s.repo.SetRetentionAt(ctx, actor.UserID, s.clock(), entry))
}

func (s *DefaultService) AuditTrail(ctx context.Context, actor models.Actor) ([]models.AuditEntry, error) {
	entries, err := s.audit.Trail(ctx, actor.UserID, 100)
	if err != nil {
		return nil, storeErr(err)
	}
	return entries, nil
}

func (s *DefaultService) IssueLinkToken(ctx context.Context, actor models.Actor) (*models.LinkTokenResponse, error) {
	if s.linkTokens == nil {
		return nil, apperrors.New(apperrors.PersistenceFailure, "link tokens not configured")
	}
	token, err := s.linkTokens.Issue(ctx, actor.UserID, s.linkTokenTTL)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	return &models.LinkTokenResponse{
		Status:    "success",
		Token:     token,
		ExpiresIn: int(s.linkTokenTTL.Seconds()),
	}, nil
}

// LinkPlatform binds a chat account to the caller. The binding is written to
// the link store first and rolled back if the user row cannot mirror it.
func (s *DefaultService) LinkPlatform(ctx context.Context, actor models.Actor, req models.LinkPlatformRequest) (*models.LinkResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if s.links == nil || s.linkTokens == nil {
		return nil, apperrors.New(apperrors.PersistenceFailure, "platform links not configured")
	}

	owner, ok, err := s.linkTokens.Consume(ctx, req.Token)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	if !ok {
		return nil, fieldError("token", "unknown or expired")
	}
	if owner != actor.UserID || req.UserID != actor.UserID {
		return nil, fieldError("token", "issued to another user")
	}

	platform := models.Platform(req.Platform)
	link, err := s.links.Bind(ctx, cache.Link{
		UserID:         actor.UserID,
		Platform:       platform,
		PlatformUserID: req.PlatformUserID,
		Username:       req.PlatformUsername,
	})
	switch {
	case errors.Is(err, cache.ErrPlatformUserBound):
		return nil, apperrors.New(apperrors.Conflict, "this platform account is linked to another user")
	case errors.Is(err, cache.ErrUserBound):
		return nil, apperrors.New(apperrors.Conflict, "another account is already linked on this platform")
	case err != nil:
		return nil, apperrors.Persistence(err)
	}

	if err := s.repo.BindPlatformID(ctx, actor.UserID, platform, req.PlatformUserID, link.ExpiresAt); err != nil {
		if uerr := s.links.Unbind(ctx, actor.UserID, platform); uerr != nil {
			s.logger.Error("platform link rollback failed", "user_id", actor.UserID, "platform", platform, "error", uerr)
		}
		return nil, storeErr(err)
	}

	s.record(ctx, audit.NewEntry(actor, audit.PlatformLinked, audit.ResourceUser, actor.UserID,
		map[string]any{"platform": platform}))

	return &models.LinkResponse{
		Status:         "success",
		Linked:         true,
		UserID:         link.UserID,
		Platform:       link.Platform,
		PlatformUserID: link.PlatformUserID,
	}, nil
}

func (s *DefaultService) UnlinkPlatform(ctx context.Context, actor models.Actor, req models.UnlinkPlatformRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	if s.links == nil {
		return apperrors.New(apperrors.PersistenceFailure, "platform links not configured")
	}

	platform := models.Platform(req.Platform)
	if err := s.links.Unbind(ctx, actor.UserID, platform); err != nil {
		if errors.Is(err, cache.ErrNotLinked) {
			// The binding expired; drop whatever the user row still mirrors.
			if cerr := s.repo.ClearPlatformID(ctx, actor.UserID, platform); cerr != nil {
				s.logger.Warn("stale platform id not cleared", "user_id", actor.UserID, "platform", platform, "error", cerr)
			}
			return apperrors.New(apperrors.NotLinked, "")
		}
		return apperrors.Persistence(err)
	}
	if err := s.repo.ClearPlatformID(ctx, actor.UserID, platform); err != nil {
		return storeErr(err)
	}

	s.record(ctx, audit.NewEntry(actor, audit.PlatformUnlinked, audit.ResourceUser, actor.UserID,
		map[string]any{"platform": platform}))
	return nil
}

func (s *DefaultService) VerifyLink(ctx context.Context, req models.VerifyLinkRequest) (*models.LinkResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if s.links == nil {
		return nil, apperrors.New(apperrors.PersistenceFailure, "platform links not configured")
	}

	platform := models.Platform(req.Platform)
	link, err := s.links.Lookup(ctx, platform, req.PlatformUserID)
	if err != nil {
		if errors.Is(err, cache.ErrNotLinked) {
			if _, rerr := s.repo.ReleasePlatformID(ctx, platform, req.PlatformUserID); rerr != nil {
				s.logger.Warn("stale platform id not released", "platform", platform, "error", rerr)
			}
			return nil, apperrors.New(apperrors.NotLinked, "")
		}
		return nil, apperrors.Persistence(err)
	}
	return &models.LinkResponse{
		Status:         "success",
		Linked:         true,
		UserID:         link.UserID,
		Platform:       link.Platform,
		PlatformUserID: link.PlatformUserID,
	}, nil
}
