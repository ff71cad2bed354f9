package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/models"
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

// Claims are the JWT claims of both token kinds.
type Claims struct {
	Role models.Role `json:"role"`
	Type string      `json:"typ"`
	jwt.RegisteredClaims
}

// Session is a verified access token.
type Session struct {
	UserID    string
	Role      models.Role
	TokenID   string
	ExpiresAt time.Time
}

var errTokenRevoked = errors.New("token revoked")

func (s *DefaultService) signToken(user *models.User, typ string) (string, error) {
	secret, ttl := s.accessSecret, s.accessTTL
	if typ == tokenRefresh {
		secret, ttl = s.refreshSecret, s.refreshTTL
	}

	now := s.now()
	claims := Claims{
		Role: user.Role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// issuePair signs a fresh access and refresh token for user.
func (s *DefaultService) issuePair(user *models.User) (*models.AuthResponse, error) {
	access, err := s.signToken(user, tokenAccess)
	if err != nil {
		return nil, fmt.Errorf("error generating access token: %w", err)
	}
	refresh, err := s.signToken(user, tokenRefresh)
	if err != nil {
		return nil, fmt.Errorf("error generating refresh token: %w", err)
	}
	return &models.AuthResponse{
		Status:       "success",
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL.Seconds()),
		User:         models.NewUserView(user),
	}, nil
}

// parseToken verifies signature, expiry, kind and revocation.
func (s *DefaultService) parseToken(ctx context.Context, raw, typ string) (*Claims, error) {
	secret := s.accessSecret
	if typ == tokenRefresh {
		secret = s.refreshSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Type != typ || claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, errors.New("malformed token")
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, apperrors.Persistence(err)
		}
		if revoked {
			return nil, errTokenRevoked
		}
	}
	return claims, nil
}

// ParseAccessToken validates a bearer token for the auth middleware.
func (s *DefaultService) ParseAccessToken(ctx context.Context, raw string) (*Session, error) {
	claims, err := s.parseToken(ctx, raw, tokenAccess)
	if err != nil {
		if apperrors.Is(err, apperrors.PersistenceFailure) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.Unauthorized, err)
	}
	return &Session{
		UserID:    claims.Subject,
		Role:      claims.Role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// revoke blacklists jti until it would have expired anyway.
func (s *DefaultService) revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if s.revocations == nil {
		return nil
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.revocations.Revoke(ctx, jti, ttl); err != nil {
		return apperrors.Persistence(err)
	}
	return nil
}
