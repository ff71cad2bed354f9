package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LinkTokens issues one-time tokens that authorize a platform link.
type LinkTokens struct {
	client *redis.Client
}

func NewLinkTokens(r *Redis) *LinkTokens {
	return &LinkTokens{client: r.Client()}
}

func linkTokenKey(token string) string {
	return "auth:session:" + token
}

// Issue stores a fresh token bound to userID for ttl.
func (t *LinkTokens) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate link token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := t.client.Set(ctx, linkTokenKey(token), userID, ttl).Err(); err != nil {
		return "", fmt.Errorf("store link token: %w", err)
	}
	return token, nil
}

// Consume returns the user bound to token and deletes it. ok is false for
// unknown or expired tokens.
func (t *LinkTokens) Consume(ctx context.Context, token string) (userID string, ok bool, err error) {
	userID, err = t.client.GetDel(ctx, linkTokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume link token: %w", err)
	}
	return userID, true, nil
}

// Revocations records revoked session token ids until they would expire anyway.
type Revocations struct {
	client *redis.Client
}

func NewRevocations(r *Redis) *Revocations {
	return &Revocations{client: r.Client()}
}

func revokedKey(jti string) string {
	return "auth:revoked:" + jti
}

func (v *Revocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := v.client.Set(ctx, revokedKey(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (v *Revocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := v.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}
