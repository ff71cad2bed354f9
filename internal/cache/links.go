package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrPlatformUserBound means the platform account is linked to another user.
	ErrPlatformUserBound = errors.New("platform account linked to another user")
	// ErrUserBound means the user already links a different account on that platform.
	ErrUserBound = errors.New("user already linked on this platform")
	ErrNotLinked = errors.New("not linked")
)

// Link is a platform binding.
type Link struct {
	UserID         string
	Platform       models.Platform
	PlatformUserID string
	Username       string
	LinkedAt       time.Time
	// ExpiresAt is set by Bind.
	ExpiresAt      time.Time
}

// bindScript writes both directions of a binding or reports which side is
// already taken. Re-binding the same pair refreshes the expiry.
//
// KEYS[1] forward key, KEYS[2] reverse key
// ARGV: user id, platform user id, username, linked-at, ttl ms
var bindScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user_id')
if owner and owner ~= ARGV[1] then
	return 'platform-bound'
end
local current = redis.call('GET', KEYS[2])
if current and current ~= ARGV[2] then
	return 'user-bound'
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'username', ARGV[3], 'linked_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[5])
return 'ok'
`)

// unbindScript removes both directions if KEYS[1] belongs to ARGV[1].
var unbindScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user_id')
if not owner or owner ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`)

// PlatformLinks stores (platform, platform user) <-> user bindings with expiry.
type PlatformLinks struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewPlatformLinks(r *Redis, ttl time.Duration) *PlatformLinks {
	return &PlatformLinks{
		client: r.Client(),
		ttl:    ttl,
		now:    time.Now,
	}
}

func forwardKey(platform models.Platform, platformUserID string) string {
	return fmt.Sprintf("auth:link:%s:%s", platform, platformUserID)
}

func reverseKey(userID string, platform models.Platform) string {
	return fmt.Sprintf("auth:user:%s:%s", userID, platform)
}

// Bind links platformUserID on platform to userID.
func (l *PlatformLinks) Bind(ctx context.Context, link Link) (*Link, error) {
	link.LinkedAt = l.now().UTC()
	res, err := bindScript.Run(ctx, l.client,
		[]string{forwardKey(link.Platform, link.PlatformUserID), reverseKey(link.UserID, link.Platform)},
		link.UserID, link.PlatformUserID, link.Username, link.LinkedAt.Format(time.RFC3339), l.ttl.Milliseconds(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("bind platform link: %w", err)
	}

	switch res {
	case "ok":
		link.ExpiresAt = link.LinkedAt.Add(l.ttl)
		return &link, nil
	case "platform-bound":
		return nil, ErrPlatformUserBound
	case "user-bound":
		return nil, ErrUserBound
	}
	return nil, fmt.Errorf("bind platform link: unexpected result %q", res)
}

// Unbind removes the user's binding on platform.
func (l *PlatformLinks) Unbind(ctx context.Context, userID string, platform models.Platform) error {
	platformUserID, err := l.client.Get(ctx, reverseKey(userID, platform)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotLinked
	}
	if err != nil {
		return fmt.Errorf("lookup reverse link: %w", err)
	}

	n, err := unbindScript.Run(ctx, l.client,
		[]string{forwardKey(platform, platformUserID), reverseKey(userID, platform)},
		userID,
	).Int()
	if err != nil {
		return fmt.Errorf("unbind platform link: %w", err)
	}
	if n == 0 {
		return ErrNotLinked
	}
	return nil
}

// Lookup returns the binding for a platform account, or ErrNotLinked.
func (l *PlatformLinks) Lookup(ctx context.Context, platform models.Platform, platformUserID string) (*Link, error) {
	fields, err := l.client.HGetAll(ctx, forwardKey(platform, platformUserID)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup platform link: %w", err)
	}
	if fields["user_id"] == "" {
		return nil, ErrNotLinked
	}

	link := &Link{
		UserID:         fields["user_id"],
		Platform:       platform,
		PlatformUserID: platformUserID,
		Username:       fields["username"],
	}
	link.LinkedAt, _ = time.Parse(time.RFC3339, fields["linked_at"])
	return link, nil
}

// PurgeUser removes every binding the user holds. Used after anonymization.
func (l *PlatformLinks) PurgeUser(ctx context.Context, userID string) error {
	for _, platform := range models.Platforms {
		err := l.Unbind(ctx, userID, platform)
		if err != nil && !errors.Is(err, ErrNotLinked) {
			return err
		}
	}
	return nil
}
