package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/equicourse/collab-server/internal/slogging"
	"github.com/redis/go-redis/v9"
)

// ErrUserNotFound indicates the user has no membership record.
var ErrUserNotFound = errors.New("user not found")

// MembershipStore looks up a user's membership tier in the account database.
type MembershipStore interface {
	MembershipTier(ctx context.Context, userID string) (string, error)
}

// MembershipService answers premium-tier checks for the connection gate,
// caching tiers in Redis in front of the account database.
type MembershipService struct {
	store    MembershipStore
	redis    *redis.Client
	cacheTTL time.Duration
}

// NewMembershipService creates a membership service. The redis client may be
// nil, in which case every check hits the store.
func NewMembershipService(store MembershipStore, redisClient *redis.Client, cacheTTL time.Duration) *MembershipService {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &MembershipService{
		store:    store,
		redis:    redisClient,
		cacheTTL: cacheTTL,
	}
}

func membershipCacheKey(userID string) string {
	return "cache:membership:" + userID
}

// Tier returns the user's membership tier, consulting the cache first.
func (s *MembershipService) Tier(ctx context.Context, userID string) (string, error) {
	logger := slogging.Get()

	if s.redis != nil {
		tier, err := s.redis.Get(ctx, membershipCacheKey(userID)).Result()
		if err == nil {
			return tier, nil
		}
		if !errors.Is(err, redis.Nil) {
			// Cache trouble is not fatal, fall through to the store
			logger.Warn("Membership cache read failed for user %s: %v", userID, err)
		}
	}

	tier, err := s.store.MembershipTier(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("membership lookup for user %s: %w", userID, err)
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, membershipCacheKey(userID), tier, s.cacheTTL).Err(); err != nil {
			logger.Warn("Membership cache write failed for user %s: %v", userID, err)
		}
	}

	return tier, nil
}

// IsPremium reports whether the user is on the premium tier
func (s *MembershipService) IsPremium(ctx context.Context, userID string) (bool, error) {
	tier, err := s.Tier(ctx, userID)
	if err != nil {
		return false, err
	}
	return tier == TierPremium, nil
}

// Invalidate drops the cached tier for a user, e.g. after a plan change.
func (s *MembershipService) Invalidate(ctx context.Context, userID string) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, membershipCacheKey(userID)).Err()
}
