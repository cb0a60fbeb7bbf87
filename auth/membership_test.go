package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore counts lookups so cache behavior is observable
type stubStore struct {
	tiers   map[string]string
	lookups int
	err     error
}

func (s *stubStore) MembershipTier(_ context.Context, userID string) (string, error) {
	s.lookups++
	if s.err != nil {
		return "", s.err
	}
	tier, ok := s.tiers[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return tier, nil
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestIsPremium(t *testing.T) {
	store := &stubStore{tiers: map[string]string{
		"u1": TierPremium,
		"u2": TierFree,
	}}
	svc := NewMembershipService(store, newTestRedis(t), time.Minute)
	ctx := context.Background()

	premium, err := svc.IsPremium(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, premium)

	premium, err = svc.IsPremium(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, premium)

	_, err = svc.IsPremium(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTierUsesCache(t *testing.T) {
	store := &stubStore{tiers: map[string]string{"u1": TierPremium}}
	svc := NewMembershipService(store, newTestRedis(t), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tier, err := svc.Tier(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, TierPremium, tier)
	}

	assert.Equal(t, 1, store.lookups, "subsequent checks should be served from cache")
}

func TestInvalidateDropsCachedTier(t *testing.T) {
	store := &stubStore{tiers: map[string]string{"u1": TierFree}}
	svc := NewMembershipService(store, newTestRedis(t), time.Minute)
	ctx := context.Background()

	_, err := svc.Tier(ctx, "u1")
	require.NoError(t, err)

	// Plan upgrade
	store.tiers["u1"] = TierPremium
	require.NoError(t, svc.Invalidate(ctx, "u1"))

	premium, err := svc.IsPremium(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, premium)
	assert.Equal(t, 2, store.lookups)
}

func TestTierWithoutRedis(t *testing.T) {
	store := &stubStore{tiers: map[string]string{"u1": TierPremium}}
	svc := NewMembershipService(store, nil, time.Minute)

	tier, err := svc.Tier(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)
	assert.Equal(t, 1, store.lookups)
}

func TestTierStoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	store := &stubStore{err: storeErr}
	svc := NewMembershipService(store, newTestRedis(t), time.Minute)

	_, err := svc.Tier(context.Background(), "u1")
	assert.ErrorIs(t, err, storeErr)
}
