package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMembershipStore reads membership tiers from the account database.
// The account schema itself (users, profiles, membership plans, orders) is
// owned by the billing subsystem; this store only performs the single lookup
// the connection gate needs.
type PostgresMembershipStore struct {
	pool *pgxpool.Pool
}

// NewPostgresMembershipStore creates a store backed by the given pool
func NewPostgresMembershipStore(pool *pgxpool.Pool) *PostgresMembershipStore {
	return &PostgresMembershipStore{pool: pool}
}

// MembershipTier returns the plan name for the user's active profile
func (s *PostgresMembershipStore) MembershipTier(ctx context.Context, userID string) (string, error) {
	const query = `
		SELECT mp.name
		FROM user_profiles up
		JOIN membership_plans mp ON mp.id = up.membership_plan_id
		WHERE up.user_id = $1`

	var tier string
	err := s.pool.QueryRow(ctx, query, userID).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("query membership tier: %w", err)
	}
	return tier, nil
}
