/*
User and reward storage contracts.

PURPOSE:
  Interfaces over the referral graph and the reward audit log. The graph
  side covers registration and the write-once inviter edge; the reward side
  is read-only reporting over rows the AtomicCreditSink appended.
*/
package referral

import "context"

// UserStore manages the referral graph.
type UserStore interface {
	// CreateUser registers a user, optionally bound to an inviter. The
	// inviter must exist and must not be the user themselves. Returns
	// ErrUserExists on a duplicate ID.
	CreateUser(ctx context.Context, id UserID, referrer *UserID) (User, error)

	// GetUser returns the user, or ErrUserNotFound.
	GetUser(ctx context.Context, id UserID) (User, error)

	// SetReferrer binds an inviter to a user that registered without one.
	// The edge is write-once: ErrReferrerAlreadySet if already bound,
	// ErrSelfReferral if id == referrer.
	SetReferrer(ctx context.Context, id UserID, referrer UserID) error

	// Balance returns the user's balance in the given currency.
	Balance(ctx context.Context, id UserID, currency Currency) (Amount, error)
}

// RewardStore reads the reward audit log.
type RewardStore interface {
	// RewardsByBatch returns a batch's reward rows ordered by level.
	RewardsByBatch(ctx context.Context, id BatchID) ([]RewardTransaction, error)

	// RewardsByBeneficiary returns a user's received rewards, newest first.
	RewardsByBeneficiary(ctx context.Context, id UserID) ([]RewardTransaction, error)

	// LevelIncome aggregates a user's received rewards per chain level for
	// one currency. Missing levels mean zero income there.
	LevelIncome(ctx context.Context, id UserID, currency Currency) (map[int]Amount, error)
}
