// Package store provides storage implementations for the referral engine.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/unifarm/reward-engine/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every storage contract the engine needs: UserStore,
// AncestorLookup, BatchLedger, AtomicCreditSink, and RewardStore. One
// mutex covers everything, which keeps the credit sink trivially atomic.
type Memory struct {
	mu       sync.RWMutex
	users    map[referral.UserID]referral.User
	balances map[balanceKey]decimal.Decimal
	batches  map[referral.BatchID]referral.DistributionBatch
	rewards  map[referral.BatchID][]referral.RewardTransaction
	now      func() time.Time
}

type balanceKey struct {
	UserID   referral.UserID
	Currency referral.Currency
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[referral.UserID]referral.User),
		balances: make(map[balanceKey]decimal.Decimal),
		batches:  make(map[referral.BatchID]referral.DistributionBatch),
		rewards:  make(map[referral.BatchID][]referral.RewardTransaction),
		now:      time.Now,
	}
}

// WithClock overrides the store's clock. Test hook.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// =============================================================================
// USER STORE
// =============================================================================

func (m *Memory) CreateUser(_ context.Context, id referral.UserID, referrer *referral.UserID) (referral.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; ok {
		return referral.User{}, referral.ErrUserExists
	}
	if referrer != nil {
		if *referrer == id {
			return referral.User{}, referral.ErrSelfReferral
		}
		if _, ok := m.users[*referrer]; !ok {
			return referral.User{}, fmt.Errorf("referrer %q: %w", *referrer, referral.ErrUserNotFound)
		}
	}
	user := referral.User{ID: id, ReferrerID: referrer, CreatedAt: m.now().UTC()}
	m.users[id] = user
	return user, nil
}

func (m *Memory) GetUser(_ context.Context, id referral.UserID) (referral.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	return user, nil
}

func (m *Memory) SetReferrer(_ context.Context, id, referrer referral.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return referral.ErrUserNotFound
	}
	if user.ReferrerID != nil {
		return referral.ErrReferrerAlreadySet
	}
	if id == referrer {
		return referral.ErrSelfReferral
	}
	if _, ok := m.users[referrer]; !ok {
		return fmt.Errorf("referrer %q: %w", referrer, referral.ErrUserNotFound)
	}
	user.ReferrerID = &referrer
	m.users[id] = user
	return nil
}

func (m *Memory) Balance(_ context.Context, id referral.UserID, currency referral.Currency) (referral.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[id]; !ok {
		return referral.Amount{}, referral.ErrUserNotFound
	}
	return referral.Amount{
		Value:    m.balances[balanceKey{UserID: id, Currency: currency}],
		Currency: currency,
	}, nil
}

// Referrer implements referral.AncestorLookup on top of the user table.
func (m *Memory) Referrer(_ context.Context, id referral.UserID) (referral.UserID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return "", false, fmt.Errorf("user %q: %w", id, referral.ErrUserNotFound)
	}
	if user.ReferrerID == nil {
		return "", false, nil
	}
	return *user.ReferrerID, true, nil
}

// =============================================================================
// BATCH LEDGER
// =============================================================================

func (m *Memory) CreateBatch(_ context.Context, batch referral.DistributionBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[batch.BatchID]; ok {
		return referral.ErrBatchExists
	}
	m.batches[batch.BatchID] = batch
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id referral.BatchID) (referral.DistributionBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batch, ok := m.batches[id]
	if !ok {
		return referral.DistributionBatch{}, referral.ErrBatchNotFound
	}
	return batch, nil
}

func (m *Memory) MarkProcessing(_ context.Context, id referral.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return referral.ErrBatchNotFound
	}
	if !batch.Status.CanTransition(referral.BatchProcessing) {
		return fmt.Errorf("%s -> %s: %w", batch.Status, referral.BatchProcessing, referral.ErrInvalidTransition)
	}
	started := m.now().UTC()
	batch.Status = referral.BatchProcessing
	batch.StartedAt = &started
	m.batches[id] = batch
	return nil
}

func (m *Memory) MarkCompleted(_ context.Context, id referral.BatchID, summary referral.BatchSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return referral.ErrBatchNotFound
	}
	if !batch.Status.CanTransition(referral.BatchCompleted) {
		return fmt.Errorf("%s -> %s: %w", batch.Status, referral.BatchCompleted, referral.ErrInvalidTransition)
	}
	completed := m.now().UTC()
	batch.Status = referral.BatchCompleted
	batch.CompletedAt = &completed
	batch.LevelsResolved = summary.LevelsResolved
	batch.BeneficiaryCount = summary.BeneficiaryCount
	batch.TotalDistributed = summary.TotalDistributed
	m.batches[id] = batch
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id referral.BatchID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return referral.ErrBatchNotFound
	}
	if !batch.Status.CanTransition(referral.BatchFailed) {
		return fmt.Errorf("%s -> %s: %w", batch.Status, referral.BatchFailed, referral.ErrInvalidTransition)
	}
	completed := m.now().UTC()
	batch.Status = referral.BatchFailed
	batch.ErrorMessage = reason
	batch.CompletedAt = &completed
	m.batches[id] = batch
	return nil
}

func (m *Memory) ListBatches(_ context.Context, status referral.BatchStatus) ([]referral.DistributionBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []referral.DistributionBatch
	for _, batch := range m.batches {
		if status == "" || batch.Status == status {
			result = append(result, batch)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) ReapStalled(_ context.Context, cutoff time.Time) ([]referral.BatchID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []referral.BatchID
	for id, batch := range m.batches {
		if batch.Status != referral.BatchProcessing {
			continue
		}
		if batch.StartedAt == nil || batch.StartedAt.After(cutoff) {
			continue
		}
		completed := m.now().UTC()
		batch.Status = referral.BatchFailed
		batch.ErrorMessage = "reaped: stuck in processing"
		batch.CompletedAt = &completed
		m.batches[id] = batch
		reaped = append(reaped, id)
	}
	return reaped, nil
}

// =============================================================================
// ATOMIC CREDIT SINK
// =============================================================================

// Apply lands every balance delta and reward row under one lock hold.
// Validation happens before any write, so a rejected batch changes nothing.
func (m *Memory) Apply(_ context.Context, batchID referral.BatchID, credits []referral.Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.rewards[batchID]) > 0 {
		return fmt.Errorf("batch %q already has reward rows: %w", batchID, referral.ErrBatchExists)
	}
	for _, c := range credits {
		if _, ok := m.users[c.Beneficiary]; !ok {
			return fmt.Errorf("beneficiary %q: %w", c.Beneficiary, referral.ErrUserNotFound)
		}
		if c.Amount.IsNegative() {
			return fmt.Errorf("credit for %q: %w", c.Beneficiary, referral.ErrInvalidAmount)
		}
	}

	created := m.now().UTC()
	rows := make([]referral.RewardTransaction, 0, len(credits))
	for _, c := range credits {
		k := balanceKey{UserID: c.Beneficiary, Currency: c.Amount.Currency}
		m.balances[k] = m.balances[k].Add(c.Amount.Value)
		rows = append(rows, referral.RewardTransaction{
			ID:           referral.RewardID(uuid.NewString()),
			Beneficiary:  c.Beneficiary,
			Level:        c.Level,
			Amount:       c.Amount,
			SourceUserID: c.SourceUserID,
			BatchID:      batchID,
			CreatedAt:    created,
		})
	}
	m.rewards[batchID] = rows
	return nil
}

// =============================================================================
// REWARD STORE
// =============================================================================

func (m *Memory) RewardsByBatch(_ context.Context, id referral.BatchID) ([]referral.RewardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]referral.RewardTransaction, len(m.rewards[id]))
	copy(result, m.rewards[id])
	sort.Slice(result, func(i, j int) bool { return result[i].Level < result[j].Level })
	return result, nil
}

func (m *Memory) RewardsByBeneficiary(_ context.Context, id referral.UserID) ([]referral.RewardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []referral.RewardTransaction
	for _, rows := range m.rewards {
		for _, row := range rows {
			if row.Beneficiary == id {
				result = append(result, row)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) LevelIncome(_ context.Context, id referral.UserID, currency referral.Currency) (map[int]referral.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	income := make(map[int]referral.Amount)
	for _, rows := range m.rewards {
		for _, row := range rows {
			if row.Beneficiary != id || row.Amount.Currency != currency {
				continue
			}
			prev, ok := income[row.Level]
			if !ok {
				prev = referral.ZeroAmount(currency)
			}
			income[row.Level] = prev.Add(row.Amount)
		}
	}
	return income, nil
}
