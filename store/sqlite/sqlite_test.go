package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifarm/reward-engine/referral"
	"github.com/unifarm/reward-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ptrUID(id referral.UserID) *referral.UserID { return &id }

func seedUsers(t *testing.T, store *sqlite.Store, ids ...referral.UserID) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		_, err := store.CreateUser(ctx, id, nil)
		require.NoError(t, err)
	}
}

func pendingBatch(id referral.BatchID) referral.DistributionBatch {
	return referral.DistributionBatch{
		BatchID:      id,
		SourceUserID: "alice",
		Currency:     referral.CurrencyTON,
		EarnedAmount: decimal.RequireFromString("10"),
		Status:       referral.BatchPending,
		CreatedAt:    time.Now().UTC(),
	}
}

func uniCredit(beneficiary referral.UserID, level int, amount string) referral.Credit {
	return referral.Credit{
		Beneficiary:  beneficiary,
		Level:        level,
		Amount:       referral.NewAmountFromString(amount, referral.CurrencyUNI),
		SourceUserID: "alice",
	}
}

// =============================================================================
// USER TESTS
// =============================================================================

func TestSQLite_CreateUser_AndReferrerEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "root", nil)
	require.NoError(t, err)

	user, err := store.CreateUser(ctx, "child", ptrUID("root"))
	require.NoError(t, err)
	require.NotNil(t, user.ReferrerID)

	// Round trip
	got, err := store.GetUser(ctx, "child")
	require.NoError(t, err)
	require.NotNil(t, got.ReferrerID)
	assert.Equal(t, referral.UserID("root"), *got.ReferrerID)

	// Duplicate rejected via the primary key
	_, err = store.CreateUser(ctx, "root", nil)
	assert.ErrorIs(t, err, referral.ErrUserExists)

	_, err = store.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

func TestSQLite_SetReferrer_WriteOnceViaGuardedUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, store, "a", "b", "c")

	require.NoError(t, store.SetReferrer(ctx, "a", "b"))
	assert.ErrorIs(t, store.SetReferrer(ctx, "a", "c"), referral.ErrReferrerAlreadySet)
	assert.ErrorIs(t, store.SetReferrer(ctx, "a", "a"), referral.ErrSelfReferral)
	assert.ErrorIs(t, store.SetReferrer(ctx, "ghost", "b"), referral.ErrUserNotFound)
	assert.ErrorIs(t, store.SetReferrer(ctx, "b", "ghost"), referral.ErrUserNotFound)

	parent, ok, err := store.Referrer(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, referral.UserID("b"), parent)

	_, ok, err = store.Referrer(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestSQLite_BatchLifecycle_StatusGuardsInSQL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateBatch(ctx, pendingBatch("b-1")))
	assert.ErrorIs(t, store.CreateBatch(ctx, pendingBatch("b-1")), referral.ErrBatchExists)

	// Skipping processing is rejected
	err := store.MarkCompleted(ctx, "b-1", referral.BatchSummary{TotalDistributed: decimal.Zero})
	assert.ErrorIs(t, err, referral.ErrInvalidTransition)

	require.NoError(t, store.MarkProcessing(ctx, "b-1"))
	assert.ErrorIs(t, store.MarkProcessing(ctx, "b-1"), referral.ErrInvalidTransition)

	summary := referral.BatchSummary{
		LevelsResolved:   3,
		BeneficiaryCount: 2,
		TotalDistributed: decimal.RequireFromString("10.8"),
	}
	require.NoError(t, store.MarkCompleted(ctx, "b-1", summary))

	batch, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, referral.BatchCompleted, batch.Status)
	assert.Equal(t, 3, batch.LevelsResolved)
	assert.Equal(t, 2, batch.BeneficiaryCount)
	assert.True(t, batch.TotalDistributed.Equal(decimal.RequireFromString("10.8")))
	assert.NotNil(t, batch.StartedAt)
	assert.NotNil(t, batch.CompletedAt)

	// Terminal
	assert.ErrorIs(t, store.MarkFailed(ctx, "b-1", "late"), referral.ErrInvalidTransition)

	err = store.MarkProcessing(ctx, "nope")
	assert.ErrorIs(t, err, referral.ErrBatchNotFound)
}

func TestSQLite_ListBatches_StatusFilterNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b1 := pendingBatch("b-1")
	b1.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.CreateBatch(ctx, b1))
	require.NoError(t, store.CreateBatch(ctx, pendingBatch("b-2")))
	require.NoError(t, store.MarkProcessing(ctx, "b-2"))

	pending, err := store.ListBatches(ctx, referral.BatchPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, referral.BatchID("b-1"), pending[0].BatchID)

	all, err := store.ListBatches(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, referral.BatchID("b-2"), all[0].BatchID)
}

func TestSQLite_ReapStalled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateBatch(ctx, pendingBatch("b-1")))
	require.NoError(t, store.MarkProcessing(ctx, "b-1"))
	require.NoError(t, store.CreateBatch(ctx, pendingBatch("b-2")))

	// Cutoff in the future: b-1's started_at is before it
	reaped, err := store.ReapStalled(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, []referral.BatchID{"b-1"}, reaped)

	batch, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, referral.BatchFailed, batch.Status)
	assert.NotEmpty(t, batch.ErrorMessage)

	// Cutoff in the past: nothing qualifies
	reaped, err = store.ReapStalled(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

// =============================================================================
// CREDIT SINK TESTS
// =============================================================================

func TestSQLite_Apply_CreditsBalancesAndAuditRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, store, "a1", "a2")

	credits := []referral.Credit{
		uniCredit("a1", 1, "0.5"),
		uniCredit("a2", 2, "0.3"),
	}
	require.NoError(t, store.Apply(ctx, "b-1", credits))

	b1, err := store.Balance(ctx, "a1", referral.CurrencyUNI)
	require.NoError(t, err)
	assert.True(t, b1.Value.Equal(decimal.RequireFromString("0.5")))

	rows, err := store.RewardsByBatch(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Level)
	assert.Equal(t, referral.UserID("a1"), rows[0].Beneficiary)
	assert.Equal(t, referral.BatchID("b-1"), rows[0].BatchID)
}

func TestSQLite_Apply_RollsBackOnUnknownBeneficiary(t *testing.T) {
	// GIVEN: Second credit targets a missing user
	// WHEN: Applying
	// THEN: The transaction rolls back; first credit leaves no trace

	store := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, store, "a1")

	credits := []referral.Credit{
		uniCredit("a1", 1, "0.5"),
		uniCredit("ghost", 2, "0.3"),
	}
	err := store.Apply(ctx, "b-1", credits)
	require.ErrorIs(t, err, referral.ErrUserNotFound)

	balance, err := store.Balance(ctx, "a1", referral.CurrencyUNI)
	require.NoError(t, err)
	assert.True(t, balance.Value.IsZero())

	rows, err := store.RewardsByBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLite_Apply_SecondApplySameBatchRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, store, "a1")

	credits := []referral.Credit{uniCredit("a1", 1, "0.5")}
	require.NoError(t, store.Apply(ctx, "b-1", credits))
	require.Error(t, store.Apply(ctx, "b-1", credits))

	balance, err := store.Balance(ctx, "a1", referral.CurrencyUNI)
	require.NoError(t, err)
	assert.True(t, balance.Value.Equal(decimal.RequireFromString("0.5")), "double credit applied")
}

func TestSQLite_Apply_AccumulatesAcrossBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, store, "a1")

	require.NoError(t, store.Apply(ctx, "b-1", []referral.Credit{uniCredit("a1", 1, "0.1")}))
	require.NoError(t, store.Apply(ctx, "b-2", []referral.Credit{uniCredit("a1", 1, "0.2")}))

	balance, err := store.Balance(ctx, "a1", referral.CurrencyUNI)
	require.NoError(t, err)
	assert.True(t, balance.Value.Equal(decimal.RequireFromString("0.3")))

	income, err := store.LevelIncome(ctx, "a1", referral.CurrencyUNI)
	require.NoError(t, err)
	assert.True(t, income[1].Value.Equal(decimal.RequireFromString("0.3")))
}

// =============================================================================
// RATE TABLE TESTS
// =============================================================================

func TestSQLite_RateTable_SaveAndLoadLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v1 := referral.RateTable{
		Version: 1,
		Name:    "shallow",
		Rates: []decimal.Decimal{
			decimal.RequireFromString("0.05"),
			decimal.RequireFromString("0.03"),
		},
	}
	require.NoError(t, store.SaveRateTable(ctx, v1))

	// Versions are immutable
	assert.ErrorIs(t, store.SaveRateTable(ctx, v1), referral.ErrStaleRateTable)

	v2 := v1
	v2.Version = 2
	v2.Name = "wider"
	require.NoError(t, store.SaveRateTable(ctx, v2))

	latest, err := store.LatestRateTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "wider", latest.Name)
	require.Len(t, latest.Rates, 2)
	assert.True(t, latest.Rates[0].Equal(decimal.RequireFromString("0.05")))
}

func TestSQLite_LatestRateTable_EmptyStore(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LatestRateTable(context.Background())
	assert.Error(t, err)
}
