package referral_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifarm/reward-engine/referral"
	"github.com/unifarm/reward-engine/referral/store"
)

func TestReaper_RunOnce_FailsOnlyStalledBatches(t *testing.T) {
	// GIVEN: A batch processing for an hour and a fresh one
	// WHEN: Running a reap with a 10 minute threshold
	// THEN: Only the stalled batch is failed and reported

	now := time.Now().UTC()
	clock := now.Add(-time.Hour)
	mem := store.NewMemory().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	stale := referral.DistributionBatch{
		BatchID:      "stale",
		SourceUserID: "alice",
		Currency:     referral.CurrencyUNI,
		EarnedAmount: decimal.RequireFromString("1"),
		Status:       referral.BatchPending,
		CreatedAt:    clock,
	}
	require.NoError(t, mem.CreateBatch(ctx, stale))
	require.NoError(t, mem.MarkProcessing(ctx, "stale"))

	clock = now
	fresh := stale
	fresh.BatchID = "fresh"
	require.NoError(t, mem.CreateBatch(ctx, fresh))
	require.NoError(t, mem.MarkProcessing(ctx, "fresh"))

	reaper := referral.NewReaper(mem, 10*time.Minute, zerolog.Nop())
	reaped, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []referral.BatchID{"stale"}, reaped)

	batch, err := mem.GetBatch(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, referral.BatchFailed, batch.Status)
	assert.NotEmpty(t, batch.ErrorMessage)

	// A second run finds nothing
	reaped, err = reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}
