package referral_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifarm/reward-engine/referral"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// stubLookup serves referral edges from a map. Users in failAt error out,
// everything else resolves instantly.
type stubLookup struct {
	edges  map[referral.UserID]referral.UserID
	failAt map[referral.UserID]error
	delay  time.Duration
}

func (s *stubLookup) Referrer(ctx context.Context, id referral.UserID) (referral.UserID, bool, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	if err, ok := s.failAt[id]; ok {
		return "", false, err
	}
	parent, ok := s.edges[id]
	return parent, ok, nil
}

func newTestResolver(lookup referral.AncestorLookup) *referral.Resolver {
	return referral.NewResolver(lookup, 0, zerolog.Nop())
}

// chainOf builds a straight inviter line: u0 invited by u1, u1 by u2, ...
func chainOf(n int) *stubLookup {
	edges := make(map[referral.UserID]referral.UserID)
	for i := 0; i < n; i++ {
		edges[uid(i)] = uid(i + 1)
	}
	return &stubLookup{edges: edges}
}

func uid(i int) referral.UserID {
	return referral.UserID(fmt.Sprintf("u%d", i))
}

// =============================================================================
// CHAIN RESOLUTION TESTS
// =============================================================================

func TestResolver_StraightChain_OrderedClosestFirst(t *testing.T) {
	// GIVEN: u0 invited by u1, u1 by u2, u2 by u3
	// WHEN: Resolving u0's chain
	// THEN: [u1@1, u2@2, u3@3], no truncation flags

	r := newTestResolver(chainOf(3))
	chain := r.Resolve(context.Background(), uid(0))

	require.Equal(t, 3, chain.Len())
	for i, entry := range chain.Entries {
		assert.Equal(t, i+1, entry.Level)
		assert.Equal(t, uid(i+1), entry.UserID)
	}
	assert.False(t, chain.TruncatedByCycle)
	assert.False(t, chain.TruncatedByError)
}

func TestResolver_NoReferrer_EmptyChain(t *testing.T) {
	r := newTestResolver(&stubLookup{edges: map[referral.UserID]referral.UserID{}})
	chain := r.Resolve(context.Background(), "loner")

	assert.Equal(t, 0, chain.Len())
	assert.False(t, chain.TruncatedByCycle)
	assert.False(t, chain.TruncatedByError)
}

func TestResolver_DepthCap_StopsAtTwenty(t *testing.T) {
	// GIVEN: A 50-deep inviter line
	// WHEN: Resolving
	// THEN: Exactly 20 entries, no flags (hitting the cap is not an anomaly)

	r := newTestResolver(chainOf(50))
	chain := r.Resolve(context.Background(), uid(0))

	require.Equal(t, referral.MaxDepth, chain.Len())
	assert.Equal(t, uid(20), chain.Entries[19].UserID)
	assert.False(t, chain.TruncatedByCycle)
	assert.False(t, chain.TruncatedByError)
}

// =============================================================================
// CYCLE AND BROKEN EDGE TESTS
// =============================================================================

func TestResolver_Cycle_TruncatesWithFlag(t *testing.T) {
	// GIVEN: a -> b -> c -> a
	// WHEN: Resolving a
	// THEN: [b@1, c@2], TruncatedByCycle set, a never re-listed

	lookup := &stubLookup{edges: map[referral.UserID]referral.UserID{
		"a": "b", "b": "c", "c": "a",
	}}
	chain := newTestResolver(lookup).Resolve(context.Background(), "a")

	require.Equal(t, 2, chain.Len())
	assert.Equal(t, referral.UserID("b"), chain.Entries[0].UserID)
	assert.Equal(t, referral.UserID("c"), chain.Entries[1].UserID)
	assert.True(t, chain.TruncatedByCycle)
	assert.False(t, chain.TruncatedByError)
}

func TestResolver_TwoNodeCycle_DeeperInChain(t *testing.T) {
	// a -> b -> c -> b
	lookup := &stubLookup{edges: map[referral.UserID]referral.UserID{
		"a": "b", "b": "c", "c": "b",
	}}
	chain := newTestResolver(lookup).Resolve(context.Background(), "a")

	require.Equal(t, 2, chain.Len())
	assert.True(t, chain.TruncatedByCycle)
}

func TestResolver_SelfReferentialEdge_QuietStop(t *testing.T) {
	// GIVEN: a -> b, b -> b (broken self-edge)
	// WHEN: Resolving a
	// THEN: [b@1], NO cycle flag; a self-edge is a broken link, not a loop

	lookup := &stubLookup{edges: map[referral.UserID]referral.UserID{
		"a": "b", "b": "b",
	}}
	chain := newTestResolver(lookup).Resolve(context.Background(), "a")

	require.Equal(t, 1, chain.Len())
	assert.Equal(t, referral.UserID("b"), chain.Entries[0].UserID)
	assert.False(t, chain.TruncatedByCycle)
	assert.False(t, chain.TruncatedByError)
}

func TestResolver_SourceIsOwnReferrer_EmptyChain(t *testing.T) {
	lookup := &stubLookup{edges: map[referral.UserID]referral.UserID{"a": "a"}}
	chain := newTestResolver(lookup).Resolve(context.Background(), "a")

	assert.Equal(t, 0, chain.Len())
	assert.False(t, chain.TruncatedByCycle)
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestResolver_LookupFailure_KeepsResolvedPrefix(t *testing.T) {
	// GIVEN: u0 -> u1 -> u2, lookup for u2's referrer fails
	// WHEN: Resolving u0
	// THEN: [u1@1, u2@2] kept, TruncatedByError with the cause

	boom := errors.New("connection reset")
	lookup := chainOf(5)
	lookup.failAt = map[referral.UserID]error{uid(2): boom}

	chain := newTestResolver(lookup).Resolve(context.Background(), uid(0))

	require.Equal(t, 2, chain.Len())
	assert.True(t, chain.TruncatedByError)
	assert.ErrorIs(t, chain.StepErr, boom)
}

func TestResolver_StepTimeout_TruncatesWithError(t *testing.T) {
	// GIVEN: Each lookup takes 50ms, per-step timeout is 5ms
	// WHEN: Resolving
	// THEN: Empty prefix, TruncatedByError from the deadline

	lookup := chainOf(3)
	lookup.delay = 50 * time.Millisecond
	r := referral.NewResolver(lookup, 5*time.Millisecond, zerolog.Nop())

	chain := r.Resolve(context.Background(), uid(0))

	assert.Equal(t, 0, chain.Len())
	assert.True(t, chain.TruncatedByError)
	assert.ErrorIs(t, chain.StepErr, context.DeadlineExceeded)
}
