/*
Reward distribution orchestration.

PURPOSE:
  Drives one income event through the full pipeline: validate, claim the
  batch ID, resolve the inviter chain, compute per-level commissions, apply
  every credit atomically, and record the outcome on the batch.

GUARANTEES:
  - Idempotent: completing the same batch ID twice returns the recorded
    outcome; balances move at most once per batch
  - Atomic: a batch's credits land together or not at all
  - Auditable: every attempt leaves a terminal batch record behind

SEE ALSO:
  - resolver.go: chain traversal
  - policy.go: rate lookup
  - ledger.go, sink.go: persistence contracts
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DistributorConfig tunes a Distributor.
type DistributorConfig struct {
	// MinReward drops computed credits below this value. Zero disables
	// the threshold; the zero-credit skip always applies regardless.
	MinReward decimal.Decimal
}

// Distributor orchestrates reward distributions.
type Distributor struct {
	resolver *Resolver
	policy   *CommissionPolicy
	batches  BatchLedger
	sink     AtomicCreditSink
	rewards  RewardStore
	users    UserStore
	cfg      DistributorConfig
	now      func() time.Time
	log      zerolog.Logger
}

func NewDistributor(
	resolver *Resolver,
	policy *CommissionPolicy,
	batches BatchLedger,
	sink AtomicCreditSink,
	rewards RewardStore,
	users UserStore,
	cfg DistributorConfig,
	log zerolog.Logger,
) *Distributor {
	return &Distributor{
		resolver: resolver,
		policy:   policy,
		batches:  batches,
		sink:     sink,
		rewards:  rewards,
		users:    users,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "distributor").Logger(),
	}
}

// WithClock overrides the distributor's clock. Test hook.
func (d *Distributor) WithClock(now func() time.Time) *Distributor {
	d.now = now
	return d
}

// Distribute processes one income event end to end.
//
// Replay semantics by prior batch state for the same ID:
//   - completed, same payload: returns the recorded result, Replayed=true
//   - completed, different payload: BatchConflictError
//   - failed: ErrBatchFailed (retry needs a fresh batch ID)
//   - pending/processing: ErrBatchInFlight
func (d *Distributor) Distribute(ctx context.Context, event IncomeEvent) (BatchResult, error) {
	if err := d.validate(ctx, &event); err != nil {
		return BatchResult{}, err
	}

	log := d.log.With().
		Str("batch_id", string(event.BatchID)).
		Str("source_user", string(event.SourceUserID)).
		Str("earned", event.Earned.Value.String()).
		Str("currency", string(event.Earned.Currency)).
		Logger()

	if prior, err := d.batches.GetBatch(ctx, event.BatchID); err == nil {
		return d.replay(ctx, prior, event, log)
	} else if !errors.Is(err, ErrBatchNotFound) {
		return BatchResult{}, fmt.Errorf("looking up batch: %w", err)
	}

	batch := DistributionBatch{
		BatchID:      event.BatchID,
		SourceUserID: event.SourceUserID,
		Currency:     event.Earned.Currency,
		EarnedAmount: event.Earned.Value,
		Status:       BatchPending,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.batches.CreateBatch(ctx, batch); err != nil {
		if errors.Is(err, ErrBatchExists) {
			// Lost a race with a concurrent submission of the same ID.
			return BatchResult{}, ErrBatchInFlight
		}
		return BatchResult{}, fmt.Errorf("creating batch: %w", err)
	}
	if err := d.batches.MarkProcessing(ctx, event.BatchID); err != nil {
		return BatchResult{}, fmt.Errorf("claiming batch: %w", err)
	}

	chain := d.resolver.Resolve(ctx, event.SourceUserID)
	if chain.TruncatedByError {
		reason := fmt.Sprintf("chain resolution: %v", chain.StepErr)
		d.fail(ctx, event.BatchID, reason, log)
		return BatchResult{}, &ResolutionError{
			BatchID: event.BatchID,
			Level:   chain.Len() + 1,
			Err:     errors.Join(ErrAncestorLookup, chain.StepErr),
		}
	}
	if chain.TruncatedByCycle {
		log.Warn().Int("levels", chain.Len()).Msg("cycle in referral graph, distributing to resolved prefix")
	}

	credits, total := d.computeCredits(event, chain)
	if len(credits) == 0 {
		summary := BatchSummary{LevelsResolved: chain.Len(), TotalDistributed: decimal.Zero}
		if err := d.batches.MarkCompleted(ctx, event.BatchID, summary); err != nil {
			return BatchResult{}, fmt.Errorf("completing empty batch: %w", err)
		}
		log.Info().Int("levels", chain.Len()).Msg("no payable ancestors, batch completed empty")
		return d.result(ctx, event.BatchID, false)
	}

	if err := d.sink.Apply(ctx, event.BatchID, credits); err != nil {
		d.fail(ctx, event.BatchID, fmt.Sprintf("applying credits: %v", err), log)
		return BatchResult{}, &CreditError{
			BatchID: event.BatchID,
			Err:     errors.Join(ErrCreditApplication, err),
		}
	}

	summary := BatchSummary{
		LevelsResolved:   chain.Len(),
		BeneficiaryCount: len(credits),
		TotalDistributed: total,
	}
	if err := d.batches.MarkCompleted(ctx, event.BatchID, summary); err != nil {
		return BatchResult{}, fmt.Errorf("completing batch: %w", err)
	}

	log.Info().
		Int("levels", chain.Len()).
		Int("beneficiaries", len(credits)).
		Str("total", total.String()).
		Msg("distribution completed")
	return d.result(ctx, event.BatchID, false)
}

// =============================================================================
// PIPELINE STEPS
// =============================================================================

func (d *Distributor) validate(ctx context.Context, event *IncomeEvent) error {
	if event.SourceUserID == "" {
		return &ValidationError{Field: "source_user_id", Err: ErrMissingSourceUser}
	}
	if !KnownCurrency(event.Earned.Currency) {
		return &ValidationError{Field: "currency", Err: ErrUnknownCurrency}
	}
	if !event.Earned.IsPositive() {
		return &ValidationError{Field: "earned", Err: ErrInvalidAmount}
	}
	if _, err := d.users.GetUser(ctx, event.SourceUserID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return &ValidationError{Field: "source_user_id", Err: ErrSourceUserNotFound}
		}
		return fmt.Errorf("looking up source user: %w", err)
	}
	if event.BatchID == "" {
		event.BatchID = BatchID(uuid.NewString())
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now().UTC()
	}
	return nil
}

func (d *Distributor) replay(ctx context.Context, prior DistributionBatch, event IncomeEvent, log zerolog.Logger) (BatchResult, error) {
	if !prior.Matches(event) {
		log.Warn().Msg("batch id reused with a different payload")
		return BatchResult{}, &BatchConflictError{BatchID: event.BatchID}
	}
	switch prior.Status {
	case BatchCompleted:
		log.Info().Msg("replaying completed batch")
		return d.result(ctx, event.BatchID, true)
	case BatchFailed:
		return BatchResult{}, fmt.Errorf("batch %q: %s: %w", event.BatchID, prior.ErrorMessage, ErrBatchFailed)
	default:
		return BatchResult{}, ErrBatchInFlight
	}
}

// computeCredits turns a resolved chain into the credits to apply.
// Zero-rate levels and sub-threshold rounded credits are skipped without
// breaking the walk over deeper levels.
func (d *Distributor) computeCredits(event IncomeEvent, chain Chain) ([]Credit, decimal.Decimal) {
	table := d.policy.Current()
	credits := make([]Credit, 0, chain.Len())
	total := decimal.Zero

	for _, entry := range chain.Entries {
		rate := table.RateFor(entry.Level)
		if rate.IsZero() {
			continue
		}
		amount := event.Earned.Mul(rate).RoundCredit()
		if !amount.IsPositive() {
			continue
		}
		if !d.cfg.MinReward.IsZero() && amount.Value.LessThan(d.cfg.MinReward) {
			continue
		}
		credits = append(credits, Credit{
			Beneficiary:  entry.UserID,
			Level:        entry.Level,
			Amount:       amount,
			SourceUserID: event.SourceUserID,
		})
		total = total.Add(amount.Value)
	}
	return credits, total
}

func (d *Distributor) fail(ctx context.Context, id BatchID, reason string, log zerolog.Logger) {
	if err := d.batches.MarkFailed(ctx, id, reason); err != nil {
		log.Error().Err(err).Msg("could not mark batch failed")
	}
}

func (d *Distributor) result(ctx context.Context, id BatchID, replayed bool) (BatchResult, error) {
	batch, err := d.batches.GetBatch(ctx, id)
	if err != nil {
		return BatchResult{}, fmt.Errorf("reading back batch: %w", err)
	}
	rewards, err := d.rewards.RewardsByBatch(ctx, id)
	if err != nil {
		return BatchResult{}, fmt.Errorf("reading back rewards: %w", err)
	}
	return BatchResult{Batch: batch, Rewards: rewards, Replayed: replayed}, nil
}
