/*
Package referral provides the multi-level referral reward distribution engine.

PURPOSE:
  This package contains the core types and algorithms for distributing
  referral commissions. When a user earns farming income, the engine walks
  that user's chain of inviters (up to 20 levels), computes a level-dependent
  commission for each ancestor, and credits all of them atomically while
  keeping an auditable, idempotent record of the whole operation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity with a currency (e.g., 0.5 TON)
  - IncomeEvent: The input, one user's earned income to distribute from
  - Credit: One beneficiary's share of a distribution
  - RewardTransaction: An immutable audit row recording an applied credit
  - DistributionBatch: The lifecycle record of one distribution attempt

DESIGN PRINCIPLES:
  1. Immutability: Reward rows are never modified once written
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for user/batch IDs prevents mixups
  4. Idempotency: BatchID is the idempotency key; a batch's credits are
     applied at most once no matter how often the event is replayed

USAGE:
  event := referral.IncomeEvent{
      BatchID:      referral.BatchID(uuid.NewString()),
      SourceUserID: "user-42",
      Earned:       referral.NewAmountFromString("10", referral.CurrencyTON),
      OccurredAt:   time.Now().UTC(),
  }
  result, err := distributor.Distribute(ctx, event)

SEE ALSO:
  - resolver.go: Inviter-chain traversal with cycle handling
  - policy.go: Level-dependent commission rate lookup
  - distributor.go: Orchestration of a whole distribution
  - ledger.go: Batch lifecycle persistence interface
*/
package referral

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxDepth is the hard cap on inviter-chain traversal. Ancestors beyond
// this distance from the source user never receive a commission.
const MaxDepth = 20

// CreditScale is the number of fractional digits a computed credit is
// rounded to before it is applied.
const CreditScale = 8

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	CurrencyUNI Currency = "UNI"
	CurrencyTON Currency = "TON"
)

// KnownCurrency reports whether c is one of the supported currencies.
func KnownCurrency(c Currency) bool {
	switch c {
	case CurrencyUNI, CurrencyTON:
		return true
	default:
		return false
	}
}

// =============================================================================
// AMOUNT - Monetary quantity with currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

// NewAmountFromString builds an Amount from a decimal string. Malformed
// input yields a zero amount, mirroring how balances default to "0".
func NewAmountFromString(s string, currency Currency) Amount {
	return Amount{Value: MustParseDecimal(s), Currency: currency}
}

func ZeroAmount(currency Currency) Amount {
	return Amount{Value: decimal.Zero, Currency: currency}
}

// ParseDecimal parses a decimal string, wrapping malformed input in
// ErrInvalidAmount so callers can classify it.
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q: %w", s, ErrInvalidAmount)
	}
	return d, nil
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Currency: a.Currency} }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }

// RoundCredit rounds to CreditScale fractional digits, half away from zero.
// Credits are always non-negative, so this is round-half-up.
func (a Amount) RoundCredit() Amount {
	return Amount{Value: a.Value.Round(CreditScale), Currency: a.Currency}
}

func (a Amount) String() string {
	return a.Value.StringFixed(CreditScale) + " " + string(a.Currency)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type BatchID string
type RewardID string

// =============================================================================
// USER - Referral graph node
// =============================================================================

// User is a node in the referral graph. ReferrerID is a nullable
// self-referencing pointer set at most once, at registration. The data is
// not guaranteed acyclic; traversal must never trust it to be a tree.
type User struct {
	ID         UserID
	ReferrerID *UserID
	CreatedAt  time.Time
}

// =============================================================================
// INCOME EVENT - Distribution input
// =============================================================================

// IncomeEvent is one user's earned income, produced by the yield scheduler.
// It is ephemeral input; the engine persists a DistributionBatch for it, not
// the event itself. BatchID is the idempotency key; callers that retry must
// resend the same BatchID. An empty BatchID asks the distributor to mint one.
type IncomeEvent struct {
	BatchID      BatchID
	SourceUserID UserID
	Earned       Amount
	OccurredAt   time.Time
}

// =============================================================================
// CREDIT - One beneficiary's share of a batch
// =============================================================================

// Credit is a single balance delta submitted to the AtomicCreditSink.
// Level is a first-class field: reporting must never have to parse it back
// out of a description string.
type Credit struct {
	Beneficiary  UserID
	Level        int
	Amount       Amount
	SourceUserID UserID
}

// =============================================================================
// REWARD TRANSACTION - Immutable audit row
// =============================================================================

// RewardTransaction records one applied credit. Append-only; a batch's rows
// are written together with its balance deltas and never touched again.
type RewardTransaction struct {
	ID           RewardID
	Beneficiary  UserID
	Level        int
	Amount       Amount
	SourceUserID UserID
	BatchID      BatchID
	CreatedAt    time.Time
}

// =============================================================================
// DISTRIBUTION BATCH - Lifecycle record
// =============================================================================

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// CanTransition reports whether the status machine allows s -> next.
// The machine is monotonic: pending -> processing -> completed|failed.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchPending:
		return next == BatchProcessing || next == BatchFailed
	case BatchProcessing:
		return next == BatchCompleted || next == BatchFailed
	default:
		return false
	}
}

// DistributionBatch is the audit record of one distribution attempt, keyed
// by BatchID. A batch is never deleted; terminal batches are the durable
// answer to "has this income event been paid out?".
type DistributionBatch struct {
	BatchID      BatchID
	SourceUserID UserID
	Currency     Currency
	EarnedAmount decimal.Decimal
	Status       BatchStatus
	ErrorMessage string

	// Summary of a completed distribution.
	LevelsResolved   int
	BeneficiaryCount int
	TotalDistributed decimal.Decimal

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Matches reports whether the batch was created for the same payload.
// A BatchID reused with a different payload is an integration error and
// must be surfaced loudly, never silently merged.
func (b *DistributionBatch) Matches(event IncomeEvent) bool {
	return b.SourceUserID == event.SourceUserID &&
		b.Currency == event.Earned.Currency &&
		b.EarnedAmount.Equal(event.Earned.Value)
}

// BatchSummary carries the completion counters onto the batch record.
type BatchSummary struct {
	LevelsResolved   int
	BeneficiaryCount int
	TotalDistributed decimal.Decimal
}

// =============================================================================
// BATCH RESULT - Returned by Distribute
// =============================================================================

// BatchResult is what the caller gets back from a distribution. Replayed is
// true when the batch had already completed and Distribute returned the
// prior outcome without re-applying anything.
type BatchResult struct {
	Batch    DistributionBatch
	Rewards  []RewardTransaction
	Replayed bool
}

// =============================================================================
// ANCESTOR CHAIN - Resolver output
// =============================================================================

// ChainEntry is one resolved ancestor: Level 1 is the direct inviter.
type ChainEntry struct {
	Level  int
	UserID UserID
}

// Chain is the resolver's result. Either truncation flag may be set on an
// otherwise usable chain: a cycle truncates silently, a lookup failure
// truncates with StepErr holding the underlying error.
type Chain struct {
	Entries          []ChainEntry
	TruncatedByCycle bool
	TruncatedByError bool
	StepErr          error
}

func (c Chain) Len() int { return len(c.Entries) }
