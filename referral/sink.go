/*
Atomic credit sink interface.

PURPOSE:
  The one write path for distribution money movement. A batch's credits go
  through a single Apply call that either lands every balance delta and its
  matching reward row, or lands nothing. The distributor never applies
  credits one by one.
*/
package referral

import "context"

// AtomicCreditSink applies a batch's credits all-or-nothing. For each
// credit the sink adjusts the beneficiary's balance and appends a matching
// RewardTransaction row in the same atomic unit. A second Apply for a
// batch ID that already has rows must be rejected, not doubled.
type AtomicCreditSink interface {
	Apply(ctx context.Context, batchID BatchID, credits []Credit) error
}
