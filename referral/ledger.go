/*
Batch ledger interface.

PURPOSE:
  Persistence contract for DistributionBatch lifecycle records. The ledger
  is the engine's source of truth for idempotency: Create is an atomic
  claim on a batch ID, and status updates enforce the monotonic
  pending -> processing -> completed|failed machine.

IMPLEMENTATIONS:
  - referral/store: in-memory, for tests and development
  - store/sqlite: durable SQLite-backed store

SEE ALSO:
  - sink.go: atomic credit application, the ledger's sibling contract
*/
package referral

import (
	"context"
	"time"
)

// BatchLedger persists distribution batches.
type BatchLedger interface {
	// CreateBatch inserts a new pending batch. Returns ErrBatchExists if
	// the batch ID is already claimed.
	CreateBatch(ctx context.Context, batch DistributionBatch) error

	// GetBatch returns the batch, or ErrBatchNotFound.
	GetBatch(ctx context.Context, id BatchID) (DistributionBatch, error)

	// MarkProcessing moves pending -> processing and stamps StartedAt.
	// Returns ErrInvalidTransition if the batch is not pending.
	MarkProcessing(ctx context.Context, id BatchID) error

	// MarkCompleted moves processing -> completed, stamps CompletedAt, and
	// records the summary counters.
	MarkCompleted(ctx context.Context, id BatchID, summary BatchSummary) error

	// MarkFailed moves the batch to failed from any non-terminal state and
	// records the failure reason.
	MarkFailed(ctx context.Context, id BatchID, reason string) error

	// ListBatches returns batches filtered by status; an empty status
	// returns everything, newest first.
	ListBatches(ctx context.Context, status BatchStatus) ([]DistributionBatch, error)

	// ReapStalled fails every batch stuck in processing since before
	// cutoff and returns the IDs it reaped. Crashed workers leave such
	// batches behind; reaping makes their income events re-submittable
	// under fresh batch IDs.
	ReapStalled(ctx context.Context, cutoff time.Time) ([]BatchID, error)
}
