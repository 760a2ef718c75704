/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces the distribution engine needs
  (UserStore, AncestorLookup, BatchLedger, AtomicCreditSink, RewardStore,
  RateTableStore) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  users:                Referral graph nodes with per-currency balances
  distribution_batches: Lifecycle records, one per income event
  reward_transactions:  Immutable audit log of applied credits
  rate_tables:          Versioned commission schedules

APPEND-ONLY ENFORCEMENT:
  reward_transactions has no UPDATE or DELETE statements anywhere in this
  package. A unique index on (batch_id, beneficiary_id, level) makes a
  double Apply for the same batch fail at the database even if the
  application-level guard is bypassed.

ATOMICITY:
  Apply runs a single BEGIN .. COMMIT covering every balance UPDATE and
  every reward INSERT of a batch. A failing statement rolls the whole
  batch back.

MONEY:
  Balances and amounts are stored as decimal strings (TEXT), never REAL.
  Arithmetic happens in Go with shopspring/decimal; SQLite only stores.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - referral/ledger.go, referral/sink.go: Interface definitions
  - referral/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/unifarm/reward-engine/referral"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Users (referral graph nodes)
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		referrer_id TEXT REFERENCES users(id),
		balance_uni TEXT NOT NULL DEFAULT '0',
		balance_ton TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_referrer
		ON users(referrer_id) WHERE referrer_id IS NOT NULL;

	-- Distribution batches (lifecycle records, one per income event)
	CREATE TABLE IF NOT EXISTS distribution_batches (
		batch_id TEXT PRIMARY KEY,
		source_user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		earned_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		levels_resolved INTEGER NOT NULL DEFAULT 0,
		beneficiary_count INTEGER NOT NULL DEFAULT 0,
		total_distributed TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_batches_status
		ON distribution_batches(status);
	CREATE INDEX IF NOT EXISTS idx_batches_source
		ON distribution_batches(source_user_id);
	CREATE INDEX IF NOT EXISTS idx_batches_stalled
		ON distribution_batches(status, started_at)
		WHERE status = 'processing';

	-- Reward transactions (append-only audit log)
	CREATE TABLE IF NOT EXISTS reward_transactions (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		source_user_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: One credit per (batch, beneficiary, level). A replayed
	-- Apply for a batch that already landed fails here even if the
	-- application-level guard is bypassed.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_batch_credit
		ON reward_transactions(batch_id, beneficiary_id, level);

	CREATE INDEX IF NOT EXISTS idx_rewards_beneficiary
		ON reward_transactions(beneficiary_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_rewards_batch
		ON reward_transactions(batch_id);

	-- Rate tables (versioned commission schedules)
	CREATE TABLE IF NOT EXISTS rate_tables (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		rates_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// USER STORE (referral.UserStore interface)
// =============================================================================

// CreateUser registers a user, optionally bound to an inviter.
func (s *Store) CreateUser(ctx context.Context, id referral.UserID, referrer *referral.UserID) (referral.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if referrer != nil {
		if *referrer == id {
			return referral.User{}, referral.ErrSelfReferral
		}
		if exists, err := s.userExists(ctx, *referrer); err != nil {
			return referral.User{}, err
		} else if !exists {
			return referral.User{}, fmt.Errorf("referrer %q: %w", *referrer, referral.ErrUserNotFound)
		}
	}

	createdAt := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, referrer_id, created_at) VALUES (?, ?, ?)`,
		id, nullUserID(referrer), createdAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.User{}, referral.ErrUserExists
		}
		return referral.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return referral.User{ID: id, ReferrerID: referrer, CreatedAt: createdAt}, nil
}

// GetUser returns the user record.
func (s *Store) GetUser(ctx context.Context, id referral.UserID) (referral.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var user referral.User
	var referrerID sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, referrer_id, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &referrerID, &createdAt)
	if err == sql.ErrNoRows {
		return referral.User{}, referral.ErrUserNotFound
	}
	if err != nil {
		return referral.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	if referrerID.Valid {
		rid := referral.UserID(referrerID.String)
		user.ReferrerID = &rid
	}
	user.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return user, nil
}

// SetReferrer binds an inviter to a user that registered without one.
// Write-once: the UPDATE only matches rows with a NULL referrer.
func (s *Store) SetReferrer(ctx context.Context, id, referrer referral.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == referrer {
		return referral.ErrSelfReferral
	}
	if exists, err := s.userExists(ctx, referrer); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("referrer %q: %w", referrer, referral.ErrUserNotFound)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET referrer_id = ? WHERE id = ? AND referrer_id IS NULL`,
		referrer, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set referrer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if exists, err := s.userExists(ctx, id); err != nil {
			return err
		} else if !exists {
			return referral.ErrUserNotFound
		}
		return referral.ErrReferrerAlreadySet
	}
	return nil
}

// Balance returns the user's balance in the given currency.
func (s *Store) Balance(ctx context.Context, id referral.UserID, currency referral.Currency) (referral.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	column, err := balanceColumn(currency)
	if err != nil {
		return referral.Amount{}, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE id = ?`, column), id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return referral.Amount{}, referral.ErrUserNotFound
	}
	if err != nil {
		return referral.Amount{}, fmt.Errorf("failed to query balance: %w", err)
	}
	return referral.Amount{Value: referral.MustParseDecimal(raw), Currency: currency}, nil
}

// Referrer implements referral.AncestorLookup on the users table.
func (s *Store) Referrer(ctx context.Context, id referral.UserID) (referral.UserID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var referrerID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT referrer_id FROM users WHERE id = ?`, id,
	).Scan(&referrerID)
	if err == sql.ErrNoRows {
		return "", false, fmt.Errorf("user %q: %w", id, referral.ErrUserNotFound)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query referrer: %w", err)
	}
	if !referrerID.Valid {
		return "", false, nil
	}
	return referral.UserID(referrerID.String), true, nil
}

func (s *Store) userExists(ctx context.Context, id referral.UserID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE id = ?`, id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// BATCH LEDGER (referral.BatchLedger interface)
// =============================================================================

// CreateBatch inserts a new pending batch. The primary key is the
// idempotency claim.
func (s *Store) CreateBatch(ctx context.Context, batch referral.DistributionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO distribution_batches
		(batch_id, source_user_id, currency, earned_amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		batch.BatchID,
		batch.SourceUserID,
		batch.Currency,
		batch.EarnedAmount.String(),
		batch.Status,
		batch.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.ErrBatchExists
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetBatch returns the batch record.
func (s *Store) GetBatch(ctx context.Context, id referral.BatchID) (referral.DistributionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT batch_id, source_user_id, currency, earned_amount, status,
		       error_message, levels_resolved, beneficiary_count, total_distributed,
		       created_at, started_at, completed_at
		FROM distribution_batches WHERE batch_id = ?`, id)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return referral.DistributionBatch{}, referral.ErrBatchNotFound
	}
	if err != nil {
		return referral.DistributionBatch{}, fmt.Errorf("failed to query batch: %w", err)
	}
	return batch, nil
}

// MarkProcessing moves pending -> processing. The WHERE clause is the
// transition guard; zero rows affected means the batch was not pending.
func (s *Store) MarkProcessing(ctx context.Context, id referral.BatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE distribution_batches
		SET status = 'processing', started_at = ?
		WHERE batch_id = ? AND status = 'pending'`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}
	return s.transitionResult(ctx, res, id, referral.BatchProcessing)
}

// MarkCompleted moves processing -> completed and records the summary.
func (s *Store) MarkCompleted(ctx context.Context, id referral.BatchID, summary referral.BatchSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE distribution_batches
		SET status = 'completed', completed_at = ?,
		    levels_resolved = ?, beneficiary_count = ?, total_distributed = ?
		WHERE batch_id = ? AND status = 'processing'`,
		time.Now().UTC().Format(time.RFC3339),
		summary.LevelsResolved,
		summary.BeneficiaryCount,
		summary.TotalDistributed.String(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark batch completed: %w", err)
	}
	return s.transitionResult(ctx, res, id, referral.BatchCompleted)
}

// MarkFailed moves any non-terminal batch to failed.
func (s *Store) MarkFailed(ctx context.Context, id referral.BatchID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE distribution_batches
		SET status = 'failed', error_message = ?, completed_at = ?
		WHERE batch_id = ? AND status IN ('pending', 'processing')`,
		reason, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark batch failed: %w", err)
	}
	return s.transitionResult(ctx, res, id, referral.BatchFailed)
}

func (s *Store) transitionResult(ctx context.Context, res sql.Result, id referral.BatchID, target referral.BatchStatus) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if exists, err := s.batchExists(ctx, id); err != nil {
		return err
	} else if !exists {
		return referral.ErrBatchNotFound
	}
	return fmt.Errorf("-> %s: %w", target, referral.ErrInvalidTransition)
}

func (s *Store) batchExists(ctx context.Context, id referral.BatchID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM distribution_batches WHERE batch_id = ?`, id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check batch: %w", err)
	}
	return count > 0, nil
}

// ListBatches returns batches filtered by status, newest first.
func (s *Store) ListBatches(ctx context.Context, status referral.BatchStatus) ([]referral.DistributionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT batch_id, source_user_id, currency, earned_amount, status,
		       error_message, levels_resolved, beneficiary_count, total_distributed,
		       created_at, started_at, completed_at
		FROM distribution_batches`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var result []referral.DistributionBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		result = append(result, batch)
	}
	return result, rows.Err()
}

// ReapStalled fails processing batches started before cutoff.
func (s *Store) ReapStalled(ctx context.Context, cutoff time.Time) ([]referral.BatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id FROM distribution_batches
		WHERE status = 'processing' AND started_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled batches: %w", err)
	}
	var stalled []referral.BatchID
	for rows.Next() {
		var id referral.BatchID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan batch id: %w", err)
		}
		stalled = append(stalled, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stalled) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range stalled {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE distribution_batches
			SET status = 'failed', error_message = 'reaped: stuck in processing', completed_at = ?
			WHERE batch_id = ? AND status = 'processing'`,
			now, id,
		); err != nil {
			return nil, fmt.Errorf("failed to reap batch %q: %w", id, err)
		}
	}
	return stalled, nil
}

// =============================================================================
// ATOMIC CREDIT SINK (referral.AtomicCreditSink interface)
// =============================================================================

// Apply lands a batch's balance deltas and reward rows in one database
// transaction. Everything commits or nothing does.
func (s *Store) Apply(ctx context.Context, batchID referral.BatchID, credits []referral.Credit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reward_transactions WHERE batch_id = ?`, batchID,
	).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check batch rows: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("batch %q already has reward rows: %w", batchID, referral.ErrBatchExists)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := time.Now().UTC().Format(time.RFC3339)
	for i, c := range credits {
		if c.Amount.IsNegative() {
			return fmt.Errorf("credit for %q: %w", c.Beneficiary, referral.ErrInvalidAmount)
		}
		column, err := balanceColumn(c.Amount.Currency)
		if err != nil {
			return err
		}

		// Read-modify-write under the store mutex. Balances are decimal
		// strings, so the addition has to happen in Go.
		var raw string
		err = tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM users WHERE id = ?`, column), c.Beneficiary,
		).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("beneficiary %q: %w", c.Beneficiary, referral.ErrUserNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		next := referral.MustParseDecimal(raw).Add(c.Amount.Value)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE users SET %s = ? WHERE id = ?`, column),
			next.String(), c.Beneficiary,
		); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reward_transactions
			(id, beneficiary_id, level, amount, currency, source_user_id, batch_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rewardID(batchID, i),
			c.Beneficiary,
			c.Level,
			c.Amount.Value.String(),
			c.Amount.Currency,
			c.SourceUserID,
			batchID,
			created,
		); err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("batch %q credit already recorded: %w", batchID, referral.ErrBatchExists)
			}
			return fmt.Errorf("failed to append reward: %w", err)
		}
	}

	return tx.Commit()
}

// rewardID derives a stable row ID from the batch and credit position so a
// retried insert collides instead of duplicating.
func rewardID(batchID referral.BatchID, i int) string {
	return fmt.Sprintf("%s:%d", batchID, i)
}

// =============================================================================
// REWARD STORE (referral.RewardStore interface)
// =============================================================================

// RewardsByBatch returns a batch's reward rows ordered by level.
func (s *Store) RewardsByBatch(ctx context.Context, id referral.BatchID) ([]referral.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRewards(ctx, `
		SELECT id, beneficiary_id, level, amount, currency, source_user_id, batch_id, created_at
		FROM reward_transactions
		WHERE batch_id = ?
		ORDER BY level ASC`, id)
}

// RewardsByBeneficiary returns a user's received rewards, newest first.
func (s *Store) RewardsByBeneficiary(ctx context.Context, id referral.UserID) ([]referral.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRewards(ctx, `
		SELECT id, beneficiary_id, level, amount, currency, source_user_id, batch_id, created_at
		FROM reward_transactions
		WHERE beneficiary_id = ?
		ORDER BY created_at DESC, level ASC`, id)
}

// LevelIncome aggregates a user's received rewards per chain level.
// Summation happens in Go: amounts are decimal strings and SQL SUM over
// TEXT would silently coerce to float.
func (s *Store) LevelIncome(ctx context.Context, id referral.UserID, currency referral.Currency) (map[int]referral.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT level, amount FROM reward_transactions
		WHERE beneficiary_id = ? AND currency = ?`, id, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to query level income: %w", err)
	}
	defer rows.Close()

	income := make(map[int]referral.Amount)
	for rows.Next() {
		var level int
		var raw string
		if err := rows.Scan(&level, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan level income: %w", err)
		}
		prev, ok := income[level]
		if !ok {
			prev = referral.ZeroAmount(currency)
		}
		income[level] = prev.Add(referral.Amount{Value: referral.MustParseDecimal(raw), Currency: currency})
	}
	return income, rows.Err()
}

func (s *Store) queryRewards(ctx context.Context, query string, args ...any) ([]referral.RewardTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var result []referral.RewardTransaction
	for rows.Next() {
		var r referral.RewardTransaction
		var amount, currency, createdAt string
		if err := rows.Scan(&r.ID, &r.Beneficiary, &r.Level, &amount, &currency,
			&r.SourceUserID, &r.BatchID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		r.Amount = referral.Amount{
			Value:    referral.MustParseDecimal(amount),
			Currency: referral.Currency(currency),
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result = append(result, r)
	}
	return result, rows.Err()
}

// =============================================================================
// RATE TABLE STORE
// =============================================================================

// SaveRateTable persists a commission schedule. Versions are immutable:
// re-saving an existing version is rejected.
func (s *Store) SaveRateTable(ctx context.Context, table referral.RateTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rates := make([]string, len(table.Rates))
	for i, r := range table.Rates {
		rates[i] = r.String()
	}
	ratesJSON, err := json.Marshal(rates)
	if err != nil {
		return fmt.Errorf("failed to encode rates: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rate_tables (version, name, rates_json, created_at)
		VALUES (?, ?, ?, ?)`,
		table.Version, table.Name, string(ratesJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.ErrStaleRateTable
		}
		return fmt.Errorf("failed to save rate table: %w", err)
	}
	return nil
}

// LatestRateTable returns the highest-versioned schedule, or
// sql.ErrNoRows wrapped if none has been saved.
func (s *Store) LatestRateTable(ctx context.Context) (referral.RateTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var table referral.RateTable
	var ratesJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, name, rates_json FROM rate_tables
		ORDER BY version DESC LIMIT 1`,
	).Scan(&table.Version, &table.Name, &ratesJSON)
	if err != nil {
		return referral.RateTable{}, fmt.Errorf("failed to load rate table: %w", err)
	}

	var rates []string
	if err := json.Unmarshal([]byte(ratesJSON), &rates); err != nil {
		return referral.RateTable{}, fmt.Errorf("failed to decode rates: %w", err)
	}
	table.Rates = make([]decimal.Decimal, len(rates))
	for i, r := range rates {
		table.Rates[i] = referral.MustParseDecimal(r)
	}
	return table, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func scanBatch(row interface{ Scan(...any) error }) (referral.DistributionBatch, error) {
	var b referral.DistributionBatch
	var earned, total, createdAt string
	var errMsg, startedAt, completedAt sql.NullString
	err := row.Scan(&b.BatchID, &b.SourceUserID, &b.Currency, &earned, &b.Status,
		&errMsg, &b.LevelsResolved, &b.BeneficiaryCount, &total,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return referral.DistributionBatch{}, err
	}
	b.EarnedAmount = referral.MustParseDecimal(earned)
	b.TotalDistributed = referral.MustParseDecimal(total)
	b.ErrorMessage = errMsg.String
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		b.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		b.CompletedAt = &t
	}
	return b, nil
}

func balanceColumn(currency referral.Currency) (string, error) {
	switch currency {
	case referral.CurrencyUNI:
		return "balance_uni", nil
	case referral.CurrencyTON:
		return "balance_ton", nil
	default:
		return "", fmt.Errorf("%q: %w", currency, referral.ErrUnknownCurrency)
	}
}

func nullUserID(id *referral.UserID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
