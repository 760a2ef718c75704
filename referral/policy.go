/*
Commission rate policy.

PURPOSE:
  Maps a chain level to a commission rate. Rates are injected as a versioned
  table; nothing here hard-codes a schedule. The engine has shipped several
  mutually incompatible schedules over time, so the table in force is a
  deployment decision, swappable at runtime without touching processing
  code.

SEE ALSO:
  - factory/ratetable.go: JSON parsing, validation, and named presets
*/
package referral

import (
	"sync"

	"github.com/shopspring/decimal"
)

// RateTable is one immutable commission schedule. Rates[0] is the level-1
// rate expressed as a fraction of the earned amount (0.05 = 5%). Levels
// beyond the table earn nothing.
type RateTable struct {
	Version int
	Name    string
	Rates   []decimal.Decimal
}

// RateFor returns the commission rate for a chain level. Levels outside
// [1, len(Rates)] return zero.
func (t RateTable) RateFor(level int) decimal.Decimal {
	if level < 1 || level > len(t.Rates) {
		return decimal.Zero
	}
	return t.Rates[level-1]
}

// Depth returns the number of levels the table pays.
func (t RateTable) Depth() int { return len(t.Rates) }

// CommissionPolicy holds the rate table currently in force. Reads are
// concurrent with swaps; a distribution in flight keeps using the table it
// started with.
type CommissionPolicy struct {
	mu    sync.RWMutex
	table RateTable
}

func NewCommissionPolicy(table RateTable) *CommissionPolicy {
	return &CommissionPolicy{table: table}
}

// Current returns the table in force.
func (p *CommissionPolicy) Current() RateTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

// Swap replaces the table in force. The new table's version must be
// strictly greater than the current one, so late-arriving swaps of an
// older table cannot clobber a newer one.
func (p *CommissionPolicy) Swap(table RateTable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if table.Version <= p.table.Version {
		return ErrStaleRateTable
	}
	p.table = table
	return nil
}
