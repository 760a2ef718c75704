/*
Package factory provides JSON to Go rate-table conversion.

PURPOSE:
  Converts JSON commission schedules into referral.RateTable values. This
  enables rate configuration without code changes - operators define the
  schedule in JSON, and the factory validates and builds the Go struct.

WHY JSON?
  - Non-developers can modify the schedule
  - Easy integration with an admin UI
  - Version control for schedule definitions
  - Database storage of schedule configs

JSON SCHEMA:
  {
    "version": 3,
    "name": "aggressive-top-heavy",
    "rates": ["0.05", "0.03", "0.02", "0.01"]
  }

  Rates are decimal strings, fractional (0.05 = 5%), index 0 = level 1.

PRESETS:
  The product has shipped several mutually incompatible schedules over
  its life. They are exposed here as named presets; the one in force is
  a deployment decision, not a constant baked into processing code.

USAGE:
  factory := NewRateTableFactory()
  table, err := factory.Parse(jsonString)
  policy := referral.NewCommissionPolicy(table)

SEE ALSO:
  - referral/policy.go: RateTable and CommissionPolicy definitions
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/unifarm/reward-engine/referral"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RateTableJSON is the JSON representation of a commission schedule.
type RateTableJSON struct {
	Version int      `json:"version"`
	Name    string   `json:"name"`
	Rates   []string `json:"rates"`
}

// =============================================================================
// RATE TABLE FACTORY
// =============================================================================

// RateTableFactory converts JSON schedules to referral.RateTable.
type RateTableFactory struct{}

func NewRateTableFactory() *RateTableFactory {
	return &RateTableFactory{}
}

// Parse parses and validates a JSON schedule.
func (f *RateTableFactory) Parse(jsonStr string) (referral.RateTable, error) {
	var tj RateTableJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return referral.RateTable{}, fmt.Errorf("failed to parse rate table JSON: %w", err)
	}
	return f.FromJSON(tj)
}

// FromJSON converts RateTableJSON to referral.RateTable.
func (f *RateTableFactory) FromJSON(tj RateTableJSON) (referral.RateTable, error) {
	if tj.Version < 1 {
		return referral.RateTable{}, fmt.Errorf("rate table version must be >= 1, got %d", tj.Version)
	}
	if len(tj.Rates) == 0 {
		return referral.RateTable{}, fmt.Errorf("rate table needs at least one level")
	}
	if len(tj.Rates) > referral.MaxDepth {
		return referral.RateTable{}, fmt.Errorf("rate table has %d levels, max is %d", len(tj.Rates), referral.MaxDepth)
	}

	rates := make([]decimal.Decimal, len(tj.Rates))
	for i, raw := range tj.Rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return referral.RateTable{}, fmt.Errorf("level %d rate %q: %w", i+1, raw, err)
		}
		if rate.IsNegative() {
			return referral.RateTable{}, fmt.Errorf("level %d rate %q is negative", i+1, raw)
		}
		rates[i] = rate
	}

	return referral.RateTable{Version: tj.Version, Name: tj.Name, Rates: rates}, nil
}

// ToJSON converts a RateTable back to its JSON representation.
func (f *RateTableFactory) ToJSON(table referral.RateTable) RateTableJSON {
	rates := make([]string, len(table.Rates))
	for i, r := range table.Rates {
		rates[i] = r.String()
	}
	return RateTableJSON{Version: table.Version, Name: table.Name, Rates: rates}
}

// =============================================================================
// PRESET SCHEDULES
// =============================================================================

// ClassicJSON is the long-lived 20-level schedule: 5/3/2/1% up top, then a
// long thin tail.
func ClassicJSON(version int) string {
	rates := []string{
		"0.05", "0.03", "0.02", "0.01", "0.008",
		"0.005", "0.003", "0.003", "0.003", "0.003",
		"0.002", "0.002", "0.002", "0.002", "0.002",
		"0.001", "0.001", "0.001", "0.001", "0.001",
	}
	return mustEncode(RateTableJSON{Version: version, Name: "classic", Rates: rates})
}

// LinearJSON pays level N exactly N percent, 20 levels deep.
func LinearJSON(version int) string {
	rates := make([]string, referral.MaxDepth)
	for i := range rates {
		rates[i] = decimal.NewFromInt(int64(i + 1)).Div(decimal.NewFromInt(100)).String()
	}
	return mustEncode(RateTableJSON{Version: version, Name: "linear", Rates: rates})
}

// DirectMatchJSON mirrors the direct inviter's full income at level 1 and
// pays a small decreasing bonus below.
func DirectMatchJSON(version int) string {
	rates := make([]string, referral.MaxDepth)
	rates[0] = "1"
	for i := 1; i < referral.MaxDepth; i++ {
		pct := 22 - (i + 1)
		if pct < 2 {
			pct = 2
		}
		rates[i] = decimal.NewFromInt(int64(pct)).Div(decimal.NewFromInt(100)).String()
	}
	return mustEncode(RateTableJSON{Version: version, Name: "direct-match", Rates: rates})
}

// ShallowJSON pays only the first four levels: 5/3/2/1%.
func ShallowJSON(version int) string {
	return mustEncode(RateTableJSON{
		Version: version,
		Name:    "shallow",
		Rates:   []string{"0.05", "0.03", "0.02", "0.01"},
	})
}

func mustEncode(tj RateTableJSON) string {
	b, _ := json.Marshal(tj)
	return string(b)
}
