package factory_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifarm/reward-engine/factory"
	"github.com/unifarm/reward-engine/referral"
)

func TestParse_ValidTable(t *testing.T) {
	f := factory.NewRateTableFactory()

	table, err := f.Parse(`{"version": 3, "name": "shallow", "rates": ["0.05", "0.03", "0.02", "0.01"]}`)
	require.NoError(t, err)

	assert.Equal(t, 3, table.Version)
	assert.Equal(t, "shallow", table.Name)
	assert.Equal(t, 4, table.Depth())
	assert.True(t, table.RateFor(1).Equal(decimal.RequireFromString("0.05")))
	assert.True(t, table.RateFor(4).Equal(decimal.RequireFromString("0.01")))
	assert.True(t, table.RateFor(5).IsZero())
}

func TestParse_Rejections(t *testing.T) {
	f := factory.NewRateTableFactory()

	cases := []struct {
		name string
		json string
	}{
		{"malformed json", `{"version": 1,`},
		{"version zero", `{"version": 0, "rates": ["0.05"]}`},
		{"no rates", `{"version": 1, "rates": []}`},
		{"negative rate", `{"version": 1, "rates": ["-0.05"]}`},
		{"non-decimal rate", `{"version": 1, "rates": ["five percent"]}`},
		{
			"too deep",
			`{"version": 1, "rates": ["0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01","0.01"]}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Parse(tc.json)
			assert.Error(t, err)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := factory.NewRateTableFactory()

	original, err := f.Parse(`{"version": 2, "name": "x", "rates": ["1", "0.05", "0.03"]}`)
	require.NoError(t, err)

	back, err := f.FromJSON(f.ToJSON(original))
	require.NoError(t, err)
	assert.Equal(t, original.Version, back.Version)
	require.Equal(t, original.Depth(), back.Depth())
	for i := range original.Rates {
		assert.True(t, original.Rates[i].Equal(back.Rates[i]))
	}
}

// =============================================================================
// PRESET TESTS
// =============================================================================

func TestPresets_AllParseAndValidate(t *testing.T) {
	f := factory.NewRateTableFactory()

	presets := map[string]string{
		"classic":      factory.ClassicJSON(1),
		"linear":       factory.LinearJSON(1),
		"direct-match": factory.DirectMatchJSON(1),
		"shallow":      factory.ShallowJSON(1),
	}

	for name, jsonStr := range presets {
		t.Run(name, func(t *testing.T) {
			table, err := f.Parse(jsonStr)
			require.NoError(t, err)
			assert.Equal(t, name, table.Name)
			assert.LessOrEqual(t, table.Depth(), referral.MaxDepth)
			assert.False(t, table.RateFor(1).IsZero())
		})
	}
}

func TestPresets_Shapes(t *testing.T) {
	f := factory.NewRateTableFactory()

	linear, err := f.Parse(factory.LinearJSON(1))
	require.NoError(t, err)
	assert.Equal(t, referral.MaxDepth, linear.Depth())
	assert.True(t, linear.RateFor(7).Equal(decimal.RequireFromString("0.07")))

	direct, err := f.Parse(factory.DirectMatchJSON(1))
	require.NoError(t, err)
	assert.True(t, direct.RateFor(1).Equal(decimal.RequireFromString("1")))
	assert.True(t, direct.RateFor(2).Equal(decimal.RequireFromString("0.2")))
	assert.True(t, direct.RateFor(20).Equal(decimal.RequireFromString("0.02")))

	shallow, err := f.Parse(factory.ShallowJSON(1))
	require.NoError(t, err)
	assert.Equal(t, 4, shallow.Depth())
}
