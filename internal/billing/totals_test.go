package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeTotals(t *testing.T) {
	tests := []struct {
		name       string
		entries    []Entry
		taxPercent *decimal.Decimal
		beforeTax  string
		taxValue   string
		total      string
	}{
		{
			name:      "no entries",
			beforeTax: "0",
			taxValue:  "0",
			total:     "0",
		},
		{
			name: "single entry no tax",
			entries: []Entry{
				{Name: "plan", Quantity: dec("1"), UnitPrice: dec("49.90")},
			},
			beforeTax: "49.90",
			taxValue:  "0",
			total:     "49.90",
		},
		{
			name: "fractional quantities with tax",
			entries: []Entry{
				{Name: "plan", Quantity: dec("1"), UnitPrice: dec("49.90")},
				{Name: "metered", Quantity: dec("1200"), UnitPrice: dec("0.0150")},
			},
			taxPercent: decimalPtr("19.00"),
			beforeTax:  "67.90",
			taxValue:   "12.90",
			total:      "80.80",
		},
		{
			name: "negative quantity reduces the total",
			entries: []Entry{
				{Name: "plan", Quantity: dec("1"), UnitPrice: dec("100.00")},
				{Name: "credit", Quantity: dec("-1"), UnitPrice: dec("25.00")},
			},
			taxPercent: decimalPtr("10"),
			beforeTax:  "75.00",
			taxValue:   "7.50",
			total:      "82.50",
		},
		{
			name: "tax midpoint rounds away from zero",
			entries: []Entry{
				{Name: "odd", Quantity: dec("1"), UnitPrice: dec("10.00")},
			},
			taxPercent: decimalPtr("7.25"),
			beforeTax:  "10.00",
			taxValue:   "0.73",
			total:      "10.73",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTotals(tt.entries, tt.taxPercent)
			require.True(t, got.TotalBeforeTax.Equal(dec(tt.beforeTax)),
				"before tax: got %s want %s", got.TotalBeforeTax, tt.beforeTax)
			require.True(t, got.TaxValue.Equal(dec(tt.taxValue)),
				"tax: got %s want %s", got.TaxValue, tt.taxValue)
			require.True(t, got.Total.Equal(dec(tt.total)),
				"total: got %s want %s", got.Total, tt.total)
			require.True(t, got.Total.Equal(got.TotalBeforeTax.Add(got.TaxValue)))
		})
	}
}

// Rounding happens once on the sum, never per entry, so sub-cent amounts
// accumulate exactly before the final rounding step.
func TestComputeTotalsRoundsOnceAfterSummation(t *testing.T) {
	entries := []Entry{
		{Name: "a", Quantity: dec("1"), UnitPrice: dec("1.005")},
		{Name: "b", Quantity: dec("1"), UnitPrice: dec("1.005")},
		{Name: "c", Quantity: dec("1"), UnitPrice: dec("1.005")},
	}

	got := ComputeTotals(entries, nil)
	// Per-entry rounding would give 1.01 * 3 = 3.03; summing first gives
	// 3.015, which rounds to 3.02.
	require.True(t, got.TotalBeforeTax.Equal(dec("3.02")),
		"got %s", got.TotalBeforeTax)
}

func TestComputeTotalsTwoDecimalPlaces(t *testing.T) {
	entries := []Entry{
		{Name: "tiny", Quantity: dec("3"), UnitPrice: dec("0.333333")},
	}
	got := ComputeTotals(entries, decimalPtr("19"))

	for _, v := range []decimal.Decimal{got.TotalBeforeTax, got.TaxValue, got.Total} {
		require.True(t, v.Exponent() >= -2, "%s carries more than two decimal places", v)
	}
}

func decimalPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}
