package billing

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Totals carries the derived monetary values of a document. All three are
// rounded to exactly two decimal places.
type Totals struct {
	TotalBeforeTax decimal.Decimal `json:"total_before_tax"`
	TaxValue       decimal.Decimal `json:"tax_value"`
	Total          decimal.Decimal `json:"total"`
}

// ComputeTotals derives the totals of an entry sequence with an optional
// sales tax percentage. Rounding is applied once per derived value, after
// summation, so per-entry rounding error cannot compound.
func ComputeTotals(entries []Entry, taxPercent *decimal.Decimal) Totals {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount())
	}
	beforeTax := sum.Round(2)

	tax := decimal.Zero.Round(2)
	if taxPercent != nil {
		tax = beforeTax.Mul(*taxPercent).Div(hundred).Round(2)
	}

	return Totals{
		TotalBeforeTax: beforeTax,
		TaxValue:       tax,
		Total:          beforeTax.Add(tax),
	}
}
