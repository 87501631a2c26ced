package scanning

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// totalsTolerance absorbs rounding on printed amounts
var totalsTolerance = decimal.NewFromFloat(0.01)

// CheckTotals reports arithmetic inconsistencies between the extracted amounts.
// The invoice is never modified; the findings are advisory.
func (inv *Invoice) CheckTotals() []string {
	if inv == nil || inv.Totals == nil {
		return nil
	}

	var findings []string
	t := inv.Totals

	if t.Subtotal != nil && t.Tax != nil && t.Total != nil {
		sum := decimal.NewFromFloat(*t.Subtotal).Add(decimal.NewFromFloat(*t.Tax))
		total := decimal.NewFromFloat(*t.Total)
		if sum.Sub(total).Abs().GreaterThan(totalsTolerance) {
			findings = append(findings, fmt.Sprintf("subtotal %s + tax %s != total %s",
				decimal.NewFromFloat(*t.Subtotal).StringFixed(2),
				decimal.NewFromFloat(*t.Tax).StringFixed(2),
				total.StringFixed(2)))
		}
	}

	if len(inv.Items) > 0 {
		itemSum := decimal.Zero
		for _, item := range inv.Items {
			itemSum = itemSum.Add(decimal.NewFromFloat(item.Amount))
		}
		// Line amounts are either net or gross depending on the issuer
		var matched bool
		var compared bool
		for _, ref := range []*float64{t.Subtotal, t.Total} {
			if ref == nil {
				continue
			}
			compared = true
			if itemSum.Sub(decimal.NewFromFloat(*ref)).Abs().LessThanOrEqual(totalsTolerance) {
				matched = true
			}
		}
		if compared && !matched {
			findings = append(findings, fmt.Sprintf("item amounts sum to %s which matches neither subtotal nor total", itemSum.StringFixed(2)))
		}
	}

	return findings
}
