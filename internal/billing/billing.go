// Package billing converts billing points to claim amounts.
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opencare/kasan/internal/domain"
)

// medicalPointYen is the statutory yen value of one medical insurance point.
var medicalPointYen = decimal.NewFromInt(10)

// Calculator converts calculated points into yen amounts.
// Medical insurance points are worth a flat 10 yen. Care insurance units
// are multiplied by a regional unit price and truncated to whole yen.
type Calculator struct {
	careUnitPrice decimal.Decimal
}

// NewCalculator creates a calculator with the given care unit price,
// a decimal string such as "10.70". Empty selects the base rate 10.00.
func NewCalculator(careUnitPrice string) (*Calculator, error) {
	if careUnitPrice == "" {
		careUnitPrice = "10.00"
	}

	price, err := decimal.NewFromString(careUnitPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid care unit price %q: %w", careUnitPrice, err)
	}
	if price.IsNegative() || price.IsZero() {
		return nil, fmt.Errorf("care unit price must be positive, got %s", price)
	}

	return &Calculator{careUnitPrice: price}, nil
}

// Amount returns the yen value of points under the given insurance scheme.
// Fractions of a yen are truncated toward zero, per claim rounding rules.
func (c *Calculator) Amount(insurance domain.InsuranceType, points int) decimal.Decimal {
	p := decimal.NewFromInt(int64(points))

	switch insurance {
	case domain.InsuranceCare:
		return p.Mul(c.careUnitPrice).Truncate(0)
	default:
		return p.Mul(medicalPointYen).Truncate(0)
	}
}

// AmountYen returns the yen value formatted as a decimal string.
func (c *Calculator) AmountYen(insurance domain.InsuranceType, points int) string {
	return c.Amount(insurance, points).String()
}
