// Package pricing converts marketplace prices into storefront listing prices.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidInput = errors.New("invalid pricing input")

var hundred = decimal.NewFromInt(100)

// ComputeDestinationPrice applies marginPercent to sourcePrice and, when convert is set,
// divides the result by exchangeRate. The result is rounded to cents.
func ComputeDestinationPrice(sourcePrice, marginPercent, exchangeRate decimal.Decimal, convert bool) (decimal.Decimal, error) {
	if sourcePrice.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: source price %s is negative", ErrInvalidInput, sourcePrice)
	}
	if !exchangeRate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: exchange rate %s must be positive", ErrInvalidInput, exchangeRate)
	}

	withMargin := sourcePrice.Mul(decimal.NewFromInt(1).Add(marginPercent.Div(hundred)))
	if convert {
		return withMargin.Div(exchangeRate).Round(2), nil
	}
	return withMargin.Round(2), nil
}
