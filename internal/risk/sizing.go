package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrBadSizing неположительные параметры расчета лота
var ErrBadSizing = errors.New("bad sizing parameters")

// LotSize размер позиции, при котором стоп обходится в riskPct от баланса:
// lot = balance * riskPct / (slDistance * pointValue)
func LotSize(balance, slDistance, pointValue, riskPct float64) (decimal.Decimal, error) {
	if balance <= 0 || slDistance <= 0 || pointValue <= 0 || riskPct <= 0 {
		return decimal.Zero, fmt.Errorf("%w: balance=%v sl=%v point=%v risk=%v", ErrBadSizing, balance, slDistance, pointValue, riskPct)
	}
	riskAmount := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPct))
	perUnit := decimal.NewFromFloat(slDistance).Mul(decimal.NewFromFloat(pointValue))
	return riskAmount.Div(perUnit), nil
}

// Units лот с учетом множителя размера и точности биржи (округление вниз)
func Units(lot decimal.Decimal, multiplier float64, precision int32) decimal.Decimal {
	if multiplier <= 0 {
		return decimal.Zero
	}
	return lot.Mul(decimal.NewFromFloat(multiplier)).Truncate(precision)
}
