package pos

import (
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

type ShiftPhase string

const (
	PhaseNone   ShiftPhase = "none"
	PhaseOpen   ShiftPhase = "open"
	PhaseClosed ShiftPhase = "closed"
)

func ValidateOpeningFloat(openingFloat *decimal.Decimal) error {
	if openingFloat == nil {
		return invalid("opening float is required")
	}
	if openingFloat.IsNegative() {
		return invalid("opening float must not be negative")
	}
	return nil
}

func ValidateCashMovement(movementType string, amount decimal.Decimal, reason string) error {
	if movementType != domain.CashIn && movementType != domain.CashOut {
		return invalid("cash movement type must be %q or %q", domain.CashIn, domain.CashOut)
	}
	if !amount.IsPositive() {
		return invalid("cash movement amount must be greater than zero")
	}
	if strings.TrimSpace(reason) == "" {
		return invalid("cash movement reason is required")
	}
	return nil
}

func ValidateClose(actualCash, closingFloat *decimal.Decimal) error {
	if actualCash == nil {
		return invalid("actual cash count is required")
	}
	if closingFloat == nil {
		return invalid("closing float is required")
	}
	if actualCash.IsNegative() || closingFloat.IsNegative() {
		return invalid("cash counts must not be negative")
	}
	return nil
}

func VarianceStatus(variance decimal.Decimal) string {
	switch variance.Sign() {
	case 0:
		return domain.VarianceBalanced
	case 1:
		return domain.VarianceOver
	default:
		return domain.VarianceShort
	}
}

// Reconcile builds the close summary. The server's variance wins when present;
// otherwise it is actual minus expected.
func Reconcile(shiftID string, expected, actual decimal.Decimal, serverVariance *decimal.Decimal) domain.ShiftCloseResult {
	variance := actual.Sub(expected)
	if serverVariance != nil {
		variance = *serverVariance
	}
	return domain.ShiftCloseResult{
		ShiftID:        shiftID,
		ExpectedCash:   expected,
		ActualCash:     actual,
		Variance:       variance,
		VarianceStatus: VarianceStatus(variance),
	}
}
