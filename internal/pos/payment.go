package pos

import (
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

// BuildPayment produces the single payment record for a sale. Card payments
// need a reference; cash payments must cover the total.
func BuildPayment(method string, total, tendered decimal.Decimal, reference string) (domain.Payment, error) {
	switch method {
	case domain.PaymentCash:
		if tendered.LessThan(total) {
			return domain.Payment{}, ErrInsufficientTender
		}
		return domain.Payment{
			Method:      domain.PaymentCash,
			Amount:      total,
			ChangeGiven: Change(total, tendered),
		}, nil
	case domain.PaymentCard:
		if strings.TrimSpace(reference) == "" {
			return domain.Payment{}, invalid("card payment reference is required")
		}
		return domain.Payment{
			Method:      domain.PaymentCard,
			Amount:      total,
			Reference:   reference,
			ChangeGiven: decimal.Zero,
		}, nil
	default:
		return domain.Payment{}, invalid("unsupported payment method %q", method)
	}
}

// BuildTransaction snapshots a payable state into the request sent to the backend.
func BuildTransaction(s State, taxRate decimal.Decimal, payment domain.Payment, actor domain.Actor) (domain.TransactionRequest, error) {
	if err := s.CheckPayable(); err != nil {
		return domain.TransactionRequest{}, err
	}
	totals := ComputeTotals(s.Cart, s.Discount, taxRate)

	req := domain.TransactionRequest{
		IdempotencyKey: s.CheckoutKey,
		Items:          s.Cart.clone().Lines,
		Payments:       []domain.Payment{payment},
		Subtotal:       totals.Subtotal,
		DiscountTotal:  totals.DiscountAmount,
		TaxTotal:       totals.Tax,
		Total:          totals.Total,
		OutletID:       s.Binding.OutletID,
		RegisterID:     s.Binding.RegisterID,
		ShiftID:        s.Shift.ID,
		StaffID:        actor.StaffID,
		StaffName:      actor.StaffName,
	}
	if s.Discount != nil {
		d := *s.Discount
		req.Discount = &d
	}
	if s.Customer != nil {
		req.CustomerID = s.Customer.ID
	}
	return req, nil
}
