package service

import (
	"context"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/cache"
	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
	"kasirinaja/till/internal/posapi"
	"kasirinaja/till/internal/xid"
)

type PaymentResult struct {
	Receipt  domain.Receipt `json:"receipt"`
	Snapshot pos.Snapshot   `json:"state"`
}

// Pay finalizes the current sale. The cart is cleared only after the backend
// accepts the transaction; a failed submission leaves the sale untouched and
// a retry with the same method and tender reuses the same idempotency key.
func (s *Service) Pay(ctx context.Context, deviceID string, method string, tendered decimal.Decimal) (PaymentResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return PaymentResult{}, err
	}
	sess, err := s.session(deviceID)
	if err != nil {
		return PaymentResult{}, err
	}
	method = strings.ToLower(strings.TrimSpace(method))

	state, err := sess.begin("payment")
	if err != nil {
		return PaymentResult{}, err
	}
	defer sess.end()

	if err := state.CheckPayable(); err != nil {
		return PaymentResult{}, err
	}
	totals := pos.ComputeTotals(state.Cart, state.Discount, s.taxRate)

	reference := ""
	if method == domain.PaymentCard {
		reference = xid.Reference("CARD")
		tendered = decimal.Zero
	}
	payment, err := pos.BuildPayment(method, totals.Total, tendered, reference)
	if err != nil {
		return PaymentResult{}, err
	}

	state, err = sess.commit(pos.CheckoutPrepared{Key: xid.UUID(), Method: method, Tendered: tendered, Reference: reference})
	if err != nil {
		return PaymentResult{}, err
	}
	if method == domain.PaymentCard {
		payment.Reference = state.CheckoutReference()
	}
	req, err := pos.BuildTransaction(state, s.taxRate, payment, actor)
	if err != nil {
		return PaymentResult{}, err
	}

	resp, err := s.backend.SubmitTransaction(ctx, req)
	if err != nil {
		if posapi.IsConflict(err) {
			s.forgetScanned(ctx, state.Cart.Lines)
			s.syncShift(ctx, sess, "rejected sale")
		}
		return PaymentResult{}, err
	}

	receipt := s.buildReceipt(state, totals, payment, resp, actor)
	if err := s.repo.SaveReceipt(ctx, receipt); err != nil {
		log.Printf("[service] WARN: failed to persist receipt device=%s tx=%s: %v", state.DeviceID, resp.ID, err)
	}
	if state, err = sess.commit(pos.SaleCompleted{Receipt: receipt}); err != nil {
		return PaymentResult{}, err
	}
	if method == domain.PaymentCash {
		state = s.syncShift(ctx, sess, "cash sale")
	}

	s.metrics.SaleCompleted(method)
	s.logAudit(ctx, state.DeviceID, "sale_complete", "transaction", resp.ID, "method="+method+",total="+money(totals.Total)+",key="+req.IdempotencyKey)
	return PaymentResult{Receipt: receipt, Snapshot: state.Snapshot(s.taxRate)}, nil
}

// forgetScanned evicts cached barcode lookups for lines the backend refused,
// so the next scan reads current price and stock.
func (s *Service) forgetScanned(ctx context.Context, lines []domain.CartLine) {
	for _, line := range lines {
		if line.Barcode == "" {
			continue
		}
		if err := s.cache.Delete(ctx, cache.BarcodeKey(s.storeID, line.Barcode)); err != nil {
			log.Printf("[service] WARN: barcode cache evict failed code=%s: %v", line.Barcode, err)
		}
	}
}
