package service

import (
	"context"
	"fmt"
	"strings"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
)

const recentTransactionWindow = 100

// FindTransaction resolves an operator's query against recent sales. An exact
// id or transaction number wins; otherwise a partial match must be unique.
func (s *Service) FindTransaction(ctx context.Context, query string) (domain.Transaction, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.Transaction{}, fmt.Errorf("%w: transaction number is required", pos.ErrValidation)
	}

	recent, err := s.backend.RecentTransactions(ctx, recentTransactionWindow)
	if err != nil {
		return domain.Transaction{}, err
	}

	needle := strings.ToLower(query)
	var partial []domain.Transaction
	for _, tx := range recent {
		if tx.ID == query || strings.EqualFold(tx.TransactionNumber, query) {
			return tx, nil
		}
		if strings.Contains(strings.ToLower(tx.TransactionNumber), needle) {
			partial = append(partial, tx)
		}
	}
	switch len(partial) {
	case 0:
		return domain.Transaction{}, ErrTransactionNotFound
	case 1:
		return partial[0], nil
	default:
		return domain.Transaction{}, fmt.Errorf("%w: %d transactions contain %q", ErrAmbiguousTransaction, len(partial), query)
	}
}

// LoadReturn finds the transaction and opens a return session on the device.
func (s *Service) LoadReturn(ctx context.Context, deviceID string, query string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	tx, err := s.FindTransaction(ctx, query)
	if err != nil {
		return pos.Snapshot{}, err
	}
	returnable, err := s.backend.Returnable(ctx, tx.ID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	if returnable.Transaction.ID == "" {
		returnable.Transaction = tx
	}
	return s.dispatch(sess, pos.ReturnLoaded{Session: pos.NewReturnSession(returnable)})
}

func (s *Service) ToggleReturnItem(_ context.Context, deviceID string, productID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	return s.dispatch(sess, pos.ReturnItemToggled{ProductID: strings.TrimSpace(productID)})
}

func (s *Service) SetReturnQty(_ context.Context, deviceID string, productID string, qty int) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	return s.dispatch(sess, pos.ReturnQtyChanged{ProductID: strings.TrimSpace(productID), Qty: qty})
}

func (s *Service) CancelReturn(_ context.Context, deviceID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	return s.dispatch(sess, pos.ReturnClosed{})
}

type ReturnResult struct {
	ReturnNumber string               `json:"return_number"`
	Request      domain.ReturnRequest `json:"request"`
	Snapshot     pos.Snapshot         `json:"state"`
}

// SubmitReturn sends the selected lines for refund. A cash refund changes the
// drawer, so the shift's expected cash is re-read afterwards.
func (s *Service) SubmitReturn(ctx context.Context, deviceID string, method string, reason string) (ReturnResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return ReturnResult{}, err
	}
	sess, err := s.session(deviceID)
	if err != nil {
		return ReturnResult{}, err
	}
	method = strings.ToLower(strings.TrimSpace(method))

	state, err := sess.begin("return")
	if err != nil {
		return ReturnResult{}, err
	}
	defer sess.end()

	if state.Return == nil {
		return ReturnResult{}, pos.ErrNoActiveReturn
	}
	req, err := state.Return.BuildRequest(reason, method, actor)
	if err != nil {
		return ReturnResult{}, err
	}
	if state.Binding != nil {
		req.RegisterID = state.Binding.RegisterID
	}
	if state.ShiftPhase == pos.PhaseOpen && state.Shift != nil {
		req.ShiftID = state.Shift.ID
	}

	resp, err := s.backend.SubmitReturn(ctx, req)
	if err != nil {
		return ReturnResult{}, err
	}
	if state, err = sess.commit(pos.ReturnClosed{}); err != nil {
		return ReturnResult{}, err
	}
	if method == domain.RefundCash {
		state = s.syncShift(ctx, sess, "cash refund")
	}

	s.metrics.ReturnSubmitted(method)
	s.logAudit(ctx, state.DeviceID, "return_submit", "transaction", req.OriginalTransactionID,
		fmt.Sprintf("return=%s,method=%s,refund=%s,reason=%s", resp.ReturnNumber, method, money(req.RefundAmount), req.Reason))
	return ReturnResult{ReturnNumber: resp.ReturnNumber, Request: req, Snapshot: state.Snapshot(s.taxRate)}, nil
}
