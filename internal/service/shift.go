package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
	"kasirinaja/till/internal/posapi"
	"kasirinaja/till/internal/xid"
)

type CashMovementResult struct {
	Movement      domain.CashMovement `json:"movement"`
	DrawerCommand string              `json:"drawer_command_base64"`
}

func (s *Service) OpenShift(ctx context.Context, deviceID string, openingFloat *decimal.Decimal) (pos.Snapshot, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return pos.Snapshot{}, err
	}
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	if err := pos.ValidateOpeningFloat(openingFloat); err != nil {
		return pos.Snapshot{}, err
	}

	state, err := sess.begin("shift open")
	if err != nil {
		return pos.Snapshot{}, err
	}
	defer sess.end()

	binding := state.Binding
	if binding == nil {
		return pos.Snapshot{}, pos.ErrNoBinding
	}
	if state.ShiftPhase == pos.PhaseOpen {
		return pos.Snapshot{}, pos.ErrShiftAlreadyOpen
	}

	shift, err := s.backend.OpenShift(ctx, domain.ShiftOpenRequest{
		RegisterID:   binding.RegisterID,
		OutletID:     binding.OutletID,
		StaffID:      actor.StaffID,
		StaffName:    actor.StaffName,
		OpeningFloat: *openingFloat,
	})
	if err != nil {
		if posapi.IsConflict(err) {
			s.syncShift(ctx, sess, "rejected shift open")
		}
		return pos.Snapshot{}, err
	}
	if shift.RegisterID == "" {
		shift.RegisterID = binding.RegisterID
	}
	if shift.OutletID == "" {
		shift.OutletID = binding.OutletID
	}

	if state, err = sess.commit(pos.ShiftOpened{Shift: shift}); err != nil {
		return pos.Snapshot{}, err
	}
	s.metrics.ShiftEvent("open")
	s.logAudit(ctx, state.DeviceID, "shift_open", "shift", shift.ID, "opening_float="+money(*openingFloat))
	return state.Snapshot(s.taxRate), nil
}

// RecordCashMovement posts a manual cash in/out, then re-reads expected cash
// from the server instead of adjusting it locally.
func (s *Service) RecordCashMovement(ctx context.Context, deviceID string, movementType string, amount decimal.Decimal, reason string) (CashMovementResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return CashMovementResult{}, err
	}
	sess, err := s.session(deviceID)
	if err != nil {
		return CashMovementResult{}, err
	}
	movementType = strings.ToLower(strings.TrimSpace(movementType))
	reason = strings.TrimSpace(reason)
	if err := pos.ValidateCashMovement(movementType, amount, reason); err != nil {
		return CashMovementResult{}, err
	}

	state, err := sess.begin("cash movement")
	if err != nil {
		return CashMovementResult{}, err
	}
	defer sess.end()

	if state.ShiftPhase != pos.PhaseOpen || state.Shift == nil {
		return CashMovementResult{}, pos.ErrNoOpenShift
	}

	movement := domain.CashMovement{
		ID:         xid.UUID(),
		ShiftID:    state.Shift.ID,
		RegisterID: state.Binding.RegisterID,
		Type:       movementType,
		Amount:     amount,
		Reason:     reason,
		StaffID:    actor.StaffID,
		StaffName:  actor.StaffName,
	}
	if err := s.backend.RecordCashMovement(ctx, movement); err != nil {
		if posapi.IsConflict(err) {
			s.syncShift(ctx, sess, "rejected cash movement")
		}
		return CashMovementResult{}, err
	}

	s.syncShift(ctx, sess, "cash movement")
	s.metrics.ShiftEvent("cash_" + movementType)
	s.logAudit(ctx, state.DeviceID, "cash_movement", "shift", movement.ShiftID, fmt.Sprintf("type=%s,amount=%s,reason=%s", movementType, money(amount), reason))

	return CashMovementResult{Movement: movement, DrawerCommand: drawerKickBase64()}, nil
}

func (s *Service) CloseShift(ctx context.Context, deviceID string, actualCash *decimal.Decimal, closingFloat *decimal.Decimal, notes string) (domain.ShiftCloseResult, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return domain.ShiftCloseResult{}, err
	}
	if err := pos.ValidateClose(actualCash, closingFloat); err != nil {
		return domain.ShiftCloseResult{}, err
	}

	state, err := sess.begin("shift close")
	if err != nil {
		return domain.ShiftCloseResult{}, err
	}
	defer sess.end()

	if state.ShiftPhase != pos.PhaseOpen || state.Shift == nil {
		return domain.ShiftCloseResult{}, pos.ErrNoOpenShift
	}
	shiftID := state.Shift.ID

	resp, err := s.backend.CloseShift(ctx, shiftID, domain.ShiftCloseRequest{
		ActualCash:   *actualCash,
		ClosingFloat: *closingFloat,
		Notes:        strings.TrimSpace(notes),
	})
	if err != nil {
		if posapi.IsConflict(err) {
			s.syncShift(ctx, sess, "rejected shift close")
		}
		return domain.ShiftCloseResult{}, err
	}

	actual := resp.ActualCash
	if actual.IsZero() {
		actual = *actualCash
	}
	result := pos.Reconcile(shiftID, resp.ExpectedCash, actual, resp.Variance)
	if _, err := sess.commit(pos.ShiftClosed{Result: result}); err != nil {
		return domain.ShiftCloseResult{}, err
	}

	s.metrics.ShiftEvent("close_" + result.VarianceStatus)
	s.logAudit(ctx, state.DeviceID, "shift_close", "shift", shiftID, fmt.Sprintf("expected=%s,actual=%s,variance=%s", money(result.ExpectedCash), money(result.ActualCash), money(result.Variance)))
	return result, nil
}

// RefreshShift re-reads the bound register's shift. Unlike the internal sync
// it reports backend failures.
func (s *Service) RefreshShift(ctx context.Context, deviceID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}

	state, err := sess.begin("shift refresh")
	if err != nil {
		return pos.Snapshot{}, err
	}
	defer sess.end()

	if state.Binding == nil {
		return pos.Snapshot{}, pos.ErrNoBinding
	}
	shift, err := s.backend.CurrentShift(ctx, state.Binding.RegisterID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	if state, err = sess.commit(pos.ShiftLoaded{Shift: shift}); err != nil {
		return pos.Snapshot{}, err
	}
	return state.Snapshot(s.taxRate), nil
}

func (s *Service) ShiftHistory(ctx context.Context, deviceID string, limit int) ([]domain.Shift, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	binding := sess.state.Binding
	sess.mu.Unlock()
	if binding == nil {
		return nil, pos.ErrNoBinding
	}

	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.backend.ShiftHistory(ctx, binding.RegisterID, limit)
}
