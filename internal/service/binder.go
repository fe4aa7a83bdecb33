package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
	"kasirinaja/till/internal/store"
)

// Bootstrap restores a device after start-up or reload. It never fails on
// backend trouble: anything it cannot confirm leaves the device on setup.
func (s *Service) Bootstrap(ctx context.Context, deviceID string) (pos.Snapshot, error) {
	deviceID = strings.TrimSpace(deviceID)
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	if _, err := sess.begin("bootstrap"); err != nil {
		return pos.Snapshot{}, err
	}
	defer sess.end()

	if err := s.backend.Init(ctx); err != nil {
		log.Printf("[service] WARN: pos init failed: %v", err)
	}

	binding, err := s.repo.GetBinding(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[service] WARN: failed to load binding device=%s: %v", deviceID, err)
		}
		binding = nil
	}

	var shift *domain.Shift
	if binding != nil {
		shift, err = s.backend.CurrentShift(ctx, binding.RegisterID)
		if err != nil {
			log.Printf("[service] WARN: current shift lookup failed device=%s register=%s: %v", deviceID, binding.RegisterID, err)
			shift = nil
		}
	}

	state, err := sess.commit(pos.SessionRestored{Binding: binding, Shift: shift})
	if err != nil {
		return pos.Snapshot{}, err
	}
	return state.Snapshot(s.taxRate), nil
}

func (s *Service) ListOutlets(ctx context.Context) ([]domain.Outlet, error) {
	return s.backend.ListOutlets(ctx)
}

func (s *Service) ListRegisters(ctx context.Context, outletID string) ([]domain.Register, error) {
	return s.backend.ListRegisters(ctx, strings.TrimSpace(outletID))
}

// SelectRegister binds the device to a register and persists the choice. The
// device moves to selling if that register already has an open shift.
func (s *Service) SelectRegister(ctx context.Context, deviceID string, outletID string, registerID string) (pos.Snapshot, error) {
	outletID = strings.TrimSpace(outletID)
	registerID = strings.TrimSpace(registerID)
	if outletID == "" || registerID == "" {
		return pos.Snapshot{}, fmt.Errorf("%w: outlet and register are required", pos.ErrValidation)
	}

	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}

	registers, err := s.backend.ListRegisters(ctx, outletID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	found := false
	for _, r := range registers {
		if r.ID == registerID && (r.OutletID == "" || r.OutletID == outletID) {
			found = true
			break
		}
	}
	if !found {
		return pos.Snapshot{}, ErrRegisterNotFound
	}

	state, err := sess.begin("register selection")
	if err != nil {
		return pos.Snapshot{}, err
	}
	defer sess.end()

	bind := pos.RegisterBound{Binding: domain.Binding{OutletID: outletID, RegisterID: registerID}}
	bound, err := pos.Reduce(state, bind)
	if err != nil {
		return pos.Snapshot{}, err
	}
	if err := s.repo.SaveBinding(ctx, *bound.Binding); err != nil {
		return pos.Snapshot{}, err
	}
	if _, err := sess.commit(bind); err != nil {
		return pos.Snapshot{}, err
	}

	state = s.syncShift(ctx, sess, "register selection")
	s.logAudit(ctx, state.DeviceID, "register_bind", "register", registerID, "outlet="+outletID)
	return state.Snapshot(s.taxRate), nil
}

func (s *Service) ResetBinding(ctx context.Context, deviceID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}

	state, err := sess.begin("register reset")
	if err != nil {
		return pos.Snapshot{}, err
	}
	defer sess.end()

	if err := s.repo.DeleteBinding(ctx, state.DeviceID); err != nil {
		return pos.Snapshot{}, err
	}
	if state, err = sess.commit(pos.BindingCleared{}); err != nil {
		return pos.Snapshot{}, err
	}
	s.logAudit(ctx, state.DeviceID, "register_unbind", "device", state.DeviceID, "")
	return state.Snapshot(s.taxRate), nil
}
