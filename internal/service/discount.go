package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/cache"
	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
)

// DiscountPolicies returns the role table currently in force.
func (s *Service) DiscountPolicies(ctx context.Context) pos.PolicyTable {
	return s.policyTable(ctx)
}

// policyTable loads the store's discount policy. It is served from cache when
// possible; concurrent misses share one backend call. When the backend cannot
// answer, the configured fallback table applies.
func (s *Service) policyTable(ctx context.Context) pos.PolicyTable {
	key := cache.PolicyKey(s.storeID)

	var cached pos.PolicyTable
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		log.Printf("[service] WARN: policy cache read failed: %v", err)
	} else if hit && cached.Validate() == nil {
		return cached
	}

	v, err, _ := s.policyGroup.Do(key, func() (any, error) {
		settings, err := s.backend.DiscountSettings(ctx)
		if err != nil {
			return nil, err
		}
		served, dropped := pos.PolicyTable{DefaultRole: settings.DefaultRole, Policies: settings.Settings}.WithoutInvalid()
		if len(dropped) > 0 {
			log.Printf("[service] WARN: ignoring out-of-range discount policy roles=%s", strings.Join(dropped, ","))
		}
		merged := served.WithDefault(s.fallback)
		table, err := pos.NewPolicyTable(merged.DefaultRole, merged.Policies)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, table, s.cacheTTL); err != nil {
			log.Printf("[service] WARN: policy cache write failed: %v", err)
		}
		return table, nil
	})
	if err != nil {
		log.Printf("[service] WARN: discount settings unavailable, using fallback policy: %v", err)
		return s.fallback
	}
	return v.(pos.PolicyTable)
}

// ApplyDiscount runs a requested cart discount through the operator's role
// policy. Within limit it is applied; over limit it is either clamped to the
// limit or held for manager approval, as the role's policy says.
func (s *Service) ApplyDiscount(ctx context.Context, deviceID string, discountType string, value decimal.Decimal) (pos.GateResult, pos.Snapshot, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return pos.GateResult{}, pos.Snapshot{}, err
	}
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.GateResult{}, pos.Snapshot{}, err
	}

	requested := domain.CartDiscount{Type: strings.ToLower(strings.TrimSpace(discountType)), Value: value}
	result, err := s.policyTable(ctx).Authorize(actor.Role, requested)
	if err != nil {
		return pos.GateResult{}, pos.Snapshot{}, err
	}

	var action pos.Action = pos.DiscountApplied{Result: result}
	if result.Outcome == pos.OutcomeEscalated {
		action = pos.DiscountEscalated{Result: result}
	}
	snap, err := s.dispatch(sess, action)
	if err != nil {
		return pos.GateResult{}, pos.Snapshot{}, err
	}

	s.metrics.DiscountDecision(string(result.Outcome))
	s.logAudit(ctx, snap.DeviceID, "discount_"+string(result.Outcome), "cart", snap.DeviceID,
		fmt.Sprintf("type=%s,requested=%s,max=%s,role=%s", requested.Type, requested.Value.String(), result.MaxAllowed.String(), actor.Role))
	return result, snap, nil
}

// RequestDiscountApproval forwards the held discount to a manager. The cart
// keeps whatever discount it had; approval arrives out of band.
func (s *Service) RequestDiscountApproval(ctx context.Context, deviceID string, reason string) (domain.DiscountApprovalResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.DiscountApprovalResponse{}, err
	}
	sess, err := s.session(deviceID)
	if err != nil {
		return domain.DiscountApprovalResponse{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.DiscountApprovalResponse{}, fmt.Errorf("%w: approval reason is required", pos.ErrValidation)
	}

	state, err := sess.begin("discount approval")
	if err != nil {
		return domain.DiscountApprovalResponse{}, err
	}
	defer sess.end()

	pending := state.PendingApproval
	if pending == nil {
		return domain.DiscountApprovalResponse{}, pos.ErrNoPendingApproval
	}
	resp, err := s.backend.RequestDiscountApproval(ctx, domain.DiscountApprovalRequest{
		Amount:       pending.Value,
		DiscountType: pending.Type,
		Reason:       reason,
		StaffID:      actor.StaffID,
		StaffName:    actor.StaffName,
	})
	if err != nil {
		return domain.DiscountApprovalResponse{}, err
	}
	if _, err := sess.commit(pos.ApprovalSubmitted{}); err != nil {
		return domain.DiscountApprovalResponse{}, err
	}
	s.logAudit(ctx, state.DeviceID, "discount_approval_request", "discount_approval", resp.ID, fmt.Sprintf("type=%s,amount=%s", pending.Type, pending.Value.String()))
	return resp, nil
}
