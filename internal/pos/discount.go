package pos

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

const DefaultPolicyRole = "staff"

var hundred = decimal.NewFromInt(100)

// PolicyTable maps roles to discount allowances. The entry named by DefaultRole
// answers for every role the table does not list.
type PolicyTable struct {
	DefaultRole string                           `json:"default_role" yaml:"default_role"`
	Policies    map[string]domain.DiscountPolicy `json:"policies" yaml:"policies"`
}

func NewPolicyTable(defaultRole string, policies map[string]domain.DiscountPolicy) (PolicyTable, error) {
	table := PolicyTable{
		DefaultRole: normalizeRole(defaultRole),
		Policies:    make(map[string]domain.DiscountPolicy, len(policies)),
	}
	if table.DefaultRole == "" {
		table.DefaultRole = DefaultPolicyRole
	}
	for role, policy := range policies {
		role = normalizeRole(role)
		if role == "" {
			continue
		}
		if !policyInRange(policy) {
			return PolicyTable{}, invalid("discount policy for role %q is out of range", role)
		}
		table.Policies[role] = policy
	}
	if err := table.Validate(); err != nil {
		return PolicyTable{}, err
	}
	return table, nil
}

func (t PolicyTable) Validate() error {
	if _, ok := t.Policies[t.DefaultRole]; !ok {
		return invalid("discount policy table has no entry for default role %q", t.DefaultRole)
	}
	return nil
}

// WithoutInvalid drops entries whose limits are out of range and returns the
// dropped roles, sorted.
func (t PolicyTable) WithoutInvalid() (PolicyTable, []string) {
	out := PolicyTable{
		DefaultRole: t.DefaultRole,
		Policies:    make(map[string]domain.DiscountPolicy, len(t.Policies)),
	}
	var dropped []string
	for role, policy := range t.Policies {
		if !policyInRange(policy) {
			dropped = append(dropped, role)
			continue
		}
		out.Policies[role] = policy
	}
	sort.Strings(dropped)
	return out, dropped
}

func policyInRange(policy domain.DiscountPolicy) bool {
	return !policy.MaxFixed.IsNegative() && !policy.MaxPercentage.IsNegative() && policy.MaxPercentage.LessThanOrEqual(hundred)
}

// WithDefault normalizes role names and borrows the default entry from
// fallback when t lacks one. t is not modified.
func (t PolicyTable) WithDefault(fallback PolicyTable) PolicyTable {
	out := PolicyTable{
		DefaultRole: normalizeRole(t.DefaultRole),
		Policies:    make(map[string]domain.DiscountPolicy, len(t.Policies)+1),
	}
	if out.DefaultRole == "" {
		out.DefaultRole = fallback.DefaultRole
	}
	for role, policy := range t.Policies {
		if role = normalizeRole(role); role != "" {
			out.Policies[role] = policy
		}
	}
	if _, ok := out.Policies[out.DefaultRole]; !ok {
		out.Policies[out.DefaultRole] = fallback.PolicyFor(out.DefaultRole)
	}
	return out
}

func (t PolicyTable) PolicyFor(role string) domain.DiscountPolicy {
	if policy, ok := t.Policies[normalizeRole(role)]; ok {
		return policy
	}
	return t.Policies[t.DefaultRole]
}

// BuiltinPolicyTable is used when neither the backend nor a policy file supplies one.
func BuiltinPolicyTable() PolicyTable {
	return PolicyTable{
		DefaultRole: DefaultPolicyRole,
		Policies: map[string]domain.DiscountPolicy{
			"staff":   {MaxPercentage: decimal.NewFromInt(10), MaxFixed: decimal.NewFromInt(50), RequiresApproval: true},
			"cashier": {MaxPercentage: decimal.NewFromInt(10), MaxFixed: decimal.NewFromInt(50), RequiresApproval: true},
			"manager": {MaxPercentage: decimal.NewFromInt(50), MaxFixed: decimal.NewFromInt(500), RequiresApproval: false},
			"admin":   {MaxPercentage: decimal.NewFromInt(100), MaxFixed: decimal.NewFromInt(1_000_000), RequiresApproval: false},
		},
	}
}

type Decision struct {
	Allowed          bool            `json:"allowed"`
	MaxAllowed       decimal.Decimal `json:"max_allowed"`
	RequiresApproval bool            `json:"requires_approval"`
}

func (t PolicyTable) CheckPermission(role, discountType string, value decimal.Decimal) (Decision, error) {
	if err := validateDiscount(discountType, value); err != nil {
		return Decision{}, err
	}

	policy := t.PolicyFor(role)
	limit := policy.MaxFixed
	if discountType == domain.DiscountPercentage {
		limit = policy.MaxPercentage
	}

	if value.LessThanOrEqual(limit) {
		return Decision{Allowed: true, MaxAllowed: limit}, nil
	}
	return Decision{Allowed: false, MaxAllowed: limit, RequiresApproval: policy.RequiresApproval}, nil
}

type GateOutcome string

const (
	OutcomeApplied   GateOutcome = "applied"
	OutcomeClamped   GateOutcome = "clamped"
	OutcomeEscalated GateOutcome = "escalated"
)

// GateResult is what applying a discount through the gate produced. Discount
// is the value that may go on the cart; it is nil when escalated.
type GateResult struct {
	Outcome    GateOutcome          `json:"outcome"`
	Requested  domain.CartDiscount  `json:"requested"`
	Discount   *domain.CartDiscount `json:"discount,omitempty"`
	MaxAllowed decimal.Decimal      `json:"max_allowed"`
	Message    string               `json:"message"`
}

func (t PolicyTable) Authorize(role string, requested domain.CartDiscount) (GateResult, error) {
	decision, err := t.CheckPermission(role, requested.Type, requested.Value)
	if err != nil {
		return GateResult{}, err
	}

	result := GateResult{Requested: requested, MaxAllowed: decision.MaxAllowed}
	switch {
	case decision.Allowed:
		applied := requested
		result.Outcome = OutcomeApplied
		result.Discount = &applied
		result.Message = "discount applied"
	case decision.RequiresApproval:
		result.Outcome = OutcomeEscalated
		result.Message = fmt.Sprintf("discount exceeds your limit of %s; manager approval required", formatLimit(requested.Type, decision.MaxAllowed))
	default:
		clamped := domain.CartDiscount{Type: requested.Type, Value: decision.MaxAllowed}
		result.Outcome = OutcomeClamped
		result.Discount = &clamped
		result.Message = fmt.Sprintf("discount limited to %s", formatLimit(requested.Type, decision.MaxAllowed))
	}
	return result, nil
}

func validateDiscount(discountType string, value decimal.Decimal) error {
	switch discountType {
	case domain.DiscountFixed:
	case domain.DiscountPercentage:
		if value.GreaterThan(hundred) {
			return invalid("percentage discount must be at most 100")
		}
	default:
		return invalid("discount type must be %q or %q", domain.DiscountFixed, domain.DiscountPercentage)
	}
	if value.IsNegative() {
		return invalid("discount value must not be negative")
	}
	return nil
}

func formatLimit(discountType string, limit decimal.Decimal) string {
	if discountType == domain.DiscountPercentage {
		return limit.String() + "%"
	}
	return limit.StringFixed(2)
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
