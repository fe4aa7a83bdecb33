package pos

import (
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

type Screen string

const (
	ScreenSetup     Screen = "setup"
	ScreenOpenShift Screen = "open_shift"
	ScreenSelling   Screen = "selling"
)

// PendingApproval is a discount the gate refused to apply without a manager.
type PendingApproval struct {
	Type       string          `json:"type"`
	Value      decimal.Decimal `json:"value"`
	MaxAllowed decimal.Decimal `json:"max_allowed"`
}

// State is everything one till screen knows. It only changes through Reduce.
type State struct {
	DeviceID        string                   `json:"device_id"`
	Screen          Screen                   `json:"screen"`
	Binding         *domain.Binding          `json:"binding,omitempty"`
	ShiftPhase      ShiftPhase               `json:"shift_phase"`
	Shift           *domain.Shift            `json:"shift,omitempty"`
	LastClose       *domain.ShiftCloseResult `json:"last_close,omitempty"`
	Cart            Cart                     `json:"cart"`
	Discount        *domain.CartDiscount     `json:"discount,omitempty"`
	Customer        *domain.Customer         `json:"customer,omitempty"`
	PendingApproval *PendingApproval         `json:"pending_approval,omitempty"`
	Return          *ReturnSession           `json:"return,omitempty"`
	LastReceipt     *domain.Receipt          `json:"last_receipt,omitempty"`
	CheckoutKey     string                   `json:"checkout_key,omitempty"`
	CheckoutMethod  string                   `json:"checkout_method,omitempty"`

	checkoutTendered  decimal.Decimal
	checkoutReference string
}

func NewState(deviceID string) State {
	return State{
		DeviceID:   deviceID,
		Screen:     ScreenSetup,
		ShiftPhase: PhaseNone,
	}
}

func (s State) clone() State {
	out := s
	out.Cart = s.Cart.clone()
	out.Binding = clonePtr(s.Binding)
	out.Shift = clonePtr(s.Shift)
	out.LastClose = clonePtr(s.LastClose)
	out.Discount = clonePtr(s.Discount)
	out.Customer = clonePtr(s.Customer)
	out.PendingApproval = clonePtr(s.PendingApproval)
	out.LastReceipt = clonePtr(s.LastReceipt)
	if s.Return != nil {
		out.Return = s.Return.clone()
	}
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// CheckPayable reports why a sale cannot be finalized, or nil.
func (s State) CheckPayable() error {
	if s.Binding == nil {
		return ErrNoBinding
	}
	if s.ShiftPhase != PhaseOpen || s.Shift == nil || !shiftOpenFor(s.Shift, s.Binding) {
		return ErrNoOpenShift
	}
	if s.Cart.Empty() {
		return ErrEmptyCart
	}
	return nil
}

func shiftOpenFor(shift *domain.Shift, binding *domain.Binding) bool {
	if shift == nil || binding == nil {
		return false
	}
	if shift.Status != "" && shift.Status != domain.ShiftStatusOpen {
		return false
	}
	return shift.RegisterID == "" || shift.RegisterID == binding.RegisterID
}

// Action is a state transition. The set is closed to this package.
type Action interface {
	apply(s *State) error
}

// Reduce applies a to a copy of s. A rejected action leaves s untouched.
func Reduce(s State, a Action) (State, error) {
	if a == nil {
		return s, invalid("no action")
	}
	next := s.clone()
	if err := a.apply(&next); err != nil {
		return s, err
	}
	return next, nil
}

// SessionRestored resumes a device after restart. Selling resumes only when the
// stored binding still has an open shift; everything else lands on setup.
type SessionRestored struct {
	Binding *domain.Binding
	Shift   *domain.Shift
}

func (a SessionRestored) apply(s *State) error {
	s.Binding = clonePtr(a.Binding)
	s.LastClose = nil
	if a.Binding != nil && shiftOpenFor(a.Shift, a.Binding) {
		s.Shift = clonePtr(a.Shift)
		s.Shift.Status = domain.ShiftStatusOpen
		s.ShiftPhase = PhaseOpen
		s.Screen = ScreenSelling
		return nil
	}
	s.Shift = nil
	s.ShiftPhase = PhaseNone
	s.Screen = ScreenSetup
	return nil
}

type RegisterBound struct {
	Binding domain.Binding
}

func (a RegisterBound) apply(s *State) error {
	if strings.TrimSpace(a.Binding.OutletID) == "" || strings.TrimSpace(a.Binding.RegisterID) == "" {
		return invalid("outlet and register are required")
	}
	b := a.Binding
	b.DeviceID = s.DeviceID
	s.Binding = &b
	s.resetSale()
	s.Return = nil
	s.Shift = nil
	s.ShiftPhase = PhaseNone
	s.LastClose = nil
	s.Screen = ScreenOpenShift
	return nil
}

type BindingCleared struct{}

func (BindingCleared) apply(s *State) error {
	receipt := s.LastReceipt
	*s = NewState(s.DeviceID)
	s.LastReceipt = receipt
	return nil
}

// ShiftLoaded syncs the register's current shift from the server. A nil shift
// means the register has none open.
type ShiftLoaded struct {
	Shift *domain.Shift
}

func (a ShiftLoaded) apply(s *State) error {
	if s.Binding == nil {
		return ErrNoBinding
	}
	if shiftOpenFor(a.Shift, s.Binding) {
		s.Shift = clonePtr(a.Shift)
		s.Shift.Status = domain.ShiftStatusOpen
		s.ShiftPhase = PhaseOpen
		s.Screen = ScreenSelling
		return nil
	}
	if s.ShiftPhase == PhaseOpen {
		s.Shift = nil
		s.ShiftPhase = PhaseNone
	}
	s.Screen = ScreenOpenShift
	return nil
}

type ShiftOpened struct {
	Shift domain.Shift
}

func (a ShiftOpened) apply(s *State) error {
	if s.Binding == nil {
		return ErrNoBinding
	}
	if s.ShiftPhase == PhaseOpen {
		return ErrShiftAlreadyOpen
	}
	shift := a.Shift
	if shift.Status == "" {
		shift.Status = domain.ShiftStatusOpen
	}
	if !shiftOpenFor(&shift, s.Binding) {
		return invalid("shift %s is not open on register %s", shift.ID, s.Binding.RegisterID)
	}
	s.Shift = &shift
	s.ShiftPhase = PhaseOpen
	s.LastClose = nil
	s.Screen = ScreenSelling
	return nil
}

type ShiftClosed struct {
	Result domain.ShiftCloseResult
}

func (a ShiftClosed) apply(s *State) error {
	if s.ShiftPhase != PhaseOpen || s.Shift == nil {
		return ErrNoOpenShift
	}
	if a.Result.ShiftID != "" && a.Result.ShiftID != s.Shift.ID {
		return invalid("close result is for shift %s, not %s", a.Result.ShiftID, s.Shift.ID)
	}
	result := a.Result
	result.ShiftID = s.Shift.ID
	actual := result.ActualCash
	variance := result.Variance

	s.Shift.Status = domain.ShiftStatusClosed
	s.Shift.ExpectedCash = result.ExpectedCash
	s.Shift.ActualCash = &actual
	s.Shift.Variance = &variance
	s.ShiftPhase = PhaseClosed
	s.LastClose = &result
	s.Screen = ScreenOpenShift
	return nil
}

// CheckoutPrepared pins the idempotency key for the current cart and payment.
// A retry with the same method and tender keeps the existing key and card
// reference; a different payment gets a fresh key.
type CheckoutPrepared struct {
	Key       string
	Method    string
	Tendered  decimal.Decimal
	Reference string
}

func (a CheckoutPrepared) apply(s *State) error {
	if strings.TrimSpace(a.Key) == "" {
		return invalid("checkout key is required")
	}
	if s.CheckoutKey != "" && s.CheckoutMethod == a.Method && s.checkoutTendered.Equal(a.Tendered) {
		return nil
	}
	s.CheckoutKey = a.Key
	s.CheckoutMethod = a.Method
	s.checkoutTendered = a.Tendered
	s.checkoutReference = a.Reference
	return nil
}

// CheckoutReference is the card reference pinned with the checkout key.
func (s State) CheckoutReference() string {
	return s.checkoutReference
}

type ProductAdded struct {
	Product domain.Product
}

func (a ProductAdded) apply(s *State) error {
	if err := s.Cart.Add(a.Product); err != nil {
		return err
	}
	s.dropCheckout()
	return nil
}

type QuantityChanged struct {
	ProductID string
	Delta     int
}

func (a QuantityChanged) apply(s *State) error {
	if err := s.Cart.UpdateQuantity(a.ProductID, a.Delta); err != nil {
		return err
	}
	s.dropCheckout()
	return nil
}

type LineRemoved struct {
	ProductID string
}

func (a LineRemoved) apply(s *State) error {
	if err := s.Cart.Remove(a.ProductID); err != nil {
		return err
	}
	s.dropCheckout()
	return nil
}

type CartCleared struct{}

func (CartCleared) apply(s *State) error {
	s.resetSale()
	return nil
}

func (s *State) resetSale() {
	s.Cart = Cart{}
	s.Discount = nil
	s.Customer = nil
	s.PendingApproval = nil
	s.dropCheckout()
}

func (s *State) dropCheckout() {
	s.CheckoutKey = ""
	s.CheckoutMethod = ""
	s.checkoutTendered = decimal.Decimal{}
	s.checkoutReference = ""
}

// CustomerSelected attaches a customer to the sale; nil detaches.
type CustomerSelected struct {
	Customer *domain.Customer
}

func (a CustomerSelected) apply(s *State) error {
	if a.Customer != nil && strings.TrimSpace(a.Customer.ID) == "" {
		return invalid("customer id is required")
	}
	s.Customer = clonePtr(a.Customer)
	s.dropCheckout()
	return nil
}

// DiscountApplied puts a gate-approved discount on the cart, replacing any
// previous one.
type DiscountApplied struct {
	Result GateResult
}

func (a DiscountApplied) apply(s *State) error {
	if a.Result.Outcome != OutcomeApplied && a.Result.Outcome != OutcomeClamped {
		return invalid("discount outcome %q cannot be applied", a.Result.Outcome)
	}
	if a.Result.Discount == nil {
		return invalid("discount is required")
	}
	if err := validateDiscount(a.Result.Discount.Type, a.Result.Discount.Value); err != nil {
		return err
	}
	if a.Result.Discount.Value.GreaterThan(a.Result.MaxAllowed) {
		return invalid("discount exceeds the allowed maximum")
	}
	s.Discount = clonePtr(a.Result.Discount)
	s.PendingApproval = nil
	s.dropCheckout()
	return nil
}

// DiscountEscalated records the request awaiting approval. The cart discount
// is left as it was.
type DiscountEscalated struct {
	Result GateResult
}

func (a DiscountEscalated) apply(s *State) error {
	if a.Result.Outcome != OutcomeEscalated {
		return invalid("discount outcome %q is not an escalation", a.Result.Outcome)
	}
	s.PendingApproval = &PendingApproval{
		Type:       a.Result.Requested.Type,
		Value:      a.Result.Requested.Value,
		MaxAllowed: a.Result.MaxAllowed,
	}
	return nil
}

type ApprovalSubmitted struct{}

func (ApprovalSubmitted) apply(s *State) error {
	if s.PendingApproval == nil {
		return ErrNoPendingApproval
	}
	s.PendingApproval = nil
	return nil
}

type SaleCompleted struct {
	Receipt domain.Receipt
}

func (a SaleCompleted) apply(s *State) error {
	if err := s.CheckPayable(); err != nil {
		return err
	}
	receipt := a.Receipt
	s.LastReceipt = &receipt
	s.resetSale()
	return nil
}

type ReturnLoaded struct {
	Session ReturnSession
}

func (a ReturnLoaded) apply(s *State) error {
	if strings.TrimSpace(a.Session.Transaction.ID) == "" {
		return invalid("transaction id is required")
	}
	s.Return = a.Session.clone()
	return nil
}

type ReturnItemToggled struct {
	ProductID string
}

func (a ReturnItemToggled) apply(s *State) error {
	if s.Return == nil {
		return ErrNoActiveReturn
	}
	return s.Return.Toggle(a.ProductID)
}

type ReturnQtyChanged struct {
	ProductID string
	Qty       int
}

func (a ReturnQtyChanged) apply(s *State) error {
	if s.Return == nil {
		return ErrNoActiveReturn
	}
	_, err := s.Return.SetQty(a.ProductID, a.Qty)
	return err
}

type ReturnClosed struct{}

func (ReturnClosed) apply(s *State) error {
	if s.Return == nil {
		return ErrNoActiveReturn
	}
	s.Return = nil
	return nil
}

// Snapshot is the state plus derived figures, as served to the screen.
type Snapshot struct {
	State
	Totals      Totals           `json:"totals"`
	CanPay      bool             `json:"can_pay"`
	RefundTotal *decimal.Decimal `json:"refund_total,omitempty"`
}

func (s State) Snapshot(taxRate decimal.Decimal) Snapshot {
	snap := Snapshot{
		State:  s.clone(),
		Totals: ComputeTotals(s.Cart, s.Discount, taxRate),
		CanPay: s.CheckPayable() == nil,
	}
	if s.Return != nil {
		refund := s.Return.RefundTotal()
		snap.RefundTotal = &refund
	}
	return snap
}
