package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Outlet struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Register struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	OutletID string `json:"outlet_id"`
}

// Binding is the outlet+register a device operates, persisted across restarts.
type Binding struct {
	DeviceID   string    `json:"device_id"`
	OutletID   string    `json:"outlet_id"`
	RegisterID string    `json:"register_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Shift struct {
	ID           string           `json:"id"`
	RegisterID   string           `json:"register_id"`
	OutletID     string           `json:"outlet_id"`
	StaffID      string           `json:"staff_id"`
	StaffName    string           `json:"staff_name"`
	OpenedAt     time.Time        `json:"opened_at"`
	OpeningFloat decimal.Decimal  `json:"opening_float"`
	ExpectedCash decimal.Decimal  `json:"expected_cash"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
	ClosingFloat *decimal.Decimal `json:"closing_float,omitempty"`
	ActualCash   *decimal.Decimal `json:"actual_cash,omitempty"`
	Variance     *decimal.Decimal `json:"variance,omitempty"`
	Status       string           `json:"status"`
}

type ShiftOpenRequest struct {
	RegisterID   string          `json:"register_id"`
	OutletID     string          `json:"outlet_id"`
	StaffID      string          `json:"staff_id"`
	StaffName    string          `json:"staff_name"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type ShiftCloseRequest struct {
	ActualCash   decimal.Decimal `json:"actual_cash"`
	ClosingFloat decimal.Decimal `json:"closing_float"`
	Notes        string          `json:"notes,omitempty"`
}

// ShiftCloseResult is the server-authoritative reconciliation of a closed shift.
type ShiftCloseResult struct {
	ShiftID        string          `json:"shift_id"`
	ExpectedCash   decimal.Decimal `json:"expected_cash"`
	ActualCash     decimal.Decimal `json:"actual_cash"`
	Variance       decimal.Decimal `json:"variance"`
	VarianceStatus string          `json:"variance_status"`
}

type CashMovement struct {
	ID         string          `json:"id"`
	ShiftID    string          `json:"shift_id"`
	RegisterID string          `json:"register_id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	StaffID    string          `json:"staff_id"`
	StaffName  string          `json:"staff_name"`
}

type Product struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	SKU     string          `json:"sku"`
	Barcode string          `json:"barcode,omitempty"`
	Price   decimal.Decimal `json:"price"`
	Image   string          `json:"image,omitempty"`
	Stock   int             `json:"stock"`
}

type CartLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Barcode   string          `json:"barcode,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Discount  decimal.Decimal `json:"discount"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Image     string          `json:"image,omitempty"`
	Stock     int             `json:"stock"`
}

type CartDiscount struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type QuickAddCustomerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type QuickAddCustomerResponse struct {
	Customer Customer `json:"customer"`
	Existing bool     `json:"existing"`
}

// DiscountPolicy is one role's discount allowance.
type DiscountPolicy struct {
	MaxPercentage    decimal.Decimal `json:"max_percentage" yaml:"max_percentage"`
	MaxFixed         decimal.Decimal `json:"max_fixed" yaml:"max_fixed"`
	RequiresApproval bool            `json:"requires_approval" yaml:"requires_approval"`
}

type DiscountApprovalRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	DiscountType string          `json:"discount_type"`
	Reason       string          `json:"reason"`
	StaffID      string          `json:"staff_id"`
	StaffName    string          `json:"staff_name"`
}

type DiscountApprovalResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type Payment struct {
	Method      string          `json:"method"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	ChangeGiven decimal.Decimal `json:"change_given"`
}

type TransactionRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Items          []CartLine      `json:"items"`
	Payments       []Payment       `json:"payments"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Discount       *CartDiscount   `json:"discount,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountTotal  decimal.Decimal `json:"discount_total"`
	TaxTotal       decimal.Decimal `json:"tax_total"`
	Total          decimal.Decimal `json:"total"`
	OutletID       string          `json:"outlet_id"`
	RegisterID     string          `json:"register_id"`
	ShiftID        string          `json:"shift_id"`
	StaffID        string          `json:"staff_id"`
	StaffName      string          `json:"staff_name"`
}

type TransactionResponse struct {
	ID                string `json:"id"`
	TransactionNumber string `json:"transaction_number"`
}

type Transaction struct {
	ID                string          `json:"id"`
	TransactionNumber string          `json:"transaction_number"`
	Items             []CartLine      `json:"items"`
	Payments          []Payment       `json:"payments"`
	CustomerID        string          `json:"customer_id,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	DiscountTotal     decimal.Decimal `json:"discount_total"`
	TaxTotal          decimal.Decimal `json:"tax_total"`
	Total             decimal.Decimal `json:"total"`
	OutletID          string          `json:"outlet_id"`
	RegisterID        string          `json:"register_id"`
	StaffID           string          `json:"staff_id"`
	StaffName         string          `json:"staff_name"`
	CreatedAt         time.Time       `json:"created_at"`
}

type ReturnableItem struct {
	ProductID     string          `json:"product_id"`
	Name          string          `json:"name"`
	SKU           string          `json:"sku"`
	Price         decimal.Decimal `json:"price"`
	OriginalQty   int             `json:"original_qty"`
	ReturnedQty   int             `json:"returned_qty"`
	MaxReturnable int             `json:"max_returnable"`
}

type ReturnableResponse struct {
	Transaction     Transaction      `json:"transaction"`
	ReturnableItems []ReturnableItem `json:"returnable_items"`
}

type ReturnLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	ReturnQty int             `json:"return_qty"`
}

type ReturnRequest struct {
	OriginalTransactionID string          `json:"original_transaction_id"`
	Items                 []ReturnLine    `json:"items"`
	RefundMethod          string          `json:"refund_method"`
	RefundAmount          decimal.Decimal `json:"refund_amount"`
	Reason                string          `json:"reason"`
	StaffID               string          `json:"staff_id"`
	StaffName             string          `json:"staff_name"`
	RegisterID            string          `json:"register_id,omitempty"`
	ShiftID               string          `json:"shift_id,omitempty"`
}

type ReturnResponse struct {
	ReturnNumber string `json:"return_number"`
}

// Receipt is what the screen shows after a completed sale.
type Receipt struct {
	DeviceID          string          `json:"device_id"`
	TransactionID     string          `json:"transaction_id"`
	TransactionNumber string          `json:"transaction_number"`
	Items             []CartLine      `json:"items"`
	Payment           Payment         `json:"payment"`
	Customer          *Customer       `json:"customer,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	DiscountTotal     decimal.Decimal `json:"discount_total"`
	TaxTotal          decimal.Decimal `json:"tax_total"`
	Total             decimal.Decimal `json:"total"`
	StaffName         string          `json:"staff_name"`
	PreviewText       string          `json:"preview_text"`
	EscposBase64      string          `json:"escpos_base64"`
	DrawerCommand     string          `json:"drawer_command_base64,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Staff is the backend-verified identity of an operator.
type Staff struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffLoginResponse struct {
	Staff Staff `json:"staff"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	StaffID     string `json:"staff_id"`
	StaffName   string `json:"staff_name"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated operator attached to a request context.
type Actor struct {
	StaffID   string
	StaffName string
	Role      string
}

type AuditLog struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	StaffID    string    `json:"staff_id"`
	StaffName  string    `json:"staff_name"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	CashIn  = "in"
	CashOut = "out"
)

const (
	DiscountFixed      = "fixed"
	DiscountPercentage = "percentage"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

const (
	RefundCash        = "cash"
	RefundCard        = "card"
	RefundStoreCredit = "store_credit"
)

const (
	VarianceBalanced = "balanced"
	VarianceOver     = "over"
	VarianceShort    = "short"
)
