package posapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

const maxResponseBytes = 4 << 20

// Observer receives one callback per backend round trip.
type Observer interface {
	ObserveBackend(method, route string, status int, elapsed time.Duration)
}

type Config struct {
	BaseURL    string
	Token      string
	StoreID    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Observer   Observer
}

// Client talks to the platform backend. It never retries; every failure goes
// back to the caller.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	storeID    string
	observer   Observer
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		storeID:    cfg.StoreID,
		observer:   cfg.Observer,
	}
}

type ProductQuery struct {
	Search  string
	Barcode string
	Limit   int
}

// ShiftCloseResponse is the backend's reconciliation. Variance may be absent on
// older backends.
type ShiftCloseResponse struct {
	ExpectedCash decimal.Decimal  `json:"expected_cash"`
	ActualCash   decimal.Decimal  `json:"actual_cash"`
	Variance     *decimal.Decimal `json:"variance"`
}

type DiscountSettings struct {
	DefaultRole string                           `json:"default_role"`
	Settings    map[string]domain.DiscountPolicy `json:"settings"`
}

func (c *Client) Init(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, route: "/pos/init", path: "/pos/init", body: struct{}{}}, nil)
}

func (c *Client) ListOutlets(ctx context.Context) ([]domain.Outlet, error) {
	var outlets []domain.Outlet
	err := c.getList(ctx, "/pos/outlets", nil, "outlets", &outlets)
	return outlets, err
}

func (c *Client) ListRegisters(ctx context.Context, outletID string) ([]domain.Register, error) {
	q := url.Values{}
	if outletID != "" {
		q.Set("outlet_id", outletID)
	}
	var registers []domain.Register
	err := c.getList(ctx, "/pos/registers", q, "registers", &registers)
	return registers, err
}

// CurrentShift returns the open shift for a register, or nil when it has none.
func (c *Client) CurrentShift(ctx context.Context, registerID string) (*domain.Shift, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/pos/shifts/current",
		path:   "/pos/shifts/current",
		query:  url.Values{"register_id": {registerID}},
	}, &raw)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var shift *domain.Shift
	if err := unwrap(raw, "shift", &shift); err != nil {
		return nil, err
	}
	if shift == nil || shift.ID == "" {
		return nil, nil
	}
	return shift, nil
}

func (c *Client) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodPost, route: "/pos/shifts/open", path: "/pos/shifts/open", body: req}, &raw); err != nil {
		return domain.Shift{}, err
	}
	var shift domain.Shift
	err := unwrap(raw, "shift", &shift)
	return shift, err
}

func (c *Client) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (ShiftCloseResponse, error) {
	var resp ShiftCloseResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/pos/shifts/{id}/close",
		path:   "/pos/shifts/" + url.PathEscape(shiftID) + "/close",
		body:   req,
	}, &resp)
	return resp, err
}

func (c *Client) RecordCashMovement(ctx context.Context, movement domain.CashMovement) error {
	return c.do(ctx, request{method: http.MethodPost, route: "/pos/cash-movements", path: "/pos/cash-movements", body: movement}, nil)
}

func (c *Client) ShiftHistory(ctx context.Context, registerID string, limit int) ([]domain.Shift, error) {
	q := url.Values{}
	if registerID != "" {
		q.Set("register_id", registerID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var shifts []domain.Shift
	err := c.getList(ctx, "/pos/shifts", q, "shifts", &shifts)
	return shifts, err
}

func (c *Client) SearchProducts(ctx context.Context, query ProductQuery) ([]domain.Product, error) {
	q := url.Values{}
	if query.Search != "" {
		q.Set("search", query.Search)
	}
	if query.Barcode != "" {
		q.Set("barcode", query.Barcode)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	var products []domain.Product
	err := c.getList(ctx, "/pos/products", q, "products", &products)
	return products, err
}

func (c *Client) DiscountSettings(ctx context.Context) (DiscountSettings, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, route: "/pos/discount-settings", path: "/pos/discount-settings"}, &raw); err != nil {
		return DiscountSettings{}, err
	}

	var settings DiscountSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DiscountSettings{}, fmt.Errorf("%w: decode discount settings: %v", ErrUnavailable, err)
	}
	if settings.Settings == nil {
		// Bare role table without the envelope.
		if err := json.Unmarshal(raw, &settings.Settings); err != nil {
			return DiscountSettings{}, fmt.Errorf("%w: decode discount settings: %v", ErrUnavailable, err)
		}
	}
	return settings, nil
}

func (c *Client) RequestDiscountApproval(ctx context.Context, req domain.DiscountApprovalRequest) (domain.DiscountApprovalResponse, error) {
	var resp domain.DiscountApprovalResponse
	err := c.do(ctx, request{method: http.MethodPost, route: "/pos/discount-approval", path: "/pos/discount-approval", body: req}, &resp)
	return resp, err
}

func (c *Client) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var txs []domain.Transaction
	err := c.getList(ctx, "/pos/transactions", q, "transactions", &txs)
	return txs, err
}

func (c *Client) Returnable(ctx context.Context, transactionID string) (domain.ReturnableResponse, error) {
	var resp domain.ReturnableResponse
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/pos/transactions/{id}/returnable",
		path:   "/pos/transactions/" + url.PathEscape(transactionID) + "/returnable",
	}, &resp)
	return resp, err
}

func (c *Client) SubmitReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	var resp domain.ReturnResponse
	err := c.do(ctx, request{method: http.MethodPost, route: "/pos/returns", path: "/pos/returns", body: req}, &resp)
	return resp, err
}

// SubmitTransaction posts a sale. The idempotency key travels in the body and
// in the Idempotency-Key header.
func (c *Client) SubmitTransaction(ctx context.Context, req domain.TransactionRequest) (domain.TransactionResponse, error) {
	var resp domain.TransactionResponse
	err := c.do(ctx, request{
		method:         http.MethodPost,
		route:          "/pos/transactions",
		path:           "/pos/transactions",
		body:           req,
		idempotencyKey: req.IdempotencyKey,
	}, &resp)
	return resp, err
}

func (c *Client) QuickAddCustomer(ctx context.Context, req domain.QuickAddCustomerRequest) (domain.QuickAddCustomerResponse, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodPost, route: "/pos/customers/quick-add", path: "/pos/customers/quick-add", body: req}, &raw); err != nil {
		return domain.QuickAddCustomerResponse{}, err
	}

	var resp domain.QuickAddCustomerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("%w: decode customer: %v", ErrUnavailable, err)
	}
	if resp.Customer.ID == "" {
		if err := json.Unmarshal(raw, &resp.Customer); err != nil {
			return resp, fmt.Errorf("%w: decode customer: %v", ErrUnavailable, err)
		}
	}
	return resp, nil
}

// Login verifies staff credentials against the backend.
func (c *Client) Login(ctx context.Context, req domain.LoginRequest) (domain.Staff, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodPost, route: "/auth/login", path: "/auth/login", body: req}, &raw); err != nil {
		return domain.Staff{}, err
	}
	var staff domain.Staff
	if err := unwrap(raw, "staff", &staff); err != nil {
		return domain.Staff{}, err
	}
	if staff.ID == "" {
		return domain.Staff{}, fmt.Errorf("%w: login response carries no staff id", ErrUnavailable)
	}
	return staff, nil
}

type request struct {
	method         string
	route          string
	path           string
	query          url.Values
	body           any
	idempotencyKey string
}

func (c *Client) getList(ctx context.Context, path string, query url.Values, key string, dest any) error {
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, route: path, path: path, query: query}, &raw); err != nil {
		return err
	}
	return unwrap(raw, key, dest)
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", r.route, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", r.route, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.storeID != "" {
		req.Header.Set("X-Store-ID", c.storeID)
	}
	if r.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.idempotencyKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(r, 0, started)
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, r.method, r.route, err)
	}
	defer resp.Body.Close()
	c.observe(r, resp.StatusCode, started)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, r.route, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, r.route, err)
	}
	return nil
}

func (c *Client) observe(r request, status int, started time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveBackend(r.method, r.route, status, time.Since(started))
}

// unwrap decodes either {"<key>": ...} or the bare value into dest.
func unwrap(raw json.RawMessage, key string, dest any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if raw[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, key, err)
		}
		if inner, ok := envelope[key]; ok {
			raw = inner
		}
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, key, err)
	}
	return nil
}
