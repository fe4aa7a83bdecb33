package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/till/internal/cache"
	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
	"kasirinaja/till/internal/posapi"
	"kasirinaja/till/internal/store/memory"
)

const device = "till-1"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fakeBackend struct {
	mu sync.Mutex

	registers    map[string][]domain.Register
	shift        *domain.Shift
	currentErr   error
	currentCalls int
	openErr      error
	closeResp    posapi.ShiftCloseResponse
	products     []domain.Product
	searches     int
	settings     posapi.DiscountSettings
	settingsErr  error
	settingsHits int
	approvals    []domain.DiscountApprovalRequest
	recent       []domain.Transaction
	returnable   domain.ReturnableResponse
	returns      []domain.ReturnRequest
	submitErrs   []error
	submitted    []domain.TransactionRequest
	movements    []domain.CashMovement

	// When set, SubmitTransaction signals submitStarted and then waits on
	// submitGate before answering.
	submitStarted chan struct{}
	submitGate    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		registers: map[string][]domain.Register{
			"o1": {{ID: "r1", Name: "Till 1", OutletID: "o1"}},
		},
		products: []domain.Product{
			{ID: "p1", Name: "Kopi Susu", SKU: "KS-01", Barcode: "899100", Price: dec("10.00"), Stock: 50},
			{ID: "p2", Name: "Roti Bakar", SKU: "RB-01", Barcode: "899200", Price: dec("25.50"), Stock: 10},
		},
		settingsErr: errors.New("settings offline"),
	}
}

func (b *fakeBackend) Init(context.Context) error { return nil }

func (b *fakeBackend) ListOutlets(context.Context) ([]domain.Outlet, error) {
	return []domain.Outlet{{ID: "o1", Name: "Main"}}, nil
}

func (b *fakeBackend) ListRegisters(_ context.Context, outletID string) ([]domain.Register, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers[outletID], nil
}

func (b *fakeBackend) CurrentShift(context.Context, string) (*domain.Shift, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentCalls++
	if b.currentErr != nil {
		return nil, b.currentErr
	}
	if b.shift == nil {
		return nil, nil
	}
	shift := *b.shift
	return &shift, nil
}

func (b *fakeBackend) OpenShift(_ context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return domain.Shift{}, b.openErr
	}
	b.shift = &domain.Shift{
		ID:           "sh-new",
		RegisterID:   req.RegisterID,
		StaffID:      req.StaffID,
		OpeningFloat: req.OpeningFloat,
		ExpectedCash: req.OpeningFloat,
		Status:       domain.ShiftStatusOpen,
	}
	return *b.shift, nil
}

func (b *fakeBackend) CloseShift(context.Context, string, domain.ShiftCloseRequest) (posapi.ShiftCloseResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shift = nil
	return b.closeResp, nil
}

func (b *fakeBackend) RecordCashMovement(_ context.Context, movement domain.CashMovement) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.movements = append(b.movements, movement)
	if movement.Type == domain.CashIn {
		b.shift.ExpectedCash = b.shift.ExpectedCash.Add(movement.Amount)
	} else {
		b.shift.ExpectedCash = b.shift.ExpectedCash.Sub(movement.Amount)
	}
	return nil
}

func (b *fakeBackend) ShiftHistory(context.Context, string, int) ([]domain.Shift, error) {
	return nil, nil
}

func (b *fakeBackend) SearchProducts(_ context.Context, query posapi.ProductQuery) ([]domain.Product, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searches++
	var out []domain.Product
	for _, p := range b.products {
		if query.Barcode != "" && p.Barcode != query.Barcode {
			continue
		}
		if query.Search != "" && p.ID != query.Search && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(query.Search)) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *fakeBackend) DiscountSettings(context.Context) (posapi.DiscountSettings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settingsHits++
	return b.settings, b.settingsErr
}

func (b *fakeBackend) RequestDiscountApproval(_ context.Context, req domain.DiscountApprovalRequest) (domain.DiscountApprovalResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approvals = append(b.approvals, req)
	return domain.DiscountApprovalResponse{ID: "appr-1", Status: "pending"}, nil
}

func (b *fakeBackend) RecentTransactions(context.Context, int) ([]domain.Transaction, error) {
	return b.recent, nil
}

func (b *fakeBackend) Returnable(context.Context, string) (domain.ReturnableResponse, error) {
	return b.returnable, nil
}

func (b *fakeBackend) SubmitReturn(_ context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.returns = append(b.returns, req)
	if req.RefundMethod == domain.RefundCash && b.shift != nil {
		b.shift.ExpectedCash = b.shift.ExpectedCash.Sub(req.RefundAmount)
	}
	return domain.ReturnResponse{ReturnNumber: "RET-0001"}, nil
}

func (b *fakeBackend) SubmitTransaction(_ context.Context, req domain.TransactionRequest) (domain.TransactionResponse, error) {
	b.mu.Lock()
	started, gate := b.submitStarted, b.submitGate
	b.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, req)
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return domain.TransactionResponse{}, err
	}
	if req.Payments[0].Method == domain.PaymentCash && b.shift != nil {
		b.shift.ExpectedCash = b.shift.ExpectedCash.Add(req.Total)
	}
	return domain.TransactionResponse{ID: "tx-1", TransactionNumber: "TRX-0001"}, nil
}

func (b *fakeBackend) QuickAddCustomer(_ context.Context, req domain.QuickAddCustomerRequest) (domain.QuickAddCustomerResponse, error) {
	return domain.QuickAddCustomerResponse{Customer: domain.Customer{ID: "c1", Name: req.Name, Email: req.Email}}, nil
}

// mapCache keeps JSON-encoded values like the redis cache does.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func (c *mapCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
		c.ttls = make(map[string]time.Duration)
	}
	c.data[key] = raw
	c.ttls[key] = ttl
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func newTestService(backend *fakeBackend) (*Service, *memory.Store) {
	repo := memory.New()
	return New(Options{
		Backend: backend,
		Repo:    repo,
		TaxRate: dec("0.10"),
		StoreID: "store-1",
	}), repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{StaffID: "s1", StaffName: "Sari", Role: "cashier"})
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{StaffID: "m1", StaffName: "Maya", Role: "manager"})
}

// sellingService returns a service whose device is bound to r1 with shift sh1
// open and 200.00 expected in the drawer.
func sellingService(t *testing.T) (*Service, *fakeBackend, *memory.Store) {
	t.Helper()
	backend := newFakeBackend()
	backend.shift = &domain.Shift{ID: "sh1", RegisterID: "r1", Status: domain.ShiftStatusOpen, OpeningFloat: dec("200"), ExpectedCash: dec("200")}
	svc, repo := newTestService(backend)

	snap, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)
	require.Equal(t, pos.ScreenSelling, snap.Screen)
	return svc, backend, repo
}

func TestBootstrapWithoutBindingLandsOnSetup(t *testing.T) {
	svc, _ := newTestService(newFakeBackend())

	snap, err := svc.Bootstrap(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, pos.ScreenSetup, snap.Screen)
	assert.Nil(t, snap.Binding)
}

func TestBootstrapRestoresBoundRegisterWithOpenShift(t *testing.T) {
	backend := newFakeBackend()
	backend.shift = &domain.Shift{ID: "sh1", RegisterID: "r1", Status: domain.ShiftStatusOpen}
	svc, repo := newTestService(backend)
	require.NoError(t, repo.SaveBinding(context.Background(), domain.Binding{DeviceID: device, OutletID: "o1", RegisterID: "r1"}))

	snap, err := svc.Bootstrap(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, pos.ScreenSelling, snap.Screen)
	require.NotNil(t, snap.Shift)
	assert.Equal(t, "sh1", snap.Shift.ID)
}

func TestBootstrapFallsBackToSetupWhenShiftLookupFails(t *testing.T) {
	backend := newFakeBackend()
	backend.currentErr = posapi.ErrUnavailable
	svc, repo := newTestService(backend)
	require.NoError(t, repo.SaveBinding(context.Background(), domain.Binding{DeviceID: device, OutletID: "o1", RegisterID: "r1"}))

	snap, err := svc.Bootstrap(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, pos.ScreenSetup, snap.Screen)
	assert.Equal(t, pos.PhaseNone, snap.ShiftPhase)
}

func TestBootstrapRequiresDevice(t *testing.T) {
	svc, _ := newTestService(newFakeBackend())
	_, err := svc.Bootstrap(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrDeviceRequired)
}

func TestSelectRegisterRejectsUnknownRegister(t *testing.T) {
	svc, repo := newTestService(newFakeBackend())

	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r9")
	assert.ErrorIs(t, err, ErrRegisterNotFound)

	_, err = repo.GetBinding(context.Background(), device)
	assert.Error(t, err)
}

func TestSelectRegisterPersistsBindingAndWaitsForShift(t *testing.T) {
	svc, repo := newTestService(newFakeBackend())

	snap, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)
	assert.Equal(t, pos.ScreenOpenShift, snap.Screen)

	binding, err := repo.GetBinding(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, "r1", binding.RegisterID)

	logs, err := svc.ListAuditLogs(context.Background(), device, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "register_bind", logs[0].Action)
	assert.Equal(t, "s1", logs[0].StaffID)
}

func TestResetBindingReturnsToSetup(t *testing.T) {
	svc, _, repo := sellingService(t)

	snap, err := svc.ResetBinding(cashierCtx(), device)
	require.NoError(t, err)
	assert.Equal(t, pos.ScreenSetup, snap.Screen)
	assert.Nil(t, snap.Binding)

	_, err = repo.GetBinding(context.Background(), device)
	assert.Error(t, err)
}

func TestOpenShiftMovesToSelling(t *testing.T) {
	svc, _ := newTestService(newFakeBackend())
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)

	snap, err := svc.OpenShift(cashierCtx(), device, decPtr("150"))
	require.NoError(t, err)
	assert.Equal(t, pos.ScreenSelling, snap.Screen)
	assert.Equal(t, "sh-new", snap.Shift.ID)
	assert.Equal(t, "o1", snap.Shift.OutletID)
}

func TestOpenShiftConflictResyncsAndKeepsServerMessage(t *testing.T) {
	backend := newFakeBackend()
	svc, _ := newTestService(backend)
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)

	backend.openErr = &posapi.APIError{StatusCode: http.StatusConflict, Message: "Shift already open for this register"}
	backend.shift = &domain.Shift{ID: "sh-other", RegisterID: "r1", Status: domain.ShiftStatusOpen}

	_, err = svc.OpenShift(cashierCtx(), device, decPtr("100"))
	require.Error(t, err)
	assert.Equal(t, "Shift already open for this register", err.Error())

	snap, err := svc.Snapshot(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, pos.ScreenSelling, snap.Screen)
	assert.Equal(t, "sh-other", snap.Shift.ID)
}

func TestOpenShiftValidatesFloatAndActor(t *testing.T) {
	svc, _ := newTestService(newFakeBackend())
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)

	_, err = svc.OpenShift(cashierCtx(), device, nil)
	assert.ErrorIs(t, err, pos.ErrValidation)

	_, err = svc.OpenShift(cashierCtx(), device, decPtr("-1"))
	assert.ErrorIs(t, err, pos.ErrValidation)

	_, err = svc.OpenShift(context.Background(), device, decPtr("100"))
	assert.ErrorIs(t, err, ErrNoActor)
}

func TestCashMovementRefreshesExpectedCash(t *testing.T) {
	svc, backend, _ := sellingService(t)

	res, err := svc.RecordCashMovement(cashierCtx(), device, "IN", dec("50"), "float top-up")
	require.NoError(t, err)
	assert.NotEmpty(t, res.DrawerCommand)
	assert.Equal(t, "sh1", res.Movement.ShiftID)
	require.Len(t, backend.movements, 1)

	snap, err := svc.Snapshot(context.Background(), device)
	require.NoError(t, err)
	assert.True(t, dec("250").Equal(snap.Shift.ExpectedCash), "expected cash %s", snap.Shift.ExpectedCash)
}

func TestCashMovementRequiresOpenShift(t *testing.T) {
	svc, _ := newTestService(newFakeBackend())
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)

	_, err = svc.RecordCashMovement(cashierCtx(), device, "out", dec("10"), "petty cash")
	assert.ErrorIs(t, err, pos.ErrNoOpenShift)
}

func TestCloseShiftComputesVarianceWhenServerOmitsIt(t *testing.T) {
	svc, backend, _ := sellingService(t)
	backend.closeResp = posapi.ShiftCloseResponse{ExpectedCash: dec("350"), ActualCash: dec("345")}

	result, err := svc.CloseShift(cashierCtx(), device, decPtr("345"), decPtr("100"), "end of day")
	require.NoError(t, err)
	assert.True(t, dec("-5").Equal(result.Variance))
	assert.Equal(t, domain.VarianceShort, result.VarianceStatus)

	snap, err := svc.Snapshot(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, pos.PhaseClosed, snap.ShiftPhase)
	assert.Equal(t, pos.ScreenOpenShift, snap.Screen)
	require.NotNil(t, snap.LastClose)
	assert.False(t, snap.CanPay)
}

func TestCloseShiftPrefersServerVariance(t *testing.T) {
	svc, backend, _ := sellingService(t)
	backend.closeResp = posapi.ShiftCloseResponse{ExpectedCash: dec("300"), Variance: decPtr("2.50")}

	result, err := svc.CloseShift(cashierCtx(), device, decPtr("302.50"), decPtr("100"), "")
	require.NoError(t, err)
	assert.True(t, dec("302.50").Equal(result.ActualCash))
	assert.True(t, dec("2.50").Equal(result.Variance))
	assert.Equal(t, domain.VarianceOver, result.VarianceStatus)
}

func TestPayWithoutOpenShiftIsRejected(t *testing.T) {
	backend := newFakeBackend()
	svc, _ := newTestService(backend)
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)
	_, err = svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)

	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("100"))
	assert.ErrorIs(t, err, pos.ErrNoOpenShift)
	assert.Empty(t, backend.submitted)
}

func TestPayCashCompletesSale(t *testing.T) {
	svc, backend, repo := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)
	_, err = svc.ChangeQuantity(cashierCtx(), device, "p1", 1)
	require.NoError(t, err)

	res, err := svc.Pay(cashierCtx(), device, "cash", dec("50"))
	require.NoError(t, err)

	assert.True(t, dec("22").Equal(res.Receipt.Total), "total %s", res.Receipt.Total)
	assert.True(t, dec("28").Equal(res.Receipt.Payment.ChangeGiven))
	assert.Equal(t, "TRX-0001", res.Receipt.TransactionNumber)
	assert.NotEmpty(t, res.Receipt.EscposBase64)
	assert.NotEmpty(t, res.Receipt.DrawerCommand)
	assert.Contains(t, res.Receipt.PreviewText, "Kopi Susu x2")
	assert.True(t, res.Snapshot.Cart.Empty())
	assert.Empty(t, res.Snapshot.CheckoutKey)
	assert.True(t, dec("222").Equal(res.Snapshot.Shift.ExpectedCash))

	require.Len(t, backend.submitted, 1)
	assert.Equal(t, "sh1", backend.submitted[0].ShiftID)
	assert.Equal(t, "r1", backend.submitted[0].RegisterID)

	saved, err := repo.LatestReceipt(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", saved.TransactionID)
}

func TestPayFailureKeepsSaleAndIdempotencyKey(t *testing.T) {
	svc, backend, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p2")
	require.NoError(t, err)
	_, _, err = svc.ApplyDiscount(cashierCtx(), device, "fixed", dec("5"))
	require.NoError(t, err)
	_, err = svc.SelectCustomer(cashierCtx(), device, &domain.Customer{ID: "c1", Name: "Budi"})
	require.NoError(t, err)

	backend.submitErrs = []error{posapi.ErrUnavailable}
	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCard, decimal.Zero)
	require.ErrorIs(t, err, posapi.ErrUnavailable)

	snap, err := svc.Snapshot(context.Background(), device)
	require.NoError(t, err)
	require.Len(t, snap.Cart.Lines, 1)
	require.NotNil(t, snap.Discount)
	assert.True(t, dec("5").Equal(snap.Discount.Value))
	require.NotNil(t, snap.Customer)
	assert.Equal(t, "c1", snap.Customer.ID)
	firstKey := snap.CheckoutKey
	assert.NotEmpty(t, firstKey)

	res, err := svc.Pay(cashierCtx(), device, domain.PaymentCard, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Receipt.Payment.Reference, "CARD-"))
	assert.Empty(t, res.Receipt.DrawerCommand)
	assert.Nil(t, res.Snapshot.Discount)
	assert.Nil(t, res.Snapshot.Customer)
	assert.True(t, res.Snapshot.Cart.Empty())

	require.Len(t, backend.submitted, 2)
	assert.Equal(t, firstKey, backend.submitted[0].IdempotencyKey)
	assert.Equal(t, firstKey, backend.submitted[1].IdempotencyKey)
	assert.Equal(t, backend.submitted[0].Payments[0].Reference, backend.submitted[1].Payments[0].Reference)
	assert.Equal(t, "c1", backend.submitted[0].CustomerID)
}

func TestPayRetryWithAnotherMethodUsesNewKey(t *testing.T) {
	svc, backend, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p2")
	require.NoError(t, err)

	backend.submitErrs = []error{posapi.ErrUnavailable}
	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("50"))
	require.ErrorIs(t, err, posapi.ErrUnavailable)

	res, err := svc.Pay(cashierCtx(), device, domain.PaymentCard, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCard, res.Receipt.Payment.Method)

	require.Len(t, backend.submitted, 2)
	assert.Equal(t, domain.PaymentCash, backend.submitted[0].Payments[0].Method)
	assert.Equal(t, domain.PaymentCard, backend.submitted[1].Payments[0].Method)
	assert.NotEmpty(t, backend.submitted[0].IdempotencyKey)
	assert.NotEqual(t, backend.submitted[0].IdempotencyKey, backend.submitted[1].IdempotencyKey)
}

func TestPayRetryWithOtherTenderUsesNewKey(t *testing.T) {
	svc, backend, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p2")
	require.NoError(t, err)

	backend.submitErrs = []error{posapi.ErrUnavailable, posapi.ErrUnavailable}
	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("50"))
	require.Error(t, err)
	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("50.00"))
	require.Error(t, err)
	res, err := svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("100"))
	require.NoError(t, err)
	assert.True(t, dec("71.95").Equal(res.Receipt.Payment.ChangeGiven), "change %s", res.Receipt.Payment.ChangeGiven)

	require.Len(t, backend.submitted, 3)
	assert.Equal(t, backend.submitted[0].IdempotencyKey, backend.submitted[1].IdempotencyKey)
	assert.NotEqual(t, backend.submitted[1].IdempotencyKey, backend.submitted[2].IdempotencyKey)
}

func TestSnapshotIsServedWhilePaymentIsInFlight(t *testing.T) {
	svc, backend, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)

	backend.mu.Lock()
	backend.submitStarted = make(chan struct{}, 1)
	backend.submitGate = make(chan struct{})
	started, gate := backend.submitStarted, backend.submitGate
	backend.mu.Unlock()

	paid := make(chan error, 1)
	go func() {
		_, err := svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("20"))
		paid <- err
	}()
	<-started

	read := make(chan pos.Snapshot, 1)
	go func() {
		snap, _ := svc.Snapshot(context.Background(), device)
		read <- snap
	}()
	select {
	case snap := <-read:
		require.Len(t, snap.Cart.Lines, 1)
		assert.NotEmpty(t, snap.CheckoutKey)
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked behind the pending payment")
	}

	_, err = svc.AddProduct(cashierCtx(), device, "p1")
	assert.ErrorIs(t, err, ErrDeviceBusy)
	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("20"))
	assert.ErrorIs(t, err, ErrDeviceBusy)

	close(gate)
	require.NoError(t, <-paid)

	snap, err := svc.Snapshot(context.Background(), device)
	require.NoError(t, err)
	assert.True(t, snap.Cart.Empty())
	require.Len(t, backend.submitted, 1)

	_, err = svc.AddProduct(cashierCtx(), device, "p1")
	assert.NoError(t, err)
}

func TestCartChangeResetsIdempotencyKey(t *testing.T) {
	svc, backend, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)

	backend.submitErrs = []error{posapi.ErrUnavailable}
	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("100"))
	require.Error(t, err)

	snap, err := svc.AddProduct(cashierCtx(), device, "p2")
	require.NoError(t, err)
	assert.Empty(t, snap.CheckoutKey)
}

func TestPayInsufficientCash(t *testing.T) {
	svc, backend, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p2")
	require.NoError(t, err)

	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("5"))
	assert.ErrorIs(t, err, pos.ErrInsufficientTender)
	assert.Empty(t, backend.submitted)
}

func TestPayRequiresActor(t *testing.T) {
	svc, _, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)

	_, err = svc.Pay(context.Background(), device, domain.PaymentCash, dec("100"))
	assert.ErrorIs(t, err, ErrNoActor)
}

func TestScanBarcodeUsesCache(t *testing.T) {
	backend := newFakeBackend()
	backend.shift = &domain.Shift{ID: "sh1", RegisterID: "r1", Status: domain.ShiftStatusOpen}
	store := &mapCache{}
	svc := New(Options{Backend: backend, Repo: memory.New(), Cache: store, TaxRate: dec("0.10"), StoreID: "store-1"})
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)

	_, err = svc.ScanBarcode(cashierCtx(), device, "899200")
	require.NoError(t, err)
	snap, err := svc.ScanBarcode(cashierCtx(), device, "899200")
	require.NoError(t, err)

	require.Len(t, snap.Cart.Lines, 1)
	assert.Equal(t, 2, snap.Cart.Lines[0].Quantity)
	assert.Equal(t, "899200", snap.Cart.Lines[0].Barcode)
	assert.Equal(t, 1, backend.searches)
	assert.Equal(t, 30*time.Second, store.ttls[cache.BarcodeKey("store-1", "899200")])

	_, err = svc.ScanBarcode(cashierCtx(), device, "000")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestSearchIsSupersededByNewerQuery(t *testing.T) {
	backend := newFakeBackend()
	svc := New(Options{Backend: backend, Repo: memory.New(), SearchDebounce: 80 * time.Millisecond})

	errc := make(chan error, 1)
	go func() {
		_, err := svc.SearchProducts(context.Background(), device, "kopi", 10)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	products, err := svc.SearchProducts(context.Background(), device, "roti", 10)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "p2", products[0].ID)

	assert.ErrorIs(t, <-errc, ErrSearchSuperseded)
	assert.Equal(t, 1, backend.searches)
}

func TestSearchHonoursCancellation(t *testing.T) {
	svc := New(Options{Backend: newFakeBackend(), Repo: memory.New(), SearchDebounce: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SearchProducts(ctx, device, "kopi", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscountOverCashierLimitEscalates(t *testing.T) {
	svc, _, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)

	result, snap, err := svc.ApplyDiscount(cashierCtx(), device, "percentage", dec("25"))
	require.NoError(t, err)
	assert.Equal(t, pos.OutcomeEscalated, result.Outcome)
	assert.Nil(t, snap.Discount)
	require.NotNil(t, snap.PendingApproval)
	assert.True(t, dec("10").Equal(snap.PendingApproval.MaxAllowed))
}

func TestDiscountOverManagerLimitIsClamped(t *testing.T) {
	svc, _, _ := sellingService(t)
	_, err := svc.AddProduct(managerCtx(), device, "p1")
	require.NoError(t, err)

	result, snap, err := svc.ApplyDiscount(managerCtx(), device, "percentage", dec("80"))
	require.NoError(t, err)
	assert.Equal(t, pos.OutcomeClamped, result.Outcome)
	require.NotNil(t, snap.Discount)
	assert.True(t, dec("50").Equal(snap.Discount.Value))
	assert.True(t, dec("5").Equal(snap.Totals.DiscountAmount))
}

func TestDiscountPolicyComesFromBackendAndIsCached(t *testing.T) {
	backend := newFakeBackend()
	backend.shift = &domain.Shift{ID: "sh1", RegisterID: "r1", Status: domain.ShiftStatusOpen}
	backend.settingsErr = nil
	backend.settings = posapi.DiscountSettings{Settings: map[string]domain.DiscountPolicy{
		"Cashier": {MaxPercentage: dec("30"), MaxFixed: dec("100"), RequiresApproval: true},
	}}
	svc := New(Options{Backend: backend, Repo: memory.New(), Cache: &mapCache{}, TaxRate: dec("0.10")})
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)
	_, err = svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)

	result, _, err := svc.ApplyDiscount(cashierCtx(), device, "percentage", dec("25"))
	require.NoError(t, err)
	assert.Equal(t, pos.OutcomeApplied, result.Outcome)

	_, _, err = svc.ApplyDiscount(cashierCtx(), device, "fixed", dec("20"))
	require.NoError(t, err)
	assert.Equal(t, 1, backend.settingsHits)

	table := svc.DiscountPolicies(context.Background())
	assert.NoError(t, table.Validate())
	assert.Equal(t, pos.DefaultPolicyRole, table.DefaultRole)
}

func TestDiscountApprovalRequest(t *testing.T) {
	svc, backend, _ := sellingService(t)
	_, err := svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)

	_, err = svc.RequestDiscountApproval(cashierCtx(), device, "loyal customer")
	assert.ErrorIs(t, err, pos.ErrNoPendingApproval)

	_, _, err = svc.ApplyDiscount(cashierCtx(), device, "fixed", dec("75"))
	require.NoError(t, err)

	_, err = svc.RequestDiscountApproval(cashierCtx(), device, " ")
	assert.ErrorIs(t, err, pos.ErrValidation)

	resp, err := svc.RequestDiscountApproval(cashierCtx(), device, "loyal customer")
	require.NoError(t, err)
	assert.Equal(t, "appr-1", resp.ID)
	require.Len(t, backend.approvals, 1)
	assert.True(t, dec("75").Equal(backend.approvals[0].Amount))

	snap, err := svc.Snapshot(context.Background(), device)
	require.NoError(t, err)
	assert.Nil(t, snap.PendingApproval)
	assert.Nil(t, snap.Discount)
}

func TestFindTransaction(t *testing.T) {
	backend := newFakeBackend()
	backend.recent = []domain.Transaction{
		{ID: "tx-10", TransactionNumber: "TRX-0010"},
		{ID: "tx-11", TransactionNumber: "TRX-0011"},
		{ID: "tx-20", TransactionNumber: "TRX-0020"},
	}
	svc, _ := newTestService(backend)

	tx, err := svc.FindTransaction(context.Background(), "trx-0010")
	require.NoError(t, err)
	assert.Equal(t, "tx-10", tx.ID)

	tx, err = svc.FindTransaction(context.Background(), "0020")
	require.NoError(t, err)
	assert.Equal(t, "tx-20", tx.ID)

	_, err = svc.FindTransaction(context.Background(), "TRX-001")
	assert.ErrorIs(t, err, ErrAmbiguousTransaction)

	_, err = svc.FindTransaction(context.Background(), "TRX-9999")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestCashReturnRefreshesExpectedCash(t *testing.T) {
	svc, backend, _ := sellingService(t)
	backend.recent = []domain.Transaction{{ID: "tx-10", TransactionNumber: "TRX-0010"}}
	backend.returnable = domain.ReturnableResponse{
		Transaction: domain.Transaction{ID: "tx-10", TransactionNumber: "TRX-0010"},
		ReturnableItems: []domain.ReturnableItem{
			{ProductID: "p1", Name: "Kopi Susu", Price: dec("10"), OriginalQty: 3, ReturnedQty: 1},
		},
	}

	snap, err := svc.LoadReturn(cashierCtx(), device, "TRX-0010")
	require.NoError(t, err)
	require.NotNil(t, snap.Return)
	assert.Equal(t, 2, snap.Return.Items[0].MaxReturnable)

	_, err = svc.ToggleReturnItem(cashierCtx(), device, "p1")
	require.NoError(t, err)
	snap, err = svc.SetReturnQty(cashierCtx(), device, "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Return.Selected[0].ReturnQty)
	assert.True(t, dec("20").Equal(*snap.RefundTotal))

	_, err = svc.SubmitReturn(cashierCtx(), device, "cash", "")
	assert.ErrorIs(t, err, pos.ErrValidation)

	res, err := svc.SubmitReturn(cashierCtx(), device, "cash", "damaged")
	require.NoError(t, err)
	assert.Equal(t, "RET-0001", res.ReturnNumber)
	assert.Nil(t, res.Snapshot.Return)
	assert.True(t, dec("180").Equal(res.Snapshot.Shift.ExpectedCash))

	require.Len(t, backend.returns, 1)
	assert.Equal(t, "sh1", backend.returns[0].ShiftID)
	assert.True(t, dec("20").Equal(backend.returns[0].RefundAmount))
}

func TestCancelReturnWithoutSession(t *testing.T) {
	svc, _, _ := sellingService(t)
	_, err := svc.CancelReturn(cashierCtx(), device)
	assert.ErrorIs(t, err, pos.ErrNoActiveReturn)
}

func TestQuickAddCustomerAttachesToSale(t *testing.T) {
	svc, _, _ := sellingService(t)

	_, err := svc.QuickAddCustomer(cashierCtx(), device, domain.QuickAddCustomerRequest{Name: "Budi", Email: "not-an-email"})
	assert.ErrorIs(t, err, pos.ErrValidation)

	resp, err := svc.QuickAddCustomer(cashierCtx(), device, domain.QuickAddCustomerRequest{Name: " Budi ", Email: "Budi@Example.com"})
	require.NoError(t, err)
	assert.Equal(t, "budi@example.com", resp.Customer.Email)

	snap, err := svc.Snapshot(context.Background(), device)
	require.NoError(t, err)
	require.NotNil(t, snap.Customer)
	assert.Equal(t, "c1", snap.Customer.ID)
}

func TestListAuditLogsRejectsBadDate(t *testing.T) {
	svc, _ := newTestService(newFakeBackend())
	_, err := svc.ListAuditLogs(context.Background(), device, "15/10/2026", 10)
	assert.ErrorIs(t, err, pos.ErrValidation)
}

func TestRejectedSaleEvictsScannedProducts(t *testing.T) {
	backend := newFakeBackend()
	backend.shift = &domain.Shift{ID: "sh1", RegisterID: "r1", Status: domain.ShiftStatusOpen}
	store := &mapCache{}
	svc := New(Options{Backend: backend, Repo: memory.New(), Cache: store, TaxRate: dec("0.10"), StoreID: "store-1"})
	_, err := svc.SelectRegister(cashierCtx(), device, "o1", "r1")
	require.NoError(t, err)

	_, err = svc.ScanBarcode(cashierCtx(), device, "899200")
	require.NoError(t, err)
	key := cache.BarcodeKey("store-1", "899200")
	require.True(t, store.has(key))

	backend.submitErrs = []error{&posapi.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "Price changed for Roti Bakar"}}
	_, err = svc.Pay(cashierCtx(), device, domain.PaymentCash, dec("100"))
	require.Error(t, err)
	assert.Equal(t, "Price changed for Roti Bakar", err.Error())
	assert.False(t, store.has(key))

	_, err = svc.ScanBarcode(cashierCtx(), device, "899200")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.searches)
}

func TestOutOfRangeBackendRoleDoesNotDiscardTable(t *testing.T) {
	backend := newFakeBackend()
	backend.shift = &domain.Shift{ID: "sh1", RegisterID: "r1", Status: domain.ShiftStatusOpen}
	backend.settingsErr = nil
	backend.settings = posapi.DiscountSettings{Settings: map[string]domain.DiscountPolicy{
		"cashier": {MaxPercentage: dec("30"), MaxFixed: dec("100"), RequiresApproval: true},
		"manager": {MaxPercentage: dec("150"), MaxFixed: dec("500")},
	}}
	svc := New(Options{Backend: backend, Repo: memory.New(), TaxRate: dec("0.10")})

	table := svc.DiscountPolicies(context.Background())
	assert.True(t, dec("30").Equal(table.PolicyFor("cashier").MaxPercentage))
	_, ok := table.Policies["manager"]
	assert.False(t, ok)
	assert.True(t, dec("10").Equal(table.PolicyFor("manager").MaxPercentage))
}

func TestSelectingAnotherRegisterDropsStagedSale(t *testing.T) {
	svc, backend, _ := sellingService(t)
	backend.registers["o1"] = append(backend.registers["o1"], domain.Register{ID: "r2", Name: "Till 2", OutletID: "o1"})
	_, err := svc.AddProduct(cashierCtx(), device, "p1")
	require.NoError(t, err)
	_, err = svc.SelectCustomer(cashierCtx(), device, &domain.Customer{ID: "c1"})
	require.NoError(t, err)

	backend.shift = nil
	snap, err := svc.SelectRegister(cashierCtx(), device, "o1", "r2")
	require.NoError(t, err)
	assert.Equal(t, "r2", snap.Binding.RegisterID)
	assert.True(t, snap.Cart.Empty())
	assert.Nil(t, snap.Customer)
	assert.Equal(t, pos.ScreenOpenShift, snap.Screen)
}

func TestIdleSessionsAreEvictedAtCapacity(t *testing.T) {
	svc := New(Options{Backend: newFakeBackend(), Repo: memory.New(), MaxDevices: 2})
	svc.idleAfter = 0

	_, err := svc.Snapshot(context.Background(), "till-a")
	require.NoError(t, err)
	_, err = svc.AddProduct(cashierCtx(), "till-b", "p1")
	require.NoError(t, err)

	_, err = svc.Snapshot(context.Background(), "till-c")
	require.NoError(t, err)
	assert.Len(t, svc.sessions, 2)
	assert.NotContains(t, svc.sessions, "till-a")

	_, err = svc.AddProduct(cashierCtx(), "till-a", "p2")
	require.NoError(t, err)
	assert.NotContains(t, svc.sessions, "till-c")

	snap, err := svc.Snapshot(context.Background(), "till-b")
	require.NoError(t, err)
	require.Len(t, snap.Cart.Lines, 1)

	_, err = svc.Snapshot(context.Background(), "till-d")
	assert.ErrorIs(t, err, ErrTooManyDevices)
}
