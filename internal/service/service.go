package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"kasirinaja/till/internal/cache"
	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/metrics"
	"kasirinaja/till/internal/pos"
	"kasirinaja/till/internal/posapi"
	"kasirinaja/till/internal/store"
	"kasirinaja/till/internal/xid"
)

var (
	ErrDeviceRequired       = errors.New("device id is required")
	ErrNoActor              = errors.New("operator identity required")
	ErrSearchSuperseded     = errors.New("search superseded by a newer query")
	ErrProductNotFound      = errors.New("product not found")
	ErrRegisterNotFound     = errors.New("register not found for outlet")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrAmbiguousTransaction = errors.New("more than one transaction matches")
	ErrDeviceBusy           = errors.New("device is busy with another request")
	ErrTooManyDevices       = errors.New("too many active devices")
)

const (
	maxCatalogEntries = 500
	sessionIdleAfter  = time.Minute
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Backend is the slice of the platform API the till coordinates with.
type Backend interface {
	Init(ctx context.Context) error
	ListOutlets(ctx context.Context) ([]domain.Outlet, error)
	ListRegisters(ctx context.Context, outletID string) ([]domain.Register, error)
	CurrentShift(ctx context.Context, registerID string) (*domain.Shift, error)
	OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (posapi.ShiftCloseResponse, error)
	RecordCashMovement(ctx context.Context, movement domain.CashMovement) error
	ShiftHistory(ctx context.Context, registerID string, limit int) ([]domain.Shift, error)
	SearchProducts(ctx context.Context, query posapi.ProductQuery) ([]domain.Product, error)
	DiscountSettings(ctx context.Context) (posapi.DiscountSettings, error)
	RequestDiscountApproval(ctx context.Context, req domain.DiscountApprovalRequest) (domain.DiscountApprovalResponse, error)
	RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	Returnable(ctx context.Context, transactionID string) (domain.ReturnableResponse, error)
	SubmitReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error)
	SubmitTransaction(ctx context.Context, req domain.TransactionRequest) (domain.TransactionResponse, error)
	QuickAddCustomer(ctx context.Context, req domain.QuickAddCustomerRequest) (domain.QuickAddCustomerResponse, error)
}

type Options struct {
	Backend          Backend
	Repo             store.Repository
	Cache            cache.Cache
	Metrics          *metrics.Metrics
	FallbackPolicies pos.PolicyTable
	TaxRate          decimal.Decimal
	StoreID          string
	StoreName        string
	CacheTTL         time.Duration
	BarcodeTTL       time.Duration
	SearchDebounce   time.Duration
	MaxDevices       int
}

type Service struct {
	backend        Backend
	repo           store.Repository
	cache          cache.Cache
	metrics        *metrics.Metrics
	fallback       pos.PolicyTable
	taxRate        decimal.Decimal
	storeID        string
	storeName      string
	cacheTTL       time.Duration
	barcodeTTL     time.Duration
	searchDebounce time.Duration
	maxDevices     int
	idleAfter      time.Duration
	policyGroup    singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu    sync.Mutex
	state pos.State
	// busy names the backend-bound operation holding the session, if any.
	busy string

	// guarded by Service.mu
	lastSeen time.Time

	searchSeq atomic.Uint64

	catalogMu sync.Mutex
	catalog   map[string]domain.Product
}

func New(opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.Noop{}
	}
	if opts.FallbackPolicies.Validate() != nil {
		opts.FallbackPolicies = pos.BuiltinPolicyTable()
	}
	if opts.StoreID == "" {
		opts.StoreID = "main-store"
	}
	if opts.StoreName == "" {
		opts.StoreName = "KasirinAja POS"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.BarcodeTTL <= 0 {
		opts.BarcodeTTL = 30 * time.Second
	}
	if opts.SearchDebounce < 0 {
		opts.SearchDebounce = 0
	}
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = 256
	}

	return &Service{
		backend:        opts.Backend,
		repo:           opts.Repo,
		cache:          opts.Cache,
		metrics:        opts.Metrics,
		fallback:       opts.FallbackPolicies,
		taxRate:        opts.TaxRate,
		storeID:        opts.StoreID,
		storeName:      opts.StoreName,
		cacheTTL:       opts.CacheTTL,
		barcodeTTL:     opts.BarcodeTTL,
		searchDebounce: opts.SearchDebounce,
		maxDevices:     opts.MaxDevices,
		idleAfter:      sessionIdleAfter,
		sessions:       make(map[string]*session),
	}
}

func (s *Service) TaxRate() decimal.Decimal {
	return s.taxRate
}

func (s *Service) session(deviceID string) (*session, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sess, ok := s.sessions[deviceID]
	if !ok {
		if len(s.sessions) >= s.maxDevices && !s.evictIdle(now) {
			return nil, ErrTooManyDevices
		}
		sess = &session{
			state:   pos.NewState(deviceID),
			catalog: make(map[string]domain.Product),
		}
		s.sessions[deviceID] = sess
	}
	sess.lastSeen = now
	return sess, nil
}

// evictIdle drops the least recently used session that has nothing staged and
// has not been touched for a while. A dropped device restores its binding on
// the next bootstrap. Callers hold s.mu.
func (s *Service) evictIdle(now time.Time) bool {
	var victim string
	var oldest time.Time
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) < s.idleAfter || !sess.idle() {
			continue
		}
		if victim == "" || sess.lastSeen.Before(oldest) {
			victim, oldest = id, sess.lastSeen
		}
	}
	if victim == "" {
		return false
	}
	delete(s.sessions, victim)
	return true
}

func (sess *session) idle() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	st := sess.state
	return sess.busy == "" && st.Cart.Empty() && st.Return == nil && st.PendingApproval == nil && st.Discount == nil && st.Customer == nil
}

// begin claims the session for an operation that calls the backend and
// returns the state it starts from. sess.mu is not held while the caller
// waits on the backend, so reads stay served; other mutations fail with
// ErrDeviceBusy until end is called.
func (sess *session) begin(op string) (pos.State, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkIdle(); err != nil {
		return pos.State{}, err
	}
	sess.busy = op
	return sess.state, nil
}

// checkIdle reports ErrDeviceBusy while a claim is held. Callers hold sess.mu.
func (sess *session) checkIdle() error {
	if sess.busy != "" {
		return fmt.Errorf("%w: %s in progress", ErrDeviceBusy, sess.busy)
	}
	return nil
}

func (sess *session) end() {
	sess.mu.Lock()
	sess.busy = ""
	sess.mu.Unlock()
}

// commit applies actions on behalf of the claim holder.
func (sess *session) commit(actions ...pos.Action) (pos.State, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	err := sess.apply(actions...)
	return sess.state, err
}

// apply runs the actions in order and commits only if all succeed. Callers
// hold sess.mu.
func (sess *session) apply(actions ...pos.Action) error {
	next := sess.state
	for _, action := range actions {
		var err error
		next, err = pos.Reduce(next, action)
		if err != nil {
			return err
		}
	}
	sess.state = next
	return nil
}

func (sess *session) remember(products []domain.Product) {
	sess.catalogMu.Lock()
	defer sess.catalogMu.Unlock()
	if len(sess.catalog)+len(products) > maxCatalogEntries {
		sess.catalog = make(map[string]domain.Product, len(products))
	}
	for _, p := range products {
		sess.catalog[p.ID] = p
	}
}

func (sess *session) known(productID string) (domain.Product, bool) {
	sess.catalogMu.Lock()
	defer sess.catalogMu.Unlock()
	p, ok := sess.catalog[productID]
	return p, ok
}

func (s *Service) Snapshot(_ context.Context, deviceID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state.Snapshot(s.taxRate), nil
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.StaffID) == "" {
		return domain.Actor{}, ErrNoActor
	}
	return actor, nil
}

// syncShift reloads the bound register's shift from the server: after a
// cash-affecting action succeeded, or after the server rejected one. Failures
// are logged; the caller's own outcome stands. Callers hold the session claim,
// not sess.mu.
func (s *Service) syncShift(ctx context.Context, sess *session, reason string) pos.State {
	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if state.Binding == nil {
		return state
	}

	shift, err := s.backend.CurrentShift(ctx, state.Binding.RegisterID)
	if err != nil {
		log.Printf("[service] WARN: shift sync after %s failed device=%s register=%s: %v", reason, state.DeviceID, state.Binding.RegisterID, err)
		return state
	}
	next, err := sess.commit(pos.ShiftLoaded{Shift: shift})
	if err != nil {
		log.Printf("[service] WARN: shift sync after %s rejected device=%s: %v", reason, state.DeviceID, err)
	}
	return next
}

func (s *Service) ListAuditLogs(ctx context.Context, deviceID string, date string, limit int) ([]domain.AuditLog, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", pos.ErrValidation)
		}
		day = parsed.UTC()
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(deviceID), day, day.Add(24*time.Hour), limit)
}

func (s *Service) logAudit(ctx context.Context, deviceID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{StaffID: "system", StaffName: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		DeviceID:   deviceID,
		StaffID:    actor.StaffID,
		StaffName:  actor.StaffName,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
