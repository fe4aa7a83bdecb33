package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"kasirinaja/till/internal/pos"
	"kasirinaja/till/internal/posapi"
	"kasirinaja/till/internal/service"
	"kasirinaja/till/internal/store"
)

const (
	deviceHeader = "X-Device-ID"
	maxBodyBytes = 1 << 20
)

type Options struct {
	AllowedOrigin   string
	DefaultDeviceID string
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	defaultDevice string
	metrics       http.Handler
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: strings.TrimSpace(opts.AllowedOrigin),
		defaultDevice: strings.TrimSpace(opts.DefaultDeviceID),
		metrics:       opts.Metrics,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current or previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), a.securityHeaders, a.limitBody, a.corsMiddleware(), a.checkCSRF, requestLog)

	r.GET("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", a.handleLogin)
	v1.GET("/auth/csrf-token", a.handleCSRFToken)

	api := v1.Group("", a.requireAuth())
	{
		api.POST("/session/bootstrap", a.handleBootstrap)
		api.GET("/session", a.handleSnapshot)
		api.POST("/session/register", a.handleSelectRegister)
		api.DELETE("/session/register", a.handleResetBinding)
		api.GET("/outlets", a.handleOutlets)
		api.GET("/outlets/:outletID/registers", a.handleRegisters)

		api.POST("/shift/open", a.handleShiftOpen)
		api.POST("/shift/refresh", a.handleShiftRefresh)
		api.POST("/shift/cash-movements", a.handleCashMovement)
		api.POST("/shift/close", a.handleShiftClose)
		api.GET("/shift/history", a.handleShiftHistory)

		api.GET("/products/search", a.handleProductSearch)
		api.POST("/cart/items", a.handleCartAdd)
		api.POST("/cart/scan", a.handleCartScan)
		api.PATCH("/cart/items/:productID", a.handleCartQuantity)
		api.DELETE("/cart/items/:productID", a.handleCartRemove)
		api.DELETE("/cart", a.handleCartClear)
		api.POST("/cart/customer", a.handleCustomerSelect)
		api.DELETE("/cart/customer", a.handleCustomerClear)
		api.POST("/customers/quick-add", a.handleQuickAddCustomer)

		api.GET("/discounts/policy", a.handleDiscountPolicy)
		api.POST("/cart/discount", a.handleDiscountApply)
		api.POST("/cart/discount/approval", a.handleDiscountApproval)

		api.POST("/checkout", a.handleCheckout)
		api.GET("/receipts/latest", a.handleLatestReceipt)

		api.GET("/returns/lookup", a.handleReturnLookup)
		api.POST("/returns", a.handleReturnLoad)
		api.POST("/returns/items/:productID/toggle", a.handleReturnToggle)
		api.PATCH("/returns/items/:productID", a.handleReturnQty)
		api.DELETE("/returns", a.handleReturnCancel)
		api.POST("/returns/submit", a.handleReturnSubmit)

		api.GET("/audit-logs", requireRole("manager", "admin"), a.handleAuditLogs)
	}

	return r
}

func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			abortError(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			abortError(c, http.StatusUnauthorized, err)
			return
		}

		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := service.ActorFromContext(c.Request.Context())
		if !ok || !slices.Contains(roles, actor.Role) {
			abortError(c, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		c.Next()
	}
}

func (a *API) securityHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	c.Next()
}

func (a *API) limitBody(c *gin.Context) {
	if c.Request.Body != nil && isMutating(c.Request.Method) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	}
	c.Next()
}

func (a *API) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-CSRF-Token", deviceHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if a.allowedOrigin == "" || a.allowedOrigin == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = []string{a.allowedOrigin}
	}
	return cors.New(cfg)
}

// csrfExemptPaths are called before a client can have fetched a token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(c *gin.Context) {
	if !isMutating(c.Request.Method) || slices.Contains(csrfExemptPaths, c.Request.URL.Path) {
		c.Next()
		return
	}
	if !a.validateCSRFToken(strings.TrimSpace(c.GetHeader("X-CSRF-Token"))) {
		abortError(c, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return
	}
	c.Next()
}

func requestLog(c *gin.Context) {
	startedAt := time.Now()
	c.Next()
	log.Printf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(startedAt))
}

func isMutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch || method == http.MethodDelete
}

// deviceID names the till a request acts for. Single-till installs may omit it.
func (a *API) deviceID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(deviceHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.Query("device_id")); id != "" {
		return id
	}
	return a.defaultDevice
}

// checkManagerPIN guards operations that move money out of the drawer.
func (a *API) checkManagerPIN(c *gin.Context, pin string) bool {
	if !a.pinLimiter.Allow(clientKey(c.Request)) {
		writeError(c, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(c, http.StatusForbidden, errors.New("manager PIN required"))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pos.ErrValidation), errors.Is(err, service.ErrDeviceRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoActor), errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrRegisterNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, store.ErrNotFound),
		posapi.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, pos.ErrShiftAlreadyOpen),
		errors.Is(err, service.ErrAmbiguousTransaction),
		errors.Is(err, service.ErrSearchSuperseded),
		errors.Is(err, service.ErrDeviceBusy),
		posapi.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, service.ErrTooManyDevices):
		return http.StatusServiceUnavailable
	case errors.Is(err, pos.ErrNoBinding),
		errors.Is(err, pos.ErrNoOpenShift),
		errors.Is(err, pos.ErrEmptyCart),
		errors.Is(err, pos.ErrInsufficientTender),
		errors.Is(err, pos.ErrLineNotFound),
		errors.Is(err, pos.ErrNoPendingApproval),
		errors.Is(err, pos.ErrNoActiveReturn),
		errors.Is(err, pos.ErrReturnItemNotFound),
		errors.Is(err, pos.ErrNothingReturnable),
		errors.Is(err, pos.ErrReturnItemNotChosen):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var apiErr *posapi.APIError
	if errors.Is(err, posapi.ErrUnavailable) || errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	writeError(c, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeError hides internal failures. Backend answers (502) keep the
// backend's own wording.
func writeError(c *gin.Context, status int, err error) {
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func abortError(c *gin.Context, status int, err error) {
	writeError(c, status, err)
	c.Abort()
}
