package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/posapi"
	"kasirinaja/till/internal/service"
	"kasirinaja/till/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testDevice = "till-1"

// platform is a stand-in for the store backend the till talks to.
type platform struct {
	mu           sync.Mutex
	shift        *domain.Shift
	transactions []domain.TransactionRequest
	returns      []domain.ReturnRequest
}

func (p *platform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req domain.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch {
		case req.Username == "sari" && req.Password == "secret":
			writeTestJSON(w, http.StatusOK, map[string]any{"staff": domain.Staff{ID: "s1", Name: "Sari", Role: "cashier"}})
		case req.Username == "maya" && req.Password == "secret":
			writeTestJSON(w, http.StatusOK, map[string]any{"staff": domain.Staff{ID: "m1", Name: "Maya", Role: "Manager"}})
		default:
			writeTestJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid username or password"})
		}
	})
	mux.HandleFunc("POST /pos/init", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{})
	})
	mux.HandleFunc("GET /pos/outlets", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"outlets": []domain.Outlet{{ID: "o1", Name: "Main"}}})
	})
	mux.HandleFunc("GET /pos/registers", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"registers": []domain.Register{{ID: "r1", Name: "Till 1", OutletID: "o1"}}})
	})
	mux.HandleFunc("GET /pos/shifts/current", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.shift == nil {
			writeTestJSON(w, http.StatusNotFound, map[string]any{"error": "no open shift"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"shift": p.shift})
	})
	mux.HandleFunc("POST /pos/shifts/open", func(w http.ResponseWriter, r *http.Request) {
		var req domain.ShiftOpenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.shift != nil {
			writeTestJSON(w, http.StatusConflict, map[string]any{"error": "Shift already open for this register"})
			return
		}
		p.shift = &domain.Shift{ID: "sh1", RegisterID: req.RegisterID, Status: domain.ShiftStatusOpen, OpeningFloat: req.OpeningFloat, ExpectedCash: req.OpeningFloat}
		writeTestJSON(w, http.StatusCreated, map[string]any{"shift": p.shift})
	})
	mux.HandleFunc("POST /pos/cash-movements", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusCreated, map[string]any{})
	})
	mux.HandleFunc("GET /pos/products", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"products": []domain.Product{
			{ID: "p1", Name: "Kopi Susu", SKU: "KS-01", Barcode: "899100", Price: decimal.NewFromInt(10), Stock: 50},
		}})
	})
	mux.HandleFunc("GET /pos/discount-settings", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "settings unavailable"})
	})
	mux.HandleFunc("POST /pos/transactions", func(w http.ResponseWriter, r *http.Request) {
		var req domain.TransactionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		p.mu.Lock()
		p.transactions = append(p.transactions, req)
		p.mu.Unlock()
		writeTestJSON(w, http.StatusCreated, domain.TransactionResponse{ID: "tx-1", TransactionNumber: "TRX-0001"})
	})
	mux.HandleFunc("GET /pos/transactions", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"transactions": []domain.Transaction{{ID: "tx-9", TransactionNumber: "TRX-0009"}}})
	})
	mux.HandleFunc("GET /pos/transactions/{id}/returnable", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, domain.ReturnableResponse{
			Transaction:     domain.Transaction{ID: r.PathValue("id"), TransactionNumber: "TRX-0009"},
			ReturnableItems: []domain.ReturnableItem{{ProductID: "p1", Name: "Kopi Susu", Price: decimal.NewFromInt(10), OriginalQty: 2}},
		})
	})
	mux.HandleFunc("POST /pos/returns", func(w http.ResponseWriter, r *http.Request) {
		var req domain.ReturnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		p.mu.Lock()
		p.returns = append(p.returns, req)
		p.mu.Unlock()
		writeTestJSON(w, http.StatusCreated, domain.ReturnResponse{ReturnNumber: "RET-0001"})
	})
	return mux
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newTestAPI wires the real service and auth manager to a fake platform so
// handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *platform) {
	t.Helper()
	p := &platform{}
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	client := posapi.New(posapi.Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	svc := service.New(service.Options{
		Backend: client,
		Repo:    memory.New(),
		TaxRate: decimal.RequireFromString("0.10"),
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", client)
	return New(svc, auth, Options{AllowedOrigin: "*", DefaultDeviceID: testDevice}), p
}

type call struct {
	method string
	path   string
	token  string
	csrf   string
	body   any
}

func serve(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if c.body != nil {
		var err error
		payload, err = json.Marshal(c.body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(c.method, c.path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:5000"
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, username string) string {
	t.Helper()
	rec := serve(t, h, call{method: http.MethodPost, path: "/api/v1/auth/login", body: domain.LoginRequest{Username: username, Password: "secret"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func fetchCSRFToken(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := serve(t, h, call{method: http.MethodGet, path: "/api/v1/auth/csrf-token"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error
}
