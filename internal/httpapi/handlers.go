package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(clientKey(c.Request)) {
		writeError(c, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token clients send as X-CSRF-Token on
// every mutating request.
func (a *API) handleCSRFToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"csrf_token": a.generateCSRFToken()})
}

func (a *API) handleBootstrap(c *gin.Context) {
	snap, err := a.service.Bootstrap(c.Request.Context(), a.deviceID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleSnapshot(c *gin.Context) {
	snap, err := a.service.Snapshot(c.Request.Context(), a.deviceID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleOutlets(c *gin.Context) {
	outlets, err := a.service.ListOutlets(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outlets": outlets})
}

func (a *API) handleRegisters(c *gin.Context) {
	registers, err := a.service.ListRegisters(c.Request.Context(), c.Param("outletID"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registers": registers})
}

func (a *API) handleSelectRegister(c *gin.Context) {
	var req struct {
		OutletID   string `json:"outlet_id"`
		RegisterID string `json:"register_id"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.SelectRegister(c.Request.Context(), a.deviceID(c), req.OutletID, req.RegisterID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleResetBinding(c *gin.Context) {
	snap, err := a.service.ResetBinding(c.Request.Context(), a.deviceID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleShiftOpen(c *gin.Context) {
	var req struct {
		OpeningFloat *decimal.Decimal `json:"opening_float"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.OpenShift(c.Request.Context(), a.deviceID(c), req.OpeningFloat)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleShiftRefresh(c *gin.Context) {
	snap, err := a.service.RefreshShift(c.Request.Context(), a.deviceID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleCashMovement(c *gin.Context) {
	var req struct {
		Type       string          `json:"type"`
		Amount     decimal.Decimal `json:"amount"`
		Reason     string          `json:"reason"`
		ManagerPIN string          `json:"manager_pin"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if strings.EqualFold(strings.TrimSpace(req.Type), domain.CashOut) && !a.checkManagerPIN(c, req.ManagerPIN) {
		return
	}

	resp, err := a.service.RecordCashMovement(c.Request.Context(), a.deviceID(c), req.Type, req.Amount, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleShiftClose(c *gin.Context) {
	var req struct {
		ActualCash   *decimal.Decimal `json:"actual_cash"`
		ClosingFloat *decimal.Decimal `json:"closing_float"`
		Notes        string           `json:"notes"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CloseShift(c.Request.Context(), a.deviceID(c), req.ActualCash, req.ClosingFloat, req.Notes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) handleShiftHistory(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 20, 100)
	shifts, err := a.service.ShiftHistory(c.Request.Context(), a.deviceID(c), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shifts": shifts})
}

func (a *API) handleProductSearch(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 20, 100)
	products, err := a.service.SearchProducts(c.Request.Context(), a.deviceID(c), c.Query("q"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleCartAdd(c *gin.Context) {
	var req struct {
		ProductID string `json:"product_id"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.AddProduct(c.Request.Context(), a.deviceID(c), req.ProductID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleCartScan(c *gin.Context) {
	var req struct {
		Barcode string `json:"barcode"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.ScanBarcode(c.Request.Context(), a.deviceID(c), req.Barcode)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleCartQuantity(c *gin.Context) {
	var req struct {
		Delta int `json:"delta"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.ChangeQuantity(c.Request.Context(), a.deviceID(c), c.Param("productID"), req.Delta)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleCartRemove(c *gin.Context) {
	snap, err := a.service.RemoveLine(c.Request.Context(), a.deviceID(c), c.Param("productID"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleCartClear(c *gin.Context) {
	snap, err := a.service.ClearCart(c.Request.Context(), a.deviceID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleCustomerSelect(c *gin.Context) {
	var customer domain.Customer
	if err := decodeJSON(c.Request, &customer); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.SelectCustomer(c.Request.Context(), a.deviceID(c), &customer)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleCustomerClear(c *gin.Context) {
	snap, err := a.service.SelectCustomer(c.Request.Context(), a.deviceID(c), nil)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleQuickAddCustomer(c *gin.Context) {
	var req domain.QuickAddCustomerRequest
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.QuickAddCustomer(c.Request.Context(), a.deviceID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if resp.Existing {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (a *API) handleDiscountPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.DiscountPolicies(c.Request.Context()))
}

func (a *API) handleDiscountApply(c *gin.Context) {
	var req domain.CartDiscount
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	result, snap, err := a.service.ApplyDiscount(c.Request.Context(), a.deviceID(c), req.Type, req.Value)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "state": snap})
}

func (a *API) handleDiscountApproval(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.RequestDiscountApproval(c.Request.Context(), a.deviceID(c), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (a *API) handleCheckout(c *gin.Context) {
	var req struct {
		Method   string          `json:"method"`
		Tendered decimal.Decimal `json:"tendered"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.Pay(c.Request.Context(), a.deviceID(c), req.Method, req.Tendered)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleLatestReceipt(c *gin.Context) {
	receipt, err := a.service.LatestReceipt(c.Request.Context(), a.deviceID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (a *API) handleReturnLookup(c *gin.Context) {
	tx, err := a.service.FindTransaction(c.Request.Context(), c.Query("q"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (a *API) handleReturnLoad(c *gin.Context) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.LoadReturn(c.Request.Context(), a.deviceID(c), req.Query)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleReturnToggle(c *gin.Context) {
	snap, err := a.service.ToggleReturnItem(c.Request.Context(), a.deviceID(c), c.Param("productID"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleReturnQty(c *gin.Context) {
	var req struct {
		Qty int `json:"qty"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.SetReturnQty(c.Request.Context(), a.deviceID(c), c.Param("productID"), req.Qty)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleReturnCancel(c *gin.Context) {
	snap, err := a.service.CancelReturn(c.Request.Context(), a.deviceID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleReturnSubmit(c *gin.Context) {
	var req struct {
		RefundMethod string `json:"refund_method"`
		Reason       string `json:"reason"`
		ManagerPIN   string `json:"manager_pin"`
	}
	if err := decodeJSON(c.Request, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(c, req.ManagerPIN) {
		return
	}

	resp, err := a.service.SubmitReturn(c.Request.Context(), a.deviceID(c), req.RefundMethod, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleAuditLogs(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(c.Request.Context(), c.Query("device_id"), c.Query("date"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
