package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"pos-terminal/internal/checkout"
	"pos-terminal/internal/gateway"
	"pos-terminal/internal/models"
	"pos-terminal/internal/shift"
	"pos-terminal/internal/terminal"
	"pos-terminal/internal/transport"
	"pos-terminal/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains the HTTP surface the UI layer calls.
type Handler struct {
	terminal  *terminal.Terminal
	transport *transport.Transport
	gateway   *gateway.Client
}

// NewHandler creates a new HTTP handler.
func NewHandler(term *terminal.Terminal, tr *transport.Transport, gw *gateway.Client) *Handler {
	return &Handler{
		terminal:  term,
		transport: tr,
		gateway:   gw,
	}
}

// SetupRoutes sets up HTTP routes.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/shifts/open", h.openShift)
		v1.GET("/shifts/current", h.currentShift)
		v1.GET("/shifts/z-report", h.zReport)
		v1.POST("/shifts/close", h.closeShift)

		v1.POST("/checkout/open", h.openCheckout)
		v1.GET("/checkout", h.checkoutSnapshot)
		v1.POST("/checkout/tenders", h.creditTender)
		v1.POST("/checkout/finalize", h.finalizeCheckout)
		v1.POST("/checkout/cancel", h.cancelCheckout)

		v1.POST("/payments/push", h.pushPayment)
		v1.GET("/payments/orphans", h.orphans)
		v1.GET("/payments/gateway-status", h.gatewayStatus)

		v1.GET("/transport/status", h.transportStatus)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type openShiftRequest struct {
	StaffID      int64   `json:"staff_id" binding:"required"`
	OpeningFloat float64 `json:"opening_float"`
}

func (h *Handler) openShift(c *gin.Context) {
	var req openShiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	opened, err := h.terminal.OpenShift(req.StaffID, req.OpeningFloat)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, opened)
}

func (h *Handler) currentShift(c *gin.Context) {
	staffID, ok := staffIDQuery(c)
	if !ok {
		return
	}
	current, found := h.terminal.CurrentShift(staffID)
	if !found {
		c.JSON(http.StatusOK, gin.H{"shift": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shift": current})
}

func (h *Handler) zReport(c *gin.Context) {
	staffID, ok := staffIDQuery(c)
	if !ok {
		return
	}
	report, err := h.terminal.ZReport(staffID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type closeShiftRequest struct {
	StaffID    int64   `json:"staff_id" binding:"required"`
	ActualCash float64 `json:"actual_cash"`
}

func (h *Handler) closeShift(c *gin.Context) {
	var req closeShiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	closed, err := h.terminal.CloseShift(c.Request.Context(), req.StaffID, req.ActualCash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

type openCheckoutRequest struct {
	StaffID      int64   `json:"staff_id" binding:"required"`
	CustomerID   int64   `json:"customer_id"`
	TargetAmount float64 `json:"target_amount" binding:"required"`
}

func (h *Handler) openCheckout(c *gin.Context) {
	var req openCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	snap, err := h.terminal.OpenCheckout(req.StaffID, req.CustomerID, req.TargetAmount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) checkoutSnapshot(c *gin.Context) {
	snap, ok := h.terminal.Snapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active checkout"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type creditTenderRequest struct {
	Method    string  `json:"method" binding:"required"`
	Amount    float64 `json:"amount" binding:"required"`
	Subtype   string  `json:"subtype"`
	Reference string  `json:"reference"`
}

func (h *Handler) creditTender(c *gin.Context) {
	var req creditTenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	// A hand-typed mobile-money code is verified before it is credited.
	if req.Method == models.MethodMobile && req.Reference != "" && h.gateway != nil {
		if !h.gateway.VerifyManualCode(c.Request.Context(), req.Reference) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "reference code rejected"})
			return
		}
	}

	snap, err := h.terminal.CreditTender(req.Method, req.Amount, req.Subtype, req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) finalizeCheckout(c *gin.Context) {
	sale, err := h.terminal.Finalize(c.Request.Context())
	if errors.Is(err, checkout.ErrFinalizePending) {
		// Duplicate trigger inside the debounce window; already in progress.
		c.JSON(http.StatusAccepted, gin.H{"status": "finalizing"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

func (h *Handler) cancelCheckout(c *gin.Context) {
	if err := h.terminal.CancelCheckout(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type pushPaymentRequest struct {
	Phone string `json:"phone" binding:"required"`
}

func (h *Handler) pushPayment(c *gin.Context) {
	var req pushPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	requestID, err := h.terminal.InitiatePushPayment(c.Request.Context(), req.Phone)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID})
}

func (h *Handler) orphans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orphans": h.terminal.Orphans()})
}

func (h *Handler) gatewayStatus(c *gin.Context) {
	configured := h.gateway != nil && h.gateway.Configured()
	c.JSON(http.StatusOK, gin.H{"configured": configured})
}

func (h *Handler) transportStatus(c *gin.Context) {
	state := transport.StateDisconnected
	if h.transport != nil {
		state = h.transport.State()
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func staffIDQuery(c *gin.Context) (int64, bool) {
	staffID, err := strconv.ParseInt(c.Query("staff_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid staff_id"})
		return 0, false
	}
	return staffID, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// respondError maps expected domain conditions to client errors; anything
// unrecognized is a 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, shift.ErrShiftAlreadyOpen),
		errors.Is(err, terminal.ErrCheckoutActive):
		status = http.StatusConflict
	case errors.Is(err, shift.ErrNoOpenShift),
		errors.Is(err, terminal.ErrNoActiveCheckout):
		status = http.StatusNotFound
	case errors.Is(err, shift.ErrNegativeFloat),
		errors.Is(err, shift.ErrNegativeCash),
		errors.Is(err, checkout.ErrInvalidTarget),
		errors.Is(err, checkout.ErrInvalidAmount),
		errors.Is(err, terminal.ErrShiftRequired):
		status = http.StatusBadRequest
	case errors.Is(err, checkout.ErrDuplicateReference),
		errors.Is(err, checkout.ErrSessionClosed),
		errors.Is(err, checkout.ErrNotSettled),
		errors.Is(err, checkout.ErrNotOpen),
		errors.Is(err, checkout.ErrCreditDeclined):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// prometheusMiddleware collects HTTP metrics.
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
