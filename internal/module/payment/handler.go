package payment

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kilekitabu/server/internal/module/payment/provider"
	apperrors "github.com/kilekitabu/server/internal/shared/errors"
	"github.com/kilekitabu/server/internal/utils/middleware"
)

// Handler handles HTTP requests for the payment ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the authenticated payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payment/initiate", h.Initiate)
	r.GET("/payment/status/:id", h.Status)
	r.GET("/payment/history", h.History)
	r.POST("/payment/capture-context", h.CaptureContext)
	r.POST("/payment/cancel/:id", h.Cancel)
	r.POST("/payment/complete/:id", h.CompleteTest)
}

// RegisterCronRoutes registers the scheduler-facing routes. The group is
// expected to carry the cron-secret middleware.
func (h *Handler) RegisterCronRoutes(r *gin.RouterGroup) {
	r.POST("/cron/poll", h.Poll)
}

// Initiate starts a payment with the chosen provider.
func (h *Handler) Initiate(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest(err.Error()).ToResponse())
		return
	}

	resp, err := h.service.Initiate(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, err, "failed to initiate payment")
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// Status returns the payment's current status, confirming with the provider
// when the record is still open.
func (h *Handler) Status(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest("invalid payment id").ToResponse())
		return
	}

	resp, err := h.service.CheckStatus(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err, "failed to check payment status")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// History lists the user's payments, most recent first.
func (h *Handler) History(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	payments, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err, "failed to list payments")
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// CompleteTest resolves a test payment immediately. Only available when test
// payments are enabled.
func (h *Handler) CompleteTest(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest("invalid payment id").ToResponse())
		return
	}

	if err := h.service.CompleteTestPayment(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, ErrTestPaymentsOff) {
			c.JSON(http.StatusForbidden, apperrors.Forbidden("test payments are disabled").ToResponse())
			return
		}
		if errors.Is(err, ErrNotTestPayment) {
			c.JSON(http.StatusConflict, apperrors.NewAppError(
				"NOT_TEST_PAYMENT", "payment is not a test payment",
				http.StatusConflict, err).ToResponse())
			return
		}
		respondError(c, err, "failed to complete test payment")
		return
	}

	resp, err := h.service.CheckStatus(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err, "failed to load payment")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CaptureContext returns a hosted-checkout capture context for card entry.
func (h *Handler) CaptureContext(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	var req CaptureContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest(err.Error()).ToResponse())
		return
	}
	if req.Provider == "" {
		req.Provider = provider.NameCybersource
	}

	captureContext, err := h.service.CaptureContext(c.Request.Context(), req.Provider, req.Amount, req.Currency)
	if err != nil {
		respondError(c, err, "failed to create capture context")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":        req.Provider,
		"capture_context": captureContext,
	})
}

// Cancel abandons an open payment.
func (h *Handler) Cancel(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest("invalid payment id").ToResponse())
		return
	}

	resp, err := h.service.Cancel(c.Request.Context(), userID, id)
	if err != nil {
		if errors.Is(err, ErrNotCancelable) {
			c.JSON(http.StatusConflict, apperrors.NewAppError(
				"NOT_CANCELABLE", "payment can no longer be cancelled",
				http.StatusConflict, err).ToResponse())
			return
		}
		respondError(c, err, "failed to cancel payment")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Poll sweeps open payments and confirms each with its provider.
func (h *Handler) Poll(c *gin.Context) {
	olderThan := 2 * time.Minute
	if v := c.Query("older_than"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			olderThan = d
		}
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	resp, err := h.service.ResolvePending(c.Request.Context(), olderThan, limit)
	if err != nil {
		respondError(c, err, "failed to poll pending payments")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// respondError writes the error in the standard response shape, preserving
// the status and code of application errors.
func respondError(c *gin.Context, err error, fallback string) {
	if errors.Is(err, ErrPaymentNotFound) {
		c.JSON(http.StatusNotFound, apperrors.NotFound("payment").ToResponse())
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	c.JSON(apperrors.GetStatusCode(err), apperrors.Internal(fallback, err).ToResponse())
}
