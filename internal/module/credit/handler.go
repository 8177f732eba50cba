package credit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kilekitabu/server/internal/shared/errors"
	"github.com/kilekitabu/server/internal/utils/middleware"
)

// Handler handles HTTP requests for credit accounts.
type Handler struct {
	service *Service
}

// NewHandler creates a new credit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the credit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/user/credit", h.GetCreditInfo)
	r.GET("/user/access", h.CheckAccess)
	r.POST("/usage/record", h.RecordUsage)
}

// GetCreditInfo returns the user's credit summary.
func (h *Handler) GetCreditInfo(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	info, err := h.service.CreditInfo(c.Request.Context(), userID)
	if err != nil {
		c.JSON(apperrors.GetStatusCode(err), apperrors.Internal("failed to load credit info", err).ToResponse())
		return
	}

	c.JSON(http.StatusOK, info)
}

// CheckAccess reports whether the user currently has access.
func (h *Handler) CheckAccess(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	decision, err := h.service.CheckAccess(c.Request.Context(), userID)
	if err != nil {
		c.JSON(apperrors.GetStatusCode(err), apperrors.Internal("failed to check access", err).ToResponse())
		return
	}

	c.JSON(http.StatusOK, decision)
}

type recordUsageRequest struct {
	ActionType string `json:"action_type"`
}

// RecordUsage charges today's usage day, if one is due.
func (h *Handler) RecordUsage(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, apperrors.Unauthorized("").ToResponse())
		return
	}

	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest(err.Error()).ToResponse())
		return
	}
	if req.ActionType == "" {
		req.ActionType = "app_usage"
	}

	result, err := h.service.RecordUsage(c.Request.Context(), userID, req.ActionType)
	if err != nil {
		if errors.Is(err, ErrNoCredit) {
			c.JSON(http.StatusPaymentRequired, apperrors.PaymentRequired("no credit remaining").ToResponse())
			return
		}
		c.JSON(apperrors.GetStatusCode(err), apperrors.Internal("failed to record usage", err).ToResponse())
		return
	}

	c.JSON(http.StatusOK, result)
}
