package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kilekitabu/server/internal/module/payment/provider"
)

// WebhookHandler handles provider callbacks. Endpoints are unauthenticated;
// each adapter verifies its own signature or shared-secret scheme.
type WebhookHandler struct {
	service *Service
	logger  *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service *Service, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/mpesa", h.handle(provider.NameMpesa))
	// PesaPal delivers IPNs as GET or POST depending on the registration.
	r.POST("/pesapal", h.handle(provider.NamePesapal))
	r.GET("/pesapal", h.handlePesapalGet)
	r.POST("/cybersource", h.handle(provider.NameCybersource))
	r.POST("/stripe", h.handle(provider.NameStripe))
}

func (h *WebhookHandler) handle(providerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		h.process(c, providerName, body)
	}
}

// handlePesapalGet converts a query-string IPN into the JSON shape the
// POST path parses.
func (h *WebhookHandler) handlePesapalGet(c *gin.Context) {
	body := []byte(`{"OrderTrackingId":"` + c.Query("OrderTrackingId") +
		`","OrderMerchantReference":"` + c.Query("OrderMerchantReference") +
		`","OrderNotificationType":"` + c.Query("OrderNotificationType") + `"}`)
	h.process(c, provider.NamePesapal, body)
}

func (h *WebhookHandler) process(c *gin.Context, providerName string, body []byte) {
	headers := map[string]string{
		"Stripe-Signature": c.GetHeader("Stripe-Signature"),
		"V-C-Signature":    c.GetHeader("V-C-Signature"),
	}

	ack, err := h.service.HandleWebhook(c.Request.Context(), providerName, body, headers)
	if err != nil {
		// Providers redeliver on any non-200, so failures are logged and
		// acknowledged. A payment whose resolve failed stays open and the
		// scheduled poll picks it up.
		if errors.Is(err, ErrPaymentNotFound) {
			h.logger.Warn("acknowledging webhook for unknown payment",
				zap.String("provider", providerName),
			)
		} else {
			h.logger.Error("webhook processing failed",
				zap.String("provider", providerName),
				zap.Error(err),
			)
		}
		c.Status(http.StatusOK)
		return
	}

	if ack == "" {
		c.Status(http.StatusOK)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(ack))
}
