package api

import (
	"errors"
	"net/http"

	"escrow-service/internal/gateway"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// paystackWebhook is the at-least-once sink for gateway deliveries. Anything
// other than a 500 tells the gateway to stop retrying.
func (h *Handler) paystackWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.webhookResult(c, http.StatusBadRequest, "unreadable")
		return
	}

	signature := c.GetHeader(gateway.SignatureHeader)
	if signature != "" || h.webhook.RequireSignature {
		if err := gateway.VerifySignature(h.webhook.Secret, body, signature); err != nil {
			h.logger.Warn("Webhook signature rejected", zap.Error(err), zap.String("client_ip", c.ClientIP()))
			h.webhookResult(c, http.StatusUnauthorized, "bad_signature")
			return
		}
	}

	event, err := gateway.ParseEvent(body)
	if err != nil {
		h.logger.Warn("Webhook body rejected", zap.Error(err))
		h.webhookResult(c, http.StatusBadRequest, "malformed")
		return
	}

	charge, ok := event.(*gateway.ChargeSuccessEvent)
	if !ok {
		h.logger.Debug("Ignoring webhook event", zap.String("event", event.Type()))
		h.webhookResult(c, http.StatusOK, "ignored")
		return
	}

	if charge.OrderID == "" {
		h.logger.Warn("charge.success without order_id metadata", zap.String("reference", charge.Reference))
		h.webhookResult(c, http.StatusOK, "no_order")
		return
	}

	outcome, err := h.escrow.Settle(c.Request.Context(), service.SettlementRequest{
		OrderID:       charge.OrderID,
		Reference:     charge.Reference,
		GatewayStatus: charge.Status,
		PaidAt:        charge.PaidAt,
		Source:        service.SourceWebhook,
	})
	if err != nil {
		h.webhookResult(c, http.StatusInternalServerError, "error")
		return
	}

	h.webhookResult(c, http.StatusOK, string(outcome))
}

func (h *Handler) webhookResult(c *gin.Context, status int, result string) {
	util.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	if status == http.StatusOK {
		c.JSON(status, gin.H{"received": true, "result": result})
		return
	}
	c.JSON(status, gin.H{"received": false, "error": result})
}

// webhookPreflight answers CORS preflight requests
func (h *Handler) webhookPreflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, "+gateway.SignatureHeader)
	c.Status(http.StatusOK)
}

// isGatewayError reports whether err came from the payment gateway
func isGatewayError(err error) bool {
	return errors.Is(err, gateway.ErrGatewayUnavailable)
}
