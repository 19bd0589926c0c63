package api

import (
	"errors"
	"net/http"

	"escrow-service/internal/gateway"
	"escrow-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// initializePayment opens a hosted payment session for an order
func (h *Handler) initializePayment(c *gin.Context) {
	var req service.InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	resp, err := h.payments.Initialize(c.Request.Context(), &req)
	if err != nil {
		c.JSON(h.paymentErrorStatus(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"authorization_url": resp.AuthorizationURL,
		"reference":         resp.Reference,
	})
}

// verifyPayment reports the gateway's view of a transaction and settles the
// order when the buyer returns from the payment page
func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	resp, err := h.payments.Verify(c.Request.Context(), &req)
	if err != nil {
		body := gin.H{"success": false, "error": err.Error()}
		if resp != nil {
			body["status"] = resp.Status
			body["reference"] = resp.Reference
		}
		c.JSON(h.paymentErrorStatus(err), body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"status":    resp.Status,
		"amount":    resp.Amount,
		"reference": resp.Reference,
		"paid_at":   resp.PaidAt,
	})
}

func (h *Handler) paymentErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrMissingReference):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, gateway.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyPaid):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrTransactionNotSuccessful):
		return http.StatusPaymentRequired
	case isGatewayError(err):
		return http.StatusBadGateway
	default:
		h.logger.Error("Payment request failed", zap.Error(err))
		return http.StatusInternalServerError
	}
}
