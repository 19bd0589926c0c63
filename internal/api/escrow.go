package api

import (
	"context"
	"net/http"

	"escrow-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// confirmDelivery releases held escrow to the vendors
func (h *Handler) confirmDelivery(c *gin.Context) {
	h.escrowTransition(c, "release", h.escrow.Release)
}

// refundOrder returns held escrow to the buyer
func (h *Handler) refundOrder(c *gin.Context) {
	h.escrowTransition(c, "refund", h.escrow.Refund)
}

func (h *Handler) escrowTransition(c *gin.Context, action string, fn func(context.Context, string) (service.Outcome, error)) {
	orderID := c.Param("id")

	outcome, err := fn(c.Request.Context(), orderID)
	if err != nil {
		h.logger.Error("Escrow transition failed",
			zap.String("order_id", orderID),
			zap.String("action", action),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "escrow " + action + " failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  outcome != service.OutcomeRejected,
		"order_id": orderID,
		"outcome":  outcome,
	})
}
