package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OrderService is the checkout side of the ledger
type OrderService interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, []models.OrderItem, error)
}

// PaymentService opens and verifies gateway transactions
type PaymentService interface {
	Initialize(ctx context.Context, req *service.InitializeRequest) (*service.InitializeResponse, error)
	Verify(ctx context.Context, req *service.VerifyRequest) (*service.VerifyResponse, error)
}

// EscrowService performs settlement and the escrow transitions after it
type EscrowService interface {
	Settle(ctx context.Context, req service.SettlementRequest) (service.Outcome, error)
	Release(ctx context.Context, orderID string) (service.Outcome, error)
	Refund(ctx context.Context, orderID string) (service.Outcome, error)
}

// WebhookOptions configures gateway webhook authentication
type WebhookOptions struct {
	Secret           string
	RequireSignature bool
}

// Handler contains HTTP handlers
type Handler struct {
	orders   OrderService
	payments PaymentService
	escrow   EscrowService
	webhook  WebhookOptions
	checks   map[string]func(context.Context) error
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderService, payments PaymentService, escrow EscrowService, webhook WebhookOptions) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		escrow:   escrow,
		webhook:  webhook,
		checks:   make(map[string]func(context.Context) error),
		logger:   util.Named("api"),
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check func(context.Context) error) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/confirm-delivery", h.confirmDelivery)
		v1.POST("/orders/:id/refund", h.refundOrder)

		v1.POST("/payments/initialize", h.initializePayment)
		v1.POST("/payments/verify", h.verifyPayment)

		v1.POST("/webhooks/paystack", h.paystackWebhook)
		v1.OPTIONS("/webhooks/paystack", h.webhookPreflight)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every registered dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if errors.Is(err, service.ErrInvalidOrder) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid order",
			"details": err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, items, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load order", zap.String("order_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load order",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// prometheusMiddleware collects HTTP metrics
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
