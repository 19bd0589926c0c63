package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrow-service/internal/gateway"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentService opens gateway sessions and turns gateway confirmations into
// settlement calls
type PaymentService struct {
	ledger  PaymentLedger
	gateway PaymentGateway
	settler Settler
	logger  *zap.Logger
	now     func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(ledger PaymentLedger, gw PaymentGateway, settler Settler) *PaymentService {
	return &PaymentService{
		ledger:  ledger,
		gateway: gw,
		settler: settler,
		logger:  util.Named("payment"),
		now:     time.Now,
	}
}

// InitializeRequest represents a request to open a payment session
type InitializeRequest struct {
	OrderID     string `json:"order_id" binding:"required"`
	Email       string `json:"email" binding:"omitempty,email"`
	CallbackURL string `json:"callback_url" binding:"omitempty,url"`
}

// InitializeResponse carries the hosted payment page
type InitializeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

// Initialize opens a gateway session for the order's total
func (s *PaymentService) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initialize", attribute.String("order_id", req.OrderID))
	defer span.End()

	order, err := s.ledger.GetOrderByID(ctx, req.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}
	if err != nil {
		util.FailSpan(span, err)
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.IsPaid() {
		return nil, ErrAlreadyPaid
	}

	email := req.Email
	if email == "" {
		email = order.BuyerEmail
	}

	session, err := s.gateway.InitializeTransaction(ctx, gateway.InitializeRequest{
		OrderID:     order.ID,
		Email:       email,
		AmountMinor: gateway.ToMinorUnits(order.Total),
		CallbackURL: req.CallbackURL,
		Reference:   fmt.Sprintf("ORD-%s-%d", order.ID, s.now().UnixMilli()),
	})
	if err != nil {
		util.FailSpan(span, err)
		return nil, err
	}

	stored, err := s.ledger.SetCheckoutReference(ctx, order.ID, session.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to record checkout reference: %w", err)
	}
	if !stored {
		// settled between the read above and now
		return nil, ErrAlreadyPaid
	}

	s.logger.Info("Payment session opened",
		zap.String("order_id", order.ID),
		zap.String("reference", session.Reference))

	return &InitializeResponse{
		AuthorizationURL: session.AuthorizationURL,
		Reference:        session.Reference,
	}, nil
}

// VerifyRequest is the browser's post-redirect check
type VerifyRequest struct {
	Reference string `json:"reference"`
	OrderID   string `json:"order_id"`
}

// VerifyResponse reports the gateway's view, in ledger units
type VerifyResponse struct {
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	PaidAt    *time.Time      `json:"paid_at"`
	Outcome   Outcome         `json:"-"`
}

// Verify asks the gateway for the transaction and, when it succeeded and
// the caller named an order, settles that order. An unsuccessful transaction
// returns gateway.ErrTransactionNotSuccessful together with the gateway's
// view so the caller can report its status. The settlement outcome never
// changes the response.
func (s *PaymentService) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Verify",
		attribute.String("reference", req.Reference),
		attribute.String("order_id", req.OrderID))
	defer span.End()

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, ErrMissingReference
	}

	tx, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		util.FailSpan(span, err)
		return nil, err
	}

	resp := &VerifyResponse{
		Status:    tx.Status,
		Amount:    gateway.ToMajorUnits(tx.AmountMinor),
		Reference: tx.Reference,
		PaidAt:    tx.PaidAt,
	}
	if resp.Reference == "" {
		resp.Reference = reference
	}

	if !tx.Successful() {
		s.logger.Info("Verified transaction is not successful",
			zap.String("reference", reference),
			zap.String("status", tx.Status))
		return resp, fmt.Errorf("%w: %s", gateway.ErrTransactionNotSuccessful, tx.Status)
	}
	if req.OrderID == "" {
		return resp, nil
	}

	if tx.OrderID != "" && tx.OrderID != req.OrderID {
		s.logger.Warn("Verify order id does not match transaction metadata; not settling",
			zap.String("order_id", req.OrderID),
			zap.String("metadata_order_id", tx.OrderID),
			zap.String("reference", reference))
		resp.Outcome = OutcomeRejected
		return resp, nil
	}

	outcome, err := s.settler.Settle(ctx, SettlementRequest{
		OrderID:       req.OrderID,
		Reference:     resp.Reference,
		GatewayStatus: tx.Status,
		PaidAt:        tx.PaidAt,
		Source:        SourceClientVerify,
	})
	if err != nil {
		// the webhook or the next reconcile run will settle it
		s.logger.Error("Settlement after verify failed",
			zap.String("order_id", req.OrderID),
			zap.String("reference", reference),
			zap.Error(err))
	}
	resp.Outcome = outcome

	return resp, nil
}

// ReconcileReport tallies one reconciliation sweep
type ReconcileReport struct {
	Examined       int `json:"examined"`
	Applied        int `json:"applied"`
	AlreadySettled int `json:"already_settled"`
	Unpaid         int `json:"unpaid"`
	Missing        int `json:"missing"`
	Errors         int `json:"errors"`
}

// Reconcile re-verifies unpaid orders whose checkout reference is older than
// olderThan and settles the ones the gateway reports as paid. It covers
// webhooks that never arrived from buyers who never returned to the site.
func (s *PaymentService) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (*ReconcileReport, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Reconcile")
	defer span.End()

	orders, err := s.ledger.ListStaleCheckouts(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		util.FailSpan(span, err)
		return nil, fmt.Errorf("failed to list stale checkouts: %w", err)
	}

	report := &ReconcileReport{}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if order.CheckoutReference == nil {
			continue
		}

		report.Examined++
		result := s.reconcileOne(ctx, order.ID, *order.CheckoutReference, report)
		util.ReconcileRunsTotal.WithLabelValues(result).Inc()
	}

	s.logger.Info("Reconciliation finished",
		zap.Int("examined", report.Examined),
		zap.Int("applied", report.Applied),
		zap.Int("errors", report.Errors))
	return report, nil
}

func (s *PaymentService) reconcileOne(ctx context.Context, orderID, reference string, report *ReconcileReport) string {
	log := s.logger.With(zap.String("order_id", orderID), zap.String("reference", reference))

	tx, err := s.gateway.VerifyTransaction(ctx, reference)
	switch {
	case errors.Is(err, gateway.ErrTransactionNotFound):
		report.Missing++
		return "missing"
	case err != nil:
		log.Warn("Reconcile verify failed", zap.Error(err))
		report.Errors++
		return "error"
	case !tx.Successful():
		report.Unpaid++
		return "unpaid"
	}

	outcome, err := s.settler.Settle(ctx, SettlementRequest{
		OrderID:       orderID,
		Reference:     reference,
		GatewayStatus: tx.Status,
		PaidAt:        tx.PaidAt,
		Source:        SourceReconcile,
	})
	if err != nil {
		log.Error("Reconcile settlement failed", zap.Error(err))
		report.Errors++
		return "error"
	}

	switch outcome {
	case OutcomeApplied:
		report.Applied++
	case OutcomeAlreadySettled:
		report.AlreadySettled++
	default:
		report.Unpaid++
	}
	return string(outcome)
}
