package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"escrow-service/internal/util"

	"go.uber.org/zap"
)

var (
	// ErrGatewayUnavailable covers network failures, timeouts, non-2xx replies
	// and bodies that cannot be decoded. Callers may retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrTransactionNotFound means the gateway has no record of the reference
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionNotSuccessful means the gateway knows the reference but
	// the transaction is failed, abandoned or still pending
	ErrTransactionNotSuccessful = errors.New("transaction not successful")
)

// StatusSuccess is the gateway's terminal "paid" transaction status
const StatusSuccess = "success"

// Client talks to a Paystack-compatible transaction API
type Client struct {
	baseURL    string
	secretKey  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a gateway client. Every call is bounded by timeout.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     util.Named("gateway"),
	}
}

// InitializeRequest opens a hosted payment session
type InitializeRequest struct {
	OrderID     string
	Email       string
	AmountMinor int64
	CallbackURL string
	Reference   string
}

// Session is the hosted payment page handed back to the buyer
type Session struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Transaction is the gateway's view of a payment
type Transaction struct {
	Status      string
	AmountMinor int64
	Reference   string
	PaidAt      *time.Time
	OrderID     string
}

// Successful reports whether the transaction reached the paid terminal state
func (t *Transaction) Successful() bool {
	return t.Status == StatusSuccess
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializePayload struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Reference   string            `json:"reference,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type transactionData struct {
	Status    string          `json:"status"`
	Reference string          `json:"reference"`
	Amount    int64           `json:"amount"`
	PaidAt    *time.Time      `json:"paid_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (d transactionData) toTransaction() *Transaction {
	return &Transaction{
		Status:      d.Status,
		AmountMinor: d.Amount,
		Reference:   d.Reference,
		PaidAt:      d.PaidAt,
		OrderID:     orderIDFromMetadata(d.Metadata),
	}
}

// InitializeTransaction requests a hosted payment session. The order id is
// attached as metadata so asynchronous callbacks can be correlated.
func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.InitializeTransaction")
	defer span.End()

	payload := initializePayload{
		Email:       req.Email,
		Amount:      req.AmountMinor,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    map[string]string{"order_id": req.OrderID},
	}

	env, status, err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", payload)
	if err != nil {
		util.FailSpan(span, err)
		return nil, err
	}
	if status >= 300 || !env.Status {
		err := fmt.Errorf("%w: initialize rejected (http %d): %s", ErrGatewayUnavailable, status, env.Message)
		util.FailSpan(span, err)
		return nil, err
	}

	var data initializeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize response: %v", ErrGatewayUnavailable, err)
	}

	return &Session{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

// VerifyTransaction looks up a transaction's status by reference
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.VerifyTransaction")
	defer span.End()

	path := "/transaction/verify/" + url.PathEscape(reference)
	env, status, err := c.do(ctx, "verify", http.MethodGet, path, nil)
	if err != nil {
		util.FailSpan(span, err)
		return nil, err
	}

	if isNotFound(env, status) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}
	if status >= 300 {
		err := fmt.Errorf("%w: verify returned http %d: %s", ErrGatewayUnavailable, status, env.Message)
		util.FailSpan(span, err)
		return nil, err
	}

	var data transactionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed verify response: %v", ErrGatewayUnavailable, err)
	}

	return data.toTransaction(), nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body interface{}) (*envelope, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.GatewayRequestDuration.WithLabelValues(operation, "error").Observe(time.Since(start).Seconds())
		c.logger.Warn("Gateway request failed", zap.String("operation", operation), zap.Error(err))
		return nil, 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	util.GatewayRequestDuration.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).
		Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %v", ErrGatewayUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode == http.StatusNotFound {
			return &env, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, fmt.Errorf("%w: malformed response (http %d)", ErrGatewayUnavailable, resp.StatusCode)
	}

	return &env, resp.StatusCode, nil
}

// isNotFound recognises the gateway's "no such reference" replies: a 404, a
// 400 whose message says so, or a 2xx envelope with status false.
func isNotFound(env *envelope, status int) bool {
	switch {
	case status == http.StatusNotFound:
		return true
	case status == http.StatusBadRequest:
		return !env.Status && strings.Contains(strings.ToLower(env.Message), "not found")
	case status < 300:
		return !env.Status
	}
	return false
}

// orderIDFromMetadata reads metadata.order_id. The gateway echoes metadata
// back as an object, an empty string or null depending on how the session
// was opened, and numeric ids are accepted too.
func orderIDFromMetadata(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}

	switch v := meta["order_id"].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
