package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrow-service/internal/gateway"
	"escrow-service/internal/models"
	"escrow-service/internal/store"

	"github.com/shopspring/decimal"
)

// memoryStore is an in-memory ledger with the same conditional-write
// semantics as the Postgres store.
type memoryStore struct {
	mu            sync.Mutex
	orders        map[string]*models.Order
	items         map[string][]models.OrderItem
	products      map[string]*models.Product
	variants      map[string]*models.ProductVariant
	notifications []models.Notification
	processed     map[string]string

	failMarkPaid  error
	failDecrement map[string]error
	markPaidCalls int
	failNotifyAt  int // 1-based CreateNotification call that fails
	notifyCalls   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:        make(map[string]*models.Order),
		items:         make(map[string][]models.OrderItem),
		products:      make(map[string]*models.Product),
		variants:      make(map[string]*models.ProductVariant),
		processed:     make(map[string]string),
		failDecrement: make(map[string]error),
	}
}

func (m *memoryStore) addProduct(id, vendorID string, price string, stock int) {
	m.products[id] = &models.Product{ID: id, VendorID: vendorID, Name: id, Price: decimal.RequireFromString(price), StockQuantity: stock}
}

func (m *memoryStore) addVariant(id, productID string, price string, stock int) {
	m.variants[id] = &models.ProductVariant{ID: id, ProductID: productID, Name: id, Price: decimal.RequireFromString(price), StockQuantity: stock}
}

// addPendingOrder seeds an unpaid order holding items
func (m *memoryStore) addPendingOrder(id, buyerID string, items ...models.OrderItem) {
	total := decimal.Zero
	for i := range items {
		items[i].ID = int64(i + 1)
		items[i].OrderID = id
		total = total.Add(items[i].TotalPrice)
	}
	m.orders[id] = &models.Order{
		ID:            id,
		BuyerID:       buyerID,
		BuyerEmail:    buyerID + "@example.com",
		Subtotal:      total,
		Total:         total,
		Status:        models.OrderStatusPendingPayment,
		PaymentStatus: models.PaymentStatusPending,
		EscrowStatus:  models.EscrowStatusNone,
		TrackingUpdates: models.TrackingUpdates{{
			Status: models.OrderStatusPendingPayment, Message: "Order placed; awaiting payment",
		}},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	m.items[id] = items
}

func (m *memoryStore) order(id string) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := *m.orders[id]
	o.TrackingUpdates = append(models.TrackingUpdates(nil), o.TrackingUpdates...)
	return o
}

func (m *memoryStore) productStock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].StockQuantity
}

func (m *memoryStore) variantStock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants[id].StockQuantity
}

func (m *memoryStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	cp := *o
	cp.TrackingUpdates = append(models.TrackingUpdates(nil), o.TrackingUpdates...)
	return &cp, nil
}

func (m *memoryStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) GetOrderItemsByOrderID(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memoryStore) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memoryStore) GetVariantsByIDs(_ context.Context, ids []string) ([]models.ProductVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProductVariant
	for _, id := range ids {
		if v, ok := m.variants[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memoryStore) CreateOrder(_ context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range items {
		items[i].ID = int64(i + 1)
		items[i].OrderID = order.ID
	}
	cp := *order
	m.orders[order.ID] = &cp
	m.items[order.ID] = append([]models.OrderItem(nil), items...)
	return nil
}

func (m *memoryStore) MarkOrderPaid(_ context.Context, orderID, reference string, paidAt time.Time, update models.TrackingUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPaidCalls++
	if m.failMarkPaid != nil {
		return false, m.failMarkPaid
	}
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusPending || o.PaymentReference != nil {
		return false, nil
	}
	ref := reference
	o.PaymentStatus = models.PaymentStatusPaid
	o.PaymentReference = &ref
	o.Status = models.OrderStatusPaymentConfirmed
	o.EscrowStatus = models.EscrowStatusHeld
	o.PaidAt = &paidAt
	o.TrackingUpdates = append(o.TrackingUpdates, update)
	return true, nil
}

func (m *memoryStore) TransitionEscrow(_ context.Context, orderID, from, to, status string, update models.TrackingUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.EscrowStatus != from {
		return false, nil
	}
	o.EscrowStatus = to
	o.Status = status
	o.TrackingUpdates = append(o.TrackingUpdates, update)
	return true, nil
}

func (m *memoryStore) SetCheckoutReference(_ context.Context, orderID, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	ref := reference
	o.CheckoutReference = &ref
	return true, nil
}

func (m *memoryStore) ListStaleCheckouts(_ context.Context, before time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.PaymentStatus == models.PaymentStatusPending && o.CheckoutReference != nil && o.UpdatedAt.Before(before) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) DecrementProductStock(_ context.Context, productID string, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failDecrement[productID]; err != nil {
		return 0, err
	}
	p, ok := m.products[productID]
	if !ok {
		return 0, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	p.StockQuantity = max0(p.StockQuantity - quantity)
	return p.StockQuantity, nil
}

func (m *memoryStore) DecrementVariantStock(_ context.Context, variantID string, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failDecrement[variantID]; err != nil {
		return 0, err
	}
	v, ok := m.variants[variantID]
	if !ok {
		return 0, fmt.Errorf("variant %s: %w", variantID, store.ErrNotFound)
	}
	v.StockQuantity = max0(v.StockQuantity - quantity)
	return v.StockQuantity, nil
}

func (m *memoryStore) GetProducts(_ context.Context) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, p := range m.products {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memoryStore) GetVariants(_ context.Context) ([]models.ProductVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProductVariant
	for _, v := range m.variants {
		out = append(out, *v)
	}
	return out, nil
}

func (m *memoryStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *memoryStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = eventType
	return nil
}

func (m *memoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyCalls++
	if m.notifyCalls == m.failNotifyAt {
		return errStorage
	}
	for _, existing := range m.notifications {
		if existing.ID == n.ID {
			return nil
		}
	}
	n.CreatedAt = time.Now().UTC()
	m.notifications = append(m.notifications, *n)
	return nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func item(vendorID, productID, variantID string, qty int, unit string) models.OrderItem {
	it := models.OrderItem{
		VendorID:   vendorID,
		ProductID:  productID,
		Quantity:   qty,
		UnitPrice:  decimal.RequireFromString(unit),
		TotalPrice: decimal.RequireFromString(unit).Mul(decimal.NewFromInt(int64(qty))),
	}
	if variantID != "" {
		v := variantID
		it.VariantID = &v
	}
	return it
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu          sync.Mutex
	settled     []*models.PaymentSettledEvent
	transitions []*models.EscrowTransitionEvent
	err         error
}

func (p *recordingPublisher) PublishPaymentSettled(_ context.Context, event *models.PaymentSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, event)
	return p.err
}

func (p *recordingPublisher) PublishEscrowTransition(_ context.Context, event *models.EscrowTransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, event)
	return p.err
}

func (p *recordingPublisher) settledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.settled)
}

// recordingMirror stands in for the Redis stock mirror
type recordingMirror struct {
	mu       sync.Mutex
	products map[string]int
	variants map[string]int
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{products: make(map[string]int), variants: make(map[string]int)}
}

func (r *recordingMirror) LowerProductStock(_ context.Context, id string, stock int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.products[id]; ok && cur <= stock {
		return false, nil
	}
	r.products[id] = stock
	return true, nil
}

func (r *recordingMirror) LowerVariantStock(_ context.Context, id string, stock int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.variants[id]; ok && cur <= stock {
		return false, nil
	}
	r.variants[id] = stock
	return true, nil
}

func (r *recordingMirror) SetProductStock(_ context.Context, id string, stock int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[id] = stock
	return nil
}

func (r *recordingMirror) SetVariantStock(_ context.Context, id string, stock int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[id] = stock
	return nil
}

// fakeGateway serves canned transactions by reference
type fakeGateway struct {
	mu           sync.Mutex
	transactions map[string]*gateway.Transaction
	initErr      error
	verifyErr    error
	initialized  []gateway.InitializeRequest
	verifyCalls  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{transactions: make(map[string]*gateway.Transaction)}
}

func (g *fakeGateway) InitializeTransaction(_ context.Context, req gateway.InitializeRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return nil, g.initErr
	}
	g.initialized = append(g.initialized, req)
	return &gateway.Session{
		AuthorizationURL: "https://checkout.example.com/" + req.Reference,
		AccessCode:       "ac_" + req.OrderID,
		Reference:        req.Reference,
	}, nil
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, reference string) (*gateway.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	tx, ok := g.transactions[reference]
	if !ok {
		return nil, gateway.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

var errStorage = errors.New("connection reset by peer")
