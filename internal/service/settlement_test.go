package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlementFixture struct {
	store     *memoryStore
	mirror    *recordingMirror
	publisher *recordingPublisher
	engine    *SettlementEngine
}

func newSettlementFixture() *settlementFixture {
	st := newMemoryStore()
	st.addProduct("p1", "v-1", "2500.00", 10)
	st.addProduct("p2", "v-2", "1000.00", 3)
	st.addVariant("p1-red", "p1", "2750.00", 4)
	st.addPendingOrder("o1", "buyer-1",
		item("v-1", "p1", "p1-red", 2, "2750.00"),
		item("v-2", "p2", "", 1, "1000.00"))

	mirror := newRecordingMirror()
	pub := &recordingPublisher{}
	engine := NewSettlementEngine(st, NewInventoryAdjuster(st, st, mirror), pub)

	return &settlementFixture{store: st, mirror: mirror, publisher: pub, engine: engine}
}

func successRequest(orderID, reference string, source Source) SettlementRequest {
	return SettlementRequest{
		OrderID:       orderID,
		Reference:     reference,
		GatewayStatus: "success",
		Source:        source,
	}
}

func TestSettle_Applied(t *testing.T) {
	f := newSettlementFixture()
	paidAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	req := successRequest("o1", "ORD-o1-1", SourceWebhook)
	req.PaidAt = &paidAt
	outcome, err := f.engine.Settle(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	order := f.store.order("o1")
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusPaymentConfirmed, order.Status)
	assert.Equal(t, models.EscrowStatusHeld, order.EscrowStatus)
	require.NotNil(t, order.PaymentReference)
	assert.Equal(t, "ORD-o1-1", *order.PaymentReference)
	require.NotNil(t, order.PaidAt)
	assert.True(t, paidAt.Equal(*order.PaidAt))
	require.Len(t, order.TrackingUpdates, 2)
	assert.Equal(t, models.OrderStatusPaymentConfirmed, order.TrackingUpdates[1].Status)

	// product and variant counters move independently
	assert.Equal(t, 8, f.store.productStock("p1"))
	assert.Equal(t, 2, f.store.variantStock("p1-red"))
	assert.Equal(t, 2, f.store.productStock("p2"))

	require.Len(t, f.publisher.settled, 1)
	event := f.publisher.settled[0]
	assert.Equal(t, models.EventTypePaymentSettled, event.EventType)
	assert.Equal(t, "buyer-1", event.BuyerID)
	assert.Equal(t, "6500", event.Total.String())
	assert.Equal(t, []string{"v-1", "v-2"}, event.VendorIDs)
	assert.Equal(t, "webhook", event.Source)
}

func TestSettle_ConcurrentCallersApplyOnce(t *testing.T) {
	f := newSettlementFixture()
	sources := []Source{SourceWebhook, SourceClientVerify, SourceReconcile}

	const callers = 24
	outcomes := make([]Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := successRequest("o1", fmt.Sprintf("ORD-o1-%d", i%3), sources[i%len(sources)])
			outcome, err := f.engine.Settle(context.Background(), req)
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeApplied:
			applied++
		case OutcomeAlreadySettled:
		default:
			t.Fatalf("unexpected outcome %q", o)
		}
	}
	assert.Equal(t, 1, applied)

	// stock decremented exactly once
	assert.Equal(t, 8, f.store.productStock("p1"))
	assert.Equal(t, 2, f.store.variantStock("p1-red"))
	assert.Equal(t, 1, f.publisher.settledCount())
	assert.Len(t, f.store.order("o1").TrackingUpdates, 2)
}

func TestSettle_FirstReferenceWins(t *testing.T) {
	f := newSettlementFixture()
	ctx := context.Background()

	outcome, err := f.engine.Settle(ctx, successRequest("o1", "ref-webhook", SourceWebhook))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.engine.Settle(ctx, successRequest("o1", "ref-verify", SourceClientVerify))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, outcome)

	order := f.store.order("o1")
	assert.Equal(t, "ref-webhook", *order.PaymentReference)
	assert.Equal(t, 8, f.store.productStock("p1"))
}

func TestSettle_UnsuccessfulStatusIsRejected(t *testing.T) {
	for _, status := range []string{"failed", "abandoned", "pending", ""} {
		t.Run(status, func(t *testing.T) {
			f := newSettlementFixture()
			req := successRequest("o1", "ORD-o1-1", SourceClientVerify)
			req.GatewayStatus = status

			outcome, err := f.engine.Settle(context.Background(), req)

			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, outcome)
			assert.Zero(t, f.store.markPaidCalls)
			assert.Equal(t, models.PaymentStatusPending, f.store.order("o1").PaymentStatus)
			assert.Equal(t, 10, f.store.productStock("p1"))
		})
	}
}

func TestSettle_MissingIdentifiersAreRejected(t *testing.T) {
	f := newSettlementFixture()

	outcome, err := f.engine.Settle(context.Background(), successRequest("", "ref", SourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	outcome, err = f.engine.Settle(context.Background(), successRequest("o1", "", SourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	assert.Zero(t, f.store.markPaidCalls)
}

func TestSettle_StorageErrorIsReturned(t *testing.T) {
	f := newSettlementFixture()
	f.store.failMarkPaid = errStorage

	outcome, err := f.engine.Settle(context.Background(), successRequest("o1", "ref", SourceWebhook))

	require.ErrorIs(t, err, errStorage)
	assert.Empty(t, outcome)
	assert.Equal(t, 10, f.store.productStock("p1"))
	assert.Zero(t, f.publisher.settledCount())
}

func TestSettle_FollowUpsSurviveCancelledCaller(t *testing.T) {
	f := newSettlementFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := f.engine.Settle(ctx, successRequest("o1", "ref", SourceWebhook))

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 8, f.store.productStock("p1"))
	assert.Equal(t, 1, f.publisher.settledCount())
}

func TestSettle_PublishFailureDoesNotUndoSettlement(t *testing.T) {
	f := newSettlementFixture()
	f.publisher.err = fmt.Errorf("broker down")

	outcome, err := f.engine.Settle(context.Background(), successRequest("o1", "ref", SourceWebhook))

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, f.store.order("o1").IsPaid())
}

func TestEscrowTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("release before settlement is rejected", func(t *testing.T) {
		f := newSettlementFixture()
		outcome, err := f.engine.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, outcome)
		assert.Equal(t, models.EscrowStatusNone, f.store.order("o1").EscrowStatus)
	})

	t.Run("unknown order is rejected", func(t *testing.T) {
		f := newSettlementFixture()
		outcome, err := f.engine.Refund(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, outcome)
	})

	t.Run("release then refund", func(t *testing.T) {
		f := newSettlementFixture()
		_, err := f.engine.Settle(ctx, successRequest("o1", "ref", SourceWebhook))
		require.NoError(t, err)

		outcome, err := f.engine.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		outcome, err = f.engine.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadySettled, outcome)

		outcome, err = f.engine.Refund(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadySettled, outcome)

		order := f.store.order("o1")
		assert.Equal(t, models.EscrowStatusReleased, order.EscrowStatus)
		assert.Equal(t, models.OrderStatusCompleted, order.Status)
		assert.Len(t, order.TrackingUpdates, 3)

		require.Len(t, f.publisher.transitions, 1)
		event := f.publisher.transitions[0]
		assert.Equal(t, models.EventTypeEscrowReleased, event.EventType)
		assert.Equal(t, "buyer-1", event.BuyerID)
		assert.Equal(t, []string{"v-1", "v-2"}, event.VendorIDs)
	})

	t.Run("refund then release", func(t *testing.T) {
		f := newSettlementFixture()
		_, err := f.engine.Settle(ctx, successRequest("o1", "ref", SourceWebhook))
		require.NoError(t, err)

		outcome, err := f.engine.Refund(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		outcome, err = f.engine.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadySettled, outcome)

		order := f.store.order("o1")
		assert.Equal(t, models.EscrowStatusRefunded, order.EscrowStatus)
		assert.Equal(t, models.OrderStatusCancelled, order.Status)
		// refunds do not restock
		assert.Equal(t, 8, f.store.productStock("p1"))
	})
}
