package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/service/merchantclient"
	"github.com/iurnickita/talerpay/internal/sink"
)

// interleavedClient отдает заданный статус, но перед этим один раз выполняет during:
// так второй опрос того же платежа успевает пройти, пока первый ждет ответа бэкенда.
type interleavedClient struct {
	merchantclient.MerchantClient
	during func()
	status merchantclient.OrderStatus
}

func (c *interleavedClient) GetOrder(_ context.Context, orderID string) (merchantclient.OrderStatus, error) {
	if c.during != nil {
		during := c.during
		c.during = nil
		during()
	}
	status := c.status
	status.Raw = map[string]any{"order_id": orderID, "order_status": c.status.OrderStatus}
	return status, nil
}

// flakySink падает заданное число раз на каждом эффекте, потом пишет в хранилище.
type flakySink struct {
	sink.PaymentSink
	failures map[string]int
}

var errSinkDown = errors.New("sink unavailable")

func (f *flakySink) fail(effect string) bool {
	if f.failures[effect] > 0 {
		f.failures[effect]--
		return true
	}
	return false
}

func (f *flakySink) PaymentConfirmed(ctx context.Context, payment model.Payment) error {
	if f.fail(sink.ActionPaymentConfirmed) {
		return errSinkDown
	}
	return f.PaymentSink.PaymentConfirmed(ctx, payment)
}

func (f *flakySink) PaymentFailed(ctx context.Context, payment model.Payment, logData map[string]any) error {
	if f.fail(sink.ActionPaymentFailed) {
		return errSinkDown
	}
	return f.PaymentSink.PaymentFailed(ctx, payment, logData)
}

func (f *flakySink) ExternalRefundCreated(ctx context.Context, refund model.Refund) error {
	if f.fail(sink.ActionRefundExternal) {
		return errSinkDown
	}
	return f.PaymentSink.ExternalRefundCreated(ctx, refund)
}

// withClient второй экземпляр сервиса над тем же хранилищем
func (env *testEnv) withClient(t *testing.T, client merchantclient.MerchantClient) *service {
	t.Helper()
	svc := NewService(env.svc.cfg, env.store, client, sink.NewStoreSink(env.store), zaptest.NewLogger(t)).(*service)
	svc.now = env.svc.now
	return svc
}

func (env *testEnv) withSink(t *testing.T, paymentSink sink.PaymentSink) *service {
	t.Helper()
	svc := NewService(env.svc.cfg, env.store, env.svc.client, paymentSink, zaptest.NewLogger(t)).(*service)
	svc.now = env.svc.now
	return svc
}

func TestConcurrentPollsConfirmOnce(t *testing.T) {
	tests := []struct {
		name  string
		stale string
	}{
		// фоновый опрос получил ответ, отправленный до оплаты
		{name: "stale unpaid response", stale: "unpaid"},
		// оба опроса увидели оплату
		{name: "both see paid", stale: merchantclient.OrderStatusPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			payment := env.pendingPayment(t)
			env.backend.set(func(b *fakeBackend) { b.status["order_status"] = "paid" })

			client := &interleavedClient{status: merchantclient.OrderStatus{OrderStatus: tt.stale}}
			client.during = func() {
				// страница возврата подтверждает платеж
				confirmed, err := env.svc.QueryAndProcess(ctx, payment)
				require.NoError(t, err)
				require.Equal(t, model.PaymentStateConfirmed, confirmed.State)
			}
			sweep := env.withClient(t, client)

			polled, err := sweep.QueryAndProcess(ctx, payment)
			require.NoError(t, err)
			assert.Equal(t, model.PaymentStateConfirmed, polled.State)

			stored, err := env.store.PaymentGet(ctx, payment.ID)
			require.NoError(t, err)
			assert.Equal(t, model.PaymentStateConfirmed, stored.State)

			// следующий опрос с той же устаревшей копией ничего не повторяет
			_, err = env.svc.QueryAndProcess(ctx, payment)
			require.NoError(t, err)

			assert.Len(t, env.audit(t, sink.ActionPaymentConfirmed), 1)
		})
	}
}

func TestConfirmEffectRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.pendingPayment(t)
	env.backend.set(func(b *fakeBackend) { b.status["order_status"] = "paid" })

	svc := env.withSink(t, &flakySink{
		PaymentSink: sink.NewStoreSink(env.store),
		failures:    map[string]int{sink.ActionPaymentConfirmed: 1},
	})

	payment, err := svc.QueryAndProcess(ctx, payment)
	require.ErrorIs(t, err, errSinkDown)
	assert.Equal(t, model.PaymentStateConfirmed, payment.State)

	stored, err := env.store.PaymentGet(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, stored.EffectPending)
	order, err := env.store.OrderGet(ctx, env.order.Code)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, order.Status)

	// такой платеж попадает в фоновый опрос
	undelivered, err := env.store.PaymentsEffectPending(ctx, model.ProviderTaler)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)

	payment, err = svc.QueryAndProcess(ctx, stored)
	require.NoError(t, err)
	assert.False(t, payment.EffectPending)

	order, err = env.store.OrderGet(ctx, env.order.Code)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, order.Status)
	assert.Len(t, env.audit(t, sink.ActionPaymentConfirmed), 1)

	_, err = svc.QueryAndProcess(ctx, payment)
	require.NoError(t, err)
	assert.Len(t, env.audit(t, sink.ActionPaymentConfirmed), 1)
}

func TestExternalRefundEffectRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.confirmedPayment(t)
	env.backend.set(func(b *fakeBackend) {
		b.status["refund_details"] = []any{refundEntry("refunded at the counter", false, "EUR:5.00", 1000)}
	})

	svc := env.withSink(t, &flakySink{
		PaymentSink: sink.NewStoreSink(env.store),
		failures:    map[string]int{sink.ActionRefundExternal: 1},
	})

	_, err := svc.QueryAndProcess(ctx, payment)
	require.ErrorIs(t, err, errSinkDown)
	refunds, err := env.store.RefundsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].EffectPending)
	assert.Empty(t, env.audit(t, sink.ActionRefundExternal))

	_, err = svc.QueryAndProcess(ctx, payment)
	require.NoError(t, err)
	refunds, err = env.store.RefundsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.False(t, refunds[0].EffectPending)
	assert.Len(t, env.audit(t, sink.ActionRefundExternal), 1)
}

func TestFailedEffectRetriedWithLogData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.pendingPayment(t)

	svc := env.withSink(t, &flakySink{
		PaymentSink: sink.NewStoreSink(env.store),
		failures:    map[string]int{sink.ActionPaymentFailed: 1},
	})

	payment, err := svc.FailPayment(ctx, payment, map[string]any{"reason": "expired"})
	require.ErrorIs(t, err, errSinkDown)
	assert.Equal(t, model.PaymentStateFailed, payment.State)
	assert.True(t, payment.EffectPending)

	_, err = svc.QueryAndProcess(ctx, payment)
	require.NoError(t, err)

	failed := env.audit(t, sink.ActionPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "expired", failed[0].Data["reason"])
}

func TestFailPaymentAfterConcurrentConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stale := env.pendingPayment(t)

	env.backend.set(func(b *fakeBackend) { b.status["order_status"] = "paid" })
	_, err := env.svc.QueryAndProcess(ctx, stale)
	require.NoError(t, err)

	// фоновый опрос решил, что срок оплаты истек, по старой копии
	payment, err := env.svc.FailPayment(ctx, stale, map[string]any{"reason": "expired"})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStateConfirmed, payment.State)
	assert.Empty(t, env.audit(t, sink.ActionPaymentFailed))
}
