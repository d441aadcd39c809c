package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/store"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func TestStoreSink(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.OrderPost(ctx, model.Order{Code: "ABC12", Status: model.OrderStatusPending}))
	payment := model.Payment{ID: 1, LocalID: 1, OrderCode: "ABC12", Provider: model.ProviderTaler, State: model.PaymentStateConfirmed}

	s := NewStoreSink(st)
	require.NoError(t, s.PaymentConfirmed(ctx, payment))
	require.NoError(t, s.PaymentFailed(ctx, payment, map[string]any{"reason": "expired"}))

	order, err := st.OrderGet(ctx, "ABC12")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, order.Status)

	entries, err := st.AuditGet(ctx, "ABC12")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionPaymentConfirmed, entries[0].Action)
	assert.Equal(t, ActionPaymentFailed, entries[1].Action)
	assert.Equal(t, "expired", entries[1].Data["reason"])
	assert.Equal(t, "taler", entries[1].Data["provider"])
}

func TestKafkaSink(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	s := NewKafkaSink(writer).(*kafkaSink)
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }

	refund := model.Refund{
		ID:        7,
		LocalID:   2,
		PaymentID: 1,
		OrderCode: "ABC12",
		State:     model.RefundStateDone,
		Source:    model.RefundSourceExternal,
		Amount:    decimal.RequireFromString("5"),
	}
	require.NoError(t, s.ExternalRefundCreated(ctx, refund))

	require.Len(t, writer.messages, 1)
	assert.Equal(t, []byte("ABC12"), writer.messages[0].Key)

	var event Event
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &event))
	assert.Equal(t, ActionRefundExternal, event.Event)
	assert.Equal(t, "ABC12-R-2", event.Refund)
	assert.Equal(t, "5.00", event.Amount)
	assert.Equal(t, "external", event.Data["source"])
	assert.Equal(t, int64(1700000000), event.At.Unix())
}

type countingSink struct {
	PaymentSink
	confirmed int
	err       error
}

func (c *countingSink) PaymentConfirmed(context.Context, model.Payment) error {
	c.confirmed++
	return c.err
}

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	first := &countingSink{err: boom}
	second := &countingSink{}

	err := Multi(first, second).PaymentConfirmed(context.Background(), model.Payment{})
	require.ErrorIs(t, err, boom)
	// ошибка первого не мешает второму
	assert.Equal(t, 1, first.confirmed)
	assert.Equal(t, 1, second.confirmed)
}
