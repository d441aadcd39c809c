package sink

import (
	"context"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/store"
)

type storeSink struct {
	store store.Store
}

// NewStoreSink пишет журнал действий и меняет статус заказа в хранилище.
func NewStoreSink(store store.Store) PaymentSink {
	return &storeSink{store: store}
}

func (s *storeSink) PaymentConfirmed(ctx context.Context, payment model.Payment) error {
	order, err := s.store.OrderGet(ctx, payment.OrderCode)
	if err != nil {
		return err
	}
	if order.Status != model.OrderStatusPaid {
		order.Status = model.OrderStatusPaid
		if err = s.store.OrderPut(ctx, order); err != nil {
			return err
		}
	}
	return s.LogAction(ctx, payment.OrderCode, ActionPaymentConfirmed, paymentData(payment, nil))
}

func (s *storeSink) PaymentFailed(ctx context.Context, payment model.Payment, logData map[string]any) error {
	return s.LogAction(ctx, payment.OrderCode, ActionPaymentFailed, paymentData(payment, logData))
}

func (s *storeSink) PaymentRefunded(ctx context.Context, payment model.Payment) error {
	return s.LogAction(ctx, payment.OrderCode, ActionPaymentRefunded, paymentData(payment, nil))
}

func (s *storeSink) RefundDone(ctx context.Context, refund model.Refund) error {
	return s.LogAction(ctx, refund.OrderCode, ActionRefundDone, refundData(refund))
}

func (s *storeSink) ExternalRefundCreated(ctx context.Context, refund model.Refund) error {
	return s.LogAction(ctx, refund.OrderCode, ActionRefundExternal, refundData(refund))
}

func (s *storeSink) LogAction(ctx context.Context, orderCode string, action string, data map[string]any) error {
	return s.store.AuditPost(ctx, model.AuditEntry{
		OrderCode: orderCode,
		Action:    action,
		Data:      data,
	})
}

func paymentData(payment model.Payment, extra map[string]any) map[string]any {
	data := map[string]any{
		"local_id": payment.LocalID,
		"provider": payment.Provider,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func refundData(refund model.Refund) map[string]any {
	return map[string]any{
		"local_id": refund.LocalID,
		"source":   refund.Source,
		"amount":   model.FormatAmount(refund.Amount),
	}
}
