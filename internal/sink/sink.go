package sink

import (
	"context"

	"github.com/iurnickita/talerpay/internal/model"
)

// PaymentSink побочные эффекты платформы при переходах состояний.
// Движок решает, когда переход произошел; что из этого следует, решает sink.
type PaymentSink interface {
	PaymentConfirmed(ctx context.Context, payment model.Payment) error
	PaymentFailed(ctx context.Context, payment model.Payment, logData map[string]any) error
	PaymentRefunded(ctx context.Context, payment model.Payment) error
	RefundDone(ctx context.Context, refund model.Refund) error
	ExternalRefundCreated(ctx context.Context, refund model.Refund) error
	LogAction(ctx context.Context, orderCode string, action string, data map[string]any) error
}

// Действия журнала
const (
	ActionPaymentConfirmed = "pretix.event.order.payment.confirmed"
	ActionPaymentFailed    = "pretix.event.order.payment.failed"
	ActionPaymentRefunded  = "pretix.event.order.payment.refunded"
	ActionRefundDone       = "pretix.event.order.refund.done"
	ActionRefundExternal   = "pretix.event.order.refund.created.externally"
	ActionPollFailed       = "pretix_taler.poll_failed"
)

type multi []PaymentSink

// Multi вызывает все sink по порядку и возвращает первую ошибку.
func Multi(sinks ...PaymentSink) PaymentSink {
	return multi(sinks)
}

func (m multi) each(fn func(s PaymentSink) error) error {
	var first error
	for _, s := range m {
		if err := fn(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) PaymentConfirmed(ctx context.Context, payment model.Payment) error {
	return m.each(func(s PaymentSink) error { return s.PaymentConfirmed(ctx, payment) })
}

func (m multi) PaymentFailed(ctx context.Context, payment model.Payment, logData map[string]any) error {
	return m.each(func(s PaymentSink) error { return s.PaymentFailed(ctx, payment, logData) })
}

func (m multi) PaymentRefunded(ctx context.Context, payment model.Payment) error {
	return m.each(func(s PaymentSink) error { return s.PaymentRefunded(ctx, payment) })
}

func (m multi) RefundDone(ctx context.Context, refund model.Refund) error {
	return m.each(func(s PaymentSink) error { return s.RefundDone(ctx, refund) })
}

func (m multi) ExternalRefundCreated(ctx context.Context, refund model.Refund) error {
	return m.each(func(s PaymentSink) error { return s.ExternalRefundCreated(ctx, refund) })
}

func (m multi) LogAction(ctx context.Context, orderCode string, action string, data map[string]any) error {
	return m.each(func(s PaymentSink) error { return s.LogAction(ctx, orderCode, action, data) })
}
