package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/model"
)

// deliverPayment доставляет в sink эффект текущего состояния платежа.
// Флаг снимается до вызова sink, так что эффект забирает только один опрос;
// при ошибке sink флаг возвращается и следующий опрос повторит доставку.
func (s *service) deliverPayment(ctx context.Context, payment model.Payment) (model.Payment, error) {
	if !payment.EffectPending {
		return payment, nil
	}
	claimed, err := s.store.PaymentEffectSwap(ctx, payment.ID, payment.State, false)
	if err != nil {
		return payment, err
	}
	payment.EffectPending = false
	if !claimed {
		return payment, nil
	}

	switch payment.State {
	case model.PaymentStateConfirmed:
		err = s.sink.PaymentConfirmed(ctx, payment)
	case model.PaymentStateRefunded:
		err = s.sink.PaymentRefunded(ctx, payment)
	case model.PaymentStateFailed:
		err = s.sink.PaymentFailed(ctx, payment, failureData(payment))
	}
	if err == nil {
		return payment, nil
	}

	s.zaplog.Warn("payment effect not delivered",
		zap.String("payment", payment.FullID()),
		zap.String("state", payment.State),
		zap.Error(err))
	if _, swapErr := s.store.PaymentEffectSwap(ctx, payment.ID, payment.State, true); swapErr != nil {
		return payment, errors.Join(err, swapErr)
	}
	payment.EffectPending = true
	return payment, err
}

func (s *service) deliverRefund(ctx context.Context, refund model.Refund) (model.Refund, error) {
	if !refund.EffectPending {
		return refund, nil
	}
	claimed, err := s.store.RefundEffectSwap(ctx, refund.ID, refund.State, false)
	if err != nil {
		return refund, err
	}
	refund.EffectPending = false
	if !claimed {
		return refund, nil
	}

	if refund.Source == model.RefundSourceExternal {
		err = s.sink.ExternalRefundCreated(ctx, refund)
	} else {
		err = s.sink.RefundDone(ctx, refund)
	}
	if err == nil {
		return refund, nil
	}

	s.zaplog.Warn("refund effect not delivered",
		zap.String("refund", refund.FullID()),
		zap.Error(err))
	if _, swapErr := s.store.RefundEffectSwap(ctx, refund.ID, refund.State, true); swapErr != nil {
		return refund, errors.Join(err, swapErr)
	}
	refund.EffectPending = true
	return refund, err
}

func failureData(payment model.Payment) map[string]any {
	data, _ := payment.Info[model.InfoFailure].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	return data
}
