package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/metrics"
	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/service/merchantclient"
	"github.com/iurnickita/talerpay/internal/store"
)

const defaultRefundComment = "Refund"

// RefundSupported возврат возможен, пока до refund_deadline больше трех минут.
func (s *service) RefundSupported(payment model.Payment) bool {
	deadline, ok := payment.Info.Timestamp(model.InfoRefundDeadline)
	if !ok {
		return false
	}
	return deadline.Sub(s.now()) > refundBuffer
}

func (s *service) PartialRefundSupported(payment model.Payment) bool {
	return s.RefundSupported(payment)
}

// CreateRefund возврат, инициированный оператором.
// Если бэкенд возврат не принял, запись остается в состоянии canceled.
func (s *service) CreateRefund(ctx context.Context, paymentID int64, amount decimal.Decimal, comment string) (model.Refund, error) {
	payment, err := s.store.PaymentGet(ctx, paymentID)
	if err != nil {
		return model.Refund{}, notFound(err)
	}
	if payment.State != model.PaymentStateConfirmed || !s.RefundSupported(payment) {
		return model.Refund{}, ErrRefundNotSupported
	}

	refunds, err := s.store.RefundsByPayment(ctx, payment.ID)
	if err != nil {
		return model.Refund{}, err
	}
	available := payment.Amount.Sub(refundedTotal(refunds, model.RefundStateTransit, model.RefundStateDone))
	if !amount.IsPositive() || amount.GreaterThan(available) {
		return model.Refund{}, ErrInvalidAmount
	}

	refund, err := s.store.RefundPost(ctx, model.Refund{
		PaymentID: payment.ID,
		OrderCode: payment.OrderCode,
		State:     model.RefundStateCreated,
		Source:    model.RefundSourceAdmin,
		Amount:    amount,
		Comment:   comment,
		Info:      model.Info{},
	})
	if err != nil {
		return model.Refund{}, err
	}

	refund, err = s.ExecuteRefund(ctx, refund)
	if err != nil {
		canceled := refund
		canceled.State = model.RefundStateCanceled
		if _, putErr := s.store.RefundTransition(ctx, canceled, model.RefundStateCreated); putErr != nil {
			return refund, errors.Join(err, putErr)
		}
		return canceled, err
	}
	return refund, nil
}

// ExecuteRefund отправляет возврат в merchant backend и переводит его в transit.
// Завершение возврата видно только при следующем опросе.
func (s *service) ExecuteRefund(ctx context.Context, refund model.Refund) (model.Refund, error) {
	payment, err := s.store.PaymentGet(ctx, refund.PaymentID)
	if err != nil {
		return refund, notFound(err)
	}
	order, err := s.store.OrderGet(ctx, payment.OrderCode)
	if err != nil {
		return refund, notFound(err)
	}
	orderID, ok := payment.Info.OrderID()
	if !ok {
		return refund, &PaymentError{Message: msgInvalidState, cause: ErrNoOrderID}
	}

	comment := refund.Comment
	if comment == "" {
		comment = defaultRefundComment
	}
	resp, err := s.client.Refund(ctx, orderID, merchantclient.RefundRequest{
		Refund: merchantclient.Amount(s.currency(order), refund.Amount),
		Reason: refund.FullID() + " " + comment,
	})
	if err != nil {
		metrics.RefundsFailed.Inc()
		s.zaplog.Error("taler refund failed",
			zap.String("refund", refund.FullID()),
			zap.Error(err))

		var statusErr *merchantclient.StatusError
		if errors.As(err, &statusErr) {
			return refund, &PaymentError{Message: msgNegative + statusErr.Body, cause: err}
		}
		return refund, &PaymentError{Message: msgUnreachable, cause: err}
	}

	next := refund
	next.Info = resp
	next.State = model.RefundStateTransit
	applied, err := s.store.RefundTransition(ctx, next, model.RefundStateCreated)
	if err != nil {
		return refund, err
	}
	if !applied {
		return refund, ErrStateChanged
	}
	refund = next
	metrics.RefundsTransit.Inc()
	return refund, nil
}

// reconcileRefunds сверяет записи возвратов бэкенда с локальными.
// Свои возвраты узнаются по префиксу "<full_id> " в reason, чужие дедуплицируются по timestamp.
func (s *service) reconcileRefunds(ctx context.Context, payment model.Payment, details []merchantclient.RefundDetail) (model.Payment, error) {
	refunds, err := s.store.RefundsByPayment(ctx, payment.ID)
	if err != nil {
		return payment, err
	}
	for i := range refunds {
		if refunds[i], err = s.deliverRefund(ctx, refunds[i]); err != nil {
			return payment, err
		}
	}

	for _, entry := range details {
		if entry.Pending {
			continue
		}

		if i, ok := matchOwnRefund(refunds, entry.Reason); ok {
			if refunds[i].State != model.RefundStateTransit {
				continue
			}
			done := refunds[i]
			done.State = model.RefundStateDone
			done.EffectPending = true
			applied, err := s.store.RefundTransition(ctx, done, model.RefundStateTransit)
			if err != nil {
				return payment, err
			}
			if !applied {
				// возврат завершил параллельный опрос
				refunds[i].State = model.RefundStateDone
				continue
			}
			metrics.RefundsDone.Inc()
			if refunds[i], err = s.deliverRefund(ctx, done); err != nil {
				return payment, err
			}
			continue
		}

		key := model.DedupKey(entry.Timestamp)
		if hasExternalRefund(refunds, key) {
			continue
		}
		_, amount, err := merchantclient.ParseAmount(entry.Amount)
		if err != nil {
			s.zaplog.Warn("skip refund entry", zap.String("payment", payment.FullID()), zap.Error(err))
			continue
		}
		info := model.Info(entry.Raw)
		if info == nil {
			info = model.Info{"reason": entry.Reason, "pending": entry.Pending, "amount": entry.Amount, model.InfoTimestamp: entry.Timestamp}
		}
		refund, err := s.store.RefundPost(ctx, model.Refund{
			PaymentID:     payment.ID,
			OrderCode:     payment.OrderCode,
			State:         model.RefundStateDone,
			Source:        model.RefundSourceExternal,
			Amount:        amount,
			Info:          info,
			ExternalKey:   key,
			EffectPending: true,
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			// записал параллельный опрос
			continue
		}
		if err != nil {
			return payment, err
		}
		metrics.RefundsExternal.Inc()
		s.zaplog.Info("external refund recorded",
			zap.String("payment", payment.FullID()),
			zap.String("amount", entry.Amount))
		refund, err = s.deliverRefund(ctx, refund)
		refunds = append(refunds, refund)
		if err != nil {
			return payment, err
		}
	}

	if payment.State == model.PaymentStateConfirmed &&
		refundedTotal(refunds, model.RefundStateDone).GreaterThanOrEqual(payment.Amount) {
		refunded := payment
		refunded.State = model.PaymentStateRefunded
		refunded.EffectPending = true
		applied, err := s.store.PaymentTransition(ctx, refunded, model.PaymentStateConfirmed)
		if err != nil {
			return payment, err
		}
		if !applied {
			current, err := s.store.PaymentGet(ctx, payment.ID)
			return current, notFound(err)
		}
		return s.deliverPayment(ctx, refunded)
	}
	return payment, nil
}

func matchOwnRefund(refunds []model.Refund, reason string) (int, bool) {
	for i, r := range refunds {
		if r.Source != model.RefundSourceAdmin {
			continue
		}
		if r.State != model.RefundStateTransit && r.State != model.RefundStateDone {
			continue
		}
		if strings.HasPrefix(reason, r.FullID()+" ") {
			return i, true
		}
	}
	return 0, false
}

func hasExternalRefund(refunds []model.Refund, key string) bool {
	for _, r := range refunds {
		if r.Source == model.RefundSourceExternal && r.ExternalKey == key {
			return true
		}
	}
	return false
}

func refundedTotal(refunds []model.Refund, states ...string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range refunds {
		for _, state := range states {
			if r.State == state {
				total = total.Add(r.Amount)
				break
			}
		}
	}
	return total
}
