package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/sink/config"
)

// Event сообщение о переходе, публикуемое в Kafka.
type Event struct {
	Event     string         `json:"event"`
	Order     string         `json:"order"`
	PaymentID int64          `json:"paymentId,omitempty"`
	Payment   string         `json:"payment,omitempty"`
	Refund    string         `json:"refund,omitempty"`
	State     string         `json:"state,omitempty"`
	Amount    string         `json:"amount,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type kafkaSink struct {
	writer messageWriter
	now    func() time.Time
}

// NewKafkaWriter ключ сообщения - код заказа, чтобы события заказа шли по порядку.
func NewKafkaWriter(cfg config.Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaSink(writer messageWriter) PaymentSink {
	return &kafkaSink{writer: writer, now: time.Now}
}

func (s *kafkaSink) PaymentConfirmed(ctx context.Context, payment model.Payment) error {
	return s.publish(ctx, paymentEvent(ActionPaymentConfirmed, payment, nil))
}

func (s *kafkaSink) PaymentFailed(ctx context.Context, payment model.Payment, logData map[string]any) error {
	return s.publish(ctx, paymentEvent(ActionPaymentFailed, payment, logData))
}

func (s *kafkaSink) PaymentRefunded(ctx context.Context, payment model.Payment) error {
	return s.publish(ctx, paymentEvent(ActionPaymentRefunded, payment, nil))
}

func (s *kafkaSink) RefundDone(ctx context.Context, refund model.Refund) error {
	return s.publish(ctx, refundEvent(ActionRefundDone, refund))
}

func (s *kafkaSink) ExternalRefundCreated(ctx context.Context, refund model.Refund) error {
	return s.publish(ctx, refundEvent(ActionRefundExternal, refund))
}

func (s *kafkaSink) LogAction(ctx context.Context, orderCode string, action string, data map[string]any) error {
	return s.publish(ctx, Event{Event: action, Order: orderCode, Data: data})
}

func (s *kafkaSink) publish(ctx context.Context, event Event) error {
	event.At = s.now()
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Order),
		Value: value,
	})
}

func paymentEvent(action string, payment model.Payment, data map[string]any) Event {
	return Event{
		Event:     action,
		Order:     payment.OrderCode,
		PaymentID: payment.ID,
		Payment:   payment.FullID(),
		State:     payment.State,
		Amount:    model.FormatAmount(payment.Amount),
		Data:      data,
	}
}

func refundEvent(action string, refund model.Refund) Event {
	return Event{
		Event:     action,
		Order:     refund.OrderCode,
		PaymentID: refund.PaymentID,
		Refund:    refund.FullID(),
		State:     refund.State,
		Amount:    model.FormatAmount(refund.Amount),
		Data:      map[string]any{"source": refund.Source},
	}
}
