package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/metrics"
	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/service/config"
	"github.com/iurnickita/talerpay/internal/service/merchantclient"
	"github.com/iurnickita/talerpay/internal/sink"
	"github.com/iurnickita/talerpay/internal/store"
)

type Service interface {
	// Платформа
	PostOrder(ctx context.Context, order model.Order) (model.Order, error)
	GetOrder(ctx context.Context, code string) (model.Order, error)
	GetPayment(ctx context.Context, id int64) (model.Payment, error)
	GetRefunds(ctx context.Context, paymentID int64) ([]model.Refund, error)

	// Жизненный цикл платежа
	CreatePayment(ctx context.Context, orderCode string, amount decimal.Decimal) (model.Payment, string, error)
	ExecutePayment(ctx context.Context, payment model.Payment) (model.Payment, string, error)
	QueryAndProcess(ctx context.Context, payment model.Payment) (model.Payment, error)
	FailPayment(ctx context.Context, payment model.Payment, logData map[string]any) (model.Payment, error)

	// Возвраты
	CreateRefund(ctx context.Context, paymentID int64, amount decimal.Decimal, comment string) (model.Refund, error)
	ExecuteRefund(ctx context.Context, refund model.Refund) (model.Refund, error)
	RefundSupported(payment model.Payment) bool
	PartialRefundSupported(payment model.Payment) bool

	ValidateBackend(ctx context.Context) error
}

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrAlreadyExists      = errors.New("already exists")
	ErrNotFound           = errors.New("not found")
	ErrOrderNotPayable    = errors.New("order is not pending")
	ErrNoOrderID          = errors.New("payment has no order_id")
	ErrRefundNotSupported = errors.New("refund is not supported for this payment")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrStateChanged       = errors.New("payment state changed concurrently")
)

// Сообщения для плательщика и оператора
const (
	msgUnreachable  = "We were unable to contact the payment system. Please try again later."
	msgInvalidState = "Invalid state"
	msgNegative     = "We received a negative response from the payment backend. Response: "
)

// PaymentError ошибка платежного провайдера, которую можно показать пользователю.
// Подробности остаются в причине и попадают только в лог.
type PaymentError struct {
	Message string
	cause   error
}

func (e *PaymentError) Error() string {
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.cause
}

type service struct {
	cfg    config.Config
	store  store.Store
	client merchantclient.MerchantClient
	sink   sink.PaymentSink
	zaplog *zap.Logger
	now    func() time.Time
}

func NewService(cfg config.Config, store store.Store, client merchantclient.MerchantClient, sink sink.PaymentSink, zaplog *zap.Logger) Service {
	if cfg.PollMargin == 0 {
		cfg.PollMargin = config.DefaultPollMargin
	}
	return &service{
		cfg:    cfg,
		store:  store,
		client: client,
		sink:   sink,
		zaplog: zaplog,
		now:    time.Now,
	}
}

func (s *service) PostOrder(ctx context.Context, order model.Order) (model.Order, error) {
	if order.Code == "" || order.Total.IsNegative() {
		return model.Order{}, ErrInsufficientData
	}
	if order.Secret == "" {
		order.Secret = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if order.Status == "" {
		order.Status = model.OrderStatusPending
	}

	err := s.store.OrderPost(ctx, order)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return model.Order{}, ErrAlreadyExists
		}
		return model.Order{}, err
	}
	return order, nil
}

func (s *service) GetOrder(ctx context.Context, code string) (model.Order, error) {
	order, err := s.store.OrderGet(ctx, code)
	return order, notFound(err)
}

func (s *service) GetPayment(ctx context.Context, id int64) (model.Payment, error) {
	payment, err := s.store.PaymentGet(ctx, id)
	return payment, notFound(err)
}

func (s *service) GetRefunds(ctx context.Context, paymentID int64) ([]model.Refund, error) {
	return s.store.RefundsByPayment(ctx, paymentID)
}

// CreatePayment создает платеж по заказу и сразу заводит заказ в merchant backend.
// Нулевая сумма означает "вся сумма заказа".
func (s *service) CreatePayment(ctx context.Context, orderCode string, amount decimal.Decimal) (model.Payment, string, error) {
	order, err := s.store.OrderGet(ctx, orderCode)
	if err != nil {
		return model.Payment{}, "", notFound(err)
	}
	if order.Status != model.OrderStatusPending {
		return model.Payment{}, "", ErrOrderNotPayable
	}
	if amount.IsZero() {
		amount = order.Total
	}
	if !amount.IsPositive() {
		return model.Payment{}, "", ErrInvalidAmount
	}

	payment, err := s.store.PaymentPost(ctx, model.Payment{
		OrderCode: order.Code,
		Provider:  model.ProviderTaler,
		State:     model.PaymentStateCreated,
		Amount:    amount,
		Info:      model.Info{},
	})
	if err != nil {
		return model.Payment{}, "", err
	}
	return s.ExecutePayment(ctx, payment)
}

func (s *service) ExecutePayment(ctx context.Context, payment model.Payment) (model.Payment, string, error) {
	order, err := s.store.OrderGet(ctx, payment.OrderCode)
	if err != nil {
		return payment, "", notFound(err)
	}

	now := s.now().Truncate(time.Second)
	refundAt := refundDeadline(now, s.cfg.Provider.RefundDelay)
	payAt := payDeadline(now, s.cfg.Provider.MaxPayDeadline, order.Expires)

	remote := merchantclient.Order{
		Summary:          "Order " + order.Code + " for " + s.cfg.Event.Name,
		OrderID:          payment.FullID(),
		Amount:           merchantclient.Amount(s.currency(order), payment.Amount),
		PublicReorderURL: s.publicURL("/"),
		FulfillmentURL:   s.publicURL(ReturnPath(order, payment.ID)),
		RefundDeadline:   merchantclient.Timestamp{TS: refundAt.Unix()},
		PayDeadline:      merchantclient.Timestamp{TS: payAt.Unix()},
	}
	if s.cfg.Provider.AutoRefund {
		remote.AutoRefund = &merchantclient.RelativeTime{DUS: refundAt.Sub(now).Microseconds()}
	}

	created, err := s.client.CreateOrder(ctx, merchantclient.PostOrderRequest{Order: remote, CreateToken: true})
	if err != nil {
		return s.createFailed(ctx, payment, err)
	}

	orderID, ok := model.Info(created).OrderID()
	if !ok {
		orderID = remote.OrderID
	}
	// ответ на создание не содержит полей, нужных для опроса
	status, err := s.client.GetOrder(ctx, orderID)
	if err != nil {
		return s.createFailed(ctx, payment, err)
	}

	payload, err := toMap(remote)
	if err != nil {
		return s.createFailed(ctx, payment, err)
	}
	payment.Info = model.Info(payload).Merge(created, status.Raw)
	payment.State = model.PaymentStatePending
	applied, err := s.store.PaymentTransition(ctx, payment, model.PaymentStateCreated)
	if err != nil {
		return payment, "", err
	}
	if !applied {
		return payment, "", &PaymentError{Message: msgInvalidState, cause: ErrStateChanged}
	}

	err = s.store.PollTrackerPost(ctx, model.PollTracker{
		PaymentID: payment.ID,
		PollUntil: laterOf(payAt, refundAt).Add(s.cfg.PollMargin),
	})
	if err != nil {
		return payment, "", err
	}

	metrics.PaymentsPending.Inc()
	s.zaplog.Info("taler order created",
		zap.String("payment", payment.FullID()),
		zap.Time("pay_deadline", payAt),
		zap.Time("refund_deadline", refundAt))

	return payment, ReturnPath(order, payment.ID), nil
}

// createFailed переводит платеж в failed с сообщением бэкенда в info.
func (s *service) createFailed(ctx context.Context, payment model.Payment, cause error) (model.Payment, string, error) {
	s.zaplog.Error("failed to contact Taler merchant backend",
		zap.String("payment", payment.FullID()),
		zap.Error(cause))

	message := cause.Error()
	var statusErr *merchantclient.StatusError
	if errors.As(cause, &statusErr) {
		message = statusErr.Body
	}

	payment.Info = model.Info{"error": true, "message": message}
	payment, err := s.FailPayment(ctx, payment, map[string]any{"message": message})
	if err != nil {
		return payment, "", err
	}
	return payment, "", &PaymentError{Message: msgUnreachable, cause: cause}
}

// QueryAndProcess опрашивает merchant backend и применяет изменения.
// Повторный вызов без изменений на стороне бэкенда только обновляет снимок info.
// Переходы делаются сравнением с состоянием в хранилище, поэтому параллельные опросы
// одного платежа (страница возврата и фоновый опрос) применяют каждый переход один раз.
func (s *service) QueryAndProcess(ctx context.Context, payment model.Payment) (model.Payment, error) {
	// эффект, не доставленный прошлым опросом
	payment, err := s.deliverPayment(ctx, payment)
	if err != nil {
		return payment, err
	}

	orderID, ok := payment.Info.OrderID()
	if !ok {
		failed, err := s.FailPayment(ctx, payment, map[string]any{"reason": "No order_id"})
		if err != nil {
			return failed, err
		}
		return failed, &PaymentError{Message: msgInvalidState, cause: ErrNoOrderID}
	}

	status, err := s.client.GetOrder(ctx, orderID)
	if err != nil {
		metrics.PollFailed.Inc()
		s.zaplog.Error("failed to contact Taler merchant backend",
			zap.String("payment", payment.FullID()),
			zap.Error(err))
		logErr := s.sink.LogAction(ctx, payment.OrderCode, sink.ActionPollFailed, map[string]any{
			"local_id": payment.LocalID,
			"provider": payment.Provider,
			"message":  err.Error(),
		})
		if logErr != nil {
			s.zaplog.Error("poll failure log", zap.Error(logErr))
		}
		return payment, &PaymentError{Message: msgUnreachable, cause: err}
	}
	metrics.PollOK.Inc()

	payment, err = s.applyStatus(ctx, payment, status)
	if err != nil {
		return payment, err
	}

	if len(status.RefundDetails) > 0 {
		return s.reconcileRefunds(ctx, payment, status.RefundDetails)
	}
	return payment, nil
}

// applyStatus подтверждает оплаченный платеж или только обновляет снимок info.
func (s *service) applyStatus(ctx context.Context, payment model.Payment, status merchantclient.OrderStatus) (model.Payment, error) {
	confirm := status.OrderStatus == merchantclient.OrderStatusPaid &&
		!status.Refunded &&
		payment.State != model.PaymentStateConfirmed &&
		payment.State != model.PaymentStateRefunded
	if confirm {
		next := payment
		next.Info = payment.Info.Merge(status.Raw)
		next.State = model.PaymentStateConfirmed
		next.EffectPending = true
		applied, err := s.store.PaymentTransition(ctx, next, payment.State)
		if err != nil {
			return payment, err
		}
		if applied {
			metrics.PaymentsConfirmed.Inc()
			s.zaplog.Info("payment confirmed", zap.String("payment", next.FullID()))
			return s.deliverPayment(ctx, next)
		}
	}

	// перехода нет или его уже сделал другой опрос: состояние берем из хранилища
	if err := s.store.PaymentInfoMerge(ctx, payment.ID, status.Raw); err != nil {
		return payment, notFound(err)
	}
	current, err := s.store.PaymentGet(ctx, payment.ID)
	if err != nil {
		return payment, notFound(err)
	}
	return current, nil
}

// FailPayment переводит платеж в failed. logData попадает в журнал заказа.
// Если платеж тем временем сменил состояние, возвращается текущая запись без перехода.
func (s *service) FailPayment(ctx context.Context, payment model.Payment, logData map[string]any) (model.Payment, error) {
	if payment.State == model.PaymentStateFailed {
		return payment, nil
	}

	next := payment
	next.Info = payment.Info.Merge(map[string]any{model.InfoFailure: logData})
	next.State = model.PaymentStateFailed
	next.EffectPending = true
	applied, err := s.store.PaymentTransition(ctx, next, payment.State)
	if err != nil {
		return payment, err
	}
	if !applied {
		current, err := s.store.PaymentGet(ctx, payment.ID)
		return current, notFound(err)
	}

	if logData["reason"] == "expired" {
		metrics.PaymentsExpired.Inc()
	} else {
		metrics.PaymentsFailed.Inc()
	}
	s.zaplog.Info("payment failed",
		zap.String("payment", next.FullID()),
		zap.Any("data", logData))

	return s.deliverPayment(ctx, next)
}

func (s *service) currency(order model.Order) string {
	if s.cfg.Provider.TestModeKudos && order.TestMode {
		return testCurrency
	}
	return s.cfg.Event.Currency
}

func (s *service) publicURL(path string) string {
	return strings.TrimSuffix(s.cfg.Event.PublicURL, "/") + path
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	return m, json.Unmarshal(b, &m)
}
