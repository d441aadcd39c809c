package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Заказы (принадлежат платформе)

type Order struct {
	Code     string
	Secret   string
	Status   string
	Expires  time.Time
	TestMode bool
	Total    decimal.Decimal
}

const (
	OrderStatusPending  = "n"
	OrderStatusPaid     = "p"
	OrderStatusExpired  = "e"
	OrderStatusCanceled = "c"
)

// Платежи

type Payment struct {
	ID        int64
	LocalID   int
	OrderCode string
	Provider  string
	State     string
	Amount    decimal.Decimal
	Info      Info
	CreatedAt time.Time
	// Побочный эффект текущего состояния еще не доставлен в sink
	EffectPending bool
}

const (
	PaymentStateCreated   = "created"
	PaymentStatePending   = "pending"
	PaymentStateConfirmed = "confirmed"
	PaymentStateFailed    = "failed"
	PaymentStateRefunded  = "refunded"
	PaymentStateCanceled  = "canceled"
)

const ProviderTaler = "taler"

// FullID стабильный идентификатор платежа, он же order_id в merchant backend.
func (p Payment) FullID() string {
	return fmt.Sprintf("%s-P-%d", p.OrderCode, p.LocalID)
}

// Возвраты

type Refund struct {
	ID        int64
	LocalID   int
	PaymentID int64
	OrderCode string
	State     string
	Source    string
	Amount    decimal.Decimal
	Comment   string
	Info      Info
	CreatedAt time.Time
	// Ключ дедупликации внешнего возврата (timestamp записи бэкенда)
	ExternalKey   string
	EffectPending bool
}

const (
	RefundStateCreated  = "created"
	RefundStateTransit  = "transit"
	RefundStateDone     = "done"
	RefundStateCanceled = "canceled"
)

const (
	RefundSourceAdmin    = "admin"
	RefundSourceExternal = "external"
)

func (r Refund) FullID() string {
	return fmt.Sprintf("%s-R-%d", r.OrderCode, r.LocalID)
}

// Суммы Taler: от двух до восьми знаков после точки
const (
	amountMinPlaces = 2
	amountMaxPlaces = 8
)

// FormatAmount сумма без округления до двух знаков: 10 -> "10.00", 0.005 -> "0.005".
func FormatAmount(value decimal.Decimal) string {
	places := int32(amountMinPlaces)
	if exp := -value.Exponent(); exp > places {
		places = min(exp, amountMaxPlaces)
	}
	return value.StringFixed(places)
}

// Опрос

type PollTracker struct {
	PaymentID int64
	PollUntil time.Time
}

// Журнал действий

type AuditEntry struct {
	ID        int64
	OrderCode string
	Action    string
	Data      map[string]any
	Datetime  time.Time
}
