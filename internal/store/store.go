package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/store/config"
)

// Store хранилище заказов, платежей и возвратов.
// Конфликтующие записи одной строки сериализуются на уровне хранилища.
type Store interface {
	OrderPost(ctx context.Context, order model.Order) error
	OrderGet(ctx context.Context, code string) (model.Order, error)
	OrderPut(ctx context.Context, order model.Order) error

	PaymentPost(ctx context.Context, payment model.Payment) (model.Payment, error)
	PaymentGet(ctx context.Context, id int64) (model.Payment, error)
	// PaymentTransition пишет state, info и EffectPending, только если платеж сейчас в состоянии from
	// и эффект прошлого перехода доставлен. false - платеж не изменен.
	PaymentTransition(ctx context.Context, payment model.Payment, from string) (bool, error)
	// PaymentInfoMerge дописывает ключи в info, состояние не трогает
	PaymentInfoMerge(ctx context.Context, id int64, info model.Info) error
	// PaymentEffectSwap выставляет EffectPending = pending платежу в состоянии state.
	// false - флаг уже такой или состояние другое.
	PaymentEffectSwap(ctx context.Context, id int64, state string, pending bool) (bool, error)
	PaymentsByState(ctx context.Context, provider string, state string) ([]model.Payment, error)
	PaymentsEffectPending(ctx context.Context, provider string) ([]model.Payment, error)

	PollTrackerPost(ctx context.Context, tracker model.PollTracker) error
	PollTrackerGetActive(ctx context.Context, now time.Time) ([]model.Payment, error)

	// RefundPost возвращает ErrAlreadyExists, если у платежа уже есть возврат с тем же ExternalKey
	RefundPost(ctx context.Context, refund model.Refund) (model.Refund, error)
	RefundGet(ctx context.Context, id int64) (model.Refund, error)
	RefundTransition(ctx context.Context, refund model.Refund, from string) (bool, error)
	RefundEffectSwap(ctx context.Context, id int64, state string, pending bool) (bool, error)
	RefundsByPayment(ctx context.Context, paymentID int64) ([]model.Refund, error)

	AuditPost(ctx context.Context, entry model.AuditEntry) error
	AuditGet(ctx context.Context, orderCode string) ([]model.AuditEntry, error)

	Close() error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
)

func NewStore(cfg config.Config) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemStore(), nil
	case config.DriverPostgres, "":
		return NewPGStore(cfg.DBDsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
