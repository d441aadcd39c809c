package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/metrics"
	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/poller/config"
	"github.com/iurnickita/talerpay/internal/service"
	"github.com/iurnickita/talerpay/internal/store"
)

// Stats итог одного прохода.
type Stats struct {
	Selected int
	Polled   int
	Failed   int
	Expired  int
}

type Poller struct {
	cfg     config.Config
	store   store.Store
	service service.Service
	zaplog  *zap.Logger
	now     func() time.Time
}

func NewPoller(cfg config.Config, store store.Store, service service.Service, zaplog *zap.Logger) *Poller {
	if cfg.DeadlineKey == "" {
		cfg.DeadlineKey = model.InfoPayDeadline
	}
	if cfg.NoDeadlineExpiry == 0 {
		cfg.NoDeadlineExpiry = time.Hour
	}
	return &Poller{
		cfg:     cfg,
		store:   store,
		service: service,
		zaplog:  zaplog,
		now:     time.Now,
	}
}

// Start опрашивает по таймеру до отмены контекста.
func (p *Poller) Start(ctx context.Context) {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.zaplog.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce один проход по платежам, которым нужен опрос.
// Ошибка одного платежа не прерывает проход.
func (p *Poller) RunOnce(ctx context.Context) (Stats, error) {
	began := time.Now()
	start := p.now()
	log := p.zaplog.With(zap.String("run_id", uuid.NewString()))

	payments, err := p.selectPayments(ctx, start)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Selected: len(payments)}
	for _, payment := range payments {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if payment.Provider != model.ProviderTaler {
			continue
		}

		payment, err = p.service.QueryAndProcess(ctx, payment)
		if err != nil {
			stats.Failed++
			log.Warn("poll failed", zap.String("payment", payment.FullID()), zap.Error(err))
			continue
		}
		stats.Polled++

		if !p.expired(payment) {
			continue
		}
		failed, err := p.service.FailPayment(ctx, payment, map[string]any{"reason": "expired"})
		if err != nil {
			log.Error("expire payment", zap.String("payment", payment.FullID()), zap.Error(err))
			continue
		}
		// платеж мог подтвердиться параллельно
		if failed.State == model.PaymentStateFailed {
			stats.Expired++
		}
	}

	metrics.SweepDuration.Update(float64(time.Since(began).Milliseconds()))
	log.Info("sweep done",
		zap.Int("selected", stats.Selected),
		zap.Int("polled", stats.Polled),
		zap.Int("failed", stats.Failed),
		zap.Int("expired", stats.Expired))
	return stats, nil
}

// selectPayments платежи по политике выборки плюс платежи с недоставленным эффектом.
func (p *Poller) selectPayments(ctx context.Context, now time.Time) ([]model.Payment, error) {
	var payments []model.Payment
	var err error
	switch p.cfg.Selection {
	case config.SelectionState:
		payments, err = p.store.PaymentsByState(ctx, model.ProviderTaler, model.PaymentStatePending)
	case config.SelectionTracker, "":
		payments, err = p.store.PollTrackerGetActive(ctx, now)
	default:
		return nil, fmt.Errorf("unknown poll selection %q", p.cfg.Selection)
	}
	if err != nil {
		return nil, err
	}

	undelivered, err := p.store.PaymentsEffectPending(ctx, model.ProviderTaler)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(payments))
	for _, payment := range payments {
		seen[payment.ID] = true
	}
	for _, payment := range undelivered {
		if !seen[payment.ID] {
			payments = append(payments, payment)
		}
	}
	return payments, nil
}

// expired неоплаченный платеж с прошедшим сроком оплаты,
// а без срока - созданный больше NoDeadlineExpiry назад.
func (p *Poller) expired(payment model.Payment) bool {
	if payment.State != model.PaymentStateCreated && payment.State != model.PaymentStatePending {
		return false
	}
	now := p.now()
	deadline, ok := payment.Info.Timestamp(p.cfg.DeadlineKey)
	if !ok {
		return now.Sub(payment.CreatedAt) > p.cfg.NoDeadlineExpiry
	}
	return deadline.Before(now)
}
