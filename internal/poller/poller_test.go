package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/poller/config"
	"github.com/iurnickita/talerpay/internal/service"
	"github.com/iurnickita/talerpay/internal/store"
)

var testNow = time.Unix(1_700_000_000, 0)

// fakeService подменяет опрос бэкенда; остальные методы не используются.
type fakeService struct {
	service.Service
	mu      sync.Mutex
	errs    map[int64]error
	states  map[int64]string
	polled  []int64
	expired []int64
	// платежи, подтвержденные параллельно с истечением срока
	raced map[int64]bool
}

func newFakeService() *fakeService {
	return &fakeService{errs: map[int64]error{}, states: map[int64]string{}, raced: map[int64]bool{}}
}

func (f *fakeService) QueryAndProcess(_ context.Context, payment model.Payment) (model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, payment.ID)
	if err := f.errs[payment.ID]; err != nil {
		return payment, err
	}
	if state, ok := f.states[payment.ID]; ok {
		payment.State = state
	}
	return payment, nil
}

func (f *fakeService) FailPayment(_ context.Context, payment model.Payment, logData map[string]any) (model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raced[payment.ID] {
		payment.State = model.PaymentStateConfirmed
		return payment, nil
	}
	if logData["reason"] == "expired" {
		f.expired = append(f.expired, payment.ID)
	}
	payment.State = model.PaymentStateFailed
	return payment, nil
}

func (f *fakeService) polledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polled)
}

func deadline(t time.Time) map[string]any {
	return map[string]any{"t_s": t.Unix()}
}

type fixture struct {
	store store.Store
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemStore(), ctx: context.Background()}
	require.NoError(t, f.store.OrderPost(f.ctx, model.Order{Code: "ABC12", Secret: "s", Status: model.OrderStatusPending}))
	return f
}

func (f *fixture) payment(t *testing.T, state string, createdAt time.Time, info model.Info, pollUntil time.Time) model.Payment {
	t.Helper()
	payment, err := f.store.PaymentPost(f.ctx, model.Payment{
		OrderCode: "ABC12",
		Provider:  model.ProviderTaler,
		State:     state,
		Amount:    decimal.RequireFromString("10"),
		Info:      info,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	if !pollUntil.IsZero() {
		require.NoError(t, f.store.PollTrackerPost(f.ctx, model.PollTracker{PaymentID: payment.ID, PollUntil: pollUntil}))
	}
	return payment
}

func newTestPoller(t *testing.T, cfg config.Config, st store.Store, svc service.Service) *Poller {
	p := NewPoller(cfg, st, svc, zaptest.NewLogger(t))
	p.now = func() time.Time { return testNow }
	return p
}

func TestRunOnceTracker(t *testing.T) {
	f := newFixture(t)
	until := testNow.Add(24 * time.Hour)

	waiting := f.payment(t, model.PaymentStatePending, testNow, model.Info{model.InfoPayDeadline: deadline(testNow.Add(time.Hour))}, until)
	overdue := f.payment(t, model.PaymentStatePending, testNow, model.Info{model.InfoPayDeadline: deadline(testNow.Add(-time.Minute))}, until)
	broken := f.payment(t, model.PaymentStatePending, testNow, model.Info{model.InfoPayDeadline: deadline(testNow.Add(-time.Minute))}, until)
	paid := f.payment(t, model.PaymentStatePending, testNow, model.Info{model.InfoPayDeadline: deadline(testNow.Add(-time.Minute))}, until)
	stale := f.payment(t, model.PaymentStatePending, testNow, model.Info{}, testNow.Add(-time.Second))

	svc := newFakeService()
	svc.errs[broken.ID] = errors.New("backend down")
	svc.states[paid.ID] = model.PaymentStateConfirmed

	p := newTestPoller(t, config.Config{Selection: config.SelectionTracker}, f.store, svc)
	stats, err := p.RunOnce(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, Stats{Selected: 4, Polled: 3, Failed: 1, Expired: 1}, stats)
	assert.ElementsMatch(t, []int64{waiting.ID, overdue.ID, broken.ID, paid.ID}, svc.polled)
	assert.NotContains(t, svc.polled, stale.ID)
	assert.Equal(t, []int64{overdue.ID}, svc.expired)
}

func TestRunOnceStateSelection(t *testing.T) {
	f := newFixture(t)

	pending := f.payment(t, model.PaymentStatePending, testNow, model.Info{}, time.Time{})
	f.payment(t, model.PaymentStateConfirmed, testNow, model.Info{}, time.Time{})
	f.payment(t, model.PaymentStateFailed, testNow, model.Info{}, time.Time{})

	svc := newFakeService()
	p := newTestPoller(t, config.Config{Selection: config.SelectionState}, f.store, svc)
	stats, err := p.RunOnce(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Selected)
	assert.Equal(t, []int64{pending.ID}, svc.polled)
	assert.Empty(t, svc.expired)
}

func TestRunOnceUndeliveredEffects(t *testing.T) {
	f := newFixture(t)

	tracked, err := f.store.PaymentPost(f.ctx, model.Payment{
		OrderCode:     "ABC12",
		Provider:      model.ProviderTaler,
		State:         model.PaymentStatePending,
		Amount:        decimal.RequireFromString("10"),
		Info:          model.Info{model.InfoPayDeadline: deadline(testNow.Add(time.Hour))},
		CreatedAt:     testNow,
		EffectPending: true,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.PollTrackerPost(f.ctx, model.PollTracker{PaymentID: tracked.ID, PollUntil: testNow.Add(time.Hour)}))

	// трекер истек, но эффект подтверждения еще не доставлен
	confirmed, err := f.store.PaymentPost(f.ctx, model.Payment{
		OrderCode:     "ABC12",
		Provider:      model.ProviderTaler,
		State:         model.PaymentStateConfirmed,
		Amount:        decimal.RequireFromString("10"),
		CreatedAt:     testNow,
		EffectPending: true,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.PollTrackerPost(f.ctx, model.PollTracker{PaymentID: confirmed.ID, PollUntil: testNow.Add(-time.Minute)}))

	f.payment(t, model.PaymentStateConfirmed, testNow, model.Info{}, testNow.Add(-time.Minute))

	svc := newFakeService()
	p := newTestPoller(t, config.Config{Selection: config.SelectionTracker}, f.store, svc)
	stats, err := p.RunOnce(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Selected)
	assert.ElementsMatch(t, []int64{tracked.ID, confirmed.ID}, svc.polled)
}

func TestRunOnceExpiryRacesConfirmation(t *testing.T) {
	f := newFixture(t)
	overdue := f.payment(t, model.PaymentStatePending, testNow, model.Info{model.InfoPayDeadline: deadline(testNow.Add(-time.Minute))}, testNow.Add(time.Hour))

	svc := newFakeService()
	svc.raced[overdue.ID] = true
	p := newTestPoller(t, config.Config{Selection: config.SelectionTracker}, f.store, svc)
	stats, err := p.RunOnce(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, Stats{Selected: 1, Polled: 1}, stats)
	assert.Empty(t, svc.expired)
}

func TestRunOnceUnknownSelection(t *testing.T) {
	f := newFixture(t)
	p := newTestPoller(t, config.Config{Selection: "everything"}, f.store, newFakeService())
	_, err := p.RunOnce(f.ctx)
	require.Error(t, err)
}

func TestExpired(t *testing.T) {
	future := model.Info{model.InfoPayDeadline: deadline(testNow.Add(time.Hour))}

	tests := []struct {
		name        string
		deadlineKey string
		state       string
		createdAt   time.Time
		info        model.Info
		expected    bool
	}{
		{name: "deadline ahead", state: model.PaymentStatePending, createdAt: testNow.Add(-2 * time.Hour), info: future},
		{name: "deadline passed", state: model.PaymentStatePending, createdAt: testNow, info: model.Info{model.InfoPayDeadline: deadline(testNow.Add(-time.Second))}, expected: true},
		{name: "created state", state: model.PaymentStateCreated, createdAt: testNow, info: model.Info{model.InfoPayDeadline: deadline(testNow.Add(-time.Second))}, expected: true},
		{name: "confirmed never expires", state: model.PaymentStateConfirmed, createdAt: testNow.Add(-48 * time.Hour), info: model.Info{}},
		{name: "no deadline, young", state: model.PaymentStatePending, createdAt: testNow.Add(-30 * time.Minute), info: model.Info{}},
		{name: "no deadline, old", state: model.PaymentStatePending, createdAt: testNow.Add(-61 * time.Minute), info: model.Info{}, expected: true},
		// ключ с опечаткой никогда не находится, срок считается от создания
		{name: "misspelled key, old", deadlineKey: "pyyay_deadline", state: model.PaymentStatePending, createdAt: testNow.Add(-2 * time.Hour), info: future, expected: true},
		{name: "misspelled key, young", deadlineKey: "pyyay_deadline", state: model.PaymentStatePending, createdAt: testNow.Add(-10 * time.Minute), info: future},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPoller(t, config.Config{DeadlineKey: tt.deadlineKey}, nil, nil)
			payment := model.Payment{State: tt.state, CreatedAt: tt.createdAt, Info: tt.info}
			assert.Equal(t, tt.expected, p.expired(payment))
		})
	}
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	f.payment(t, model.PaymentStatePending, testNow, model.Info{}, testNow.Add(time.Hour))

	svc := newFakeService()
	p := newTestPoller(t, config.Config{Interval: 10 * time.Millisecond}, f.store, svc)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return svc.polledCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
