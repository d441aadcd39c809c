package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/talerpay/internal/model"
)

// memStore хранилище в памяти для разработки и тестов.
// info хранится в сериализованном виде, как в jsonb.
type memStore struct {
	mu         sync.Mutex
	orders     map[string]model.Order
	payments   map[int64]memRow[model.Payment]
	refunds    map[int64]memRow[model.Refund]
	trackers   []model.PollTracker
	audit      []model.AuditEntry
	lastID     int64
	lastLocal  map[string]int
	lastRefund map[string]int
}

type memRow[T any] struct {
	row  T
	info []byte
}

func NewMemStore() Store {
	return &memStore{
		orders:     map[string]model.Order{},
		payments:   map[int64]memRow[model.Payment]{},
		refunds:    map[int64]memRow[model.Refund]{},
		lastLocal:  map[string]int{},
		lastRefund: map[string]int{},
	}
}

func (store *memStore) Close() error {
	return nil
}

func (store *memStore) OrderPost(_ context.Context, order model.Order) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.orders[order.Code]; ok {
		return ErrAlreadyExists
	}
	store.orders[order.Code] = order
	return nil
}

func (store *memStore) OrderGet(_ context.Context, code string) (model.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	order, ok := store.orders[code]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return order, nil
}

func (store *memStore) OrderPut(_ context.Context, order model.Order) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.orders[order.Code]
	if !ok {
		return ErrNoRows
	}
	stored.Status = order.Status
	store.orders[order.Code] = stored
	return nil
}

func (store *memStore) PaymentPost(_ context.Context, payment model.Payment) (model.Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.orders[payment.OrderCode]; !ok {
		return model.Payment{}, ErrNoRows
	}
	info, err := payment.Info.Marshal()
	if err != nil {
		return model.Payment{}, err
	}
	store.lastID++
	store.lastLocal[payment.OrderCode]++
	payment.ID = store.lastID
	payment.LocalID = store.lastLocal[payment.OrderCode]
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	store.payments[payment.ID] = memRow[model.Payment]{row: payment, info: info}

	payment.Info, err = model.UnmarshalInfo(info)
	return payment, err
}

func (store *memStore) PaymentGet(_ context.Context, id int64) (model.Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.payments[id]
	if !ok {
		return model.Payment{}, ErrNoRows
	}
	return loadPayment(stored)
}

func (store *memStore) PaymentTransition(_ context.Context, payment model.Payment, from string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.payments[payment.ID]
	if !ok || stored.row.State != from || stored.row.EffectPending {
		return false, nil
	}
	info, err := payment.Info.Marshal()
	if err != nil {
		return false, err
	}
	stored.row.State = payment.State
	stored.row.EffectPending = payment.EffectPending
	stored.info = info
	store.payments[payment.ID] = stored
	return true, nil
}

func (store *memStore) PaymentInfoMerge(_ context.Context, id int64, info model.Info) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.payments[id]
	if !ok {
		return ErrNoRows
	}
	current, err := model.UnmarshalInfo(stored.info)
	if err != nil {
		return err
	}
	stored.info, err = current.Merge(info).Marshal()
	if err != nil {
		return err
	}
	store.payments[id] = stored
	return nil
}

func (store *memStore) PaymentEffectSwap(_ context.Context, id int64, state string, pending bool) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.payments[id]
	if !ok || stored.row.State != state || stored.row.EffectPending == pending {
		return false, nil
	}
	stored.row.EffectPending = pending
	store.payments[id] = stored
	return true, nil
}

func (store *memStore) PaymentsEffectPending(_ context.Context, provider string) ([]model.Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.filterPayments(func(p model.Payment) bool {
		return p.Provider == provider && p.EffectPending
	})
}

func (store *memStore) PaymentsByState(_ context.Context, provider string, state string) ([]model.Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.filterPayments(func(p model.Payment) bool {
		return p.Provider == provider && p.State == state
	})
}

func (store *memStore) filterPayments(match func(p model.Payment) bool) ([]model.Payment, error) {
	var payments []model.Payment
	for _, stored := range store.payments {
		if !match(stored.row) {
			continue
		}
		payment, err := loadPayment(stored)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	return payments, nil
}

func (store *memStore) PollTrackerPost(_ context.Context, tracker model.PollTracker) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.payments[tracker.PaymentID]; !ok {
		return ErrNoRows
	}
	store.trackers = append(store.trackers, tracker)
	return nil
}

func (store *memStore) PollTrackerGetActive(_ context.Context, now time.Time) ([]model.Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	seen := map[int64]bool{}
	var payments []model.Payment
	for _, tracker := range store.trackers {
		if !tracker.PollUntil.After(now) || seen[tracker.PaymentID] {
			continue
		}
		seen[tracker.PaymentID] = true
		payment, err := loadPayment(store.payments[tracker.PaymentID])
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	return payments, nil
}

func (store *memStore) RefundPost(_ context.Context, refund model.Refund) (model.Refund, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.payments[refund.PaymentID]; !ok {
		return model.Refund{}, ErrNoRows
	}
	if refund.ExternalKey != "" {
		for _, stored := range store.refunds {
			if stored.row.PaymentID == refund.PaymentID && stored.row.ExternalKey == refund.ExternalKey {
				return model.Refund{}, ErrAlreadyExists
			}
		}
	}
	info, err := refund.Info.Marshal()
	if err != nil {
		return model.Refund{}, err
	}
	store.lastID++
	store.lastRefund[refund.OrderCode]++
	refund.ID = store.lastID
	refund.LocalID = store.lastRefund[refund.OrderCode]
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now()
	}
	store.refunds[refund.ID] = memRow[model.Refund]{row: refund, info: info}

	refund.Info, err = model.UnmarshalInfo(info)
	return refund, err
}

func (store *memStore) RefundGet(_ context.Context, id int64) (model.Refund, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.refunds[id]
	if !ok {
		return model.Refund{}, ErrNoRows
	}
	return loadRefund(stored)
}

func (store *memStore) RefundTransition(_ context.Context, refund model.Refund, from string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.refunds[refund.ID]
	if !ok || stored.row.State != from || stored.row.EffectPending {
		return false, nil
	}
	info, err := refund.Info.Marshal()
	if err != nil {
		return false, err
	}
	stored.row.State = refund.State
	stored.row.EffectPending = refund.EffectPending
	stored.info = info
	store.refunds[refund.ID] = stored
	return true, nil
}

func (store *memStore) RefundEffectSwap(_ context.Context, id int64, state string, pending bool) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.refunds[id]
	if !ok || stored.row.State != state || stored.row.EffectPending == pending {
		return false, nil
	}
	stored.row.EffectPending = pending
	store.refunds[id] = stored
	return true, nil
}

func (store *memStore) RefundsByPayment(_ context.Context, paymentID int64) ([]model.Refund, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var refunds []model.Refund
	for _, stored := range store.refunds {
		if stored.row.PaymentID != paymentID {
			continue
		}
		refund, err := loadRefund(stored)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	sort.Slice(refunds, func(i, j int) bool { return refunds[i].ID < refunds[j].ID })
	return refunds, nil
}

func (store *memStore) AuditPost(_ context.Context, entry model.AuditEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return err
	}
	entry.Data = nil
	if err = json.Unmarshal(data, &entry.Data); err != nil {
		return err
	}
	store.lastID++
	entry.ID = store.lastID
	if entry.Datetime.IsZero() {
		entry.Datetime = time.Now()
	}
	store.audit = append(store.audit, entry)
	return nil
}

func (store *memStore) AuditGet(_ context.Context, orderCode string) ([]model.AuditEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var entries []model.AuditEntry
	for _, entry := range store.audit {
		if entry.OrderCode == orderCode {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func loadPayment(stored memRow[model.Payment]) (model.Payment, error) {
	payment := stored.row
	info, err := model.UnmarshalInfo(stored.info)
	if err != nil {
		return model.Payment{}, err
	}
	payment.Info = info
	return payment, nil
}

func loadRefund(stored memRow[model.Refund]) (model.Refund, error) {
	refund := stored.row
	info, err := model.UnmarshalInfo(stored.info)
	if err != nil {
		return model.Refund{}, err
	}
	refund.Info = info
	return refund, nil
}
