package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/service/config"
	"github.com/iurnickita/talerpay/internal/service/merchantclient"
	"github.com/iurnickita/talerpay/internal/sink"
	"github.com/iurnickita/talerpay/internal/store"
)

// fakeBackend минимальный merchant backend поверх httptest.
type fakeBackend struct {
	mu         sync.Mutex
	status     map[string]any
	config     map[string]any
	createCode int
	getCode    int
	refundCode int
	created    []map[string]any
	refunds    []map[string]any
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{
		status:     map[string]any{"order_status": "unpaid", "taler_pay_uri": "taler://pay/merchant.test/ABC12-P-1/tok"},
		config:     map[string]any{"name": "taler-merchant", "currency": "EUR", "version": "4:0:1"},
		createCode: http.StatusOK,
		getCode:    http.StatusOK,
		refundCode: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /private/orders", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.created = append(b.created, req)
		if b.createCode >= 300 {
			http.Error(w, "backend says no", b.createCode)
			return
		}
		order, _ := req["order"].(map[string]any)
		writeJSON(w, b.createCode, map[string]any{"order_id": order["order_id"], "token": "tok"})
	})
	mux.HandleFunc("GET /private/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.getCode >= 300 {
			http.Error(w, "unavailable", b.getCode)
			return
		}
		resp := map[string]any{"order_id": r.PathValue("id")}
		for k, v := range b.status {
			resp[k] = v
		}
		writeJSON(w, b.getCode, resp)
	})
	mux.HandleFunc("POST /private/orders/{id}/refund", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.refunds = append(b.refunds, req)
		if b.refundCode >= 300 {
			http.Error(w, "refund rejected", b.refundCode)
			return
		}
		writeJSON(w, b.refundCode, map[string]any{"taler_refund_uri": "taler://refund/merchant.test/" + r.PathValue("id"), "h_contract": "HC"})
	})
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, http.StatusOK, b.config)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) createdOrders() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.created...)
}

func (b *fakeBackend) refundRequests() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.refunds...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var testNow = time.Unix(1_700_000_000, 0)

type testEnv struct {
	svc     *service
	store   store.Store
	backend *fakeBackend
	order   model.Order
}

func newTestEnv(t *testing.T, mutate ...func(cfg *config.Config)) *testEnv {
	t.Helper()
	backend, srv := newFakeBackend(t)

	cfg := config.Config{
		Provider: config.Provider{
			MerchantAPIURL: srv.URL + "/",
			MerchantAPIKey: "sandbox",
			MaxPayDeadline: config.DefaultMaxPayDeadline,
			RefundDelay:    config.DefaultRefundDelay,
			AutoRefund:     true,
		},
		Event: config.Event{
			Name:      "Demo",
			Currency:  "EUR",
			PublicURL: "https://tickets.test/",
		},
		PollMargin: config.DefaultPollMargin,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	st := store.NewMemStore()
	client := merchantclient.NewMerchantClient(cfg.Provider.MerchantAPIURL, cfg.Provider.Instance, cfg.Provider.MerchantAPIKey)
	svc := NewService(cfg, st, client, sink.NewStoreSink(st), zaptest.NewLogger(t)).(*service)
	svc.now = func() time.Time { return testNow }

	order := model.Order{
		Code:    "ABC12",
		Secret:  "Secret123",
		Status:  model.OrderStatusPending,
		Expires: testNow.Add(2 * time.Hour),
		Total:   decimal.RequireFromString("10.00"),
	}
	require.NoError(t, st.OrderPost(context.Background(), order))

	return &testEnv{svc: svc, store: st, backend: backend, order: order}
}

// pendingPayment заводит платеж через полный путь создания.
func (env *testEnv) pendingPayment(t *testing.T) model.Payment {
	t.Helper()
	payment, _, err := env.svc.CreatePayment(context.Background(), env.order.Code, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatePending, payment.State)
	return payment
}

// confirmedPayment платеж, подтвержденный опросом.
func (env *testEnv) confirmedPayment(t *testing.T) model.Payment {
	t.Helper()
	payment := env.pendingPayment(t)
	env.backend.set(func(b *fakeBackend) { b.status["order_status"] = "paid" })
	payment, err := env.svc.QueryAndProcess(context.Background(), payment)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStateConfirmed, payment.State)
	return payment
}

func (env *testEnv) audit(t *testing.T, action string) []model.AuditEntry {
	t.Helper()
	entries, err := env.store.AuditGet(context.Background(), env.order.Code)
	require.NoError(t, err)
	var filtered []model.AuditEntry
	for _, e := range entries {
		if e.Action == action {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
