package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/auth"
	"github.com/iurnickita/talerpay/internal/gzip"
	"github.com/iurnickita/talerpay/internal/handler/config"
	"github.com/iurnickita/talerpay/internal/logger"
	"github.com/iurnickita/talerpay/internal/metrics"
	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Serve слушает до отмены контекста, затем корректно останавливает сервер.
func Serve(ctx context.Context, cfg config.Config, publicURL string, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, publicURL, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth      auth.Auth
	service   service.Service
	publicURL string
	zaplog    *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, publicURL string, zaplog *zap.Logger) *handler {
	return &handler{
		auth:      auth,
		service:   service,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		zaplog:    zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	// возврат плательщика
	mux.HandleFunc("GET /_taler/pay/{order}/{hash}/{payment}/", gzip.GzipMiddleware(logger.RequestLogMdlw(h.Return, h.zaplog)))
	// API операторов
	mux.HandleFunc("POST /api/orders", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostOrder), h.zaplog)))
	mux.HandleFunc("GET /api/orders/{order}", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.GetOrder), h.zaplog)))
	mux.HandleFunc("POST /api/orders/{order}/payments", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostPayment), h.zaplog)))
	mux.HandleFunc("GET /api/payments/{payment}", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.GetPayment), h.zaplog)))
	mux.HandleFunc("POST /api/payments/{payment}/refunds", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostRefund), h.zaplog)))
	mux.HandleFunc("POST /api/payments/{payment}/poll", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostPoll), h.zaplog)))
	// служебные
	mux.HandleFunc("GET /liveness", h.Liveness)
	mux.HandleFunc("GET /metrics", metrics.Handler)

	return mux
}

func (h *handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type PostOrderJSONRequest struct {
	Code     string    `json:"code"`
	Secret   string    `json:"secret"`
	Expires  time.Time `json:"expires"`
	TestMode bool      `json:"testmode"`
	Total    string    `json:"total"`
}

type OrderJSONResponse struct {
	Code     string     `json:"code"`
	Secret   string     `json:"secret"`
	Status   string     `json:"status"`
	Expires  *time.Time `json:"expires,omitempty"`
	TestMode bool       `json:"testmode"`
	Total    string     `json:"total"`
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var orderJSON PostOrderJSONRequest
	if err := readJSON(r, &orderJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	total, err := decimal.NewFromString(orderJSON.Total)
	if err != nil {
		http.Error(w, "invalid total", http.StatusBadRequest)
		return
	}

	order, err := h.service.PostOrder(r.Context(), model.Order{
		Code:     orderJSON.Code,
		Secret:   orderJSON.Secret,
		Expires:  orderJSON.Expires,
		TestMode: orderJSON.TestMode,
		Total:    total,
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.operatorLog(r).Info("order created", zap.String("order", order.Code))
	writeJSON(w, http.StatusCreated, orderResponse(order))
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), r.PathValue("order"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

type PostPaymentJSONRequest struct {
	Amount string `json:"amount"`
}

type PaymentJSONResponse struct {
	ID              int64                `json:"id"`
	FullID          string               `json:"full_id"`
	Order           string               `json:"order"`
	Provider        string               `json:"provider"`
	State           string               `json:"state"`
	Amount          string               `json:"amount"`
	Info            model.Info           `json:"info"`
	CreatedAt       time.Time            `json:"created_at"`
	RefundSupported bool                 `json:"refund_supported"`
	Refunds         []RefundJSONResponse `json:"refunds,omitempty"`
	Redirect        string               `json:"redirect,omitempty"`
}

func (h *handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var paymentJSON PostPaymentJSONRequest
	if err := readJSON(r, &paymentJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount := decimal.Zero
	if paymentJSON.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(paymentJSON.Amount)
		if err != nil {
			http.Error(w, "invalid amount", http.StatusBadRequest)
			return
		}
	}

	payment, redirect, err := h.service.CreatePayment(r.Context(), r.PathValue("order"), amount)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	resp := h.paymentResponse(payment, nil)
	resp.Redirect = h.publicURL + redirect
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, ok := h.pathPayment(w, r)
	if !ok {
		return
	}
	refunds, err := h.service.GetRefunds(r.Context(), payment.ID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.paymentResponse(payment, refunds))
}

func (h *handler) PostPoll(w http.ResponseWriter, r *http.Request) {
	payment, ok := h.pathPayment(w, r)
	if !ok {
		return
	}
	payment, err := h.service.QueryAndProcess(r.Context(), payment)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.paymentResponse(payment, nil))
}

type PostRefundJSONRequest struct {
	Amount  string `json:"amount"`
	Comment string `json:"comment"`
}

type RefundJSONResponse struct {
	ID      int64      `json:"id"`
	FullID  string     `json:"full_id"`
	State   string     `json:"state"`
	Source  string     `json:"source"`
	Amount  string     `json:"amount"`
	Comment string     `json:"comment,omitempty"`
	Info    model.Info `json:"info"`
}

func (h *handler) PostRefund(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(r.PathValue("payment"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	var refundJSON PostRefundJSONRequest
	if err = readJSON(r, &refundJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(refundJSON.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	refund, err := h.service.CreateRefund(r.Context(), paymentID, amount, refundJSON.Comment)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.operatorLog(r).Info("refund requested", zap.String("refund", refund.FullID()))
	writeJSON(w, http.StatusCreated, refundResponse(refund))
}

func (h *handler) pathPayment(w http.ResponseWriter, r *http.Request) (model.Payment, bool) {
	paymentID, err := strconv.ParseInt(r.PathValue("payment"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return model.Payment{}, false
	}
	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.serviceError(w, r, err)
		return model.Payment{}, false
	}
	return payment, true
}

// serviceError код ответа по ошибке сервиса. Внутренние подробности только в лог.
func (h *handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var paymentErr *service.PaymentError
	switch {
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrAlreadyExists),
		errors.Is(err, service.ErrOrderNotPayable),
		errors.Is(err, service.ErrRefundNotSupported):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &paymentErr):
		h.zaplog.Warn("payment error", zap.String("path", r.URL.Path), zap.Error(errors.Unwrap(paymentErr)))
		http.Error(w, paymentErr.Message, http.StatusBadGateway)
	default:
		h.zaplog.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *handler) operatorLog(r *http.Request) *zap.Logger {
	return h.zaplog.With(zap.String("operator", r.Header.Get(auth.HeaderOperatorKey)))
}

func (h *handler) paymentResponse(payment model.Payment, refunds []model.Refund) PaymentJSONResponse {
	resp := PaymentJSONResponse{
		ID:              payment.ID,
		FullID:          payment.FullID(),
		Order:           payment.OrderCode,
		Provider:        payment.Provider,
		State:           payment.State,
		Amount:          model.FormatAmount(payment.Amount),
		Info:            payment.Info,
		CreatedAt:       payment.CreatedAt,
		RefundSupported: payment.State == model.PaymentStateConfirmed && h.service.RefundSupported(payment),
	}
	for _, refund := range refunds {
		resp.Refunds = append(resp.Refunds, refundResponse(refund))
	}
	return resp
}

func orderResponse(order model.Order) OrderJSONResponse {
	resp := OrderJSONResponse{
		Code:     order.Code,
		Secret:   order.Secret,
		Status:   order.Status,
		TestMode: order.TestMode,
		Total:    model.FormatAmount(order.Total),
	}
	if !order.Expires.IsZero() {
		resp.Expires = &order.Expires
	}
	return resp
}

func refundResponse(refund model.Refund) RefundJSONResponse {
	return RefundJSONResponse{
		ID:      refund.ID,
		FullID:  refund.FullID(),
		State:   refund.State,
		Source:  refund.Source,
		Amount:  model.FormatAmount(refund.Amount),
		Comment: refund.Comment,
		Info:    refund.Info,
	}
}

func readJSON(r *http.Request, v any) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return err
	}
	if buf.Len() == 0 {
		return nil
	}
	return json.Unmarshal(buf.Bytes(), v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}
