package metrics

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/metrics/config"
)

var (
	PollOK     = metrics.GetOrCreateCounter(`taler_poll_total{result="ok"}`)
	PollFailed = metrics.GetOrCreateCounter(`taler_poll_total{result="failed"}`)

	PaymentsPending   = metrics.GetOrCreateCounter(`taler_payments_total{result="pending"}`)
	PaymentsConfirmed = metrics.GetOrCreateCounter(`taler_payments_total{result="confirmed"}`)
	PaymentsFailed    = metrics.GetOrCreateCounter(`taler_payments_total{result="failed"}`)
	PaymentsExpired   = metrics.GetOrCreateCounter(`taler_payments_total{result="expired"}`)

	RefundsTransit  = metrics.GetOrCreateCounter(`taler_refunds_total{result="transit"}`)
	RefundsDone     = metrics.GetOrCreateCounter(`taler_refunds_total{result="done"}`)
	RefundsExternal = metrics.GetOrCreateCounter(`taler_refunds_total{result="external"}`)
	RefundsFailed   = metrics.GetOrCreateCounter(`taler_refunds_total{result="failed"}`)

	SweepDuration = metrics.GetOrCreateHistogram(`taler_sweep_duration_milliseconds`)
)

// Setup включает push метрик, если задан адрес.
func Setup(cfg config.Config, zaplog *zap.Logger) {
	if cfg.PushURL == "" {
		return
	}

	err := metrics.InitPush(cfg.PushURL, cfg.PushInterval, cfg.CommonLabels, true)
	if err != nil {
		zaplog.Error("metrics push init failed", zap.Error(err))
	}
}

// Handler отдает метрики в формате Prometheus.
func Handler(w http.ResponseWriter, _ *http.Request) {
	metrics.WritePrometheus(w, true)
}
