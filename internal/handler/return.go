package handler

import (
	"crypto/subtle"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/model"
	"github.com/iurnickita/talerpay/internal/service"
)

var pendingPage = template.Must(template.New("pay").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order {{.Order}}</title></head>
<body>
<h1>Pay order {{.Order}} with GNU Taler</h1>
<p>Open the payment in your Taler wallet. This page refreshes once the payment arrives.</p>
{{if .TalerURI}}<p><a href="{{.TalerURI}}">{{.TalerURI}}</a></p>{{end}}
<script>
(function () {
  function check() {
    fetch(location.pathname + "?ajax=1").then(function (r) { return r.json(); }).then(function (json) {
      if (json.refresh) { location.reload(); } else { setTimeout(check, 10000); }
    }).catch(function () { setTimeout(check, 20000); });
  }
  setTimeout(check, 10000);
})();
</script>
</body>
</html>
`))

type pendingPageData struct {
	Order    string
	TalerURI template.URL
}

type ReturnJSONResponse struct {
	Refresh bool `json:"refresh"`
}

// Хеш для сравнения, когда заказа нет: время ответа не должно выдавать, существует ли код
var dummyHash = service.SecretHash("abcdefghijklmnopq")

// Return страница, на которую плательщик возвращается из кошелька.
// Опрашивает бэкенд и отправляет на страницу заказа, как только платеж перестал ждать.
func (h *handler) Return(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ajax := r.URL.Query().Has("ajax")
	hash := strings.ToLower(r.PathValue("hash"))

	order, err := h.service.GetOrder(ctx, r.PathValue("order"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			subtle.ConstantTimeCompare([]byte(dummyHash), []byte(hash))
			http.NotFound(w, r)
			return
		}
		h.serviceError(w, r, err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(service.SecretHash(order.Secret)), []byte(hash)) != 1 {
		http.NotFound(w, r)
		return
	}

	paymentID, err := strconv.ParseInt(r.PathValue("payment"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	payment, err := h.service.GetPayment(ctx, paymentID)
	if err != nil || payment.OrderCode != order.Code || !strings.HasPrefix(payment.Provider, model.ProviderTaler) {
		http.NotFound(w, r)
		return
	}

	if payment.State != model.PaymentStatePending && !payment.EffectPending {
		h.leaveReturn(w, r, ajax, order.Code)
		return
	}

	payment, err = h.service.QueryAndProcess(ctx, payment)
	if err != nil {
		h.zaplog.Warn("return poll failed", zap.String("payment", payment.FullID()), zap.Error(err))
		h.leaveReturn(w, r, ajax, order.Code)
		return
	}
	if payment.State != model.PaymentStatePending {
		h.leaveReturn(w, r, ajax, order.Code)
		return
	}

	if ajax {
		writeJSON(w, http.StatusOK, ReturnJSONResponse{Refresh: false})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = pendingPage.Execute(w, pendingPageData{
		Order:    order.Code,
		TalerURI: talerURI(payment.Info.String(model.InfoTalerPayURI)),
	})
	if err != nil {
		h.zaplog.Error("render pending page", zap.Error(err))
	}
}

// talerURI пропускает в ссылку только схемы кошелька; html/template сам их отфильтровал бы.
func talerURI(uri string) template.URL {
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "taler://") || strings.HasPrefix(lower, "taler+http://") {
		return template.URL(uri)
	}
	return ""
}

// leaveReturn просит ajax-клиента перезагрузиться, остальных отправляет на страницу заказа.
func (h *handler) leaveReturn(w http.ResponseWriter, r *http.Request, ajax bool, orderCode string) {
	if ajax {
		writeJSON(w, http.StatusOK, ReturnJSONResponse{Refresh: true})
		return
	}
	// статус заказа мог измениться после опроса
	order, err := h.service.GetOrder(r.Context(), orderCode)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	http.Redirect(w, r, h.publicURL+service.OrderPath(order), http.StatusFound)
}
