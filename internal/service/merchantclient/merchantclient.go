package merchantclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/talerpay/internal/model"
)

// Протокольные метки времени

type Timestamp struct {
	TS int64 `json:"t_s"`
}

type RelativeTime struct {
	DUS int64 `json:"d_us"`
}

// Заказ в merchant backend

type Order struct {
	Summary          string        `json:"summary"`
	OrderID          string        `json:"order_id"`
	Amount           string        `json:"amount"`
	PublicReorderURL string        `json:"public_reorder_url"`
	FulfillmentURL   string        `json:"fulfillment_url"`
	RefundDeadline   Timestamp     `json:"refund_deadline"`
	PayDeadline      Timestamp     `json:"pay_deadline"`
	AutoRefund       *RelativeTime `json:"auto_refund,omitempty"`
}

type PostOrderRequest struct {
	Order       Order `json:"order"`
	CreateToken bool  `json:"create_token"`
}

// JSON ответ GET /private/orders/{order_id}
type OrderStatus struct {
	OrderStatus   string         `json:"order_status"`
	Refunded      bool           `json:"refunded"`
	RefundDetails []RefundDetail `json:"refund_details"`
	TalerPayURI   string         `json:"taler_pay_uri"`
	// Ответ целиком, для слияния в info платежа
	Raw map[string]any `json:"-"`
}

const OrderStatusPaid = "paid"

type RefundDetail struct {
	Reason    string         `json:"reason"`
	Pending   bool           `json:"pending"`
	Amount    string         `json:"amount"`
	Timestamp any            `json:"timestamp"`
	Raw       map[string]any `json:"-"`
}

type RefundRequest struct {
	Refund string `json:"refund"`
	Reason string `json:"reason"`
}

// JSON ответ GET /config
type BackendConfig struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Version  string `json:"version"`
}

// StatusError неожиданный код ответа merchant backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("merchant backend %s %s status: %d", e.Method, e.Path, e.Code)
}

type MerchantClient interface {
	CreateOrder(ctx context.Context, req PostOrderRequest) (map[string]any, error)
	GetOrder(ctx context.Context, orderID string) (OrderStatus, error)
	Refund(ctx context.Context, orderID string, req RefundRequest) (map[string]any, error)
	GetConfig(ctx context.Context) (BackendConfig, error)
}

const defaultTimeout = 30 * time.Second

type merchantClient struct {
	rest *resty.Client
	base string
}

// NewMerchantClient клиент без повторов: повторные попытки делает поллер по своему расписанию.
// baseURL должен заканчиваться на "/".
func NewMerchantClient(baseURL, instance, apiKey string) MerchantClient {
	base := baseURL
	if instance != "" {
		base += "instances/" + url.PathEscape(instance) + "/"
	}
	rest := resty.New().
		SetTimeout(defaultTimeout).
		SetAuthScheme("Bearer").
		SetAuthToken("secret-token:"+apiKey).
		SetHeader("Accept", "application/json")

	return &merchantClient{rest: rest, base: base}
}

func (client *merchantClient) CreateOrder(ctx context.Context, req PostOrderRequest) (map[string]any, error) {
	path := "private/orders"

	resp, err := client.rest.R().
		SetContext(ctx).
		SetBody(req).
		Post(client.base + path)
	if err != nil {
		return nil, fmt.Errorf("merchant backend POST %s: %w", path, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return decodeObject(resp.Body())
	default:
		return nil, statusError(http.MethodPost, path, resp)
	}
}

func (client *merchantClient) GetOrder(ctx context.Context, orderID string) (OrderStatus, error) {
	path := "private/orders/" + url.PathEscape(orderID)

	resp, err := client.rest.R().
		SetContext(ctx).
		Get(client.base + path)
	if err != nil {
		return OrderStatus{}, fmt.Errorf("merchant backend GET %s: %w", path, err)
	}
	if !resp.IsSuccess() {
		return OrderStatus{}, statusError(http.MethodGet, path, resp)
	}

	var status OrderStatus
	if err = json.Unmarshal(resp.Body(), &status); err != nil {
		return OrderStatus{}, fmt.Errorf("merchant backend GET %s: %w", path, err)
	}
	status.Raw, err = decodeObject(resp.Body())
	if err != nil {
		return OrderStatus{}, err
	}
	// сырые записи возвратов нужны для external-refund
	if details, ok := status.Raw["refund_details"].([]any); ok {
		for i := range status.RefundDetails {
			if i < len(details) {
				status.RefundDetails[i].Raw, _ = details[i].(map[string]any)
			}
		}
	}
	return status, nil
}

func (client *merchantClient) Refund(ctx context.Context, orderID string, req RefundRequest) (map[string]any, error) {
	path := "private/orders/" + url.PathEscape(orderID) + "/refund"

	resp, err := client.rest.R().
		SetContext(ctx).
		SetBody(req).
		Post(client.base + path)
	if err != nil {
		return nil, fmt.Errorf("merchant backend POST %s: %w", path, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return decodeObject(resp.Body())
	default:
		return nil, statusError(http.MethodPost, path, resp)
	}
}

func (client *merchantClient) GetConfig(ctx context.Context) (BackendConfig, error) {
	path := "config"

	resp, err := client.rest.R().
		SetContext(ctx).
		Get(client.base + path)
	if err != nil {
		return BackendConfig{}, fmt.Errorf("merchant backend GET %s: %w", path, err)
	}
	if !resp.IsSuccess() {
		return BackendConfig{}, statusError(http.MethodGet, path, resp)
	}

	var cfg BackendConfig
	if err = json.Unmarshal(resp.Body(), &cfg); err != nil {
		return BackendConfig{}, fmt.Errorf("merchant backend GET %s: %w", path, err)
	}
	return cfg, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	obj := map[string]any{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return obj, nil
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("merchant backend response: %w", err)
	}
	return obj, nil
}

func statusError(method, path string, resp *resty.Response) error {
	return &StatusError{
		Method: method,
		Path:   path,
		Code:   resp.StatusCode(),
		Body:   string(resp.Body()),
	}
}

// Amount форматирует сумму в виде "<валюта>:<значение>" без потери дробной части.
func Amount(currency string, value decimal.Decimal) string {
	return currency + ":" + model.FormatAmount(value)
}

// ParseAmount разбирает "<валюта>:<значение>".
func ParseAmount(amount string) (string, decimal.Decimal, error) {
	currency, value, ok := strings.Cut(amount, ":")
	if !ok {
		return "", decimal.Zero, fmt.Errorf("amount %q: missing currency", amount)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("amount %q: %w", amount, err)
	}
	return currency, d, nil
}
