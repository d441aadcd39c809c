package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Info снимок последнего ответа merchant backend вместе с локальными полями.
type Info map[string]any

const (
	InfoOrderID        = "order_id"
	InfoPayDeadline    = "pay_deadline"
	InfoRefundDeadline = "refund_deadline"
	InfoTalerPayURI    = "taler_pay_uri"
	InfoTimestamp      = "timestamp"
	// Данные журнала для перехода в failed
	InfoFailure = "failure"
)

// Merge возвращает новый снимок; ключи из более поздних аргументов побеждают.
func (i Info) Merge(others ...map[string]any) Info {
	merged := make(Info, len(i))
	for k, v := range i {
		merged[k] = v
	}
	for _, other := range others {
		for k, v := range other {
			merged[k] = v
		}
	}
	return merged
}

func (i Info) OrderID() (string, bool) {
	v, ok := i[InfoOrderID]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (i Info) String(key string) string {
	s, _ := i[key].(string)
	return s
}

// Timestamp читает протокольную метку вида {"t_s": 1700000000}.
func (i Info) Timestamp(key string) (time.Time, bool) {
	obj, ok := i[key].(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	sec, ok := toInt64(obj["t_s"])
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// DedupKey каноническое JSON-представление значения, пригодное для сравнения.
func DedupKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (i Info) Marshal() ([]byte, error) {
	if i == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(i)
}

func UnmarshalInfo(data []byte) (Info, error) {
	info := Info{}
	if len(data) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
