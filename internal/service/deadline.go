package service

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/iurnickita/talerpay/internal/model"
)

// Плательщику всегда остается не меньше двух минут
const minPayWindow = 120 * time.Second

// Запас до конца окна возврата, при котором возврат еще разрешен
const refundBuffer = 180 * time.Second

const testCurrency = "KUDOS"

// payDeadline не раньше now+2 мин, не позже настроенного максимума и срока заказа.
func payDeadline(now time.Time, maxMinutes int, expires time.Time) time.Time {
	deadline := now.Add(time.Duration(maxMinutes) * time.Minute)
	if !expires.IsZero() && expires.Before(deadline) {
		deadline = expires
	}
	if lower := now.Add(minPayWindow); deadline.Before(lower) {
		deadline = lower
	}
	return deadline.Truncate(time.Second)
}

func refundDeadline(now time.Time, delayMinutes int) time.Time {
	return now.Add(time.Duration(delayMinutes) * time.Minute).Truncate(time.Second)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// SecretHash хеш секрета заказа для return URL: sha1 hex от секрета в нижнем регистре.
func SecretHash(secret string) string {
	sum := sha1.Sum([]byte(strings.ToLower(secret)))
	return hex.EncodeToString(sum[:])
}

// ReturnPath путь, на который возвращается плательщик после оплаты.
func ReturnPath(order model.Order, paymentID int64) string {
	return "/_taler/pay/" + order.Code + "/" + SecretHash(order.Secret) + "/" + strconv.FormatInt(paymentID, 10) + "/"
}

// OrderPath страница заказа на платформе.
func OrderPath(order model.Order) string {
	path := "/order/" + order.Code + "/" + order.Secret + "/"
	if order.Status == model.OrderStatusPaid {
		path += "?paid=yes"
	}
	return path
}
