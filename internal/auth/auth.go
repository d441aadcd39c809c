package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/talerpay/internal/token"
)

type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

// HeaderOperatorKey заголовок, в который middleware кладет оператора из токена
const HeaderOperatorKey = "X-Talerpay-Operator"

var errNoToken = errors.New("missing bearer token")

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// клиент не может передать оператора сам
		r.Header.Del(HeaderOperatorKey)

		operator, err := a.getOperator(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем
		r.Header.Set(HeaderOperatorKey, operator)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getOperator(r *http.Request) (string, error) {
	if a.secret == "" {
		return "", errors.New("operator API is disabled")
	}
	scheme, tokenString, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
		return "", errNoToken
	}
	operator, err := token.GetOperator(tokenString, a.secret)
	if err != nil {
		return "", token.ErrInvalidToken
	}
	return operator, nil
}
