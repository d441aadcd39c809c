package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

var ErrInvalidToken = errors.New("invalid token")

// BuildJWTString токен оператора API.
func BuildJWTString(operator string, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("operator secret is empty")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Operator: operator,
	})

	return token.SignedString([]byte(secret))
}

func GetOperator(tokenString string, secret string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Operator == "" {
		return "", ErrInvalidToken
	}

	return claims.Operator, nil
}
