// Package auth reads the viewer identity from a session token.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	DefaultExpiry = 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// NewToken signs a session token for userId that expires after exp.
func NewToken(key []byte, userId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(key)
}

// ParseViewer verifies tokenString and returns the user id it was issued for.
func ParseViewer(key []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: claims", ErrInvalidToken)
	}

	switch id := claims[userIdClaim].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		// numeric ids from older tokens
		return strconv.FormatInt(int64(id), 10), nil
	}
	return "", fmt.Errorf("%w: user id claim", ErrInvalidToken)
}
