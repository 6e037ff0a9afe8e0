package auth

import (
	"fmt"

	"github.com/chatrelay/chatrelay/types"
	"github.com/golang-jwt/jwt/v5"
)

// authenticateJWT verifies an HMAC-signed token issued by the credential
// service and returns the subject (user id) and optional name claim.
func authenticateJWT(tokenString, secret string) (string, string, error) {
	claims := struct {
		Name string `json:"name"`
		jwt.RegisteredClaims
	}{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v: %w", t.Header["alg"], types.ErrForbidden)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", "", fmt.Errorf("invalid token: %w", types.ErrForbidden)
	}
	return claims.Subject, claims.Name, nil
}
