package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService mints and verifies the bearer tokens that carry a caller's
// principal across the HTTP boundary.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed token for the principal.
func (t *TokenService) Issue(p Principal) (string, error) {
	if p == Anonymous {
		return "", fmt.Errorf("identity: cannot issue token for anonymous principal")
	}
	claims := jwt.MapClaims{
		"principal": string(p),
		"exp":       time.Now().Add(t.ttl).Unix(),
		"iat":       time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates a token and returns the principal it carries.
func (t *TokenService) Verify(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return Anonymous, fmt.Errorf("identity: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Anonymous, fmt.Errorf("identity: invalid token")
	}
	principal, ok := claims["principal"].(string)
	if !ok || principal == "" {
		return Anonymous, fmt.Errorf("identity: invalid principal in token")
	}
	return Principal(principal), nil
}
