// Package auth resolves a subscription token to the username it was
// issued for. The subscription publisher and policy store both need a
// stable "token -> username" mapping without caring how the token was
// minted; the default implementation verifies HMAC-signed JWT claims.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Resolver maps a subscription token to the username it authenticates,
// returning an error if the token is missing, malformed, or expired.
type Resolver interface {
	Resolve(token string) (username string, err error)
}

// SubscriptionClaims is the payload carried in a subscription JWT.
type SubscriptionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTResolver is the default Resolver: HMAC-signed subscription tokens
// verified against a single shared signing key (config.Config.JWTSigningKey).
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver builds a JWTResolver bound to secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve verifies token and extracts its username claim.
func (r *JWTResolver) Resolve(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &SubscriptionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*SubscriptionClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid subscription token")
	}
	if claims.Username == "" {
		return "", errors.New("subscription token has no username claim")
	}
	return claims.Username, nil
}

// Issue mints a subscription token for username, with no expiry when ttl
// is zero. Subscription links are typically long-lived.
func (r *JWTResolver) Issue(username string, ttl time.Duration) (string, error) {
	claims := &SubscriptionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}
