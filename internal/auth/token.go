// Package auth guards the admin API with a single bcrypt-hashed password and
// short-lived HS256 tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"rdpguard/internal/support"
)

const (
	AdminRole     = "admin"
	TokenLifetime = 12 * time.Hour
	issuer        = "rdpguard"
)

var (
	ErrInvalidToken = errors.New("invalid token")

	secretOnce sync.Once
	secret     []byte
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func signingKey() []byte {
	secretOnce.Do(func() {
		if s := support.GetEnv("JWT_SECRET", ""); s != "" {
			secret = []byte(s)
			return
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("auth: generate signing key: %v", err))
		}
		secret = []byte(hex.EncodeToString(buf))
		log.Warn("JWT_SECRET not set; tokens will not survive a restart")
	})
	return secret
}

// SetSigningKey overrides the key taken from JWT_SECRET.
func SetSigningKey(key []byte) {
	secretOnce.Do(func() {})
	secret = append([]byte(nil), key...)
}

func GenerateJWT(role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey())
}

func ValidateJWT(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return signingKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
