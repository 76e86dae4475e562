package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
)

// AdminClaims is the JWT payload for operator sessions.
type AdminClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokens issues and validates operator JWTs. Login requires a valid
// TOTP code on top of the shared secret, so a leaked password alone does not
// grant access.
type AdminTokens struct {
	jwtSecret  []byte
	totpSecret string
	ttl        time.Duration
}

// NewAdminTokens creates the token authority.
func NewAdminTokens(jwtSecret, totpSecret string, ttl time.Duration) *AdminTokens {
	return &AdminTokens{
		jwtSecret:  []byte(jwtSecret),
		totpSecret: totpSecret,
		ttl:        ttl,
	}
}

// ValidateTOTP checks the one-time code against the configured secret.
func (a *AdminTokens) ValidateTOTP(code string) bool {
	if a.totpSecret == "" {
		return false
	}
	return totp.Validate(code, a.totpSecret)
}

// Issue signs a fresh admin token.
func (a *AdminTokens) Issue(username string) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Username: username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "paylane-backend",
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string.
func (a *AdminTokens) Validate(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
