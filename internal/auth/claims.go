package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scope limits what a token may do.
type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeControl Scope = "control"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

var (
	// ErrTokenInvalid is returned for malformed, expired or badly signed tokens.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrInsufficientScope is returned when a valid token lacks the needed scope.
	ErrInsufficientScope = errors.New("auth: insufficient scope")

	// ErrWeakSecret is returned when signing with a secret shorter than MinSecretLength.
	ErrWeakSecret = errors.New("auth: signing secret too short")
)

// Claims are the JWT claims carried by API tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scope Scope `json:"scope"`
}

// Allows reports whether the claims grant need. Control implies read.
func (c *Claims) Allows(need Scope) bool {
	switch c.Scope {
	case ScopeControl:
		return need == ScopeControl || need == ScopeRead
	case ScopeRead:
		return need == ScopeRead
	default:
		return false
	}
}

// GenerateToken signs a token for subject. A zero ttl yields a token
// without expiry.
func GenerateToken(subject string, scope Scope, secret string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrWeakSecret
	}
	if scope != ScopeRead && scope != ScopeControl {
		return "", fmt.Errorf("auth: unknown scope %q", scope)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		Scope: scope,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token's signature, expiry and scope claim.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Scope != ScopeRead && claims.Scope != ScopeControl {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrTokenInvalid, claims.Scope)
	}
	return claims, nil
}

// Authorize parses a token and checks it grants need.
func Authorize(tokenString, secret string, need Scope) (*Claims, error) {
	claims, err := ParseToken(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if !claims.Allows(need) {
		return claims, fmt.Errorf("%w: have %s, need %s", ErrInsufficientScope, claims.Scope, need)
	}
	return claims, nil
}
