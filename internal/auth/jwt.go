package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Claims defines the JWT claims structure.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

type contextKey string

// ClaimsKey is the context key for operator claims.
const ClaimsKey = contextKey("operatorClaims")

const issuer = "vaultkeep"

// Authenticator issues and checks operator tokens.
type Authenticator struct {
	key      []byte
	ttl      time.Duration
	disabled bool
	now      func() time.Time
}

// New returns an Authenticator signing with secret. A disabled authenticator
// lets every request through.
func New(secret string, ttl time.Duration, disabled bool) (*Authenticator, error) {
	if !disabled && secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{key: []byte(secret), ttl: ttl, disabled: disabled, now: time.Now}, nil
}

// GenerateToken creates a signed token for operator.
func (a *Authenticator) GenerateToken(operator string) (string, error) {
	now := a.now()
	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.key)
}

// Validate parses and validates a token string.
func (a *Authenticator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware protects routes. The token comes from the Authorization header
// or, failing that, the "token" cookie.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a.disabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearer(r.Header.Get("Authorization"))
		if tokenStr == "" {
			if cookie, err := r.Cookie("token"); err == nil {
				tokenStr = cookie.Value
			}
		}
		if tokenStr == "" {
			http.Error(w, "Missing auth token", http.StatusUnauthorized)
			return
		}

		claims, err := a.Validate(tokenStr)
		if err != nil {
			log.Debug().Err(err).Msg("Rejected auth token")
			http.Error(w, "Invalid auth token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the claims of the authenticated operator, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
