package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wequi-guard/pkg/config"
)

const tokenIssuer = "wequi-guard"

var authBypassPaths = map[string]struct{}{
	"/healthz":      {},
	"/readyz":       {},
	"/metrics":      {},
	"/api/v1/login": {},
}

var errLoginDisabled = errors.New("login is not configured")

// Claims are carried by issued bearer tokens.
type Claims struct {
	AccountID string `json:"aid"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

// principal is the authenticated caller attached to the request context.
type principal struct {
	Subject string
	Method  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// actor names the caller for audit fields.
func actor(r *http.Request) string {
	if p, ok := r.Context().Value(principalKey{}).(principal); ok && p.Subject != "" {
		return p.Subject
	}
	return "anonymous"
}

type authenticator struct {
	required bool
	secret   []byte
	ttl      time.Duration
	tokens   [][]byte
	accounts []config.AccountConfig
	now      func() time.Time
}

func newAuthenticator(cfg config.AuthConfig, now func() time.Time) *authenticator {
	a := &authenticator{
		required: cfg.Required(),
		secret:   []byte(cfg.JWTSecret),
		ttl:      cfg.TokenTTL,
		accounts: cfg.Accounts,
		now:      now,
	}
	if a.ttl <= 0 {
		a.ttl = 12 * time.Hour
	}
	for _, t := range cfg.APITokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// account finds an active account by username or email.
func (a *authenticator) account(login string) (config.AccountConfig, bool) {
	for _, acct := range a.accounts {
		if !acct.IsActive() {
			continue
		}
		if strings.EqualFold(acct.Username, login) || (acct.Email != "" && strings.EqualFold(acct.Email, login)) {
			return acct, true
		}
	}
	return config.AccountConfig{}, false
}

func (a *authenticator) issue(acct config.AccountConfig) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errLoginDisabled
	}
	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		AccountID: acct.ID,
		Username:  acct.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.Username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (a *authenticator) parse(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errLoginDisabled
	}
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// authorize accepts a static API token or a valid bearer JWT.
func (a *authenticator) authorize(r *http.Request) (principal, error) {
	token := bearerToken(r)
	if token == "" && strings.HasSuffix(r.URL.Path, "/stream") {
		// EventSource cannot set headers.
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return principal{}, errors.New("missing bearer token")
	}
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), t) == 1 {
			return principal{Subject: "api-token", Method: "token"}, nil
		}
	}
	claims, err := a.parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return principal{}, errors.New("token expired")
		}
		return principal{}, errors.New("invalid token")
	}
	return principal{Subject: claims.Subject, Method: "jwt"}, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.required || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := authBypassPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		p, err := s.auth.authorize(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wequi-guard"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if value == "" {
		return ""
	}
	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
