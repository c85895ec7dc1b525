package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// KeySet is a set of accepted client keys that can be replaced atomically
// while requests are in flight.
type KeySet struct {
	keys atomic.Pointer[map[string]struct{}]
}

// NewKeySet returns a set holding keys.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	ks.Set(keys)
	return ks
}

// Set replaces every key in the set.
func (ks *KeySet) Set(keys []string) {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			m[k] = struct{}{}
		}
	}
	ks.keys.Store(&m)
}

// Contains reports whether key is in the set.
func (ks *KeySet) Contains(key string) bool {
	if ks == nil || key == "" {
		return false
	}
	m := ks.keys.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[key]
	return ok
}

// Len returns the number of keys in the set.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	if m := ks.keys.Load(); m != nil {
		return len(*m)
	}
	return 0
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// fail runs the failure hooks and reports whether the caller should still
// answer 401 (false means it has already been throttled with 429).
func (c authConfig) fail(w http.ResponseWriter, r *http.Request) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter != nil && !c.rateLimiter.RecordFailureAndAllow(ClientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return false
	}
	return true
}

// RequireKey rejects requests whose header value is not in any of sets with
// 401 Unauthorized. The header value is compared verbatim.
func RequireKey(header string, sets []*KeySet, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(header)
			for _, set := range sets {
				if set.Contains(key) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if cfg.fail(w, r) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			}
		})
	}
}

// TokenValidator validates a bearer token and returns the authenticated
// subject.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.fail(w, r) {
					writeHTTPUnauthorized(w)
				}
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const subjectKey contextKey = "subject"

// SubjectFromContext retrieves the authenticated bearer subject.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	subject, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return subject, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorizationHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errInvalidAuthorizationHeader
	}
	return token, nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
