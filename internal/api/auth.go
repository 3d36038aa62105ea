package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"tempo/internal/config"
)

var (
	errMissingAPIKey  = errors.New("missing api key header")
	errInvalidAPIKey  = errors.New("invalid api key")
	errRateLimitedKey = errors.New("rate limit exceeded")
)

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	enabled bool
	header  string
	keys    [][]byte
	limiter *rateLimiter
	open    map[string]bool
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	header := strings.TrimSpace(cfg.Auth.HeaderAPIKey)
	if header == "" {
		header = "x-api-key"
	}

	keys := make([][]byte, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return &HTTPAuth{
		enabled: cfg.Auth.Enabled,
		header:  header,
		keys:    keys,
		limiter: newRateLimiter(cfg.RateLimit),
		open:    map[string]bool{"/healthz": true},
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if a.enabled {
			if err := a.checkAuth(r); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}

		if !a.limiter.allow(clientKey(r, a.header)) {
			writeError(w, http.StatusTooManyRequests, errRateLimitedKey.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header))
	if apiKey == "" {
		return errMissingAPIKey
	}

	match := 0
	for _, k := range a.keys {
		match |= subtle.ConstantTimeCompare(k, []byte(apiKey))
	}
	if match != 1 {
		return errInvalidAPIKey
	}
	return nil
}
