package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"bookingcoord/internal/config"
)

const defaultKeyHeader = "x-api-key"

var (
	errMissingKey  = errors.New("missing api key header")
	errInvalidKey  = errors.New("invalid api key")
	errRateLimited = errors.New("rate limit exceeded")
)

// HTTPAuth provides API-key auth and per-client rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	header  string
	clients []config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	header := strings.TrimSpace(strings.ToLower(cfg.Auth.HeaderAPIKey))
	if header == "" {
		header = defaultKeyHeader
	}
	return &HTTPAuth{
		cfg:     cfg,
		header:  header,
		clients: cfg.Auth.APIKeys,
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header))
	if apiKey == "" {
		return errMissingKey
	}

	for _, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(client.Key), []byte(apiKey)) == 1 {
			return nil
		}
	}
	return errInvalidKey
}

// clientKey identifies the caller for rate limiting: the API key when
// present, the remote host otherwise.
func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.header)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}
