package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"possync/internal/config"
)

const (
	permReadQueue       = "read:queue"
	permWriteOperations = "write:operations"
	permSync            = "sync"
)

// Browsers cannot set headers on a websocket handshake, so the event stream
// also accepts the credentials as query parameters.
const (
	queryAPIKey   = "api_key"
	queryAPIExtra = "api_extra"
)

var (
	errMissingCredentials = errors.New("missing api key headers")
	errInvalidAPIKey      = errors.New("invalid api key")
	errInvalidExtra       = errors.New("invalid extra header")
	errPermissionDenied   = errors.New("permission denied")
	errRateLimited        = errors.New("rate limit exceeded")
)

// HTTPAuth checks API-key credentials and per-route permissions, then applies
// a per-client rate limit.
type HTTPAuth struct {
	enabled     bool
	authEnabled bool
	keyHeader   string
	extraHeader string
	clients     map[string]config.APIClientKey
	limiter     *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	a := &HTTPAuth{
		enabled:     cfg.Enabled && cfg.HTTP.Enabled,
		authEnabled: cfg.Auth.Enabled,
		keyHeader:   headerOr(cfg.Auth.HeaderAPIKey, "x-api-key"),
		extraHeader: headerOr(cfg.Auth.HeaderExtra, "x-api-extra"),
		clients:     make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys)),
		limiter:     newRateLimiter(cfg.RateLimit),
	}
	for _, k := range cfg.Auth.APIKeys {
		a.clients[k.Key] = k
	}
	return a
}

func headerOr(name, fallback string) string {
	if name = strings.TrimSpace(name); name == "" {
		return fallback
	}
	return http.CanonicalHeaderKey(name)
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key, extra := a.credentials(r)
		if a.authEnabled {
			if err := a.authorize(key, extra, requiredPermissionHTTP(r)); err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					code = http.StatusForbidden
				}
				writeError(w, code, err.Error())
				return
			}
		}

		client := key
		if client == "" {
			client = remoteHost(r)
		}
		if !a.limiter.allow(client) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) credentials(r *http.Request) (key, extra string) {
	key = strings.TrimSpace(r.Header.Get(a.keyHeader))
	extra = strings.TrimSpace(r.Header.Get(a.extraHeader))
	if key == "" && websocketUpgrade(r) {
		q := r.URL.Query()
		key, extra = q.Get(queryAPIKey), q.Get(queryAPIExtra)
	}
	return key, extra
}

func (a *HTTPAuth) authorize(key, extra, required string) error {
	if key == "" || extra == "" {
		return errMissingCredentials
	}
	client, ok := a.clients[key]
	if !ok {
		return errInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return errInvalidExtra
	}

	// No permissions listed means full access.
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/sync", strings.HasSuffix(path, "/retry"):
		return permSync
	case strings.HasPrefix(path, "/api/v1/operations") && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		return permWriteOperations
	case strings.HasPrefix(path, "/api/v1/"):
		return permReadQueue
	default:
		return ""
	}
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
