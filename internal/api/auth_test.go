package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"possync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authConfig() config.APIConfig {
	cfg := openConfig()
	cfg.Auth = config.APIAuthConfig{
		Enabled:      true,
		HeaderAPIKey: "x-api-key",
		HeaderExtra:  "x-api-extra",
		APIKeys: []config.APIClientKey{
			{Key: "till", Extra: "store-7", Name: "till", Permissions: []string{permReadQueue, permWriteOperations, permSync}},
			{Key: "viewer", Extra: "store-7", Name: "badge", Permissions: []string{permReadQueue}},
			{Key: "admin", Extra: "store-7", Name: "admin"},
		},
	}
	return cfg
}

func (f *apiFixture) doAs(t *testing.T, method, path, key, extra string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	if extra != "" {
		req.Header.Set("x-api-extra", extra)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestAuth(t *testing.T) {
	f := newAPIFixture(t, authConfig(), 10)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		extra  string
		want   int
	}{
		{"missing headers", http.MethodGet, "/api/v1/status", "", "", http.StatusUnauthorized},
		{"unknown key", http.MethodGet, "/api/v1/status", "nope", "store-7", http.StatusUnauthorized},
		{"wrong extra", http.MethodGet, "/api/v1/status", "till", "store-8", http.StatusUnauthorized},
		{"read allowed", http.MethodGet, "/api/v1/status", "viewer", "store-7", http.StatusOK},
		{"sync denied", http.MethodPost, "/api/v1/sync", "viewer", "store-7", http.StatusForbidden},
		{"discard denied", http.MethodDelete, "/api/v1/operations/op-1", "viewer", "store-7", http.StatusForbidden},
		{"sync allowed", http.MethodPost, "/api/v1/sync", "till", "store-7", http.StatusOK},
		{"empty permissions allow all", http.MethodPost, "/api/v1/sync", "admin", "store-7", http.StatusOK},
		{"healthz is public", http.MethodGet, "/healthz", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.doAs(t, tt.method, tt.path, tt.key, tt.extra)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRequiredPermissionHTTP(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/v1/operations", permReadQueue},
		{http.MethodGet, "/api/v1/operations/export.xlsx", permReadQueue},
		{http.MethodPost, "/api/v1/operations", permWriteOperations},
		{http.MethodDelete, "/api/v1/operations/op-1", permWriteOperations},
		{http.MethodPost, "/api/v1/operations/op-1/retry", permSync},
		{http.MethodPost, "/api/v1/operations/retry", permSync},
		{http.MethodPost, "/api/v1/sync", permSync},
		{http.MethodGet, "/api/v1/events", permReadQueue},
		{http.MethodGet, "/healthz", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		assert.Equal(t, tt.want, requiredPermissionHTTP(req), tt.method+" "+tt.path)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := authConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	f := newAPIFixture(t, cfg, 10)

	assert.Equal(t, http.StatusOK, f.doAs(t, http.MethodGet, "/api/v1/status", "till", "store-7").StatusCode)
	assert.Equal(t, http.StatusOK, f.doAs(t, http.MethodGet, "/api/v1/status", "till", "store-7").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, f.doAs(t, http.MethodGet, "/api/v1/status", "till", "store-7").StatusCode)

	// Buckets are per key.
	assert.Equal(t, http.StatusOK, f.doAs(t, http.MethodGet, "/api/v1/status", "viewer", "store-7").StatusCode)
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.Enabled = false
	f := newAPIFixture(t, cfg, 10)

	assert.Equal(t, http.StatusOK, f.doAs(t, http.MethodGet, "/api/v1/status", "", "").StatusCode)
}
