package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober performs one connectivity check against the backend.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) { return f(ctx) }

// HTTPProber issues GET requests to a health URL.
type HTTPProber struct {
	Client *http.Client
	URL    string
}

func NewHTTPProber(client *http.Client, url string) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{Client: client, URL: url}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	elapsed := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		return elapsed, fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}
	return elapsed, nil
}
