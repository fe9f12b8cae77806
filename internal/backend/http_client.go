package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"possync/internal/executor"
	"possync/internal/models"

	"github.com/redis/go-redis/v9"
)

// HTTPClient calls the backend's JSON API.
type HTTPClient struct {
	baseURL    string
	healthPath string
	apiKey     string
	apiExtra   string
	httpClient *http.Client

	redis    *redis.Client
	cacheTTL time.Duration
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL    string
	HealthPath string
	APIKey     string
	APIExtra   string
	Timeout    time.Duration
	// Transport overrides the default round tripper, e.g. to inject simulated conditions.
	Transport http.RoundTripper
}

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/healthz"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		healthPath: opts.HealthPath,
		apiKey:     opts.APIKey,
		apiExtra:   opts.APIExtra,
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
	}
}

// UseRedisCache configures optional Redis caching for invoice reads.
func (c *HTTPClient) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// HealthURL is the endpoint probed by the network monitor.
func (c *HTTPClient) HealthURL() string {
	return c.baseURL + c.healthPath
}

// HTTP returns the underlying client so probes share transport settings.
func (c *HTTPClient) HTTP() *http.Client {
	return c.httpClient
}

func (c *HTTPClient) CreateSale(ctx context.Context, key, saleID string, sale models.SalePayload) error {
	endpoint := fmt.Sprintf("%s/api/v1/sales/%s", c.baseURL, url.PathEscape(saleID))
	if err := c.send(ctx, http.MethodPost, endpoint, key, sale, nil); err != nil {
		return fmt.Errorf("create sale %s: %w", saleID, err)
	}
	if sale.InvoiceID != "" {
		c.dropCache(ctx, sale.InvoiceID)
	}
	return nil
}

func (c *HTTPClient) UpdateInvoiceStatus(ctx context.Context, key, invoiceID, status string) error {
	endpoint := fmt.Sprintf("%s/api/v1/invoices/%s/status", c.baseURL, url.PathEscape(invoiceID))
	body := models.StatusUpdatePayload{Status: status}
	if err := c.send(ctx, http.MethodPut, endpoint, key, body, nil); err != nil {
		return fmt.Errorf("update invoice %s status: %w", invoiceID, err)
	}
	c.dropCache(ctx, invoiceID)
	return nil
}

func (c *HTTPClient) SendInvoiceEmail(ctx context.Context, key, invoiceID string, email models.EmailPayload) error {
	endpoint := fmt.Sprintf("%s/api/v1/invoices/%s/email", c.baseURL, url.PathEscape(invoiceID))
	if err := c.send(ctx, http.MethodPost, endpoint, key, email, nil); err != nil {
		return fmt.Errorf("send invoice %s email: %w", invoiceID, err)
	}
	return nil
}

func (c *HTTPClient) RequestInvoicePrint(ctx context.Context, key, invoiceID string, job models.PrintPayload) error {
	endpoint := fmt.Sprintf("%s/api/v1/invoices/%s/print", c.baseURL, url.PathEscape(invoiceID))
	if err := c.send(ctx, http.MethodPost, endpoint, key, job, nil); err != nil {
		return fmt.Errorf("print invoice %s: %w", invoiceID, err)
	}
	return nil
}

// GetInvoice fetches an invoice, served from Redis when caching is enabled.
func (c *HTTPClient) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	endpoint := fmt.Sprintf("%s/api/v1/invoices/%s", c.baseURL, url.PathEscape(invoiceID))
	var inv models.Invoice

	if c.readCache(ctx, cacheKey(invoiceID), &inv) {
		return &inv, nil
	}

	if err := c.send(ctx, http.MethodGet, endpoint, "", nil, &inv); err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}
	c.writeCache(ctx, cacheKey(invoiceID), inv)
	return &inv, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.send(ctx, http.MethodGet, c.HealthURL(), "", nil, nil)
}

func cacheKey(invoiceID string) string {
	return "invoice:" + invoiceID
}

func (c *HTTPClient) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *HTTPClient) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *HTTPClient) dropCache(ctx context.Context, invoiceID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, cacheKey(invoiceID)).Err()
}

func (c *HTTPClient) send(ctx context.Context, method, endpoint, idempotencyKey string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &executor.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	return dec.Decode(out)
}

func (c *HTTPClient) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}
