// Package upstream implements the shared HTTP client for the Cloud Code
// internal API, including the optional outbound proxy, the project
// resolver and the quota service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// Response is a fully buffered unary upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the reply carries a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client is the single shared upstream HTTP client. It is rebuilt only
// when the outbound proxy configuration changes.
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	proxyURL   string
	timeout    time.Duration
	endpoints  []string
}

// NewClient builds the client from the current app configuration.
func NewClient(cfg *config.AppConfig) (*Client, error) {
	c := &Client{
		timeout:   time.Duration(cfg.Proxy.RequestTimeout) * time.Second,
		endpoints: config.AntigravityEndpointFallbacks,
	}
	if c.timeout <= 0 {
		c.timeout = config.DefaultRequestTimeoutSeconds * time.Second
	}

	proxyURL := ""
	if cfg.Proxy.UpstreamProxy.Enabled {
		proxyURL = cfg.Proxy.UpstreamProxy.URL
	}
	if err := c.rebuild(proxyURL); err != nil {
		return nil, err
	}
	return c, nil
}

// Reconfigure swaps in a new transport when the proxy URL changed.
func (c *Client) Reconfigure(cfg *config.AppConfig) error {
	proxyURL := ""
	if cfg.Proxy.UpstreamProxy.Enabled {
		proxyURL = cfg.Proxy.UpstreamProxy.URL
	}
	timeout := time.Duration(cfg.Proxy.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeoutSeconds * time.Second
	}

	c.mu.RLock()
	unchanged := proxyURL == c.proxyURL && timeout == c.timeout
	c.mu.RUnlock()
	if unchanged {
		return nil
	}

	c.mu.Lock()
	c.timeout = timeout
	c.mu.Unlock()
	return c.rebuild(proxyURL)
}

func (c *Client) rebuild(proxyURL string) error {
	transport, err := buildTransport(proxyURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}
	c.proxyURL = proxyURL
	if proxyURL != "" {
		utils.Info("[Upstream] Outbound proxy enabled: %s", redactProxyURL(proxyURL))
	}
	return nil
}

func (c *Client) client() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpClient
}

// CallInternal POSTs the envelope to `<base>/v1internal:<method>` and
// returns the buffered reply. Endpoint fallback (daily → prod) applies on
// network errors and 404s; HTTP error statuses from a reachable endpoint
// are returned to the caller for rotation handling.
func (c *Client) CallInternal(ctx context.Context, method, bearer string, payload interface{}) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for _, base := range c.endpoints {
		resp, err := c.post(ctx, base, method, bearer, body, false)
		if err != nil {
			lastErr = err
			continue
		}

		buffered, err := bufferResponse(resp)
		if err != nil {
			lastErr = err
			continue
		}
		if buffered.StatusCode == http.StatusNotFound {
			lastErr = fmt.Errorf("%s: HTTP 404", base)
			continue
		}
		return buffered, nil
	}
	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

// CallInternalStream POSTs with `?alt=sse` and returns the live response.
// The caller owns resp.Body. Non-200 replies are returned as-is so the
// dispatch loop can classify them.
func (c *Client) CallInternalStream(ctx context.Context, method, bearer string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for _, base := range c.endpoints {
		resp, err := c.post(ctx, base, method, bearer, body, true)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s: HTTP 404", base)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (c *Client) post(ctx context.Context, base, method, bearer string, body []byte, sse bool) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/v1internal:%s", base, method)
	if sse {
		endpoint += "?alt=sse"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	for k, v := range config.AntigravityHeaders() {
		req.Header.Set(k, v)
	}
	if sse {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", base, err)
	}
	return resp, nil
}

func bufferResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func redactProxyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
