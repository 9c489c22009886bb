// Package zap provides a client for the OWASP ZAP JSON API.
//
// Only the operations needed to drive a scan are covered: version check,
// spider and active scan start/status, alert retrieval and the HTML report.
// Every failure is reported as a protocol error carrying the underlying cause.
package zap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/zapcontrol/pkg/core"
	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
)

// API is the subset of the ZAP API used by the orchestrator.
type API interface {
	Version(ctx context.Context) (string, error)
	StartSpider(ctx context.Context, targetURL string) (string, error)
	SpiderStatus(ctx context.Context, scanID string) (int, error)
	StartActiveScan(ctx context.Context, targetURL string) (string, error)
	ActiveScanStatus(ctx context.Context, scanID string) (int, error)
	Alerts(ctx context.Context, baseURL string) ([]Alert, error)
	HTMLReport(ctx context.Context) ([]byte, error)
}

// Factory builds a client for a node.
type Factory interface {
	ClientFor(node *model.Node) API
}

// Config configures a Client.
type Config struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"-" json:"-"`

	// Timeout bounds every status and action call. Default: 20 seconds.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// AlertsTimeout bounds alert and report retrieval. Default: 90 seconds.
	AlertsTimeout time.Duration `yaml:"alerts_timeout" json:"alerts_timeout"`

	// RateLimit is the maximum requests per second to one node. Default: 10.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// Burst is the rate limiter burst. Default: 5.
	Burst int `yaml:"burst" json:"burst"`

	// AlertPageSize is the count parameter for alert retrieval. Default: 9999.
	AlertPageSize int `yaml:"alert_page_size" json:"alert_page_size"`

	HTTPClient *http.Client `yaml:"-" json:"-"`
	Logger     core.Logger  `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Timeout:       20 * time.Second,
		AlertsTimeout: 90 * time.Second,
		RateLimit:     10,
		Burst:         5,
		AlertPageSize: 9999,
	}
}

// Client talks to one ZAP node.
type Client struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	alertsTimeout time.Duration
	pageSize      int
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        core.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a client. Zero config values take their defaults.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.AlertsTimeout <= 0 {
		cfg.AlertsTimeout = d.AlertsTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = d.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.AlertPageSize <= 0 {
		cfg.AlertPageSize = d.AlertPageSize
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-call deadlines come from the request context.
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		timeout:       cfg.Timeout,
		alertsTimeout: cfg.AlertsTimeout,
		pageSize:      cfg.AlertPageSize,
		httpClient:    httpClient,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:        core.OrDefault(cfg.Logger, "zap"),
	}
}

// Version returns the ZAP version. It doubles as the liveness check.
func (c *Client) Version(ctx context.Context) (string, error) {
	const op = "zap.Version"
	payload, err := c.getJSON(ctx, op, "/JSON/core/view/version/", nil, c.timeout)
	if err != nil {
		return "", err
	}
	v, err := field(op, payload, "version")
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// StartSpider starts a recursive spider and returns its scan ID.
func (c *Client) StartSpider(ctx context.Context, targetURL string) (string, error) {
	return c.startScan(ctx, "zap.StartSpider", "/JSON/spider/action/scan/", url.Values{
		"url":     {targetURL},
		"recurse": {"true"},
	})
}

// SpiderStatus returns spider progress in percent.
func (c *Client) SpiderStatus(ctx context.Context, scanID string) (int, error) {
	return c.status(ctx, "zap.SpiderStatus", "/JSON/spider/view/status/", scanID)
}

// StartActiveScan starts a recursive active scan and returns its scan ID.
func (c *Client) StartActiveScan(ctx context.Context, targetURL string) (string, error) {
	return c.startScan(ctx, "zap.StartActiveScan", "/JSON/ascan/action/scan/", url.Values{
		"url":         {targetURL},
		"recurse":     {"true"},
		"inScopeOnly": {"false"},
	})
}

// ActiveScanStatus returns active scan progress in percent.
func (c *Client) ActiveScanStatus(ctx context.Context, scanID string) (int, error) {
	return c.status(ctx, "zap.ActiveScanStatus", "/JSON/ascan/view/status/", scanID)
}

// Alerts returns every alert recorded for baseURL.
func (c *Client) Alerts(ctx context.Context, baseURL string) ([]Alert, error) {
	const op = "zap.Alerts"
	payload, err := c.getJSON(ctx, op, "/JSON/core/view/alerts/", url.Values{
		"baseurl": {baseURL},
		"start":   {"0"},
		"count":   {fmt.Sprintf("%d", c.pageSize)},
	}, c.alertsTimeout)
	if err != nil {
		return nil, err
	}
	raw, ok := payload["alerts"]
	if !ok {
		return nil, zerr.Protocol(op, fmt.Errorf("response has no %q field", "alerts"))
	}
	alerts, err := DecodeAlerts(raw)
	if err != nil {
		return nil, zerr.Protocol(op, err)
	}
	return alerts, nil
}

// HTMLReport returns ZAP's own HTML report.
func (c *Client) HTMLReport(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "zap.HTMLReport", "/OTHER/core/other/htmlreport/", nil, c.alertsTimeout)
}

func (c *Client) startScan(ctx context.Context, op, path string, params url.Values) (string, error) {
	payload, err := c.getJSON(ctx, op, path, params, c.timeout)
	if err != nil {
		return "", err
	}
	id, err := field(op, payload, "scan")
	if err != nil {
		return "", err
	}
	if id.String() == "" {
		return "", zerr.Protocol(op, fmt.Errorf("scan id was empty"))
	}
	return id.String(), nil
}

func (c *Client) status(ctx context.Context, op, path, scanID string) (int, error) {
	payload, err := c.getJSON(ctx, op, path, url.Values{"scanId": {scanID}}, c.timeout)
	if err != nil {
		return 0, err
	}
	v, err := field(op, payload, "status")
	if err != nil {
		return 0, err
	}
	pct, err := v.Int()
	if err != nil {
		return 0, zerr.Protocol(op, fmt.Errorf("invalid status %q: %w", v, err))
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func field(op string, payload map[string]json.RawMessage, name string) (FlexString, error) {
	raw, ok := payload[name]
	if !ok {
		return "", zerr.Protocol(op, fmt.Errorf("response has no %q field", name))
	}
	var v FlexString
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", zerr.Protocol(op, fmt.Errorf("field %q: %w", name, err))
	}
	return v, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, params url.Values, timeout time.Duration) (map[string]json.RawMessage, error) {
	body, err := c.get(ctx, op, path, params, timeout)
	if err != nil {
		return nil, err
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, zerr.Protocol(op, fmt.Errorf("malformed JSON: %w", err))
	}
	return payload, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values, timeout time.Duration) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, zerr.Protocol(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if params == nil {
		params = url.Values{}
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, zerr.Protocol(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "zapcontrol/1.0")

	c.logger.Debug("GET %s%s", c.baseURL, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, zerr.Protocol(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, zerr.Protocol(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, zerr.Protocol(op, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)})
	}
	return data, nil
}

// HTTPError is a non-2xx response from a node.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ClientFactory builds Clients for nodes from a shared template config.
// Clients are cached per node so the rate limit applies across runs.
type ClientFactory struct {
	template Config

	mu      sync.Mutex
	clients map[int64]*cachedClient
}

type cachedClient struct {
	baseURL string
	apiKey  string
	client  *Client
}

// NewClientFactory creates a factory. A nil template uses DefaultConfig.
func NewClientFactory(template *Config) *ClientFactory {
	if template == nil {
		template = DefaultConfig()
	}
	return &ClientFactory{template: *template, clients: make(map[int64]*cachedClient)}
}

// ClientFor implements Factory.
func (f *ClientFactory) ClientFor(node *model.Node) API {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cc, ok := f.clients[node.ID]; ok && cc.baseURL == node.BaseURL && cc.apiKey == node.APIKey {
		return cc.client
	}
	cfg := f.template
	cfg.BaseURL = node.BaseURL
	cfg.APIKey = node.APIKey
	client := NewClient(&cfg)
	f.clients[node.ID] = &cachedClient{baseURL: node.BaseURL, apiKey: node.APIKey, client: client}
	return client
}
