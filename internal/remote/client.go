// Package remote talks to the sample service: it uploads time-spent and
// change samples and reads back daily totals.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/retry"
)

const (
	TimeSpentPath = "/api/v1/samples/time-spent"
	ChangesPath   = "/api/v1/samples/changes"
	DailyPath     = "/api/v1/plugin/daily-time-per-project"

	apiKeyHeader    = "X-api-key"
	maxResponseBody = 1 << 20
)

// Result is the outcome of a sample upload. Every failure mode collapses
// into ResultError.
type Result int

const (
	ResultOK Result = iota
	ResultError
)

func (r Result) String() string {
	if r == ResultOK {
		return "ok"
	}
	return "error"
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResponseInspector looks at successful response bodies for business-level
// signals such as a revoked key.
type ResponseInspector interface {
	Inspect(body []byte)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	DailyCacheTTL  time.Duration
	Retry          retry.Config
}

// Client wraps the sample service API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	inspector  ResponseInspector
	daily      *expirable.LRU[string, DailyTotals]
	retry      retry.Config
	logger     zerolog.Logger
}

// NewClient creates a new sample service client. inspector may be nil.
func NewClient(opts Options, inspector ResponseInspector, logger zerolog.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.DailyCacheTTL <= 0 {
		opts.DailyCacheTTL = time.Minute
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + 2*opts.ReadTimeout,
		},
		inspector: inspector,
		daily:     expirable.NewLRU[string, DailyTotals](32, nil, opts.DailyCacheTTL),
		retry:     opts.Retry,
		logger:    logger.With().Str("component", "remote").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SendTimeSpentSample uploads a time-spent payload.
func (c *Client) SendTimeSpentSample(ctx context.Context, apiKey string, payload []byte) Result {
	return c.send(ctx, TimeSpentPath, apiKey, payload)
}

// SendChangesSample uploads a changes payload.
func (c *Client) SendChangesSample(ctx context.Context, apiKey string, payload []byte) Result {
	return c.send(ctx, ChangesPath, apiKey, payload)
}

func (c *Client) send(ctx context.Context, path, apiKey string, payload []byte) Result {
	body, err := c.do(ctx, http.MethodPost, path, apiKey, bytes.NewReader(payload))
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("sample upload failed")
		return ResultError
	}
	if c.inspector != nil {
		c.inspector.Inspect(body)
	}
	return ResultOK
}

// do executes an API request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path, apiKey string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, perrors.NewAPIError("sample service", resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
