/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hcloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/projectbeskar/vmpool/internal/obs/logging"
	"github.com/projectbeskar/vmpool/internal/obs/metrics"
	"github.com/projectbeskar/vmpool/internal/version"
)

// Config holds the Hetzner Cloud API client configuration
type Config struct {
	Endpoint       string
	Token          string
	RequestTimeout time.Duration
	// RetryMax is the number of transport-level retries; zero disables them
	RetryMax int
	// QPS limits outgoing requests; zero disables client-side rate limiting
	QPS   float64
	Burst int
	// HTTPClient overrides the underlying HTTP client
	HTTPClient *http.Client
	Logger     logr.Logger
}

// Client is a Hetzner Cloud API client
type Client struct {
	config  *Config
	http    *retryablehttp.Client
	baseURL *url.URL
	limiter *rate.Limiter
	metrics *metrics.ProviderAPIMetrics
	logger  logr.Logger
}

// Response wraps the HTTP response of an API call
type Response struct {
	StatusCode int
	Header     http.Header
	// RateLimitRemaining is -1 when the header was absent
	RateLimitRemaining int
}

const rateLimitRemainingHeader = "RateLimit-Remaining"

// NewClient creates a new Hetzner Cloud API client
func NewClient(config *Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("token is required")
	}

	baseURL, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = config.RetryMax
	httpClient.Logger = leveledLogger{log: config.Logger.WithName("transport")}
	// Hand non-2xx responses back to the caller instead of a generic "giving up" error
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if config.HTTPClient != nil {
		httpClient.HTTPClient = config.HTTPClient
	}
	httpClient.HTTPClient.Timeout = config.RequestTimeout

	var limiter *rate.Limiter
	if config.QPS > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.QPS), burst)
	}

	return &Client{
		config:  config,
		http:    httpClient,
		baseURL: baseURL,
		limiter: limiter,
		metrics: metrics.NewProviderAPIMetrics("hetzner"),
		logger:  config.Logger,
	}, nil
}

// Config returns the client configuration
func (c *Client) Config() *Config {
	return c.config
}

// CreateServer creates a server
func (c *Client) CreateServer(ctx context.Context, opts ServerCreateOpts) (*ServerCreateResult, *Response, error) {
	var result ServerCreateResult
	resp, err := c.do(ctx, "servers.create", http.MethodPost, []string{"servers"}, nil, opts, &result)
	if err != nil {
		return nil, resp, err
	}
	return &result, resp, nil
}

// DeleteServer deletes a server
func (c *Client) DeleteServer(ctx context.Context, id int64) (*Action, *Response, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	resp, err := c.do(ctx, "servers.delete", http.MethodDelete, serverPath(id), nil, nil, &result)
	if err != nil {
		return nil, resp, err
	}
	return result.Action, resp, nil
}

// UpdateServer changes the name or labels of a server
func (c *Client) UpdateServer(ctx context.Context, id int64, opts ServerUpdateOpts) (*Server, *Response, error) {
	var result struct {
		Server Server `json:"server"`
	}
	resp, err := c.do(ctx, "servers.update", http.MethodPut, serverPath(id), nil, opts, &result)
	if err != nil {
		return nil, resp, err
	}
	return &result.Server, resp, nil
}

// RebuildServer reinstalls a server from an image
func (c *Client) RebuildServer(ctx context.Context, id int64, opts ServerRebuildOpts) (*ServerRebuildResult, *Response, error) {
	var result ServerRebuildResult
	resp, err := c.do(ctx, "servers.rebuild", http.MethodPost, actionPath(id, "rebuild"), nil, opts, &result)
	if err != nil {
		return nil, resp, err
	}
	return &result, resp, nil
}

// GetServer fetches a single server
func (c *Client) GetServer(ctx context.Context, id int64) (*Server, *Response, error) {
	var result struct {
		Server Server `json:"server"`
	}
	resp, err := c.do(ctx, "servers.get", http.MethodGet, serverPath(id), nil, nil, &result)
	if err != nil {
		return nil, resp, err
	}
	return &result.Server, resp, nil
}

// ListServers fetches one page of servers
func (c *Client) ListServers(ctx context.Context, opts ServerListOpts) (*ServerListResult, *Response, error) {
	query := url.Values{}
	if opts.Sort != "" {
		query.Set("sort", opts.Sort)
	}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(opts.PerPage))
	}
	if opts.LabelSelector != "" {
		query.Set("label_selector", opts.LabelSelector)
	}

	var result ServerListResult
	resp, err := c.do(ctx, "servers.list", http.MethodGet, []string{"servers"}, query, nil, &result)
	if err != nil {
		return nil, resp, err
	}
	return &result, resp, nil
}

// PowerOnServer starts a server that is off
func (c *Client) PowerOnServer(ctx context.Context, id int64) (*Action, *Response, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	resp, err := c.do(ctx, "servers.poweron", http.MethodPost, actionPath(id, "poweron"), nil, nil, &result)
	if err != nil {
		return nil, resp, err
	}
	return result.Action, resp, nil
}

// AttachServerToNetwork attaches a server to a private network
func (c *Client) AttachServerToNetwork(ctx context.Context, id int64, opts ServerAttachToNetworkOpts) (*Action, *Response, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	resp, err := c.do(ctx, "servers.attach_to_network", http.MethodPost, actionPath(id, "attach_to_network"), nil, opts, &result)
	if err != nil {
		return nil, resp, err
	}
	return result.Action, resp, nil
}

func serverPath(id int64) []string {
	return []string{"servers", strconv.FormatInt(id, 10)}
}

func actionPath(id int64, action string) []string {
	return []string{"servers", strconv.FormatInt(id, 10), "actions", action}
}

// do performs a request and decodes a 2xx JSON body into out.
// Non-2xx responses are returned as *APIError together with the response.
func (c *Client) do(ctx context.Context, op, method string, path []string, query url.Values, body, out interface{}) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
		}
	}

	var rawBody interface{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request body: %w", op, err)
		}
		rawBody = data
	}

	reqURL := c.baseURL.JoinPath(path...)
	reqURL.RawQuery = query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, method, reqURL.String(), rawBody)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if rawBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := metrics.NewTimer()
	httpResp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRequest(op, 0, timer.Duration())
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // Response body close in defer is not critical

	c.metrics.RecordRequest(op, httpResp.StatusCode, timer.Duration())

	resp := newResponse(httpResp)
	if resp.RateLimitRemaining >= 0 {
		c.metrics.SetRateLimitRemaining(float64(resp.RateLimitRemaining))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, decodeError(httpResp)
	}

	if out != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp, fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
	}

	return resp, nil
}

func newResponse(httpResp *http.Response) *Response {
	resp := &Response{
		StatusCode:         httpResp.StatusCode,
		Header:             httpResp.Header,
		RateLimitRemaining: -1,
	}
	if v := httpResp.Header.Get(rateLimitRemainingHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			resp.RateLimitRemaining = n
		}
	}
	return resp
}

func decodeError(httpResp *http.Response) error {
	apiErr := &APIError{StatusCode: httpResp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
	var envelope ErrorBody
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = http.StatusText(httpResp.StatusCode)
	}

	return apiErr
}

// leveledLogger adapts logr to retryablehttp.LeveledLogger
type leveledLogger struct {
	log logr.Logger
}

// retryablehttp logs request URLs and transport errors verbatim
func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error(nil, logging.RedactString(msg), logging.RedactValues(keysAndValues...)...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(logging.RedactString(msg), logging.RedactValues(keysAndValues...)...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.V(1).Info(logging.RedactString(msg), logging.RedactValues(keysAndValues...)...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Info(logging.RedactString(msg), logging.RedactValues(keysAndValues...)...)
}
