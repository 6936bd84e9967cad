package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"openai-completion/internal/auth"
)

const (
	// UpstreamHost is the OpenAI API host every request is sent to.
	UpstreamHost = "api.openai.com"
	// DefaultBaseURL is the upstream origin.
	DefaultBaseURL = "https://" + UpstreamHost
)

// Client formats requests to, and classifies responses from, the upstream API.
// It owns a single persistent connection and serves one caller at a time;
// open one Client per concurrent caller.
type Client struct {
	config     Config
	baseURL    string
	headers    http.Header
	httpClient *http.Client
	presenter  Presenter
	logger     *zap.Logger

	pending *http.Response
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another origin (tests, self-hosted gateways).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the connection-holding HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPresenter sets the hook that receives non-fatal upstream errors.
func WithPresenter(p Presenter) Option {
	return func(c *Client) { c.presenter = p }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds the request headers and the upstream connection. When the
// configuration carries a proxy the connection is a CONNECT tunnel through it.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		config:  cfg,
		baseURL: DefaultBaseURL,
		headers: http.Header{},
		logger:  zap.NewNop(),
	}
	c.headers.Set("Content-Type", "application/json")
	c.headers.Set("Authorization", auth.BearerHeader(cfg.Token))
	c.headers.Set("Cache-Control", "no-cache")

	for _, opt := range opts {
		opt(c)
	}
	if c.presenter == nil {
		c.presenter = LogPresenter{Logger: c.logger}
	}
	if c.httpClient == nil {
		transport, err := newTransport(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		c.httpClient = &http.Client{Transport: transport}
	}

	if cfg.Proxy.Enabled() {
		c.logger.Debug("tunneling through proxy",
			zap.String("proxy", cfg.Proxy.Address), zap.Int("port", cfg.Proxy.Port))
	}
	return c, nil
}

// newTransport returns a transport that keeps at most one connection to the
// upstream alive. No timeouts are set here; callers bound calls through ctx.
func newTransport(proxy ProxyConfig) (*http.Transport, error) {
	t := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		ForceAttemptHTTP2:   true,
	}
	if proxy.Enabled() {
		proxyURL, err := url.Parse("http://" + net.JoinHostPort(proxy.Address, strconv.Itoa(proxy.Port)))
		if err != nil {
			return nil, fmt.Errorf("llm: invalid proxy %q: %w", proxy.Address, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	return c.config
}

// Header returns a copy of the headers sent with every request.
func (c *Client) Header() http.Header {
	return c.headers.Clone()
}

// Send posts payload to path over the held connection. The response stays
// pending until Receive. A response left pending by an earlier Send is discarded.
func (c *Client) Send(ctx context.Context, path, payload string) error {
	c.discardPending()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("llm: build request %s: %w", path, err)
	}
	for key, values := range c.headers {
		req.Header[key] = append([]string(nil), values...)
	}
	injectTraceparent(ctx, req)

	c.logger.Debug("sending request", zap.String("path", path), zap.Int("bytes", len(payload)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm: post %s: %w", path, err)
	}
	c.pending = resp
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Receive consumes the pending response and classifies it:
//   - context_length_exceeded is returned as *ContextLengthExceededError
//   - any other 4xx/5xx is presented as *UnknownUpstreamError and the
//     response is still returned, its body re-readable
//   - anything else is returned unchanged
//
// The caller owns the returned response and must close its body.
func (c *Client) Receive() (*http.Response, error) {
	resp := c.pending
	if resp == nil {
		return nil, ErrNoPendingResponse
	}
	c.pending = nil

	c.logger.Debug("received response", zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 400 || resp.StatusCode >= 600 {
		return resp, nil
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("llm: read error body (status %d): %w", resp.StatusCode, err)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("llm: decode error body (status %d): %w", resp.StatusCode, err)
	}

	if envelope.Error.Code == ContextLengthExceededCode {
		return nil, &ContextLengthExceededError{Message: envelope.Error.Message}
	}

	upstreamErr := &UnknownUpstreamError{
		Status:  resp.StatusCode,
		Code:    envelope.Error.Code,
		Type:    envelope.Error.Type,
		Message: envelope.Error.Message,
	}
	c.presenter.Present(upstreamErr.Label(), upstreamErr)

	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// Close drops any pending response and the idle upstream connection.
func (c *Client) Close() {
	c.discardPending()
	c.httpClient.CloseIdleConnections()
}

func (c *Client) discardPending() {
	if c.pending == nil {
		return
	}
	io.Copy(io.Discard, c.pending.Body) //nolint:errcheck
	c.pending.Body.Close()              //nolint:errcheck
	c.pending = nil
}
