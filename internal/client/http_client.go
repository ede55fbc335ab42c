// Package client talks to proxypald's local HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/oauth"
	"github.com/proxypal/proxypal/internal/probe"
	"github.com/proxypal/proxypal/internal/server"
	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/supervisor"
	"github.com/proxypal/proxypal/internal/sysproxy"
)

// AddrEnvVar overrides the daemon address.
const AddrEnvVar = "PROXYPAL_ADDR"

const maxErrorBody = 8 << 10

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
	// Set for configuration saves that persisted but failed to restart
	// a process.
	ConfigSaved bool
	Failed      []status.Kind
	Retry       map[status.Kind]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// HTTPClient wraps HTTP interactions with the daemon.
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

// New builds a client for PROXYPAL_ADDR or the default listen address.
func New() (*HTTPClient, error) {
	addr := strings.TrimSpace(os.Getenv(AddrEnvVar))
	if addr == "" {
		addr = server.DefaultListenAddr
	}
	return NewHTTPClient(addr, nil)
}

// NewHTTPClient builds a client for addr ("host:port" or a URL) with an
// optional custom transport.
func NewHTTPClient(addr string, transport http.RoundTripper) (*HTTPClient, error) {
	base := strings.TrimSpace(addr)
	if base == "" {
		return nil, errors.New("client: daemon address is empty")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("client: parse daemon address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: daemon address %q has no host", addr)
	}

	client := &http.Client{Timeout: constants.ClientRequestTimeout}
	if transport != nil {
		client.Transport = transport
	}
	return &HTTPClient{client: client, baseURL: strings.TrimRight(u.String(), "/")}, nil
}

// BaseURL returns the base HTTP URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w (is proxypald running?)", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return apiErr
	}
	if strings.HasPrefix(trimmed, "{") {
		var payload server.PartialFailureResponse
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				apiErr.Message = msg
				apiErr.ConfigSaved = payload.ConfigSaved
				apiErr.Failed = payload.Failed
				apiErr.Retry = payload.Retry
				return apiErr
			}
		}
		// Fall back to returning the raw payload for diagnostics when parsing fails
		// or the server response omits the "error" field.
	}
	apiErr.Message = trimmed
	return apiErr
}

// Version returns the daemon's build version.
func (c *HTTPClient) Version(ctx context.Context) (string, error) {
	var resp server.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// GetConfig returns the committed configuration.
func (c *HTTPClient) GetConfig(ctx context.Context) (store.Document, error) {
	var doc store.Document
	err := c.do(ctx, http.MethodGet, "/config", nil, &doc)
	return doc, err
}

// PutConfig sends a full store.Document or a partial map of top-level keys.
func (c *HTTPClient) PutConfig(ctx context.Context, update any) (server.ConfigResponse, error) {
	var resp server.ConfigResponse
	err := c.do(ctx, http.MethodPut, "/config", update, &resp)
	return resp, err
}

// Status returns the current status snapshot.
func (c *HTTPClient) Status(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot
	err := c.do(ctx, http.MethodGet, "/status", nil, &snap)
	return snap, err
}

// RefreshStatus asks the daemon to poll now.
func (c *HTTPClient) RefreshStatus(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot
	err := c.do(ctx, http.MethodPost, "/status/refresh", nil, &snap)
	return snap, err
}

func (c *HTTPClient) process(ctx context.Context, kind status.Kind, action string) (status.Snapshot, error) {
	var snap status.Snapshot
	err := c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(string(kind))+"/"+action, nil, &snap)
	return snap, err
}

// Start launches kind.
func (c *HTTPClient) Start(ctx context.Context, kind status.Kind) (status.Snapshot, error) {
	return c.process(ctx, kind, "start")
}

// Stop terminates kind.
func (c *HTTPClient) Stop(ctx context.Context, kind status.Kind) (status.Snapshot, error) {
	return c.process(ctx, kind, "stop")
}

// Restart restarts kind.
func (c *HTTPClient) Restart(ctx context.Context, kind status.Kind) (status.Snapshot, error) {
	return c.process(ctx, kind, "restart")
}

// TestProvider runs a connectivity test through the daemon.
func (c *HTTPClient) TestProvider(ctx context.Context, target probe.Target) (probe.Result, error) {
	var result probe.Result
	err := c.do(ctx, http.MethodPost, "/providers/test", target, &result)
	return result, err
}

// SystemProxy returns the detected system proxy.
func (c *HTTPClient) SystemProxy(ctx context.Context) (sysproxy.Result, error) {
	var result sysproxy.Result
	err := c.do(ctx, http.MethodGet, "/system-proxy", nil, &result)
	return result, err
}

// BeginOAuth starts a provider login and returns the URL to open.
func (c *HTTPClient) BeginOAuth(ctx context.Context, provider string) (oauth.Flow, error) {
	var flow oauth.Flow
	err := c.do(ctx, http.MethodPost, "/oauth/"+url.PathEscape(provider)+"/begin", nil, &flow)
	return flow, err
}

// CompleteOAuth consumes a pending login.
func (c *HTTPClient) CompleteOAuth(ctx context.Context, provider, state string) (status.Snapshot, error) {
	var snap status.Snapshot
	err := c.do(ctx, http.MethodPost, "/oauth/"+url.PathEscape(provider)+"/complete", server.CompleteOAuthRequest{State: state}, &snap)
	return snap, err
}

// CancelOAuth discards a pending login.
func (c *HTTPClient) CancelOAuth(ctx context.Context, provider string) (bool, error) {
	var resp server.CancelOAuthResponse
	err := c.do(ctx, http.MethodDelete, "/oauth/"+url.PathEscape(provider), nil, &resp)
	return resp.Cancelled, err
}

// PendingOAuthFlow returns the pending login for provider.
func (c *HTTPClient) PendingOAuthFlow(ctx context.Context, provider string) (oauth.Flow, error) {
	var flow oauth.Flow
	err := c.do(ctx, http.MethodGet, "/oauth/"+url.PathEscape(provider), nil, &flow)
	return flow, err
}

// PendingOAuth lists pending logins.
func (c *HTTPClient) PendingOAuth(ctx context.Context) ([]oauth.Flow, error) {
	var flows []oauth.Flow
	err := c.do(ctx, http.MethodGet, "/oauth", nil, &flows)
	return flows, err
}

// Events returns recent lifecycle events. An empty kind lists all kinds.
func (c *HTTPClient) Events(ctx context.Context, kind status.Kind, limit int) ([]supervisor.Event, error) {
	query := url.Values{}
	if kind != "" {
		query.Set("kind", string(kind))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/events"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var events []supervisor.Event
	err := c.do(ctx, http.MethodGet, path, nil, &events)
	return events, err
}

// WaitReady polls /version until the daemon answers or ctx ends.
func (c *HTTPClient) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := c.Version(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
