// Package probe makes the outbound HTTP calls the control plane needs:
// provider connectivity tests and JSON reads from management endpoints.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/proxypal/proxypal/internal/constants"
)

const (
	maxBodyBytes    = 4 << 20
	maxErrorSnippet = 200
)

// Target describes an upstream to test.
type Target struct {
	Provider string            `json:"provider,omitempty"`
	BaseURL  string            `json:"baseUrl"`
	APIKey   string            `json:"apiKey,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	ProxyURL string            `json:"proxyUrl,omitempty"`
}

// Result is the outcome of a connectivity test.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	LatencyMs   *int64 `json:"latencyMs,omitempty"`
	ModelsFound *int   `json:"modelsFound,omitempty"`
}

// StatusError is returned by FetchJSON for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("probe: %s returned HTTP %d", e.URL, e.Code)
	}
	return fmt.Sprintf("probe: %s returned HTTP %d: %s", e.URL, e.Code, e.Body)
}

// Options configures a Prober.
type Options struct {
	Timeout   time.Duration
	Transport http.RoundTripper // base transport; nil uses a clone of http.DefaultTransport
}

// Prober issues bounded HTTP requests.
type Prober struct {
	timeout time.Duration
	base    http.RoundTripper
}

// New creates a Prober.
func New(opts Options) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = constants.ProviderTestTimeout
	}
	return &Prober{timeout: opts.Timeout, base: opts.Transport}
}

func (p *Prober) client(proxyURL string) (*http.Client, error) {
	if p.base != nil {
		return &http.Client{Timeout: p.timeout, Transport: p.base}, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", proxyURL)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &http.Client{Timeout: p.timeout, Transport: transport}, nil
}

// TestProvider lists the models of target and reports whether the call
// succeeded. Failures of any kind are reported in the Result, never as a
// panic or error.
func (p *Prober) TestProvider(ctx context.Context, target Target) Result {
	base := strings.TrimRight(strings.TrimSpace(target.BaseURL), "/")
	if base == "" {
		return Result{Message: "base URL is required"}
	}
	parsed, err := url.Parse(base)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Result{Message: fmt.Sprintf("invalid base URL %q", target.BaseURL)}
	}

	client, err := p.client(target.ProxyURL)
	if err != nil {
		return Result{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("build request: %v", err)}
	}
	setAuth(req, target)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		return Result{Message: describeTransportError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{Message: fmt.Sprintf("read response: %v", err), LatencyMs: &latency}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Message:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body)),
			LatencyMs: &latency,
		}
	}

	result := Result{Success: true, LatencyMs: &latency}
	if n, ok := countModels(body); ok {
		result.ModelsFound = &n
		result.Message = fmt.Sprintf("Connection successful (%d models)", n)
	} else {
		result.Message = "Connection successful"
	}
	return result
}

func setAuth(req *http.Request, target Target) {
	if target.APIKey != "" {
		switch target.Provider {
		case "claude", "anthropic":
			req.Header.Set("x-api-key", target.APIKey)
			req.Header.Set("anthropic-version", "2023-06-01")
		case "gemini":
			req.Header.Set("x-goog-api-key", target.APIKey)
		default:
			req.Header.Set("Authorization", "Bearer "+target.APIKey)
		}
	}
	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}
}

// countModels understands the OpenAI ({"data": [...]}) and Gemini
// ({"models": [...]}) list shapes.
func countModels(body []byte) (int, bool) {
	var payload struct {
		Data   []json.RawMessage `json:"data"`
		Models []json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, false
	}
	switch {
	case payload.Data != nil:
		return len(payload.Data), true
	case payload.Models != nil:
		return len(payload.Models), true
	}
	return 0, false
}

func describeTransportError(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Sprintf("Connection timed out: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return "Connection test canceled"
	}
	return fmt.Sprintf("Connection failed: %v", err)
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len([]rune(text)) > maxErrorSnippet {
		text = string([]rune(text)[:maxErrorSnippet]) + "…"
	}
	return text
}

// FetchJSON GETs rawURL and decodes the JSON body into out. A non-empty
// bearer is sent as an Authorization header.
func (p *Prober) FetchJSON(ctx context.Context, rawURL, bearer string, out any) error {
	client, err := p.client("")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("probe: build request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe: GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("probe: read %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: rawURL, Code: resp.StatusCode, Body: snippet(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("probe: decode %s: %w", rawURL, err)
	}
	return nil
}
