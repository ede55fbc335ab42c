// Package sysproxy finds the upstream HTTP proxy the user's system is
// configured with, if any.
package sysproxy

import (
	"context"
	"net"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"golang.org/x/net/http/httpproxy"

	"github.com/proxypal/proxypal/internal/constants"
)

// probeURL is the destination the environment proxy is resolved for.
const probeURL = "https://www.google.com"

// Source says where a detected proxy came from.
type Source string

const (
	SourceNone        Source = "none"
	SourceEnvironment Source = "environment"
	SourceSystem      Source = "system"
)

// Result is the outcome of a detection. URL is empty when no proxy is set.
type Result struct {
	URL    string `json:"url,omitempty"`
	Source Source `json:"source"`
}

// Found reports whether a proxy was detected.
func (r Result) Found() bool {
	return r.URL != ""
}

// CommandRunner runs an external command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Options overrides the detector's view of the host. Zero values use the
// real environment.
type Options struct {
	Getenv   func(string) string
	Run      CommandRunner
	GOOS     string
	Registry func() (InternetSettings, error)
}

// Detector looks up the system proxy.
type Detector struct {
	getenv   func(string) string
	run      CommandRunner
	goos     string
	registry func() (InternetSettings, error)
}

// New creates a detector.
func New(opts Options) *Detector {
	d := &Detector{
		getenv:   opts.Getenv,
		run:      opts.Run,
		goos:     opts.GOOS,
		registry: opts.Registry,
	}
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	if d.run == nil {
		d.run = runCommand
	}
	if d.goos == "" {
		d.goos = runtime.GOOS
	}
	if d.registry == nil {
		d.registry = readInternetSettings
	}
	return d
}

// Detect checks the environment first and then the OS settings. Any
// failure along the way is treated as "no proxy".
func (d *Detector) Detect(ctx context.Context) Result {
	if proxy := d.fromEnvironment(); proxy != "" {
		return Result{URL: proxy, Source: SourceEnvironment}
	}

	ctx, cancel := context.WithTimeout(ctx, constants.SystemProxyProbeTimeout)
	defer cancel()

	var proxy string
	switch d.goos {
	case "darwin":
		proxy = d.fromScutil(ctx)
	case "linux", "freebsd", "openbsd", "netbsd":
		proxy = d.fromGSettings(ctx)
	case "windows":
		proxy = d.fromRegistry()
	}
	if proxy != "" {
		return Result{URL: proxy, Source: SourceSystem}
	}
	return Result{Source: SourceNone}
}

func (d *Detector) fromEnvironment() string {
	cfg := httpproxy.Config{
		HTTPProxy:  d.getenvAny("HTTP_PROXY", "http_proxy"),
		HTTPSProxy: d.getenvAny("HTTPS_PROXY", "https_proxy"),
		NoProxy:    d.getenvAny("NO_PROXY", "no_proxy"),
	}
	if all := d.getenvAny("ALL_PROXY", "all_proxy"); all != "" && cfg.HTTPSProxy == "" {
		cfg.HTTPSProxy = all
	}

	target, _ := url.Parse(probeURL)
	proxy, err := cfg.ProxyFunc()(target)
	if err != nil || proxy == nil || proxy.Host == "" {
		return ""
	}
	scheme := proxy.Scheme
	if scheme != "socks5" && scheme != "socks5h" {
		scheme = ""
	}
	return format(scheme, proxy.Hostname(), proxy.Port())
}

func (d *Detector) getenvAny(names ...string) string {
	for _, name := range names {
		if v := d.getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// format renders host and port as a proxy URL. Hosts that look like a
// SOCKS proxy get socks5:// unless scheme says otherwise.
func format(scheme, host, port string) string {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return ""
	}
	if scheme == "" {
		scheme = "http"
		if strings.Contains(strings.ToLower(host), "socks") {
			scheme = "socks5"
		}
	}
	if port == "" || port == "0" {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
