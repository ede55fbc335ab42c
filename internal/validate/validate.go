// Package validate holds input checks shared by the API and the CLI.
package validate

import (
	"fmt"
	"net/url"
	"strings"
)

// HTTPURL ensures the URL uses http or https scheme and has a non-empty host.
func HTTPURL(rawURL string) error {
	return schemeURL(rawURL, "http", "https")
}

// ProxyURL validates an outbound proxy URL. An empty value means no proxy.
func ProxyURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return nil
	}
	return schemeURL(rawURL, "http", "https", "socks5", "socks5h")
}

func schemeURL(rawURL string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("URL missing scheme: %s", rawURL)
	}
	allowed := false
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("URL scheme %q not allowed (want %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL missing host: %s", rawURL)
	}
	return nil
}

// Port reports whether port is a usable TCP port. name labels the error.
func Port(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", name)
	}
	return nil
}
