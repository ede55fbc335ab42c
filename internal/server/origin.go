package server

import (
	"net/url"
	"strings"
)

type builtinOrigin struct {
	scheme  string
	host    string
	portAny bool
}

// builtinOrigins are the local front ends allowed to call the API from a
// browser context: the desktop shell and local dev servers.
var builtinOrigins = []builtinOrigin{
	{scheme: "tauri", host: "localhost", portAny: false},
	{scheme: "https", host: "tauri.localhost", portAny: false},
	{scheme: "http", host: "localhost", portAny: true},
	{scheme: "http", host: "127.0.0.1", portAny: true},
}

func isBuiltinOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	hostname := u.Hostname()
	port := u.Port()
	for _, b := range builtinOrigins {
		if u.Scheme != b.scheme || hostname != b.host {
			continue
		}
		if !b.portAny && port != "" {
			continue
		}
		return true
	}
	return false
}

// originAllowed accepts requests without an Origin header, built-in local
// origins, and exact matches from extra.
func originAllowed(origin string, extra []string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	for _, allowed := range extra {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return isBuiltinOrigin(u)
}
