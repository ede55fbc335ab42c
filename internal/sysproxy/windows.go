package sysproxy

import "strings"

// InternetSettings are the WinINet proxy values of the current user.
type InternetSettings struct {
	ProxyEnable bool
	ProxyServer string
}

func (d *Detector) fromRegistry() string {
	settings, err := d.registry()
	if err != nil || !settings.ProxyEnable {
		return ""
	}
	return parseProxyServer(settings.ProxyServer)
}

// parseProxyServer handles both "host:port" and the per-protocol form
// "http=host:port;https=host:port;socks=host:port".
func parseProxyServer(server string) string {
	server = strings.TrimSpace(server)
	if server == "" {
		return ""
	}
	if !strings.Contains(server, "=") {
		return formatHostPort("", server)
	}

	entries := make(map[string]string)
	for _, part := range strings.Split(server, ";") {
		proto, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			entries[strings.ToLower(proto)] = addr
		}
	}
	for _, candidate := range []struct{ proto, scheme string }{
		{"https", ""},
		{"http", ""},
		{"socks", "socks5"},
	} {
		if addr := entries[candidate.proto]; addr != "" {
			return formatHostPort(candidate.scheme, addr)
		}
	}
	return ""
}

func formatHostPort(scheme, addr string) string {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		return format(scheme, addr, "")
	}
	return format(scheme, host, port)
}
