package sysproxy

import (
	"bufio"
	"bytes"
	"context"
	"strings"
)

func (d *Detector) fromScutil(ctx context.Context) string {
	out, err := d.run(ctx, "scutil", "--proxy")
	if err != nil {
		return ""
	}
	return parseScutil(out)
}

// parseScutil reads the dictionary printed by `scutil --proxy` and returns
// the first enabled proxy, preferring HTTPS over HTTP over SOCKS.
func parseScutil(out []byte) string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), " : ")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	for _, candidate := range []struct{ prefix, scheme string }{
		{"HTTPS", ""},
		{"HTTP", ""},
		{"SOCKS", "socks5"},
	} {
		if values[candidate.prefix+"Enable"] != "1" {
			continue
		}
		if proxy := format(candidate.scheme, values[candidate.prefix+"Proxy"], values[candidate.prefix+"Port"]); proxy != "" {
			return proxy
		}
	}
	return ""
}
