package sysproxy

import (
	"context"
	"strings"
)

const gnomeProxySchema = "org.gnome.system.proxy"

// fromGSettings reads the GNOME manual proxy settings.
func (d *Detector) fromGSettings(ctx context.Context) string {
	mode, ok := d.gsetting(ctx, gnomeProxySchema, "mode")
	if !ok || mode != "manual" {
		return ""
	}

	for _, candidate := range []struct{ schema, scheme string }{
		{gnomeProxySchema + ".https", ""},
		{gnomeProxySchema + ".http", ""},
		{gnomeProxySchema + ".socks", "socks5"},
	} {
		host, ok := d.gsetting(ctx, candidate.schema, "host")
		if !ok || host == "" {
			continue
		}
		port, _ := d.gsetting(ctx, candidate.schema, "port")
		if proxy := format(candidate.scheme, host, port); proxy != "" {
			return proxy
		}
	}
	return ""
}

func (d *Detector) gsetting(ctx context.Context, schema, key string) (string, bool) {
	out, err := d.run(ctx, "gsettings", "get", schema, key)
	if err != nil {
		return "", false
	}
	return unquoteGVariant(string(out)), true
}

// unquoteGVariant strips the quoting gsettings prints around strings.
func unquoteGVariant(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		v = v[1 : len(v)-1]
	}
	return v
}
