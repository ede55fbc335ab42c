package version

import (
	"strings"
	"testing"
)

func TestStringReflectsBuildVersion(t *testing.T) {
	t.Cleanup(ForTesting("1.2.3-test"))

	if got := String(); got != "1.2.3-test" {
		t.Fatalf("expected version 1.2.3-test, got %s", got)
	}
}

func TestMismatch(t *testing.T) {
	tests := []struct {
		name   string
		client string
		daemon string
		warn   bool
	}{
		{"same", "0.4.0", "0.4.0", false},
		{"different", "0.4.0", "0.3.1", true},
		{"daemon dev", "0.4.0", "dev", false},
		{"client dev", "dev", "0.4.0", false},
		{"daemon unknown", "0.4.0", "", false},
		{"describe suffix", "0.4.0-3-gabc123", "v0.4.0", false},
		{"describe suffix different base", "0.4.0-3-gabc123", "0.3.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(ForTesting(tt.client))

			got := Mismatch(tt.daemon)
			if tt.warn != (got != "") {
				t.Fatalf("Mismatch(%q) with client %q = %q", tt.daemon, tt.client, got)
			}
			if tt.warn && !strings.Contains(got, "proxypald "+Display(tt.daemon)) {
				t.Errorf("warning %q does not name the daemon version", got)
			}
		})
	}
}

func TestDisplay(t *testing.T) {
	tests := map[string]string{
		"0.4.0":     "v0.4.0",
		"v0.4.0":    "v0.4.0",
		"dev":       "dev",
		"":          "",
		"1.0.0-rc1": "v1.0.0-rc1",
	}
	for in, want := range tests {
		if got := Display(in); got != want {
			t.Errorf("Display(%q) = %q, want %q", in, got, want)
		}
	}
}
