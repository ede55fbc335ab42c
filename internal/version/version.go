// Package version carries the build version shared by proxypal and
// proxypald.
package version

import (
	"fmt"
	"regexp"
	"strings"
)

// Set with -ldflags "-X github.com/proxypal/proxypal/internal/version.version=...".
var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// describeSuffix matches the "-N-gHASH" tail git describe appends.
var describeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

func normalize(v string) string {
	v = strings.TrimPrefix(v, "v")
	return describeSuffix.ReplaceAllString(v, "")
}

// Display adds a "v" prefix to release versions. "dev" and "" are
// returned unchanged.
func Display(v string) string {
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Mismatch returns a warning when the CLI and the daemon it talks to were
// built from different releases. Development builds never warn.
func Mismatch(daemonVersion string) string {
	client := version
	if daemonVersion == "" || client == "" || client == "dev" || daemonVersion == "dev" {
		return ""
	}
	if normalize(client) == normalize(daemonVersion) {
		return ""
	}
	return fmt.Sprintf("WARNING: proxypal %s is talking to proxypald %s; restart the daemon after upgrading",
		Display(client), Display(daemonVersion))
}
