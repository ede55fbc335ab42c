package config

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeEnvVar overrides the per-user proxypal directory.
const HomeEnvVar = "PROXYPAL_HOME"

// Paths contains every on-disk location used by proxypal.
type Paths struct {
	Home       string // Per-user proxypal directory
	Config     string // JSON configuration document
	ProxyYAML  string // Rendered config handed to the primary proxy
	HistoryDB  string // SQLite lifecycle journal
	Lock       string // Daemon PID/lock file
	Logs       string // Logs directory
	DaemonLog  string // Daemon log file
	RunDir     string // Runtime assets directory
	BinDir     string // Default location of supervised binaries
	ProxyAuths string // Directory the primary proxy stores OAuth tokens in
}

// GetHome returns the proxypal home directory. PROXYPAL_HOME wins, then
// <UserConfigDir>/proxypal, then ~/.proxypal when no config dir is known.
func GetHome() string {
	if override := strings.TrimSpace(os.Getenv(HomeEnvVar)); override != "" {
		return ExpandPath(override)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "proxypal")
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".proxypal")
}

// GetPaths returns the layout rooted at home. Empty home means GetHome().
func GetPaths(home string) Paths {
	if home == "" {
		home = GetHome()
	}
	home = ExpandPath(home)
	logs := filepath.Join(home, "logs")
	run := filepath.Join(home, "run")

	return Paths{
		Home:       home,
		Config:     filepath.Join(home, "config.json"),
		ProxyYAML:  filepath.Join(run, "proxy-config.yaml"),
		HistoryDB:  filepath.Join(home, "history.db"),
		Lock:       filepath.Join(home, "daemon.lock"),
		Logs:       logs,
		DaemonLog:  filepath.Join(logs, "daemon.log"),
		RunDir:     run,
		BinDir:     filepath.Join(home, "bin"),
		ProxyAuths: filepath.Join(home, "auths"),
	}
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDirs creates the directory structure rooted at home if it does not exist.
func EnsureDirs(home string) (Paths, error) {
	paths := GetPaths(home)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.RunDir,
		paths.BinDir,
		paths.ProxyAuths,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
