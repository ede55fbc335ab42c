// Package launch turns a configuration document into the command lines
// of the supervised processes.
package launch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/status"
)

// Default binaries, resolved through PATH when not absolute.
const (
	DefaultProxyBinary   = "cli-proxy-api"
	DefaultCopilotBinary = "copilot-api"
)

// File is written by the launcher before the process is spawned.
type File struct {
	Path string
	Data []byte
	Perm os.FileMode
}

// Spec describes one supervised process invocation. Env entries are
// appended to the daemon's own environment.
type Spec struct {
	Kind         status.Kind
	Binary       string
	Args         []string
	Env          []string
	Dir          string
	Files        []File
	Port         int
	Endpoint     string
	ReadyTimeout time.Duration
}

// Addr is the loopback address the process is expected to listen on.
func (s Spec) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(s.Port)
}

// Fingerprint hashes everything that would make the running process differ.
func (s Spec) Fingerprint() string {
	h := sha256.New()
	write := func(value string) {
		_, _ = h.Write([]byte(value))
		_, _ = h.Write([]byte{0})
	}

	write(string(s.Kind))
	write(s.Binary)
	write(strconv.Itoa(len(s.Args)))
	for _, arg := range s.Args {
		write(arg)
	}
	env := slices.Clone(s.Env)
	slices.Sort(env)
	write(strconv.Itoa(len(env)))
	for _, kv := range env {
		write(kv)
	}
	write(s.Dir)
	for _, f := range s.Files {
		write(f.Path)
		write(string(f.Data))
	}
	write(strconv.Itoa(s.Port))

	return hex.EncodeToString(h.Sum(nil))
}

// Options configures a Builder.
type Options struct {
	ProxyBinary   string
	CopilotBinary string
	RunDir        string // where the rendered proxy config is written
	AuthDir       string // where the proxy keeps OAuth token files
}

// Builder derives launch specs from documents. It holds no mutable state,
// so equal documents always produce equal specs.
type Builder struct {
	opts Options
}

// NewBuilder applies defaults to opts.
func NewBuilder(opts Options) *Builder {
	if opts.ProxyBinary == "" {
		opts.ProxyBinary = DefaultProxyBinary
	}
	if opts.CopilotBinary == "" {
		opts.CopilotBinary = DefaultCopilotBinary
	}
	if opts.RunDir == "" {
		opts.RunDir = os.TempDir()
	}
	return &Builder{opts: opts}
}

// Build returns the spec for kind under doc.
func (b *Builder) Build(kind status.Kind, doc store.Document) (Spec, error) {
	switch kind {
	case status.KindProxy:
		return b.proxy(doc)
	case status.KindCopilot:
		return b.copilot(doc), nil
	}
	return Spec{}, fmt.Errorf("launch: unknown process kind %q", kind)
}

// Fingerprint is the fingerprint of Build(kind, doc), or of the error text
// when the spec cannot be built.
func (b *Builder) Fingerprint(kind status.Kind, doc store.Document) string {
	spec, err := b.Build(kind, doc)
	if err != nil {
		return "error:" + err.Error()
	}
	return spec.Fingerprint()
}

func (b *Builder) proxy(doc store.Document) (Spec, error) {
	data, err := RenderProxyConfig(doc, b.opts.AuthDir)
	if err != nil {
		return Spec{}, err
	}
	configPath := filepath.Join(b.opts.RunDir, "proxy-config.yaml")

	return Spec{
		Kind:         status.KindProxy,
		Binary:       b.opts.ProxyBinary,
		Args:         []string{"--config", configPath},
		Dir:          b.opts.RunDir,
		Files:        []File{{Path: configPath, Data: data, Perm: 0o600}},
		Port:         doc.Port,
		Endpoint:     doc.ProxyEndpoint(),
		ReadyTimeout: constants.ProcessReadyTimeout,
	}, nil
}

func (b *Builder) copilot(doc store.Document) Spec {
	cp := doc.Copilot
	args := []string{
		"start",
		"--port", strconv.Itoa(cp.Port),
		"--account-type", cp.AccountType,
	}
	if cp.GitHubToken != "" {
		args = append(args, "--github-token", cp.GitHubToken)
	}
	if cp.RateLimit != nil && *cp.RateLimit > 0 {
		args = append(args, "--rate-limit", strconv.Itoa(*cp.RateLimit))
		if cp.RateLimitWait {
			args = append(args, "--wait")
		}
	}

	var env []string
	if doc.ProxyURL != "" {
		args = append(args, "--proxy-env")
		env = append(env, "HTTPS_PROXY="+doc.ProxyURL, "HTTP_PROXY="+doc.ProxyURL)
	}

	return Spec{
		Kind:         status.KindCopilot,
		Binary:       b.opts.CopilotBinary,
		Args:         args,
		Env:          env,
		Dir:          b.opts.RunDir,
		Port:         cp.Port,
		Endpoint:     doc.CopilotEndpoint(),
		ReadyTimeout: constants.CopilotReadyTimeout,
	}
}
