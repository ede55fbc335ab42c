// Package status holds the in-memory view of supervised processes and
// upstream provider accounts.
package status

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownKind is wrapped by ParseKind failures.
	ErrUnknownKind = errors.New("status: unknown process kind")
	// ErrUnknownProvider is wrapped by ParseProvider failures.
	ErrUnknownProvider = errors.New("status: unknown provider")
)

// Kind identifies a supervised process.
type Kind string

const (
	KindProxy   Kind = "proxy"
	KindCopilot Kind = "copilot"
)

// Kinds lists every supervised process kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindProxy, KindCopilot}
}

// ParseKind resolves a user supplied kind name.
func ParseKind(name string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindProxy, "primary":
		return KindProxy, nil
	case KindCopilot, "bridge", "secondary":
		return KindCopilot, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, name)
}

// Upstream providers whose accounts the primary proxy manages.
const (
	ProviderClaude      = "claude"
	ProviderOpenAI      = "openai"
	ProviderGemini      = "gemini"
	ProviderQwen        = "qwen"
	ProviderIFlow       = "iflow"
	ProviderVertex      = "vertex"
	ProviderAntigravity = "antigravity"
)

// Providers lists every known upstream provider in display order.
func Providers() []string {
	return []string{
		ProviderClaude,
		ProviderOpenAI,
		ProviderGemini,
		ProviderQwen,
		ProviderIFlow,
		ProviderVertex,
		ProviderAntigravity,
	}
}

// ParseProvider resolves a provider name, including the names the proxy
// uses in its auth files.
func ParseProvider(name string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(name)); p {
	case "anthropic":
		return ProviderClaude, nil
	case "codex":
		return ProviderOpenAI, nil
	case "gemini-cli":
		return ProviderGemini, nil
	default:
		for _, known := range Providers() {
			if p == known {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownProvider, name)
}

// State is the supervision state of a process kind.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

// Condition collapses State into not started / running / stopped.
func (s State) Condition() State {
	switch s {
	case StateNotStarted:
		return StateNotStarted
	case StateRunning, StateStopping:
		return StateRunning
	default:
		return StateStopped
	}
}

// ProcessStatus is the committed status of one supervised process.
type ProcessStatus struct {
	Kind          Kind      `json:"kind"`
	State         State     `json:"state"`
	Running       bool      `json:"running"`
	Port          int       `json:"port"`
	Endpoint      string    `json:"endpoint"`
	PID           int       `json:"pid,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Reason        string    `json:"reason,omitempty"`
	StartedAt     time.Time `json:"startedAt,omitzero"`
	UpdatedAt     time.Time `json:"updatedAt,omitzero"`
}

// ProviderStatus is the last polled account state of one upstream provider.
type ProviderStatus struct {
	Provider  string    `json:"provider"`
	Accounts  int       `json:"accounts"`
	LastError string    `json:"lastError,omitempty"`
	CheckedAt time.Time `json:"checkedAt,omitzero"`
}

// Snapshot is an immutable copy of every slot, taken under one lock.
type Snapshot struct {
	Proxy     ProcessStatus             `json:"proxy"`
	Copilot   ProcessStatus             `json:"copilot"`
	Providers map[string]ProviderStatus `json:"providers"`
	Version   uint64                    `json:"version"`
	TakenAt   time.Time                 `json:"takenAt"`
}

// Process returns the status for kind.
func (s Snapshot) Process(kind Kind) ProcessStatus {
	if kind == KindCopilot {
		return s.Copilot
	}
	return s.Proxy
}
