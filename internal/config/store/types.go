package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 2

// Routing modes understood by the primary proxy's amp module.
const (
	RoutingModeMappings = "mappings"
	RoutingModeOpenAI   = "openai"
)

// Copilot account types.
const (
	AccountIndividual = "individual"
	AccountBusiness   = "business"
	AccountEnterprise = "enterprise"
)

// ModelAlias renames an upstream model for clients.
type ModelAlias struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// ProviderKey is a single API key entry for a provider family
// (Claude, Gemini, Codex).
type ProviderKey struct {
	APIKey         string            `json:"apiKey"`
	BaseURL        string            `json:"baseUrl,omitempty"`
	ProxyURL       string            `json:"proxyUrl,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Models         []ModelAlias      `json:"models,omitempty"`
	ExcludedModels []string          `json:"excludedModels,omitempty"`
}

// ModelMapping routes an amp model name to a local alias.
type ModelMapping struct {
	Name    string `json:"name"`
	Alias   string `json:"alias"`
	Enabled bool   `json:"enabled"`
	Fork    bool   `json:"fork"`
}

// UnmarshalJSON defaults Enabled to true when the key is absent.
func (m *ModelMapping) UnmarshalJSON(data []byte) error {
	type raw ModelMapping
	decoded := raw{Enabled: true}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*m = ModelMapping(decoded)
	return nil
}

// OpenAIProvider is an OpenAI-compatible upstream used by amp routing.
type OpenAIProvider struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	BaseURL string       `json:"baseUrl"`
	APIKey  string       `json:"apiKey"`
	Models  []ModelAlias `json:"models"`
}

// CopilotConfig configures the secondary Copilot bridge process.
type CopilotConfig struct {
	Enabled       bool   `json:"enabled"`
	Port          int    `json:"port"`
	AccountType   string `json:"accountType"`
	GitHubToken   string `json:"githubToken"`
	RateLimit     *int   `json:"rateLimit"`
	RateLimitWait bool   `json:"rateLimitWait"`
}

// Document is the persisted configuration. It is always fully defaulted:
// Load fills absent keys from Default and Normalize keeps list fields non-nil.
type Document struct {
	Port                    int    `json:"port"`
	AutoStart               bool   `json:"autoStart"`
	LaunchAtLogin           bool   `json:"launchAtLogin"`
	Debug                   bool   `json:"debug"`
	ProxyURL                string `json:"proxyUrl"`
	RequestRetry            int    `json:"requestRetry"`
	MaxRetryInterval        int    `json:"maxRetryInterval"`
	QuotaSwitchProject      bool   `json:"quotaSwitchProject"`
	QuotaSwitchPreviewModel bool   `json:"quotaSwitchPreviewModel"`
	UsageStatsEnabled       bool   `json:"usageStatsEnabled"`
	RequestLogging          bool   `json:"requestLogging"`
	LoggingToFile           bool   `json:"loggingToFile"`
	LogsMaxTotalSizeMB      int    `json:"logsMaxTotalSizeMb"`
	ConfigVersion           int    `json:"configVersion"`

	AmpAPIKey        string         `json:"ampApiKey"`
	AmpModelMappings []ModelMapping `json:"ampModelMappings"`
	// Deprecated: replaced by AmpOpenAIProviders. Only read, never written
	// back once Migrate has run.
	AmpOpenAIProvider  *OpenAIProvider  `json:"ampOpenaiProvider,omitempty"`
	AmpOpenAIProviders []OpenAIProvider `json:"ampOpenaiProviders"`
	AmpRoutingMode     string           `json:"ampRoutingMode"`

	Copilot            CopilotConfig `json:"copilot"`
	ForceModelMappings bool          `json:"forceModelMappings"`

	ClaudeAPIKeys []ProviderKey `json:"claudeApiKeys"`
	GeminiAPIKeys []ProviderKey `json:"geminiApiKeys"`
	CodexAPIKeys  []ProviderKey `json:"codexApiKeys"`

	ThinkingBudgetMode   string `json:"thinkingBudgetMode"`
	ThinkingBudgetCustom int    `json:"thinkingBudgetCustom"`
	ReasoningEffortLevel string `json:"reasoningEffortLevel"`
	CloseToTray          bool   `json:"closeToTray"`
	ProxyAPIKey          string `json:"proxyApiKey"`
	ManagementKey        string `json:"managementKey"`

	// Extra holds top-level keys this build does not know about so they
	// survive a load/save cycle.
	Extra map[string]json.RawMessage `json:"-"`
}

// Default returns a fully-populated document.
func Default() Document {
	return Document{
		Port:                 8317,
		AutoStart:            true,
		UsageStatsEnabled:    true,
		RequestLogging:       true,
		LoggingToFile:        true,
		LogsMaxTotalSizeMB:   100,
		ConfigVersion:        CurrentVersion,
		AmpModelMappings:     []ModelMapping{},
		AmpOpenAIProviders:   []OpenAIProvider{},
		AmpRoutingMode:       RoutingModeMappings,
		Copilot:              DefaultCopilot(),
		ClaudeAPIKeys:        []ProviderKey{},
		GeminiAPIKeys:        []ProviderKey{},
		CodexAPIKeys:         []ProviderKey{},
		ThinkingBudgetMode:   "medium",
		ThinkingBudgetCustom: 16000,
		ReasoningEffortLevel: "medium",
		CloseToTray:          true,
		ProxyAPIKey:          "proxypal-local",
		ManagementKey:        "proxypal-mgmt-key",
	}
}

// DefaultCopilot returns the default Copilot bridge block.
func DefaultCopilot() CopilotConfig {
	return CopilotConfig{
		Port:        4141,
		AccountType: AccountIndividual,
	}
}

type documentFields Document

// MarshalJSON writes known fields plus any preserved unknown keys.
// encoding/json sorts map keys, which keeps the output deterministic.
func (d Document) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(documentFields(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(d.Extra)+32)
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, value := range d.Extra {
		if _, exists := merged[key]; exists {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes onto the receiver's current values, so decoding
// into Default() leaves absent keys at their defaults.
func (d *Document) UnmarshalJSON(data []byte) error {
	fields := documentFields(*d)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	known := knownKeys()
	var extra map[string]json.RawMessage
	for key, value := range all {
		if _, ok := known[key]; ok {
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, value); err != nil {
			return fmt.Errorf("store: compact %q: %w", key, err)
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = json.RawMessage(compact.Bytes())
	}

	*d = Document(fields)
	d.Extra = extra
	return nil
}

// knownKeys lists every JSON key of Document. A probe with all optional
// fields populated is marshalled so omitempty keys are listed too.
var knownKeys = sync.OnceValue(func() map[string]struct{} {
	probe := Default()
	probe.AmpOpenAIProvider = &OpenAIProvider{}
	data, _ := json.Marshal(documentFields(probe))
	var keys map[string]json.RawMessage
	_ = json.Unmarshal(data, &keys)
	set := make(map[string]struct{}, len(keys))
	for key := range keys {
		set[key] = struct{}{}
	}
	return set
})

// ExtraKeys lists preserved unknown keys in sorted order.
func (d Document) ExtraKeys() []string {
	keys := make([]string, 0, len(d.Extra))
	for key := range d.Extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
