package launch

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/proxypal/proxypal/internal/config/store"
)

type proxyConfig struct {
	Port                int              `yaml:"port"`
	AuthDir             string           `yaml:"auth-dir,omitempty"`
	ProxyURL            string           `yaml:"proxy-url,omitempty"`
	Debug               bool             `yaml:"debug"`
	LoggingToFile       bool             `yaml:"logging-to-file"`
	LogsMaxTotalSizeMB  int              `yaml:"logs-max-total-size-mb,omitempty"`
	UsageStatistics     bool             `yaml:"usage-statistics-enabled"`
	RequestLog          bool             `yaml:"request-log"`
	RequestRetry        int              `yaml:"request-retry"`
	MaxRetryInterval    int              `yaml:"max-retry-interval,omitempty"`
	APIKeys             []string         `yaml:"api-keys"`
	QuotaExceeded       quotaExceeded    `yaml:"quota-exceeded"`
	RemoteManagement    remoteManagement `yaml:"remote-management"`
	ClaudeKeys          []providerKey    `yaml:"claude-api-key,omitempty"`
	GeminiKeys          []providerKey    `yaml:"gemini-api-key,omitempty"`
	CodexKeys           []providerKey    `yaml:"codex-api-key,omitempty"`
	OpenAICompatibility []openAICompat   `yaml:"openai-compatibility,omitempty"`
	Ampcode             *ampcode         `yaml:"ampcode,omitempty"`
	Payload             *payloadDefaults `yaml:"payload,omitempty"`
}

type quotaExceeded struct {
	SwitchProject      bool `yaml:"switch-project"`
	SwitchPreviewModel bool `yaml:"switch-preview-model"`
}

type remoteManagement struct {
	AllowRemote bool   `yaml:"allow-remote"`
	SecretKey   string `yaml:"secret-key"`
}

type modelAlias struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias,omitempty"`
}

type providerKey struct {
	APIKey         string            `yaml:"api-key"`
	BaseURL        string            `yaml:"base-url,omitempty"`
	ProxyURL       string            `yaml:"proxy-url,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Models         []modelAlias      `yaml:"models,omitempty"`
	ExcludedModels []string          `yaml:"excluded-models,omitempty"`
}

type apiKeyEntry struct {
	APIKey string `yaml:"api-key"`
}

type openAICompat struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base-url"`
	APIKeyEntries []apiKeyEntry `yaml:"api-key-entries,omitempty"`
	Models        []modelAlias  `yaml:"models,omitempty"`
}

type ampMapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type ampcode struct {
	UpstreamURL        string       `yaml:"upstream-url"`
	UpstreamAPIKey     string       `yaml:"upstream-api-key,omitempty"`
	RoutingMode        string       `yaml:"routing-mode"`
	ModelMappings      []ampMapping `yaml:"model-mappings,omitempty"`
	ForceModelMappings bool         `yaml:"force-model-mappings"`
}

type payloadDefaults struct {
	ThinkingBudget  string `yaml:"thinking-budget"`
	ThinkingCustom  int    `yaml:"thinking-budget-custom,omitempty"`
	ReasoningEffort string `yaml:"reasoning-effort"`
}

const ampUpstreamURL = "https://ampcode.com"

// RenderProxyConfig renders the primary proxy's YAML config for doc.
func RenderProxyConfig(doc store.Document, authDir string) ([]byte, error) {
	cfg := proxyConfig{
		Port:               doc.Port,
		AuthDir:            authDir,
		ProxyURL:           doc.ProxyURL,
		Debug:              doc.Debug,
		LoggingToFile:      doc.LoggingToFile,
		LogsMaxTotalSizeMB: doc.LogsMaxTotalSizeMB,
		UsageStatistics:    doc.UsageStatsEnabled,
		RequestLog:         doc.RequestLogging,
		RequestRetry:       doc.RequestRetry,
		MaxRetryInterval:   doc.MaxRetryInterval,
		APIKeys:            []string{doc.ProxyAPIKey},
		QuotaExceeded: quotaExceeded{
			SwitchProject:      doc.QuotaSwitchProject,
			SwitchPreviewModel: doc.QuotaSwitchPreviewModel,
		},
		RemoteManagement: remoteManagement{SecretKey: doc.ManagementKey},
		ClaudeKeys:       convertKeys(doc.ClaudeAPIKeys),
		GeminiKeys:       convertKeys(doc.GeminiAPIKeys),
		CodexKeys:        convertKeys(doc.CodexAPIKeys),
		Payload: &payloadDefaults{
			ThinkingBudget:  doc.ThinkingBudgetMode,
			ReasoningEffort: doc.ReasoningEffortLevel,
		},
	}
	if doc.ThinkingBudgetMode == "custom" {
		cfg.Payload.ThinkingCustom = doc.ThinkingBudgetCustom
	}

	for _, p := range doc.AmpOpenAIProviders {
		compat := openAICompat{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			Models:  convertAliases(p.Models),
		}
		if p.APIKey != "" {
			compat.APIKeyEntries = []apiKeyEntry{{APIKey: p.APIKey}}
		}
		cfg.OpenAICompatibility = append(cfg.OpenAICompatibility, compat)
	}

	if doc.AmpAPIKey != "" || len(doc.AmpModelMappings) > 0 {
		amp := &ampcode{
			UpstreamURL:        ampUpstreamURL,
			UpstreamAPIKey:     doc.AmpAPIKey,
			RoutingMode:        doc.AmpRoutingMode,
			ForceModelMappings: doc.ForceModelMappings,
		}
		for _, m := range doc.AmpModelMappings {
			if !m.Enabled {
				continue
			}
			amp.ModelMappings = append(amp.ModelMappings, ampMapping{From: m.Name, To: m.Alias})
		}
		cfg.Ampcode = amp
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("launch: render proxy config: %w", err)
	}
	return data, nil
}

func convertKeys(keys []store.ProviderKey) []providerKey {
	if len(keys) == 0 {
		return nil
	}
	out := make([]providerKey, 0, len(keys))
	for _, k := range keys {
		if k.APIKey == "" {
			continue
		}
		out = append(out, providerKey{
			APIKey:         k.APIKey,
			BaseURL:        k.BaseURL,
			ProxyURL:       k.ProxyURL,
			Headers:        k.Headers,
			Models:         convertAliases(k.Models),
			ExcludedModels: k.ExcludedModels,
		})
	}
	return out
}

func convertAliases(in []store.ModelAlias) []modelAlias {
	if len(in) == 0 {
		return nil
	}
	out := make([]modelAlias, len(in))
	for i, m := range in {
		out[i] = modelAlias{Name: m.Name, Alias: m.Alias}
	}
	return out
}
