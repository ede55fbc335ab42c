package store

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
)

// Normalize repairs fields a decoded document can leave empty or out of
// range. Optional per-entry fields collapse to nil when empty so a saved
// document reloads identically.
func (d *Document) Normalize() {
	def := Default()

	if d.Port <= 0 || d.Port > 65535 {
		d.Port = def.Port
	}
	if d.AmpRoutingMode == "" {
		d.AmpRoutingMode = def.AmpRoutingMode
	}
	if d.ThinkingBudgetMode == "" {
		d.ThinkingBudgetMode = def.ThinkingBudgetMode
	}
	if d.ReasoningEffortLevel == "" {
		d.ReasoningEffortLevel = def.ReasoningEffortLevel
	}
	if d.ProxyAPIKey == "" {
		d.ProxyAPIKey = def.ProxyAPIKey
	}
	if d.ManagementKey == "" {
		d.ManagementKey = def.ManagementKey
	}
	if d.ConfigVersion <= 0 {
		d.ConfigVersion = 1
	}
	if d.Copilot.Port <= 0 || d.Copilot.Port > 65535 {
		d.Copilot.Port = def.Copilot.Port
	}
	if d.Copilot.AccountType == "" {
		d.Copilot.AccountType = def.Copilot.AccountType
	}

	if d.AmpModelMappings == nil {
		d.AmpModelMappings = []ModelMapping{}
	}
	if d.AmpOpenAIProviders == nil {
		d.AmpOpenAIProviders = []OpenAIProvider{}
	}
	for i := range d.AmpOpenAIProviders {
		if d.AmpOpenAIProviders[i].Models == nil {
			d.AmpOpenAIProviders[i].Models = []ModelAlias{}
		}
	}
	if d.AmpOpenAIProvider != nil && d.AmpOpenAIProvider.Models == nil {
		d.AmpOpenAIProvider.Models = []ModelAlias{}
	}
	d.ClaudeAPIKeys = normalizeKeys(d.ClaudeAPIKeys)
	d.GeminiAPIKeys = normalizeKeys(d.GeminiAPIKeys)
	d.CodexAPIKeys = normalizeKeys(d.CodexAPIKeys)

	if len(d.Extra) == 0 {
		d.Extra = nil
	}
}

func normalizeKeys(keys []ProviderKey) []ProviderKey {
	if keys == nil {
		return []ProviderKey{}
	}
	for i := range keys {
		if len(keys[i].Headers) == 0 {
			keys[i].Headers = nil
		}
		if len(keys[i].Models) == 0 {
			keys[i].Models = nil
		}
		if len(keys[i].ExcludedModels) == 0 {
			keys[i].ExcludedModels = nil
		}
	}
	return keys
}

// Clone returns a deep copy; no slice, map or pointer is shared with d.
func (d Document) Clone() Document {
	out := d

	out.AmpModelMappings = slices.Clone(d.AmpModelMappings)
	if d.AmpOpenAIProvider != nil {
		p := cloneOpenAIProvider(*d.AmpOpenAIProvider)
		out.AmpOpenAIProvider = &p
	}
	if d.AmpOpenAIProviders != nil {
		out.AmpOpenAIProviders = make([]OpenAIProvider, len(d.AmpOpenAIProviders))
		for i, p := range d.AmpOpenAIProviders {
			out.AmpOpenAIProviders[i] = cloneOpenAIProvider(p)
		}
	}
	if d.Copilot.RateLimit != nil {
		limit := *d.Copilot.RateLimit
		out.Copilot.RateLimit = &limit
	}
	out.ClaudeAPIKeys = cloneKeys(d.ClaudeAPIKeys)
	out.GeminiAPIKeys = cloneKeys(d.GeminiAPIKeys)
	out.CodexAPIKeys = cloneKeys(d.CodexAPIKeys)

	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for key, value := range d.Extra {
			out.Extra[key] = slices.Clone(value)
		}
	}
	return out
}

func cloneOpenAIProvider(p OpenAIProvider) OpenAIProvider {
	p.Models = slices.Clone(p.Models)
	return p
}

func cloneKeys(keys []ProviderKey) []ProviderKey {
	if keys == nil {
		return nil
	}
	out := make([]ProviderKey, len(keys))
	for i, key := range keys {
		key.Headers = maps.Clone(key.Headers)
		key.Models = slices.Clone(key.Models)
		key.ExcludedModels = slices.Clone(key.ExcludedModels)
		out[i] = key
	}
	return out
}

// ProxyEndpoint is the OpenAI-compatible base URL clients use for the
// primary proxy.
func (d Document) ProxyEndpoint() string {
	return "http://localhost:" + strconv.Itoa(d.Port) + "/v1"
}

// CopilotEndpoint is the base URL of the Copilot bridge.
func (d Document) CopilotEndpoint() string {
	return "http://localhost:" + strconv.Itoa(d.Copilot.Port)
}
