package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func fixedID(id string) func() string {
	return func() string { return id }
}

func openTestStore(t *testing.T, contents string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if contents != "" {
		if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	s, err := Open(Options{Path: path, NewID: fixedID("generated-id")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestOpenAbsentFileReturnsDefaults(t *testing.T) {
	s := openTestStore(t, "")

	if got := s.LoadInfo().Source; got != SourceAbsent {
		t.Fatalf("source = %s, want %s", got, SourceAbsent)
	}
	if !reflect.DeepEqual(s.Current(), Default()) {
		t.Fatalf("absent file should yield Default(), got %+v", s.Current())
	}
	if _, err := os.Stat(s.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("absent file should not be created by Open, stat err = %v", err)
	}
}

func TestOpenMalformedFileFallsBackToDefaults(t *testing.T) {
	s := openTestStore(t, "{ this is not json")

	info := s.LoadInfo()
	if info.Source != SourceMalformed {
		t.Fatalf("source = %s, want %s", info.Source, SourceMalformed)
	}
	if info.Err == nil {
		t.Fatal("expected parse error to be reported in LoadInfo")
	}
	if s.Current().Port != 8317 {
		t.Fatalf("port = %d, want default 8317", s.Current().Port)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(raw) != "{ this is not json" {
		t.Fatal("malformed file must be left untouched until the next save")
	}
}

func TestPartialDocumentIsFullyDefaulted(t *testing.T) {
	s := openTestStore(t, `{"port": 9000, "copilot": {"enabled": true}, "claudeApiKeys": null}`)

	doc := s.Current()
	if doc.Port != 9000 {
		t.Fatalf("port = %d, want 9000", doc.Port)
	}
	if !doc.Copilot.Enabled || doc.Copilot.Port != 4141 || doc.Copilot.AccountType != AccountIndividual {
		t.Fatalf("copilot block not defaulted: %+v", doc.Copilot)
	}
	if doc.ClaudeAPIKeys == nil || doc.GeminiAPIKeys == nil || doc.AmpModelMappings == nil {
		t.Fatal("list fields must be non-nil after load")
	}
	if doc.ProxyAPIKey != "proxypal-local" || doc.AmpRoutingMode != RoutingModeMappings {
		t.Fatalf("string defaults missing: %+v", doc)
	}
}

func TestLenientParsing(t *testing.T) {
	s := openTestStore(t, `{
		// local override
		"port": 8400,
		"debug": true,
	}`)

	if s.LoadInfo().Source != SourceFile {
		t.Fatalf("source = %s, want %s", s.LoadInfo().Source, SourceFile)
	}
	if s.Current().Port != 8400 || !s.Current().Debug {
		t.Fatalf("commented config not honoured: %+v", s.Current())
	}
}

func sampleDocument() Document {
	limit := 30
	doc := Default()
	doc.Port = 8765
	doc.ProxyURL = "http://corp-proxy:3128"
	doc.RequestRetry = 3
	doc.MaxRetryInterval = 20
	doc.LoggingToFile = false
	doc.AmpAPIKey = "amp-key"
	doc.AmpModelMappings = []ModelMapping{
		{Name: "claude-opus-4", Alias: "opus", Enabled: true},
		{Name: "gpt-5", Alias: "g5", Enabled: false, Fork: true},
	}
	doc.AmpOpenAIProviders = []OpenAIProvider{{
		ID:      "p-1",
		Name:    "zen",
		BaseURL: "https://api.zen.example/v1",
		APIKey:  "zk",
		Models:  []ModelAlias{{Name: "glm-4.6", Alias: "glm"}},
	}}
	doc.Copilot = CopilotConfig{
		Enabled:       true,
		Port:          4242,
		AccountType:   AccountBusiness,
		GitHubToken:   "ghu_x",
		RateLimit:     &limit,
		RateLimitWait: true,
	}
	doc.ClaudeAPIKeys = []ProviderKey{{
		APIKey:         "sk-ant",
		BaseURL:        "https://api.anthropic.com",
		Headers:        map[string]string{"X-Team": "core"},
		Models:         []ModelAlias{{Name: "claude-sonnet-4"}},
		ExcludedModels: []string{"claude-2"},
	}}
	doc.GeminiAPIKeys = []ProviderKey{{APIKey: "g-key", ProxyURL: "socks5://127.0.0.1:1080"}}
	return doc
}

func TestSaveReloadRoundTrip(t *testing.T) {
	s := openTestStore(t, "")

	if err := s.Save(sampleDocument()); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, info := Load(s.Path())
	if info.Source != SourceFile {
		t.Fatalf("source = %s, want %s", info.Source, SourceFile)
	}
	if !reflect.DeepEqual(reloaded, s.Current()) {
		t.Fatalf("round trip mismatch\nsaved:    %+v\nreloaded: %+v", s.Current(), reloaded)
	}
}

func TestSaveIsDeterministic(t *testing.T) {
	s := openTestStore(t, "")
	if err := s.Save(sampleDocument()); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, _ := os.ReadFile(s.Path())

	if err := s.Save(sampleDocument()); err != nil {
		t.Fatalf("save: %v", err)
	}
	second, _ := os.ReadFile(s.Path())

	if string(first) != string(second) {
		t.Fatal("saving the same document twice produced different bytes")
	}
}

func TestUnknownKeysSurviveSave(t *testing.T) {
	s := openTestStore(t, `{"port": 8317, "futureFeature": {"level": 3}, "zz": [1, 2]}`)

	doc := s.Current()
	if got := doc.ExtraKeys(); !reflect.DeepEqual(got, []string{"futureFeature", "zz"}) {
		t.Fatalf("extra keys = %v", got)
	}

	doc.Port = 9001
	if err := s.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("saved file is not JSON: %v", err)
	}
	if string(generic["futureFeature"]) == "" || !strings.Contains(string(raw), `"level": 3`) {
		t.Fatalf("unknown key dropped on save:\n%s", raw)
	}
}

func TestSaveFailureLeavesMemoryUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// A directory at the target path makes the final rename fail.
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	before := s.Current()

	doc := before.Clone()
	doc.Port = 9999
	err = s.Save(doc)
	if err == nil {
		t.Fatal("expected save to fail")
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PersistenceError, got %T: %v", err, err)
	}
	if !IsPersistence(err) {
		t.Fatal("IsPersistence should recognise the error")
	}
	if !reflect.DeepEqual(s.Current(), before) {
		t.Fatal("failed save must not change the committed document")
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, ".config-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestCurrentReturnsDeepCopy(t *testing.T) {
	s := openTestStore(t, "")
	if err := s.Save(sampleDocument()); err != nil {
		t.Fatalf("save: %v", err)
	}

	doc := s.Current()
	doc.ClaudeAPIKeys[0].Headers["X-Team"] = "mutated"
	doc.ClaudeAPIKeys[0].ExcludedModels[0] = "mutated"
	*doc.Copilot.RateLimit = 1
	doc.AmpOpenAIProviders[0].Models[0].Name = "mutated"

	fresh := s.Current()
	if fresh.ClaudeAPIKeys[0].Headers["X-Team"] != "core" ||
		fresh.ClaudeAPIKeys[0].ExcludedModels[0] != "claude-2" ||
		*fresh.Copilot.RateLimit != 30 ||
		fresh.AmpOpenAIProviders[0].Models[0].Name != "glm-4.6" {
		t.Fatal("mutating a returned document leaked into the store")
	}
}

func TestSaveNeverLowersConfigVersion(t *testing.T) {
	s := openTestStore(t, "")
	doc := s.Current()
	doc.ConfigVersion = 1

	if err := s.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := s.Current().ConfigVersion; got != CurrentVersion {
		t.Fatalf("configVersion = %d, want %d", got, CurrentVersion)
	}
}
