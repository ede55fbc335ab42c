package store

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const legacyConfig = `{
  "port": 8317,
  "configVersion": 1,
  "ampApiKey": "amp",
  "ampOpenaiProvider": {
    "name": "legacy",
    "baseUrl": "https://legacy.example/v1",
    "apiKey": "lk",
    "models": [{"name": "m1", "alias": "a1"}]
  }
}`

func TestMigratePromotesDeprecatedProvider(t *testing.T) {
	doc, err := Decode([]byte(legacyConfig))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	migrated, res := Migrate(doc, fixedID("new-id"))

	if !res.Changed {
		t.Fatal("expected migration to report a change")
	}
	if res.FromVersion != 1 || res.ToVersion != CurrentVersion {
		t.Fatalf("versions = %d -> %d", res.FromVersion, res.ToVersion)
	}
	if migrated.AmpOpenAIProvider != nil {
		t.Fatal("deprecated field should be cleared")
	}
	want := []OpenAIProvider{{
		ID:      "new-id",
		Name:    "legacy",
		BaseURL: "https://legacy.example/v1",
		APIKey:  "lk",
		Models:  []ModelAlias{{Name: "m1", Alias: "a1"}},
	}}
	if !reflect.DeepEqual(migrated.AmpOpenAIProviders, want) {
		t.Fatalf("providers = %+v, want %+v", migrated.AmpOpenAIProviders, want)
	}
	if doc.AmpOpenAIProvider == nil || len(doc.AmpOpenAIProviders) != 0 {
		t.Fatal("Migrate must not modify its input")
	}
}

func TestMigrateKeepsExistingProviderID(t *testing.T) {
	doc := Default()
	doc.AmpOpenAIProvider = &OpenAIProvider{ID: "keep-me", Name: "x", Models: []ModelAlias{}}

	migrated, _ := Migrate(doc, fixedID("unused"))
	if len(migrated.AmpOpenAIProviders) != 1 || migrated.AmpOpenAIProviders[0].ID != "keep-me" {
		t.Fatalf("providers = %+v", migrated.AmpOpenAIProviders)
	}
}

func TestMigrateDropsDeprecatedWhenListPopulated(t *testing.T) {
	doc := Default()
	doc.AmpOpenAIProvider = &OpenAIProvider{Name: "old", Models: []ModelAlias{}}
	doc.AmpOpenAIProviders = []OpenAIProvider{{ID: "a", Name: "new", Models: []ModelAlias{}}}

	migrated, res := Migrate(doc, fixedID("unused"))
	if !res.Changed || migrated.AmpOpenAIProvider != nil {
		t.Fatal("deprecated value should be dropped")
	}
	if len(migrated.AmpOpenAIProviders) != 1 || migrated.AmpOpenAIProviders[0].Name != "new" {
		t.Fatalf("existing list must win: %+v", migrated.AmpOpenAIProviders)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	doc, err := Decode([]byte(legacyConfig))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	once, _ := Migrate(doc, fixedID("id-1"))
	twice, res := Migrate(once, fixedID("id-2"))

	if res.Changed {
		t.Fatalf("second migration reported changes: %v", res.Notes)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatal("second migration changed the document")
	}
}

func TestOpenPersistsMigrationOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(legacyConfig), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	first, err := Open(Options{Path: path, NewID: fixedID("first")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if !first.LoadInfo().Migration.Changed {
		t.Fatal("first open should migrate")
	}
	if got := first.Current().AmpOpenAIProviders; len(got) != 1 || got[0].ID != "first" {
		t.Fatalf("providers after first open = %+v", got)
	}

	second, err := Open(Options{Path: path, NewID: fixedID("second")})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if second.LoadInfo().Migration.Changed {
		t.Fatalf("second open migrated again: %v", second.LoadInfo().Migration.Notes)
	}
	if got := second.Current().AmpOpenAIProviders; len(got) != 1 || got[0].ID != "first" {
		t.Fatalf("providers after reopen = %+v", got)
	}
}
