package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/proxypal/proxypal/internal/config"
)

// LoadSource describes where a loaded document came from.
type LoadSource string

const (
	SourceFile       LoadSource = "file"
	SourceAbsent     LoadSource = "absent"
	SourceMalformed  LoadSource = "malformed"
	SourceUnreadable LoadSource = "unreadable"
)

// LoadInfo describes the outcome of Load and of the migration run by Open.
type LoadInfo struct {
	Source    LoadSource
	Err       error
	Migration MigrationResult
}

// Options describes parameters for opening a configuration store.
type Options struct {
	Path  string        // Optional override for config.json (primarily for tests)
	NewID func() string // Id generator for migrations (defaults to NewUUID)
}

// Store owns the configuration document. Reads return deep copies; Save
// replaces the in-memory copy only after the file has been written.
type Store struct {
	path  string
	newID func() string

	writeMu sync.Mutex // serializes file writes

	mu   sync.RWMutex
	doc  Document
	info LoadInfo
}

// Open loads the document at opts.Path, migrating and persisting it when
// an older shape is found. A missing or corrupt file never fails Open.
func Open(opts Options) (*Store, error) {
	path := opts.Path
	if path == "" {
		path = config.GetPaths("").Config
	}
	newID := opts.NewID
	if newID == nil {
		newID = NewUUID
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	doc, info := Load(path)
	migrated, result := Migrate(doc, newID)
	info.Migration = result

	if result.Changed && info.Source == SourceFile {
		if err := writeDocument(path, migrated); err != nil {
			log.Printf("[Config] WARNING: persist migrated config %s: %v", path, err)
		} else {
			log.Printf("[Config] Migrated %s from version %d to %d", path, result.FromVersion, result.ToVersion)
		}
	}
	if extra := migrated.ExtraKeys(); len(extra) > 0 {
		log.Printf("[Config] Preserving unknown keys in %s: %s", path, strings.Join(extra, ", "))
	}

	return &Store{
		path:  path,
		newID: newID,
		doc:   migrated,
		info:  info,
	}, nil
}

// Load reads the document at path. It never fails: absent, unreadable or
// malformed files yield Default() and LoadInfo says why. Comments and
// trailing commas are tolerated.
func Load(path string) (Document, LoadInfo) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), LoadInfo{Source: SourceAbsent}
		}
		log.Printf("[Config] WARNING: read %s: %v; using defaults", path, err)
		return Default(), LoadInfo{Source: SourceUnreadable, Err: &PersistenceError{Op: "read", Path: path, Err: err}}
	}

	doc, err := Decode(data)
	if err != nil {
		log.Printf("[Config] WARNING: parse %s: %v; using defaults", path, err)
		return Default(), LoadInfo{Source: SourceMalformed, Err: err}
	}
	return doc, LoadInfo{Source: SourceFile}
}

// Decode parses data onto Default() and normalizes the result.
func Decode(data []byte) (Document, error) {
	doc := Default()
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return Default(), fmt.Errorf("store: decode config: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

// Encode renders doc as indented JSON with a trailing newline.
func Encode(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store: encode config: %w", err)
	}
	return append(data, '\n'), nil
}

// Path returns the filesystem path of the backing document.
func (s *Store) Path() string {
	return s.path
}

// LoadInfo reports how the document was obtained at Open.
func (s *Store) LoadInfo() LoadInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Current returns a deep copy of the committed document.
func (s *Store) Current() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Save normalizes and migrates doc, writes it atomically and only then
// makes it the committed document. On failure the committed document is
// unchanged and a *PersistenceError is returned.
func (s *Store) Save(doc Document) error {
	next, _ := Migrate(doc, s.newID)
	next.Normalize()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if next.ConfigVersion < s.doc.ConfigVersion {
		next.ConfigVersion = s.doc.ConfigVersion
	}
	s.mu.RUnlock()

	if err := writeDocument(s.path, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.doc = next
	s.mu.Unlock()
	return nil
}

// writeDocument replaces path atomically: temp file in the same directory,
// fsync, rename.
func writeDocument(path string, doc Document) error {
	data, err := Encode(doc)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	file, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return &PersistenceError{Op: "create temp", Path: path, Err: err}
	}
	tmpPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return &PersistenceError{Op: "sync", Path: path, Err: err}
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "chmod", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
