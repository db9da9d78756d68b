// SPDX-License-Identifier: MIT

// Package settings implements the layered settings store persisted under
// <share>/.fileshare/settings.json. Each subsystem registers a named module
// with a default value; the loader normalizes legacy files, runs the
// migration chain and overlays defaults for missing keys.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/gamelist1990/FileShare/internal/log"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 2

// StateDirName is the hidden directory holding all persisted server state.
const StateDirName = ".fileshare"

// fileDoc is the on-disk shape of settings.json.
type fileDoc struct {
	SettingsVersion int                        `json:"settingsVersion"`
	Modules         map[string]json.RawMessage `json:"modules"`
}

// Store is the process-wide settings registry. All reads return deep clones
// so one module can never mutate another module's view.
type Store struct {
	mu       sync.Mutex
	path     string
	version  int
	modules  map[string]any
	defaults map[string]any
	logger   zerolog.Logger
}

// Open reads, normalizes and persists the settings file for the given share
// root. A missing or unreadable file regenerates defaults.
func Open(shareRoot string) (*Store, error) {
	dir := filepath.Join(shareRoot, StateDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		path:     filepath.Join(dir, "settings.json"),
		modules:  make(map[string]any),
		defaults: make(map[string]any),
		logger:   log.WithComponent("settings"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("event", "settings.read_failed").Msg("regenerating defaults")
		}
		s.version = CurrentVersion
		s.modules = make(map[string]any)
		return s.persistLocked()
	}

	doc, err := normalize(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", "settings.corrupt").Msg("regenerating defaults")
		s.version = CurrentVersion
		s.modules = make(map[string]any)
		return s.persistLocked()
	}

	s.version = doc.SettingsVersion
	s.modules = make(map[string]any, len(doc.Modules))
	for name, rm := range doc.Modules {
		var v any
		if err := json.Unmarshal(rm, &v); err != nil {
			continue
		}
		s.modules[name] = v
	}
	s.overlayDefaultsLocked()
	return s.persistLocked()
}

// normalize decodes a settings file of any historical shape and runs the
// migration chain until the document reaches CurrentVersion.
func normalize(raw []byte) (fileDoc, error) {
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Modules == nil {
		// Legacy shape: a bare module map without version wrapper.
		var bare map[string]json.RawMessage
		if err2 := json.Unmarshal(raw, &bare); err2 != nil {
			if err == nil {
				err = err2
			}
			return fileDoc{}, fmt.Errorf("decode settings: %w", err)
		}
		doc = fileDoc{SettingsVersion: 0, Modules: bare}
	}

	modules := make(map[string]any, len(doc.Modules))
	for name, rm := range doc.Modules {
		var v any
		if err := json.Unmarshal(rm, &v); err != nil {
			continue
		}
		modules[name] = v
	}

	for v := doc.SettingsVersion; v < CurrentVersion; v++ {
		if m, ok := migrations[v]; ok {
			modules = m(modules)
		}
	}

	out := fileDoc{SettingsVersion: CurrentVersion, Modules: make(map[string]json.RawMessage, len(modules))}
	for name, v := range modules {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out.Modules[name] = b
	}
	return out, nil
}

// Register installs a module default. Called once per module at startup;
// missing keys in the loaded file are filled from def.
func (s *Store) Register(name string, def any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[name] = clone(def)
	if _, ok := s.modules[name]; !ok {
		s.modules[name] = clone(def)
		if err := s.persistLocked(); err != nil {
			s.logger.Error().Err(err).Str("module", name).Str("event", "settings.persist_failed").Msg("could not persist registered default")
		}
	} else {
		s.overlayModuleDefaultsLocked(name)
	}
}

// Module returns a deep clone of the named module's value, or the registered
// default when the module is absent.
func (s *Store) Module(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.modules[name]; ok {
		return clone(v)
	}
	if def, ok := s.defaults[name]; ok {
		return clone(def)
	}
	return nil
}

// ModuleAs decodes the named module into out, which must be a pointer to the
// module's typed view.
func (s *Store) ModuleAs(name string, out any) error {
	v := s.Module(name)
	if v == nil {
		return fmt.Errorf("settings: module %q not registered", name)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode module %q: %w", name, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode module %q: %w", name, err)
	}
	return nil
}

// Update replaces the named module's value and persists the file.
func (s *Store) Update(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[name] = clone(value)
	return s.persistLocked()
}

// Reload re-reads the backing file, used by the watcher when the file is
// edited externally.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) overlayDefaultsLocked() {
	for name := range s.defaults {
		if _, ok := s.modules[name]; !ok {
			s.modules[name] = clone(s.defaults[name])
		} else {
			s.overlayModuleDefaultsLocked(name)
		}
	}
}

// overlayModuleDefaultsLocked fills keys present in the registered default
// but missing from the stored module value. Only object-shaped modules are
// merged; scalar modules are kept as stored.
func (s *Store) overlayModuleDefaultsLocked(name string) {
	def, ok := s.defaults[name].(map[string]any)
	if !ok {
		defObj, ok2 := clone(s.defaults[name]).(map[string]any)
		if !ok2 {
			return
		}
		def = defObj
	}
	cur, ok := s.modules[name].(map[string]any)
	if !ok {
		curObj, ok2 := clone(s.modules[name]).(map[string]any)
		if !ok2 {
			return
		}
		cur = curObj
		s.modules[name] = cur
	}
	changed := false
	for k, v := range def {
		if _, present := cur[k]; !present {
			cur[k] = clone(v)
			changed = true
		}
	}
	if changed {
		if err := s.persistLocked(); err != nil {
			s.logger.Error().Err(err).Str("module", name).Str("event", "settings.persist_failed").Msg("could not persist default overlay")
		}
	}
}

func (s *Store) persistLocked() error {
	doc := fileDoc{
		SettingsVersion: CurrentVersion,
		Modules:         make(map[string]json.RawMessage, len(s.modules)),
	}
	for name, v := range s.modules {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode module %q: %w", name, err)
		}
		doc.Modules[name] = b
	}
	s.version = CurrentVersion
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	buf = append(buf, '\n')
	// Skipping identical writes keeps the fsnotify watcher from re-triggering
	// on its own reloads.
	if prev, err := os.ReadFile(s.path); err == nil && string(prev) == string(buf) {
		return nil
	}
	if err := renameio.WriteFile(s.path, buf, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// clone deep-copies a JSON-shaped value so internal containers never leak to
// callers.
func clone(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, float64, int, int64:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = clone(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = clone(vv)
		}
		return out
	default:
		// Structs and other typed defaults round-trip through JSON.
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var anyv any
		if err := json.Unmarshal(b, &anyv); err != nil {
			return nil
		}
		return anyv
	}
}
