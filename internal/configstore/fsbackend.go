package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FSBackend stores each record as one JSON document under root, named
// by record kind (settings.json, vessel.json, security.json,
// plugins/<id>.json). Writes are atomic: the new document is written
// to a temp file in the same directory and renamed into place, so a
// concurrent reader never observes a partial write.
type FSBackend struct {
	root string
}

// NewFSBackend creates a filesystem backend rooted at dir. The
// directory (and its plugins subdirectory) is created if absent.
func NewFSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "plugins"), 0o755); err != nil {
		return nil, fmt.Errorf("configstore: create root %s: %w", dir, err)
	}
	return &FSBackend{root: dir}, nil
}

func (b *FSBackend) path(name string) string {
	return filepath.Join(b.root, name)
}

func loadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("configstore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &CorruptError{Key: path, Err: err}
	}
	return nil
}

// saveJSON writes data to path via temp-file-then-rename in the same
// directory, so the rename is always within one filesystem and never
// leaves a half-written document in path's place.
func saveJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("configstore: encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("configstore: create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("configstore: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("configstore: close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("configstore: rename into %s: %w", path, err)
	}
	return nil
}

func (b *FSBackend) LoadSettings() (Settings, error) {
	var s Settings
	if err := loadJSON(b.path("settings.json"), &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (b *FSBackend) SaveSettings(s Settings) error {
	return saveJSON(b.path("settings.json"), s)
}

func (b *FSBackend) LoadVessel() (Vessel, error) {
	var v Vessel
	if err := loadJSON(b.path("vessel.json"), &v); err != nil {
		return Vessel{}, err
	}
	return v, nil
}

func (b *FSBackend) SaveVessel(v Vessel) error {
	return saveJSON(b.path("vessel.json"), v)
}

func (b *FSBackend) LoadSecurity() (Security, error) {
	var s Security
	if err := loadJSON(b.path("security.json"), &s); err != nil {
		return Security{}, err
	}
	return s, nil
}

func (b *FSBackend) SaveSecurity(s Security) error {
	return saveJSON(b.path("security.json"), s)
}

func (b *FSBackend) pluginPath(id string) string {
	return filepath.Join(b.root, "plugins", id+".json")
}

func (b *FSBackend) LoadPluginConfig(id string, out any) error {
	return loadJSON(b.pluginPath(id), out)
}

func (b *FSBackend) SavePluginConfig(id string, value any) error {
	return saveJSON(b.pluginPath(id), value)
}
