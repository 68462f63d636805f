package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps the last packaged manifest for each platform under one
// directory, as manifest-<platform>.json.
//
// Save replaces the file with a rename, so a concurrent Load sees
// either the old or the new manifest. Concurrent writers are not
// supported.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// Path returns where the manifest for platform is kept.
func (s *Store) Path(platform string) string {
	return filepath.Join(s.dir, "manifest-"+platform+".json")
}

// Load returns the stored manifest for platform, or Empty() when none
// has been saved yet.
func (s *Store) Load(platform string) (*Manifest, error) {
	if err := validatePlatform(platform); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(platform))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", s.Path(platform), err)
	}
	m.normalize()
	return &m, nil
}

// Save atomically overwrites the manifest for platform.
func (s *Store) Save(platform string, m *Manifest) error {
	if err := validatePlatform(platform); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return WriteFileAtomic(s.Path(platform), data, 0644)
}

// WriteFileAtomic writes data to a temp file beside path, syncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}

	if df, err := os.Open(dir); err == nil {
		df.Sync()
		df.Close()
	}
	return nil
}

func validatePlatform(platform string) error {
	if platform == "" {
		return fmt.Errorf("empty platform key")
	}
	if strings.ContainsAny(platform, `/\`) || platform == "." || platform == ".." {
		return fmt.Errorf("invalid platform key: %q", platform)
	}
	return nil
}
