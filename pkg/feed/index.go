package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/tqbf/patchkit/pkg/manifest"
)

// IndexName is the per-platform list of published patches.
const IndexName = "index.json"

// Entry describes one published patch archive.
type Entry struct {
	Name        string    `json:"name"`
	File        string    `json:"file"`
	VersionFrom string    `json:"version_from,omitempty"`
	VersionTo   string    `json:"version_to"`
	Size        int64     `json:"size"`
	Digest      string    `json:"digest"`
	Created     time.Time `json:"created"`
}

// Index lists the patches published for one platform, oldest first.
type Index struct {
	Platform string  `json:"platform"`
	Patches  []Entry `json:"patches"`
}

func PlatformDir(patchesDir, platform string) string {
	return filepath.Join(patchesDir, platform)
}

func IndexPath(patchesDir, platform string) string {
	return filepath.Join(PlatformDir(patchesDir, platform), IndexName)
}

// LoadIndex reads the index for platform. A missing index is empty.
func LoadIndex(patchesDir, platform string) (*Index, error) {
	if err := validatePlatform(platform); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(IndexPath(patchesDir, platform))
	if errors.Is(err, fs.ErrNotExist) {
		return &Index{Platform: platform}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	idx.Platform = platform
	return &idx, nil
}

// SaveIndex atomically replaces the index for idx.Platform.
func SaveIndex(patchesDir string, idx *Index) error {
	if err := validatePlatform(idx.Platform); err != nil {
		return err
	}
	dir := PlatformDir(patchesDir, idx.Platform)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	data = append(data, '\n')
	return manifest.WriteFileAtomic(IndexPath(patchesDir, idx.Platform), data, 0o644)
}

// Add records e, replacing any entry with the same name.
func (idx *Index) Add(e Entry) {
	for i := range idx.Patches {
		if idx.Patches[i].Name == e.Name {
			idx.Patches[i] = e
			return
		}
	}
	idx.Patches = append(idx.Patches, e)
	sort.SliceStable(idx.Patches, func(i, j int) bool {
		a, b := idx.Patches[i], idx.Patches[j]
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.Name < b.Name
	})
}

func (idx *Index) Lookup(name string) (Entry, bool) {
	for _, e := range idx.Patches {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Newer returns the patches an installation at version installed still
// needs, in publication order: each patch is a diff against the one
// published before it. If installed is the target of a published patch,
// everything published after its last occurrence is returned. Otherwise
// the chain starts at the first patch whose target version is greater
// than installed.
func (idx *Index) Newer(installed string) []Entry {
	for i := len(idx.Patches) - 1; i >= 0; i-- {
		if idx.Patches[i].VersionTo == installed {
			return clone(idx.Patches[i+1:])
		}
	}
	for i, e := range idx.Patches {
		if installed == "" || CompareVersions(e.VersionTo, installed) > 0 {
			return clone(idx.Patches[i:])
		}
	}
	return nil
}

func clone(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// CompareVersions orders semantic versions by precedence. Strings that
// do not parse sort after every valid version, among themselves
// lexically.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

func validatePlatform(platform string) error {
	if platform == "" || platform == "." || platform == ".." ||
		strings.ContainsAny(platform, `/\`) {
		return fmt.Errorf("invalid platform %q", platform)
	}
	return nil
}
