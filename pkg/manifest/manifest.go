// Package manifest snapshots an installation tree as a map of relative
// path to content digest, persists the last snapshot per platform and
// classifies the difference between two snapshots.
package manifest

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// EmptyVersion labels the manifest returned when nothing has been
// recorded yet for a platform.
const EmptyVersion = "0.0.0"

// FileRecord describes one tracked file. Path is the manifest key and
// is not repeated in the persisted form.
type FileRecord struct {
	Path     string    `json:"-"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type fileRecordJSON struct {
	Hash     string  `json:"hash"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
}

// MarshalJSON writes Modified as fractional unix seconds.
func (r FileRecord) MarshalJSON() ([]byte, error) {
	var secs float64
	if !r.Modified.IsZero() {
		secs = float64(r.Modified.UnixNano()) / 1e9
	}
	return json.Marshal(fileRecordJSON{
		Hash:     r.Hash,
		Size:     r.Size,
		Modified: secs,
	})
}

func (r *FileRecord) UnmarshalJSON(data []byte) error {
	var raw fileRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Hash = raw.Hash
	r.Size = raw.Size
	r.Modified = time.Time{}
	if raw.Modified != 0 {
		whole, frac := math.Modf(raw.Modified)
		r.Modified = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	}
	return nil
}

// Manifest is a snapshot of an installation tree. Version is the
// release label the snapshot was built for.
type Manifest struct {
	Version string                `json:"version"`
	Files   map[string]FileRecord `json:"files"`
}

// Empty returns the "nothing installed yet" manifest.
func Empty() *Manifest {
	return &Manifest{
		Version: EmptyVersion,
		Files:   map[string]FileRecord{},
	}
}

func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Files)
}

// Paths returns the manifest keys in lexicographic order.
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Files))
	for p := range m.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TotalSize sums the sizes of the given paths that exist in m.
func (m *Manifest) TotalSize(paths []string) int64 {
	if m == nil {
		return 0
	}
	var total int64
	for _, p := range paths {
		total += m.Files[p].Size
	}
	return total
}

// SameContent reports whether both manifests track the same paths
// with the same digests. Sizes and times are ignored.
func (m *Manifest) SameContent(other *Manifest) bool {
	if m.Len() != other.Len() {
		return false
	}
	for p, r := range m.files() {
		o, ok := other.files()[p]
		if !ok || o.Hash != r.Hash {
			return false
		}
	}
	return true
}

func (m *Manifest) files() map[string]FileRecord {
	if m == nil {
		return nil
	}
	return m.Files
}

func (m *Manifest) normalize() {
	if m.Files == nil {
		m.Files = map[string]FileRecord{}
	}
	for p, r := range m.Files {
		r.Path = p
		m.Files[p] = r
	}
	if m.Version == "" {
		m.Version = EmptyVersion
	}
}
