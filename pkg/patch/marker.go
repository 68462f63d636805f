package patch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tqbf/patchkit/pkg/manifest"
)

// Marker records which version is applied to an install directory.
type Marker struct {
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

func MarkerPath(dir string) string {
	return filepath.Join(dir, MarkerName)
}

// ReadMarker loads the version marker from dir. A missing marker is
// reported with an error matching fs.ErrNotExist.
func ReadMarker(dir string) (*Marker, error) {
	data, err := os.ReadFile(MarkerPath(dir))
	if err != nil {
		return nil, fmt.Errorf("read version marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse version marker: %w", err)
	}
	return &m, nil
}

// WriteMarker replaces the version marker in dir atomically.
func WriteMarker(dir string, m Marker) error {
	m.LastUpdated = m.LastUpdated.UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version marker: %w", err)
	}
	data = append(data, '\n')
	if err := manifest.WriteFileAtomic(MarkerPath(dir), data, 0o644); err != nil {
		return fmt.Errorf("write version marker: %w", err)
	}
	return nil
}
