package patch

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tqbf/patchkit/pkg/paths"
)

// Reserved top-level names inside an archive and an install directory.
// All of them carry the reserved prefix so manifests never track them.
const (
	DeletedListName = ".deleted_files.txt"
	MetadataName    = ".patch_metadata.json"
	MarkerName      = ".version.json"
	LockName        = ".patchkit.lock"
)

// ReservedNames lists the top-level names, and the backup directory
// prefix, that tracked files may never use.
func ReservedNames() []string {
	return []string{DeletedListName, MetadataName, MarkerName, LockName, BackupPrefix}
}

// IsReservedName reports whether rel lands on an entry the archive
// format or an install directory keeps for itself.
func IsReservedName(rel string) bool {
	top, _, _ := strings.Cut(rel, "/")
	return top == DeletedListName || top == MetadataName || isProtected(rel)
}

// Counts tallies the entries of a patch by category.
type Counts struct {
	New      int `json:"new"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
}

// Metadata describes a patch. It is informational except for
// VersionTo, which the applier records in the version marker.
type Metadata struct {
	PatchName   string    `json:"patch_name"`
	VersionFrom string    `json:"version_from,omitempty"`
	VersionTo   string    `json:"version_to"`
	Created     time.Time `json:"created"`
	Changes     Counts    `json:"changes"`
}

func encodeMetadata(m Metadata) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, corruptErr("parse %s: %w", MetadataName, err)
	}
	return &m, nil
}

func encodeDeletionList(deleted []string) []byte {
	return []byte(strings.Join(deleted, "\n"))
}

// decodeDeletionList splits the newline-separated list, tolerating
// CRLF endings and blank lines, and rejects unsafe paths.
func decodeDeletionList(data []byte) ([]string, error) {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := paths.ValidateRelPath(line); err != nil {
			return nil, corruptErr("%s: %w", DeletedListName, err)
		}
		out = append(out, paths.CleanRelPath(line))
	}
	return out, nil
}
