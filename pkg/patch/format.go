package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tqbf/patchkit/pkg/paths"
)

// Kind identifies an archive container.
type Kind int

const (
	TarGz Kind = iota
	Zip
)

func (k Kind) String() string {
	switch k {
	case TarGz:
		return "tar.gz"
	case Zip:
		return "zip"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Ext is the file extension, with leading dot, used for archives of
// this kind.
func (k Kind) Ext() string {
	return "." + k.String()
}

// Format writes and extracts one archive container. Writers must
// produce byte-identical output for identical input sequences.
type Format interface {
	Kind() Kind
	NewWriter(w io.Writer) ArchiveWriter
	// Extract unpacks the archive at archivePath into destDir, which
	// must already exist, and returns the number of regular files
	// written.
	Extract(archivePath, destDir string) (int, error)
}

// ArchiveWriter appends regular files to an archive. Entries are
// written in call order.
type ArchiveWriter interface {
	AddFile(name string, mode fs.FileMode, size int64, r io.Reader) error
	AddBytes(name string, data []byte) error
	Close() error
}

// FormatFor returns the archive format used for a target platform.
func FormatFor(platform string) (Format, error) {
	switch strings.ToLower(platform) {
	case "windows":
		return zipFormat{}, nil
	case "linux", "darwin":
		return tarGzFormat{}, nil
	}
	return nil, fmt.Errorf("unsupported platform %q", platform)
}

// FormatOf returns the format for a kind.
func FormatOf(k Kind) Format {
	if k == Zip {
		return zipFormat{}
	}
	return tarGzFormat{}
}

var (
	gzipMagic     = []byte{0x1f, 0x8b}
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
)

// DetectFormat sniffs the container type of the archive at path.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sourceErr("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, sourceErr("read %s: %w", filepath.Base(path), err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return tarGzFormat{}, nil
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return zipFormat{}, nil
	}
	return nil, corruptErr("%s: unrecognized archive format", filepath.Base(path))
}

// entryPath validates an archive member name and returns where it
// lands under destDir.
func entryPath(destDir, name string) (string, string, error) {
	rel := strings.TrimSuffix(strings.ReplaceAll(name, `\`, "/"), "/")
	if err := paths.ValidateRelPath(rel); err != nil {
		return "", "", corruptErr("entry %q: %w", name, err)
	}
	rel = paths.CleanRelPath(rel)
	target, err := paths.Resolve(destDir, rel)
	if err != nil {
		return "", "", corruptErr("entry %q: %w", name, err)
	}
	return target, rel, nil
}

func createFromArchive(target, name string, mode fs.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return destErr("mkdir parent of %s: %w", name, err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return destErr("create %s: %w", name, err)
	}
	_, copyErr := io.Copy(f, markedReader{r})
	closeErr := f.Close()
	if copyErr != nil {
		return classifyCopy(name, copyErr)
	}
	if closeErr != nil {
		return destErr("close %s: %w", name, closeErr)
	}
	return nil
}
