package patch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tqbf/patchkit/pkg/digest"
	"github.com/tqbf/patchkit/pkg/manifest"
	"github.com/tqbf/patchkit/pkg/paths"
)

// Options controls archive contents that do not come from the change
// set. Everything here is written verbatim, so identical options and
// inputs produce byte-identical archives.
type Options struct {
	// Format defaults to the one implied by the output extension.
	Format      Format
	Name        string
	VersionFrom string
	VersionTo   string
	Created     time.Time
	Logger      *slog.Logger
}

// Archive describes a packaged patch.
type Archive struct {
	Path     string
	Kind     Kind
	Packed   []string
	Skipped  []string
	Deleted  []string
	Size     int64
	Digest   string
	Metadata Metadata
}

// PatchName returns the conventional name for a patch built at t.
func PatchName(t time.Time) string {
	return "patch_" + t.UTC().Format("20060102_150405")
}

// Stem strips the archive extension from the base name of path.
func Stem(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func kindFromPath(path string) Kind {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return Zip
	}
	return TarGz
}

// Package writes the new and modified files of cs, read from
// sourceRoot, into an archive at outputPath, followed by the deletion
// list and the metadata entry.
//
// A change set with no new or modified files is not packaged, even if
// it has deletions; Package returns a nil Archive in that case.
// Files that vanished since the manifest was built are logged and
// left out. The archive appears at outputPath only once complete.
func Package(
	cs manifest.ChangeSet,
	sourceRoot, outputPath string,
	opts Options,
) (*Archive, error) {
	if !cs.HasPayload() {
		return nil, nil
	}
	for _, list := range [][]string{cs.Payload(), cs.Deleted} {
		for _, rel := range list {
			if IsReservedName(rel) {
				return nil, sourceErr("%s: %w", rel, errReservedName)
			}
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	format := opts.Format
	if format == nil {
		format = FormatOf(kindFromPath(outputPath))
	}
	name := opts.Name
	if name == "" {
		name = Stem(outputPath)
	}

	outDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, destErr("create %s: %w", outDir, err)
	}
	tmp, err := os.CreateTemp(outDir, ".tmp-"+filepath.Base(outputPath)+"-")
	if err != nil {
		return nil, destErr("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	dw := digest.NewWriter()
	aw := format.NewWriter(io.MultiWriter(tmp, dw))

	isNew := make(map[string]bool, len(cs.New))
	for _, p := range cs.New {
		isNew[p] = true
	}

	arc := &Archive{
		Path:    outputPath,
		Kind:    format.Kind(),
		Deleted: cs.Deleted,
	}
	var counts Counts

	for _, rel := range cs.Payload() {
		added, err := addSourceFile(aw, sourceRoot, rel)
		if err != nil {
			return nil, err
		}
		if !added {
			logger.Warn("file vanished before packaging", "path", rel)
			arc.Skipped = append(arc.Skipped, rel)
			continue
		}
		arc.Packed = append(arc.Packed, rel)
		if isNew[rel] {
			counts.New++
		} else {
			counts.Modified++
		}
	}

	if len(cs.Deleted) > 0 {
		if err := aw.AddBytes(DeletedListName, encodeDeletionList(cs.Deleted)); err != nil {
			return nil, destErr("write deletion list: %w", err)
		}
		counts.Deleted = len(cs.Deleted)
	}

	arc.Metadata = Metadata{
		PatchName:   name,
		VersionFrom: opts.VersionFrom,
		VersionTo:   opts.VersionTo,
		Created:     opts.Created.UTC(),
		Changes:     counts,
	}
	meta, err := encodeMetadata(arc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := aw.AddBytes(MetadataName, meta); err != nil {
		return nil, destErr("write metadata: %w", err)
	}

	if err := aw.Close(); err != nil {
		return nil, destErr("finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, destErr("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, destErr("close archive: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return nil, destErr("chmod archive: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return nil, destErr("rename archive: %w", err)
	}
	committed = true

	arc.Size = dw.Size()
	arc.Digest = dw.Sum()
	return arc, nil
}

// addSourceFile copies one file into the archive. It reports false,
// with no error, when the file no longer exists.
func addSourceFile(aw ArchiveWriter, root, rel string) (bool, error) {
	abs, err := paths.Resolve(root, rel)
	if err != nil {
		return false, sourceErr("invalid path %s: %w", rel, err)
	}
	f, err := os.Open(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, sourceErr("open %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, sourceErr("stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return false, sourceErr("%s is no longer a regular file", rel)
	}

	err = aw.AddFile(rel, info.Mode(), info.Size(), markedReader{f})
	if err == nil {
		return true, nil
	}
	var re *archiveReadError
	if errors.As(err, &re) || errors.Is(err, errSizeChanged) {
		return false, sourceErr("read %s: %w", rel, err)
	}
	return false, destErr("write %s: %w", rel, err)
}
