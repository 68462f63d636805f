package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tqbf/patchkit/pkg/paths"
)

// State is a step of a patch application.
type State string

const (
	StatePending    State = "pending"
	StateExtracting State = "extracting"
	StateApplying   State = "applying"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

// ApplyResult reports what an apply did. On failure it is returned
// alongside the error with State set to StateFailed.
type ApplyResult struct {
	State    State
	Noop     bool
	Version  string
	Metadata *Metadata
	Copied   []string
	Deleted  []string
	// Missing lists deletion entries that were already absent.
	Missing []string
	Marker  *Marker
}

// Applier installs patch archives into a target directory.
//
// An apply either commits completely, updating the version marker,
// or is rolled back so the target holds exactly what it held before.
// Concurrent applies to the same target are refused with ErrLocked.
type Applier struct {
	Logger *slog.Logger
	Clock  Clock
	// ScratchDir is the parent for extraction directories. It should
	// not be inside any target. Defaults to os.TempDir().
	ScratchDir string
}

func NewApplier(logger *slog.Logger) *Applier {
	return &Applier{Logger: logger, Clock: RealClock{}}
}

type staged struct {
	meta      *Metadata
	files     []string
	deletions []string
}

// Apply extracts archivePath into a scratch directory, copies its files
// into targetDir, removes the files on its deletion list and records
// the new version marker.
func (a *Applier) Apply(
	ctx context.Context, archivePath, targetDir string,
) (*ApplyResult, error) {
	res := &ApplyResult{State: StatePending}
	logger := a.logger().With(
		"archive", filepath.Base(archivePath), "target", targetDir,
	)
	fail := func(err error) (*ApplyResult, error) {
		res.State = StateFailed
		logger.Debug("apply failed", "err", err)
		return res, err
	}

	info, err := os.Stat(targetDir)
	if err != nil {
		return fail(destErr("target %s: %w", targetDir, err))
	}
	if !info.IsDir() {
		return fail(destErr("target %s is not a directory", targetDir))
	}

	format, err := DetectFormat(archivePath)
	if err != nil {
		return fail(err)
	}

	lock, err := AcquireLock(targetDir)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return fail(err)
		}
		return fail(destErr("lock %s: %w", targetDir, err))
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release lock", "err", err)
		}
	}()

	a.transition(res, logger, StateExtracting)
	scratch, err := os.MkdirTemp(a.scratchParent(), "patchkit-extract-")
	if err != nil {
		return fail(destErr("create scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	if _, err := format.Extract(archivePath, scratch); err != nil {
		return fail(err)
	}
	st, err := readStaged(scratch)
	if err != nil {
		return fail(err)
	}
	res.Metadata = st.meta
	res.Version = Stem(archivePath)
	if st.meta != nil && st.meta.VersionTo != "" {
		res.Version = st.meta.VersionTo
	}

	if len(st.files) == 0 && len(st.deletions) == 0 {
		res.Noop = true
		res.State = StateCommitted
		logger.Info("nothing to apply")
		return res, nil
	}

	a.transition(res, logger, StateApplying)
	j := newJournal(targetDir)
	if err := a.applyStaged(ctx, j, scratch, targetDir, st, res); err != nil {
		return fail(a.undo(j, logger, err))
	}

	marker := Marker{Version: res.Version, LastUpdated: a.clock().Now().UTC()}
	if err := WriteMarker(targetDir, marker); err != nil {
		return fail(a.undo(j, logger, destErr("%w", err)))
	}
	res.Marker = &marker

	if err := j.commit(); err != nil {
		logger.Warn("remove backup dir", "dir", j.dir, "err", err)
	}
	a.transition(res, logger, StateCommitted)
	logger.Info("patch applied",
		"version", res.Version,
		"copied", len(res.Copied),
		"deleted", len(res.Deleted),
	)
	return res, nil
}

func (a *Applier) applyStaged(
	ctx context.Context,
	j *journal,
	scratch, target string,
	st *staged,
	res *ApplyResult,
) error {
	// Deletions go first so a path that turns from a file into a
	// directory, or back, is free by the time its new form is copied.
	for _, rel := range st.deletions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply cancelled: %w", err)
		}
		dst, err := paths.Resolve(target, rel)
		if err != nil {
			return corruptErr("%s: %w", DeletedListName, err)
		}
		removed, err := j.remove(rel, dst)
		if err != nil {
			return err
		}
		if removed {
			res.Deleted = append(res.Deleted, rel)
		} else {
			res.Missing = append(res.Missing, rel)
		}
	}

	for _, rel := range st.files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply cancelled: %w", err)
		}
		dst, err := paths.Resolve(target, rel)
		if err != nil {
			return corruptErr("entry %q: %w", rel, err)
		}
		if err := j.replace(rel, dst, filepath.Join(scratch, filepath.FromSlash(rel))); err != nil {
			return err
		}
		res.Copied = append(res.Copied, rel)
	}
	return nil
}

func (a *Applier) undo(j *journal, logger *slog.Logger, cause error) error {
	if err := j.rollback(); err != nil {
		logger.Error("rollback failed", "err", err)
		return errors.Join(cause, err)
	}
	logger.Info("apply rolled back", "err", cause)
	return cause
}

func (a *Applier) transition(res *ApplyResult, logger *slog.Logger, s State) {
	res.State = s
	logger.Debug("apply state", "state", string(s))
}

func (a *Applier) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Applier) clock() Clock {
	if a.Clock != nil {
		return a.Clock
	}
	return RealClock{}
}

func (a *Applier) scratchParent() string {
	if a.ScratchDir != "" {
		return a.ScratchDir
	}
	return os.TempDir()
}

// readStaged classifies the extracted tree: the two reserved entries
// at the top level, and every other regular file as payload.
func readStaged(scratch string) (*staged, error) {
	st := &staged{}
	err := filepath.WalkDir(scratch, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return destErr("walk scratch dir: %w", err)
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := paths.Rel(scratch, path)
		if err != nil {
			return destErr("walk scratch dir: %w", err)
		}

		switch {
		case rel == DeletedListName:
			data, err := os.ReadFile(path)
			if err != nil {
				return destErr("read %s: %w", DeletedListName, err)
			}
			st.deletions, err = decodeDeletionList(data)
			return err
		case rel == MetadataName:
			data, err := os.ReadFile(path)
			if err != nil {
				return destErr("read %s: %w", MetadataName, err)
			}
			st.meta, err = decodeMetadata(data)
			return err
		case isProtected(rel):
			return corruptErr("entry %q overwrites a reserved name", rel)
		}
		st.files = append(st.files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func isProtected(rel string) bool {
	top, _, _ := strings.Cut(rel, "/")
	return top == MarkerName || top == LockName ||
		strings.HasPrefix(top, BackupPrefix)
}
