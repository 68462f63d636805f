package patch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/tqbf/patchkit/pkg/paths"
)

// BackupPrefix names the hidden directory, inside the target, that
// holds displaced files until an apply commits.
const BackupPrefix = ".patchkit-backup-"

type opKind int

const (
	opFile  opKind = iota // dst written or removed; backup holds the original
	opMkdir               // dst created
	opRmdir               // dst removed because it was left empty
)

type journalOp struct {
	kind   opKind
	rel    string
	dst    string
	backup string
	mode   fs.FileMode
}

// journal records every change made to the target, in order, so it can
// be undone. Displaced originals are renamed into a backup directory on
// the same filesystem; new files are simply removed on rollback.
type journal struct {
	target string
	dir    string
	ops    []journalOp
}

func newJournal(target string) *journal {
	return &journal{
		target: target,
		dir:    filepath.Join(target, BackupPrefix+uuid.NewString()),
	}
}

// replace puts src at dst, stashing whatever was there.
func (j *journal) replace(rel, dst, src string) error {
	info, err := os.Lstat(dst)
	switch {
	case err == nil && info.IsDir():
		return destErr("%s: a directory is in the way", rel)
	case err == nil:
		backup, err := j.stash(dst)
		if err != nil {
			return destErr("back up %s: %w", rel, err)
		}
		j.ops = append(j.ops, journalOp{kind: opFile, rel: rel, dst: dst, backup: backup})
	case errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR):
		if err := j.mkdirParents(filepath.Dir(dst)); err != nil {
			return destErr("create parent of %s: %w", rel, err)
		}
		j.ops = append(j.ops, journalOp{kind: opFile, rel: rel, dst: dst})
	default:
		return destErr("stat %s: %w", rel, err)
	}

	if err := copyFileAtomic(src, dst); err != nil {
		return destErr("copy %s: %w", rel, err)
	}
	return nil
}

// remove stashes dst and then removes any parent directories it left
// empty. It reports false if there was nothing to remove.
func (j *journal) remove(rel, dst string) (bool, error) {
	info, err := os.Lstat(dst)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return false, nil
	}
	if err != nil {
		return false, destErr("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return false, destErr("%s: refusing to delete a directory", rel)
	}
	backup, err := j.stash(dst)
	if err != nil {
		return false, destErr("delete %s: %w", rel, err)
	}
	j.ops = append(j.ops, journalOp{kind: opFile, rel: rel, dst: dst, backup: backup})
	j.pruneParents(rel, filepath.Dir(dst))
	return true, nil
}

// pruneParents removes dir and its ancestors below the target while
// they are empty. A directory that cannot be removed ends the walk.
func (j *journal) pruneParents(rel, dir string) {
	for d := dir; d != j.target && paths.IsWithinDir(j.target, d); d = filepath.Dir(d) {
		info, err := os.Lstat(d)
		if err != nil || !info.IsDir() {
			return
		}
		if err := os.Remove(d); err != nil {
			return
		}
		j.ops = append(j.ops, journalOp{kind: opRmdir, rel: rel, dst: d, mode: info.Mode().Perm()})
	}
}

func (j *journal) stash(dst string) (string, error) {
	if err := os.Mkdir(j.dir, 0o700); err != nil && !os.IsExist(err) {
		return "", err
	}
	backup := filepath.Join(j.dir, strconv.Itoa(len(j.ops)))
	if err := os.Rename(dst, backup); err != nil {
		return "", err
	}
	return backup, nil
}

// mkdirParents creates dir and records each directory it had to make.
func (j *journal) mkdirParents(dir string) error {
	var missing []string
	for d := dir; d != j.target; d = filepath.Dir(d) {
		if _, err := os.Lstat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if filepath.Dir(d) == d {
			break
		}
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !os.IsExist(err) {
			return err
		}
		j.ops = append(j.ops, journalOp{kind: opMkdir, dst: missing[i]})
	}
	return nil
}

// rollback undoes every recorded change, newest first. The backup
// directory is kept if anything could not be restored.
func (j *journal) rollback() error {
	var errs []error
	for i := len(j.ops) - 1; i >= 0; i-- {
		op := j.ops[i]
		switch op.kind {
		case opMkdir:
			if err := os.Remove(op.dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove dir %s: %w", op.dst, err))
			}
			continue
		case opRmdir:
			if err := os.Mkdir(op.dst, op.mode); err != nil && !os.IsExist(err) {
				errs = append(errs, fmt.Errorf("restore dir of %s: %w", op.rel, err))
			}
			continue
		}
		if err := os.Remove(op.dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", op.rel, err))
			continue
		}
		if op.backup == "" {
			continue
		}
		if err := os.Rename(op.backup, op.dst); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", op.rel, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rollback incomplete, originals kept in %s: %w",
			j.dir, errors.Join(errs...))
	}
	return os.RemoveAll(j.dir)
}

func (j *journal) commit() error {
	return os.RemoveAll(j.dir)
}

// copyFileAtomic writes src to a temp file next to dst and renames it
// into place, so dst is never observed half-written.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
