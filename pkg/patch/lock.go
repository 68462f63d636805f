package patch

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// StaleLockThreshold is the age after which a lock whose owner cannot
// be checked is reclaimed.
const StaleLockThreshold = 10 * time.Minute

var ErrLocked = errors.New("another patch application is in progress")

// Lock serializes patch application on one install directory.
type Lock struct {
	path  string
	token string
	file  *os.File
}

// AcquireLock creates the lock file in dir exclusively. A lock left
// behind by a dead process is removed and acquisition retried once. A
// lock naming no usable pid is reclaimed once it is older than
// StaleLockThreshold; a live owner keeps its lock however old.
func AcquireLock(dir string) (*Lock, error) {
	lockPath := filepath.Join(dir, LockName)

	file, err := openExclusive(lockPath)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if !LockIsStale(lockPath) {
			return nil, ErrLocked
		}
		os.Remove(lockPath)
		file, err = openExclusive(lockPath)
		if err != nil {
			return nil, ErrLocked
		}
	}

	token := uuid.NewString()
	data := fmt.Sprintf("pid=%d\ntoken=%s\ntimestamp=%s\n",
		os.Getpid(), token, time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(data); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock data: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &Lock{path: lockPath, token: token, file: file}, nil
}

// Release removes the lock file if this Lock still owns it.
func (l *Lock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	defer func() { l.path = "" }()

	fields, err := readLockFields(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}
	if fields["token"] != l.token {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func openExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
}

// LockIsStale reports whether the lock file at lockPath may be reclaimed.
func LockIsStale(lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	old := time.Since(info.ModTime()) > StaleLockThreshold

	fields, err := readLockFields(lockPath)
	if err != nil {
		return old
	}
	pid, err := strconv.ParseInt(fields["pid"], 10, 32)
	if err != nil || pid <= 0 {
		return old
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return old
	}
	return !alive
}

func readLockFields(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fields := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			fields[k] = v
		}
	}
	return fields, sc.Err()
}
