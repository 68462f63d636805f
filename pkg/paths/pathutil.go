package paths

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ValidateRelPath rejects anything that could land outside the
// directory it is joined onto: empty names, absolute paths, NUL
// bytes and ".." segments.
func ValidateRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path contains null byte")
	}
	if path.IsAbs(p) || filepath.IsAbs(p) || hasDriveLetter(p) {
		return fmt.Errorf("absolute path not allowed: %s", p)
	}
	cleaned := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if cleaned == "." {
		return fmt.Errorf("path resolves to current directory")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path escapes base directory: %s", p)
	}
	return nil
}

// CleanRelPath normalizes a relative path to the forward-slash form
// used as a manifest key.
func CleanRelPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

// Rel returns the manifest key for abs under root.
func Rel(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	return CleanRelPath(filepath.ToSlash(rel)), nil
}

// Resolve joins a manifest key onto dir after validating it, and
// reports an error if the result is not inside dir.
func Resolve(dir, rel string) (string, error) {
	if err := ValidateRelPath(rel); err != nil {
		return "", err
	}
	full := filepath.Join(dir, filepath.FromSlash(CleanRelPath(rel)))
	if !IsWithinDir(dir, full) {
		return "", fmt.Errorf("path escapes dir: %s", rel)
	}
	return full, nil
}

func IsWithinDir(dir, full string) bool {
	rel, err := filepath.Rel(dir, full)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." &&
		!strings.HasPrefix(rel, "../") &&
		!filepath.IsAbs(rel)
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
