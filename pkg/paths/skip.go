package paths

import (
	"path/filepath"
	"strings"
)

const (
	// DefaultReservedPrefix marks bookkeeping entries (version marker,
	// deletion list, scratch dirs) that never belong to a manifest.
	DefaultReservedPrefix = "."

	// DefaultMaxFileSize is the ceiling above which files are left to
	// the full-install path instead of patches.
	DefaultMaxFileSize int64 = 100_000_000
)

// SkipRule decides which entries of an installation tree are tracked.
type SkipRule struct {
	ReservedPrefix string
	MaxFileSize    int64
	Excludes       []string
}

func DefaultSkipRule() SkipRule {
	return SkipRule{
		ReservedPrefix: DefaultReservedPrefix,
		MaxFileSize:    DefaultMaxFileSize,
	}
}

// SkipName reports whether relPath (file or directory) is excluded by
// name. Directories that match are pruned along with everything below.
func (r SkipRule) SkipName(relPath string) bool {
	base := baseName(relPath)
	if r.ReservedPrefix != "" && strings.HasPrefix(base, r.ReservedPrefix) {
		return true
	}
	for _, pat := range r.Excludes {
		if matchExclude(pat, relPath) {
			return true
		}
	}
	return false
}

// SkipSize reports whether a file of the given size is over the ceiling.
// A non-positive ceiling disables the check.
func (r SkipRule) SkipSize(size int64) bool {
	return r.MaxFileSize > 0 && size > r.MaxFileSize
}

// IsReserved reports whether a bare entry name uses the reserved prefix.
func (r SkipRule) IsReserved(name string) bool {
	return r.ReservedPrefix != "" && strings.HasPrefix(name, r.ReservedPrefix)
}

// PortableName reports whether a single path element survives the
// line-oriented deletion list and the slash-separated manifest keys
// unchanged. Names holding line breaks never do; a backslash is a
// separator on Windows and so is only rejected elsewhere.
func PortableName(name string) bool {
	if strings.ContainsAny(name, "\r\n") {
		return false
	}
	return filepath.Separator == '\\' || !strings.Contains(name, `\`)
}

func baseName(relPath string) string {
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		return relPath[i+1:]
	}
	return relPath
}

// matchExclude supports bare names ("vendor") matched against any
// segment, slash patterns ("doc/*.html") matched against the whole
// path, and a single "**" spanning any number of segments.
func matchExclude(pattern, relPath string) bool {
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return false
	}
	if strings.Contains(pattern, "**") {
		return matchDoublestar(pattern, relPath)
	}
	if strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, relPath)
		return ok
	}
	for _, seg := range strings.Split(relPath, "/") {
		if ok, _ := filepath.Match(pattern, seg); ok {
			return true
		}
	}
	return false
}

func matchDoublestar(pattern, relPath string) bool {
	head, tail, _ := strings.Cut(pattern, "**")
	head = strings.TrimSuffix(head, "/")
	tail = strings.TrimPrefix(tail, "/")

	rest := relPath
	if head != "" {
		if relPath != head && !strings.HasPrefix(relPath, head+"/") {
			return false
		}
		rest = strings.TrimPrefix(strings.TrimPrefix(relPath, head), "/")
	}
	if tail == "" {
		return true
	}
	segs := strings.Split(rest, "/")
	for i := range segs {
		if ok, _ := filepath.Match(tail, strings.Join(segs[i:], "/")); ok {
			return true
		}
	}
	return false
}
