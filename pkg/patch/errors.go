package patch

import (
	"errors"
	"fmt"
	"io"
)

// Failure classes reported to users. Errors returned by this package
// wrap exactly one of them, so errors.Is can tell them apart.
var (
	ErrSourceRead     = errors.New("could not read source")
	ErrDestWrite      = errors.New("could not write destination")
	ErrCorruptArchive = errors.New("archive is corrupt")
)

// errSizeChanged reports a source file whose length no longer matches
// the size it was stat'ed with.
var errSizeChanged = errors.New("file size changed while packaging")

// errReservedName reports a tracked path that collides with an entry
// the archive format or the install directory reserves.
var errReservedName = errors.New("path uses a reserved name")

func sourceErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrSourceRead, fmt.Errorf(format, args...))
}

func destErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrDestWrite, fmt.Errorf(format, args...))
}

func corruptErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrCorruptArchive, fmt.Errorf(format, args...))
}

// archiveReadError marks a failure that came from reading the archive
// stream, as opposed to writing what was read.
type archiveReadError struct{ err error }

func (e *archiveReadError) Error() string { return e.err.Error() }
func (e *archiveReadError) Unwrap() error { return e.err }

type markedReader struct{ r io.Reader }

func (m markedReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if err != nil && err != io.EOF {
		err = &archiveReadError{err}
	}
	return n, err
}

// classifyCopy turns an io.Copy failure during extraction into either
// a corrupt-archive or a destination-write error.
func classifyCopy(name string, err error) error {
	var re *archiveReadError
	if errors.As(err, &re) {
		return corruptErr("read %s: %w", name, re.err)
	}
	return destErr("write %s: %w", name, err)
}
