package patch

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FixedZipTime is stamped on every zip entry so output does not depend
// on when it was built. Zip cannot represent times before 1980.
var FixedZipTime = time.Unix(315532800, 0).UTC()

type zipFormat struct{}

func (zipFormat) Kind() Kind { return Zip }

func (zipFormat) NewWriter(w io.Writer) ArchiveWriter {
	return &zipWriter{zw: zip.NewWriter(w)}
}

type zipWriter struct {
	zw *zip.Writer
}

func (w *zipWriter) AddFile(
	name string, mode fs.FileMode, size int64, r io.Reader,
) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: FixedZipTime,
	}
	hdr.SetMode(mode.Perm())
	ew, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	n, err := io.Copy(ew, r)
	if err != nil {
		return fmt.Errorf("write body %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("write body %s: %w", name, errSizeChanged)
	}
	return nil
}

func (w *zipWriter) AddBytes(name string, data []byte) error {
	return w.AddFile(name, 0o644, int64(len(data)), bytes.NewReader(data))
}

func (w *zipWriter) Close() error { return w.zw.Close() }

func (zipFormat) Extract(archivePath, destDir string) (int, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return 0, sourceErr("open %s: %w", filepath.Base(archivePath), err)
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, corruptErr("zip reader: %w", err)
	}
	defer zr.Close()

	count := 0
	for _, zf := range zr.File {
		target, rel, err := entryPath(destDir, zf.Name)
		if err != nil {
			return count, err
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(zf.Name, "/"):
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, destErr("mkdir %s: %w", rel, err)
			}
			continue
		case !mode.IsRegular():
			return count, corruptErr("entry %q: unsupported mode %v", zf.Name, mode)
		}

		rc, err := zf.Open()
		if err != nil {
			return count, corruptErr("open entry %s: %w", rel, err)
		}
		err = createFromArchive(target, rel, mode, rc)
		rc.Close()
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
