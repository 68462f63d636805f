package patch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type tarGzFormat struct{}

func (tarGzFormat) Kind() Kind { return TarGz }

func (tarGzFormat) NewWriter(w io.Writer) ArchiveWriter {
	gw := gzip.NewWriter(w)
	return &tarGzWriter{
		gw:   gw,
		tw:   tar.NewWriter(gw),
		dirs: make(map[string]bool),
	}
}

// tarGzWriter emits parent directory headers on first use so entries
// extract cleanly with any tar tool. Timestamps are zeroed.
type tarGzWriter struct {
	gw   *gzip.Writer
	tw   *tar.Writer
	dirs map[string]bool
}

func (w *tarGzWriter) AddFile(
	name string, mode fs.FileMode, size int64, r io.Reader,
) error {
	if err := w.writeDirs(name); err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(mode.Perm()),
		Size:     size,
		ModTime:  time.Time{},
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	n, err := io.Copy(w.tw, r)
	if errors.Is(err, tar.ErrWriteTooLong) {
		return fmt.Errorf("write body %s: %w", name, errSizeChanged)
	}
	if err != nil {
		return fmt.Errorf("write body %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("write body %s: %w", name, errSizeChanged)
	}
	return nil
}

func (w *tarGzWriter) AddBytes(name string, data []byte) error {
	return w.AddFile(name, 0o644, int64(len(data)), bytes.NewReader(data))
}

func (w *tarGzWriter) writeDirs(name string) error {
	parts := strings.Split(name, "/")
	for i := 1; i < len(parts); i++ {
		d := strings.Join(parts[:i], "/")
		if w.dirs[d] {
			continue
		}
		w.dirs[d] = true
		err := w.tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     d + "/",
			Mode:     0o755,
			ModTime:  time.Time{},
		})
		if err != nil {
			return fmt.Errorf("write dir header: %w", err)
		}
	}
	return nil
}

func (w *tarGzWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		w.gw.Close()
		return err
	}
	return w.gw.Close()
}

func (tarGzFormat) Extract(archivePath, destDir string) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, sourceErr("open %s: %w", filepath.Base(archivePath), err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return 0, corruptErr("gzip reader: %w", err)
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, corruptErr("read tar: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			target, rel, err := entryPath(destDir, hdr.Name)
			if err != nil {
				return count, err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, destErr("mkdir %s: %w", rel, err)
			}
		case tar.TypeReg:
			target, rel, err := entryPath(destDir, hdr.Name)
			if err != nil {
				return count, err
			}
			if err := createFromArchive(target, rel, fs.FileMode(hdr.Mode), tr); err != nil {
				return count, err
			}
			count++
		case tar.TypeXGlobalHeader:
			continue
		default:
			return count, corruptErr("entry %q: unsupported type %q", hdr.Name, hdr.Typeflag)
		}
	}

	// Trailing garbage after the tar end marker is tolerated, but a
	// truncated gzip stream is not.
	if _, err := io.Copy(io.Discard, gr); err != nil {
		return count, corruptErr("gzip trailer: %w", err)
	}
	return count, nil
}
