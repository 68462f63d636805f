// Package digest computes the content fingerprints used as the only
// change signal between two manifests.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// ChunkSize bounds how much of a file is held in memory while hashing.
const ChunkSize = 1 << 20

// Len is the length of a hex digest string (128 bits).
const Len = 32

// File returns the hex xxh3-128 digest of the file at path, read in
// ChunkSize pieces.
func File(path string) (string, error) {
	return FileBuffer(path, make([]byte, ChunkSize))
}

// FileBuffer is File with a caller-owned read buffer, so hashing
// workers can reuse one buffer across many files.
func FileBuffer(path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sum, err := readerBuffer(f, buf)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return sum, nil
}

// Reader hashes everything r yields.
func Reader(r io.Reader) (string, error) {
	return readerBuffer(r, make([]byte, ChunkSize))
}

// Bytes hashes an in-memory payload.
func Bytes(b []byte) string {
	sum := xxh3.Hash128(b).Bytes()
	return hex.EncodeToString(sum[:])
}

func readerBuffer(r io.Reader, buf []byte) (string, error) {
	h := xxh3.New()
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), nil
}

// Writer hashes bytes as they are written through it, for callers that
// need the digest of a stream they are also persisting.
type Writer struct {
	h *xxh3.Hasher
	n int64
}

func NewWriter() *Writer {
	return &Writer{h: xxh3.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (w *Writer) Sum() string {
	sum := w.h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }
