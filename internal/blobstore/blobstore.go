// Package blobstore keeps downloaded documents on disk keyed by the sha256
// of their content. Identical bytes are stored once no matter how many
// cases reference them.
package blobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

var (
	// ErrEmpty is returned for a zero-length body.
	ErrEmpty = errors.New("empty document")
	// ErrUnsupportedFormat is returned when the leading bytes are not a PDF or TIFF signature.
	ErrUnsupportedFormat = errors.New("unrecognized document signature")
	// ErrTooLarge is returned when the body exceeds the configured limit.
	ErrTooLarge = errors.New("document exceeds size limit")
	// ErrNotFound is returned by Open for an unknown checksum.
	ErrNotFound = errors.New("blob not found")
)

const (
	ContentTypePDF  = "application/pdf"
	ContentTypeTIFF = "image/tiff"
)

var signatures = []struct {
	magic       []byte
	contentType string
}{
	{[]byte("%PDF-"), ContentTypePDF},
	{[]byte{'I', 'I', 0x2A, 0x00}, ContentTypeTIFF},
	{[]byte{'M', 'M', 0x00, 0x2A}, ContentTypeTIFF},
}

// DetectType returns the content type for a document whose first bytes are head.
func DetectType(head []byte) (string, error) {
	for _, s := range signatures {
		if bytes.HasPrefix(head, s.magic) {
			return s.contentType, nil
		}
	}
	return "", ErrUnsupportedFormat
}

// Blob describes stored content.
type Blob struct {
	Checksum    string
	Path        string
	Size        int64
	ContentType string
	PageCount   int
	// Existed is true when identical content was already stored.
	Existed bool
}

type Store struct {
	root   string
	logger *slog.Logger
}

// New opens a store rooted at dir, creating it when missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &Store{root: dir, logger: slog.Default()}, nil
}

// Path returns where content with the given checksum lives.
func (s *Store) Path(checksum string) string {
	if len(checksum) < 4 {
		return filepath.Join(s.root, checksum)
	}
	return filepath.Join(s.root, checksum[:2], checksum[2:4], checksum)
}

// Put streams r to disk, verifying it is non-empty, no larger than maxBytes
// (when positive) and carries a PDF or TIFF signature. The content is
// written to a temporary file and renamed into place, so a failed transfer
// never leaves a partial blob.
func (s *Store) Put(r io.Reader, maxBytes int64) (Blob, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return Blob{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	h := sha256.New()
	head := &headWriter{limit: 8}
	n, err := io.Copy(io.MultiWriter(tmp, h, head), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Blob{}, fmt.Errorf("writing blob: %w", err)
	}

	switch {
	case n == 0:
		return Blob{}, ErrEmpty
	case maxBytes > 0 && n > maxBytes:
		return Blob{}, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	contentType, err := DetectType(head.buf)
	if err != nil {
		return Blob{}, err
	}

	b := Blob{
		Checksum:    hex.EncodeToString(h.Sum(nil)),
		Size:        n,
		ContentType: contentType,
	}
	b.Path = s.Path(b.Checksum)

	if _, err := os.Stat(b.Path); err == nil {
		b.Existed = true
	} else {
		if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
			return Blob{}, fmt.Errorf("creating blob directory: %w", err)
		}
		if err := os.Rename(tmpName, b.Path); err != nil {
			return Blob{}, fmt.Errorf("moving blob into place: %w", err)
		}
	}

	if contentType == ContentTypePDF {
		b.PageCount = s.pageCount(b.Path)
	}
	return b, nil
}

// pageCount returns 0 when pdfcpu cannot parse the file. Portals often serve
// PDFs that readers accept but a strict parser rejects, so this is not an error.
func (s *Store) pageCount(path string) (n int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("pdf parser panicked", "path", path, "panic", r)
			n = 0
		}
	}()
	n, err := api.PageCountFile(path)
	if err != nil {
		s.logger.Debug("pdf page count unavailable", "path", path, "error", err)
		return 0
	}
	return n
}

// Open returns a reader for stored content.
func (s *Store) Open(checksum string) (*os.File, error) {
	f, err := os.Open(s.Path(checksum))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Exists reports whether content with checksum is stored.
func (s *Store) Exists(checksum string) bool {
	if checksum == "" {
		return false
	}
	_, err := os.Stat(s.Path(checksum))
	return err == nil
}

// ReadAll returns the stored content.
func (s *Store) ReadAll(checksum string) ([]byte, error) {
	b, err := os.ReadFile(s.Path(checksum))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// headWriter keeps the first limit bytes written to it.
type headWriter struct {
	buf   []byte
	limit int
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		w.buf = append(w.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
