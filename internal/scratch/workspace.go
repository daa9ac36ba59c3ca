package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/eleven-am/goverlay/internal/domain"

	"go.uber.org/zap"
)

const (
	outputName     = "output.mp4"
	maxFilenameLen = 255
)

// SanitizeFilename reduces a client-supplied name to a bare file name.
// Directory components of either separator style are discarded; names that
// are empty, dot-only, contain NUL or control characters, or are not valid
// UTF-8 are rejected.
func SanitizeFilename(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", domain.ErrInvalidFilename)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: contains NUL", domain.ErrInvalidFilename)
	}

	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.TrimSpace(base)

	if base == "" || base == "/" || strings.Trim(base, ".") == "" {
		return "", fmt.Errorf("%w: %q has no usable name", domain.ErrInvalidFilename, name)
	}
	if strings.IndexFunc(base, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: contains control characters", domain.ErrInvalidFilename)
	}
	if len(base) > maxFilenameLen {
		return "", fmt.Errorf("%w: longer than %d bytes", domain.ErrInvalidFilename, maxFilenameLen)
	}
	return base, nil
}

// Workspace is one request's private scratch directory. Close removes it and
// everything inside.
type Workspace struct {
	dir    string
	output string
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewWorkspace(root string, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir, err := os.MkdirTemp(root, "goverlay-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Workspace{
		dir:    dir,
		output: filepath.Join(dir, outputName),
		logger: logger,
	}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

// OutputPath is where the annotated video is written.
func (w *Workspace) OutputPath() string {
	return w.output
}

// Persist writes the upload under filename, which must already be sanitized.
// It returns the stored path and the number of bytes written.
func (w *Workspace) Persist(r io.Reader, filename string) (string, int64, error) {
	dst := filepath.Join(w.dir, filename)
	if dst == w.output {
		w.output = filepath.Join(w.dir, "annotated_"+outputName)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", domain.ErrUploadPersistFailed, err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return "", n, fmt.Errorf("%w: %w", domain.ErrUploadPersistFailed, err)
	}

	w.logger.Debug("upload persisted", zap.String("path", dst), zap.Int64("bytes", n))
	return dst, n, nil
}

func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.closeErr = fmt.Errorf("remove scratch dir: %w", err)
		}
	})
	return w.closeErr
}
