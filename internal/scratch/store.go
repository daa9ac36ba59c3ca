package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const processedPrefix = "processed_"

// Store holds annotated videos until they have been delivered. Each run gets
// its own subdirectory so identical upload names never collide.
type Store struct {
	dir    string
	logger *zap.Logger
}

func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger.With(zap.String("component", "store"))}
}

func ProcessedName(filename string) string {
	return processedPrefix + filename
}

// Save copies src to <dir>/<runID>/processed_<filename> and returns the new
// path. When the output directory cannot be created the OS temp dir is used.
func (s *Store) Save(runID, src, filename string) (string, error) {
	runDir, err := s.runDir(runID)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(runDir, ProcessedName(filename))
	if err := copyFile(src, dst); err != nil {
		_ = os.RemoveAll(runDir)
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return dst, nil
}

func (s *Store) runDir(runID string) (string, error) {
	dir := filepath.Join(s.dir, runID)
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		return dir, nil
	}

	fallback := filepath.Join(os.TempDir(), "goverlay-outputs", runID)
	s.logger.Warn("output dir unavailable, using temp dir",
		zap.String("output_dir", s.dir),
		zap.String("fallback", fallback),
		zap.Error(err),
	)
	if ferr := os.MkdirAll(fallback, 0o755); ferr != nil {
		return "", fmt.Errorf("create artifact dir: %w", errors.Join(err, ferr))
	}
	return fallback, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
