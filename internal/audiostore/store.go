// Package audiostore manages the directory of generated audio artifacts.
// Producers append files and hand out URLs; a single background sweeper
// reaps anything older than the retention window.
package audiostore

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// URLPrefix is the HTTP path under which stored files are served.
const URLPrefix = "/audio-files"

// Store owns one audio directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates the audio directory if needed and returns a Store over it.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audio directory: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "audiostore")}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// NewFile reserves a unique file name with the given extension and returns
// both the on-disk path and the URL it will be served under. The file is
// not created; subprocess providers write it themselves.
func (s *Store) NewFile(ext string) (path, url string) {
	if ext == "" {
		ext = ".wav"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := uuid.NewString() + ext
	return filepath.Join(s.dir, name), URLPrefix + "/" + name
}

// Save writes data to a fresh file and returns its URL.
func (s *Store) Save(data []byte, ext string) (string, error) {
	path, url := s.NewFile(ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing audio file: %w", err)
	}
	return url, nil
}

// Path resolves a served file name back to its on-disk path. Names that
// try to escape the audio directory are rejected.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid audio file name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// DetectExtension guesses a file extension from the leading bytes of an
// uploaded body. Unknown content falls back to .bin.
func DetectExtension(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ".wav"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return ".mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ".mp3"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return ".ogg"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("fLaC")):
		return ".flac"
	default:
		return ".bin"
	}
}
