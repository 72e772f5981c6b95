package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voicebridge/voicebridge/internal/audiostore"
)

// maxAudioUploadBytes caps raw audio uploads at 10 MB.
const maxAudioUploadBytes = 10 << 20

// handleAudioUpload stores a raw audio body and returns the absolute URL it
// is served from. The media engine plays announcements by fetching this URL,
// so bytes out must equal bytes in.
func (s *Server) handleAudioUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioUploadBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio upload exceeds 10MB")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must not be empty")
		return
	}

	url, err := s.audio.Save(body, audiostore.DetectExtension(body))
	if err != nil {
		s.logger.Error("audio save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store audio")
		return
	}

	s.logger.Info("audio uploaded", "bytes", len(body), "url", url)
	writeJSON(w, http.StatusOK, map[string]any{
		"url":  fmt.Sprintf("http://%s:%d%s", s.cfg.AdvertiseIP(), s.cfg.HTTPPort, url),
		"size": len(body),
	})
}

// handleAudioFile serves a stored audio file by name.
func (s *Server) handleAudioFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	path, err := s.audio.Path(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "audio file not found")
		return
	}
	serveMedia(w, r, path)
}

// handleStatic serves pre-rendered prompt audio from the static directory.
// Same sanitization as the audio store: bare file names only.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	serveMedia(w, r, filepath.Join(s.cfg.StaticPath(), name))
}

// serveMedia sends a file with a Content-Type from its extension. The
// mime package depends on the host's tables, so audio types are pinned.
func serveMedia(w http.ResponseWriter, r *http.Request, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		w.Header().Set("Content-Type", "audio/wav")
	case ".mp3":
		w.Header().Set("Content-Type", "audio/mpeg")
	case ".ogg":
		w.Header().Set("Content-Type", "audio/ogg")
	case ".flac":
		w.Header().Set("Content-Type", "audio/flac")
	case ".bin":
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeFile(w, r, path)
}
