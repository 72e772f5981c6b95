package audiostore

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// StartSweeper runs a background goroutine that periodically removes audio
// files older than maxAge. Generated artifacts only need to live long
// enough for the media engine to fetch them. The goroutine stops when the
// provided context is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(maxAge)
			}
		}
	}()
}

func (s *Store) sweep(maxAge time.Duration) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audio sweep failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove audio file", "path", p, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("audio sweep", "removed", removed, "max_age", maxAge)
	}
}
