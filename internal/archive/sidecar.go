package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meeting-media-bridge/internal/logging"
)

// Sidecar is the JSON metadata written next to every archived chunk.
type Sidecar struct {
	CorrelationID string    `json:"correlation_id"`
	SessionID     string    `json:"session_id"`
	WavPath       string    `json:"wav_path"`
	Bytes         int       `json:"bytes"`
	DurationMS    int64     `json:"duration_ms"`
	SampleRate    int       `json:"sample_rate"`
	Channels      int       `json:"channels"`
	ChunkTime     time.Time `json:"chunk_time"`
	LastSpeech    time.Time `json:"last_speech"`
	CreatedAt     time.Time `json:"created_at"`
}

func writeSidecar(path string, sc Sidecar) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return writeAtomic(path, b, 0o644)
}

// ReadSidecar loads one sidecar file.
func ReadSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(b, &sc); err != nil {
		return sc, fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	return sc, nil
}

// FindByCorrelationID returns the sidecar path for id in dir, or "" if none
// matches. The file name is tried first, then every sidecar's contents.
func FindByCorrelationID(dir, id string) string {
	if dir == "" || id == "" {
		return ""
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warnw("archive: failed to list dir", "dir", dir, "err", err)
		return ""
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_cid"+id+".json") {
			return filepath.Join(dir, e.Name())
		}
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		sc, err := ReadSidecar(path)
		if err != nil {
			logging.Debugw("archive: unreadable sidecar while searching", "path", path, "err", err, "correlation_id", id)
			continue
		}
		if sc.CorrelationID == id {
			return path
		}
	}
	return ""
}
