package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/meeting-media-bridge/internal/logging"
)

type pair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// Sweep removes archived pairs older than retention, then the oldest pairs
// beyond maxFiles. A zero retention or maxFiles disables that rule. It
// returns how many pairs were removed.
func Sweep(dir string, retention time.Duration, maxFiles int, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var pairs []pair
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if sc, err := ReadSidecar(jsonPath); err == nil && sc.WavPath != "" {
			wavPath = sc.WavPath
		}
		pairs = append(pairs, pair{jsonPath: jsonPath, wavPath: wavPath, mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	kept := pairs[:0]
	if retention > 0 {
		cutoff := now.Add(-retention)
		for _, p := range pairs {
			if p.mod.Before(cutoff) {
				removePair(p)
				removed++
				continue
			}
			kept = append(kept, p)
		}
	} else {
		kept = pairs
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, p := range kept[:len(kept)-maxFiles] {
			removePair(p)
			removed++
		}
	}
	return removed, nil
}

func removePair(p pair) {
	_ = os.Remove(p.jsonPath)
	if p.wavPath != "" {
		_ = os.Remove(p.wavPath)
	}
}

// RunCleaner sweeps dir every interval until ctx is done.
func RunCleaner(ctx context.Context, dir string, retention time.Duration, maxFiles int, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := Sweep(dir, retention, maxFiles, now)
			if err != nil {
				logging.Debugw("archive: cleanup readDir failed", "dir", dir, "err", err)
				continue
			}
			if n > 0 {
				logging.Infow("archive: removed expired chunks", "dir", dir, "removed", n)
			}
		}
	}
}
