package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/media"
	"github.com/meeting-media-bridge/internal/metrics"
)

// Archive writes emitted utterance chunks to disk as WAV files with JSON
// sidecars. A nil *Archive is valid and does nothing.
type Archive struct {
	dir       string
	sessionID string
	format    media.WaveFormat
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New returns nil when dir is blank, which disables archiving.
func New(dir, sessionID string, format media.WaveFormat, m *metrics.Metrics) *Archive {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Archive{dir: dir, sessionID: sessionID, format: format, metrics: m, now: time.Now}
}

// Dir is the archive directory.
func (a *Archive) Dir() string {
	if a == nil {
		return ""
	}
	return a.dir
}

// Save writes chunk and returns its correlation id. Failures are logged and
// counted; callers treat them as non-fatal.
func (a *Archive) Save(chunk []byte, chunkTime, lastSpeech time.Time) (string, error) {
	if a == nil || len(chunk) == 0 {
		return "", nil
	}
	cid := uuid.NewString()
	created := a.now().UTC()
	base := fmt.Sprintf("%s_%s_cid%s", created.Format("20060102T150405.000Z"), safeName(a.sessionID), cid)
	wavPath := filepath.Join(a.dir, base+".wav")
	jsonPath := filepath.Join(a.dir, base+".json")

	if err := writeAtomic(wavPath, BuildWAV(chunk, a.format), 0o644); err != nil {
		a.fail(err, cid)
		return "", err
	}
	sc := Sidecar{
		CorrelationID: cid,
		SessionID:     a.sessionID,
		WavPath:       wavPath,
		Bytes:         len(chunk),
		DurationMS:    a.format.Duration(len(chunk)).Milliseconds(),
		SampleRate:    a.format.SampleRate,
		Channels:      a.format.Channels,
		ChunkTime:     chunkTime.UTC(),
		LastSpeech:    lastSpeech.UTC(),
		CreatedAt:     created,
	}
	if err := writeSidecar(jsonPath, sc); err != nil {
		a.fail(err, cid)
		return "", err
	}
	a.metrics.ChunksArchived.Inc()
	logging.Debugw("archive: chunk saved", append([]interface{}{"path", wavPath, "correlation_id", cid},
		logging.ChunkFields(len(chunk), int(sc.DurationMS))...)...)
	return cid, nil
}

func (a *Archive) fail(err error, cid string) {
	a.metrics.ArchiveFailures.Inc()
	logging.Warnw("archive: failed to save chunk", "dir", a.dir, "correlation_id", cid, "err", err)
}

// RunCleaner applies retention to the archive directory until ctx is done.
func (a *Archive) RunCleaner(ctx context.Context, retention time.Duration, maxFiles int, interval time.Duration) {
	if a == nil {
		return
	}
	RunCleaner(ctx, a.dir, retention, maxFiles, interval)
}

func safeName(s string) string {
	if s == "" {
		return "session"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
