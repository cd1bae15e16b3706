package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/meeting-media-bridge/internal/transport"
	"github.com/meeting-media-bridge/internal/vad"
)

// ErrInvalidConfig is wrapped by every load and validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the bridge's runtime configuration. Values come from an optional
// YAML file and are then overridden by environment variables.
type Config struct {
	Env       string    `yaml:"env"`
	LogLevel  string    `yaml:"log_level"`
	SessionID string    `yaml:"session_id"`
	Transport Transport `yaml:"transport"`
	VAD       VAD       `yaml:"vad"`
	Segment   Segment   `yaml:"segment"`
	Metrics   Metrics   `yaml:"metrics"`
	Archive   Archive   `yaml:"archive"`
}

type Transport struct {
	Host          string              `yaml:"host"`
	Ports         transport.PortRange `yaml:"ports"`
	SendTimeoutMS int                 `yaml:"send_timeout_ms"`
	AudioRetries  int                 `yaml:"audio_retries"`
	BackoffMS     int                 `yaml:"backoff_ms"`
}

type VAD struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	WindowMS        int     `yaml:"window_ms"`
}

type Segment struct {
	SilenceMS int `yaml:"silence_ms"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Archive struct {
	Dir            string `yaml:"dir"`
	RetentionHours int    `yaml:"retention_hours"`
	MaxFiles       int    `yaml:"max_files"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Transport: Transport{
			Host:          "127.0.0.1",
			Ports:         transport.DefaultPortRange,
			SendTimeoutMS: int(transport.DefaultWriteTimeout / time.Millisecond),
			AudioRetries:  transport.DefaultRetries,
			BackoffMS:     int(transport.DefaultBackoff / time.Millisecond),
		},
		VAD: VAD{
			EnergyThreshold: vad.DefaultThreshold,
			WindowMS:        int(vad.DefaultWindow / time.Millisecond),
		},
		Segment: Segment{SilenceMS: 2000},
		Archive: Archive{RetentionHours: 24, MaxFiles: 1000},
	}
}

// Strict reports whether reference-count violations should panic. Only a
// production deployment logs and continues.
func (c Config) Strict() bool { return !strings.EqualFold(c.Env, "production") }

// SendTimeout is the per-write deadline on every endpoint.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Transport.SendTimeoutMS) * time.Millisecond
}

// Backoff is the first retry delay for audio chunks; later ones double.
func (c Config) Backoff() time.Duration {
	return time.Duration(c.Transport.BackoffMS) * time.Millisecond
}

// Window is the VAD look-ahead.
func (c Config) Window() time.Duration { return time.Duration(c.VAD.WindowMS) * time.Millisecond }

// Silence is how long nobody may speak before pending audio is emitted.
func (c Config) Silence() time.Duration {
	return time.Duration(c.Segment.SilenceMS) * time.Millisecond
}

// Retention is how long archived chunks are kept. Zero keeps them forever.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Archive.RetentionHours) * time.Hour
}

// Load builds the configuration: defaults, then the YAML file named by
// BRIDGE_CONFIG if set, then environment overrides, then validation. A
// missing session id is replaced by a random one.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open %q: %v: %w", path, err, ErrInvalidConfig)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML over the defaults and validates the result.
// Environment variables are not consulted.
func LoadFromReader(r io.Reader) (Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %v: %w", err, ErrInvalidConfig)
	}
	return nil
}

// applyEnv overrides cfg from getenv. Unset or empty variables leave the
// current value alone; unparsable values are an error.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not a number", key, v))
			return
		}
		*dst = f
	}

	str("BRIDGE_ENV", &cfg.Env)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("SESSION_ID", &cfg.SessionID)
	str("BRIDGE_HOST", &cfg.Transport.Host)
	num("PORT_BASE", &cfg.Transport.Ports.Base)
	num("PORT_SPAN", &cfg.Transport.Ports.Span)
	num("PORT_MIN", &cfg.Transport.Ports.Min)
	num("PORT_MAX", &cfg.Transport.Ports.Max)
	num("SEND_TIMEOUT_MS", &cfg.Transport.SendTimeoutMS)
	num("AUDIO_SEND_RETRIES", &cfg.Transport.AudioRetries)
	num("AUDIO_SEND_BACKOFF_MS", &cfg.Transport.BackoffMS)
	float("VAD_ENERGY_THRESHOLD", &cfg.VAD.EnergyThreshold)
	num("VAD_WINDOW_MS", &cfg.VAD.WindowMS)
	num("SILENCE_THRESHOLD_MS", &cfg.Segment.SilenceMS)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("SAVE_AUDIO_DIR", &cfg.Archive.Dir)
	num("SAVE_AUDIO_RETENTION_HOURS", &cfg.Archive.RetentionHours)
	num("SAVE_AUDIO_MAX_FILES", &cfg.Archive.MaxFiles)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %v: %w", errors.Join(errs...), ErrInvalidConfig)
	}
	return nil
}

// Validate checks cfg and returns every problem found, joined and wrapped in
// ErrInvalidConfig.
func Validate(cfg Config) error {
	var errs []error
	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel))
	}
	p := cfg.Transport.Ports
	if p.Span <= 0 {
		errs = append(errs, fmt.Errorf("transport.ports.span must be positive, got %d", p.Span))
	}
	if p.Min < 1 || p.Max > 65535-len(transport.Roles) || p.Min > p.Max {
		errs = append(errs, fmt.Errorf("transport.ports range [%d, %d] is invalid", p.Min, p.Max))
	}
	if cfg.Transport.SendTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("transport.send_timeout_ms must be positive, got %d", cfg.Transport.SendTimeoutMS))
	}
	if cfg.Transport.AudioRetries < 0 {
		errs = append(errs, fmt.Errorf("transport.audio_retries must not be negative, got %d", cfg.Transport.AudioRetries))
	}
	if cfg.Transport.BackoffMS <= 0 {
		errs = append(errs, fmt.Errorf("transport.backoff_ms must be positive, got %d", cfg.Transport.BackoffMS))
	}
	if cfg.VAD.WindowMS <= 0 {
		errs = append(errs, fmt.Errorf("vad.window_ms must be positive, got %d", cfg.VAD.WindowMS))
	}
	if cfg.Segment.SilenceMS <= 0 {
		errs = append(errs, fmt.Errorf("segment.silence_ms must be positive, got %d", cfg.Segment.SilenceMS))
	}
	if cfg.Archive.Dir != "" {
		if cfg.Archive.RetentionHours < 0 {
			errs = append(errs, fmt.Errorf("archive.retention_hours must not be negative, got %d", cfg.Archive.RetentionHours))
		}
		if cfg.Archive.MaxFiles < 0 {
			errs = append(errs, fmt.Errorf("archive.max_files must not be negative, got %d", cfg.Archive.MaxFiles))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%v: %w", errors.Join(errs...), ErrInvalidConfig)
	}
	return nil
}
