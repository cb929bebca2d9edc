// Package config loads streamcore's typed Config from a .env file layered
// under OS environment variables, grounded on
// Emibrown-HLS-Playlist-Orchestrator/internal/platform/config's
// godotenv-then-os.Getenv layering and its defaulted-field pattern.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/zsiec/streamcore/internal/abr"
	"github.com/zsiec/streamcore/internal/clock"
	"github.com/zsiec/streamcore/internal/fetch"
	"github.com/zsiec/streamcore/internal/fetch/backoff"
	"github.com/zsiec/streamcore/internal/fetch/transport"
	"github.com/zsiec/streamcore/internal/initctl"
)

// StartAt re-exports initctl's tagged union so callers configure the
// initial seek without importing internal/initctl directly.
type StartAt = initctl.StartAt

// Re-export StartAt's kind constants for the same reason.
const (
	StartAtNone              = initctl.StartAtNone
	StartAtPosition          = initctl.StartAtPosition
	StartAtWallClock         = initctl.StartAtWallClock
	StartAtFromFirstPosition = initctl.StartAtFromFirstPosition
	StartAtFromLastPosition  = initctl.StartAtFromLastPosition
	StartAtPercentage        = initctl.StartAtPercentage
)

// Config is streamcore's fully-resolved runtime configuration: transport
// and CDN tunables, the ABR ladder bounds, and the buffering/startup
// options a host application selects per session.
type Config struct {
	// ListenAddr is the control/debug API's bind address.
	ListenAddr string
	// LogLevel selects slog's minimum level ("debug", "info", "warn",
	// "error").
	LogLevel string
	// LogFormat selects "json" or "text" handler output.
	LogFormat string

	LowLatencyMode     bool
	WantedBufferAhead  float64
	WantedBufferBehind float64

	StartAt StartAt

	ABR     abr.Config
	Clock   clock.Config
	Fetch   fetch.Config
	Backoff backoff.Config

	TransportKind transport.Kind

	// ConnectionTimeout bounds outbound HTTP connection establishment.
	ConnectionTimeout time.Duration
	// RequestTimeout bounds a single fetch attempt (one host, one retry);
	// zero disables the per-attempt deadline.
	RequestTimeout time.Duration

	// CDNCooldown bounds how long a failed CDN stays downranked.
	CDNCooldown time.Duration
}

// Default returns the documented defaults. The Clock sub-config is
// clock.DefaultConfig(); the ABR, Fetch and Backoff sub-configs are set
// here (backoff from 200ms, capped at 3s, at most 3 retries) rather than
// taken from their packages' own defaults.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		LogLevel:           "info",
		LogFormat:          "text",
		LowLatencyMode:     false,
		WantedBufferAhead:  30,
		WantedBufferBehind: 30,
		StartAt:            StartAt{Kind: StartAtNone},
		ABR: abr.Config{
			MinAutoBitrate: 0,
			MaxAutoBitrate: 0,
			InitialBitrate: 500_000,
		},
		Clock:             clock.DefaultConfig(),
		Fetch:             fetch.Config{Backoff: backoff.Config{InitialDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second, Factor: 2, MaxRetries: 3}},
		Backoff:           backoff.Config{InitialDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second, Factor: 2, MaxRetries: 3},
		TransportKind:     transport.KindHTTP1,
		ConnectionTimeout: 5 * time.Second,
		RequestTimeout:    15 * time.Second,
		CDNCooldown:       30 * time.Second,
	}
}

// Load reads .env (a missing file is not an error), then layers OS
// environment variables over the documented defaults.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}

	cfg := Default()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("LOW_LATENCY_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LowLatencyMode = b
		cfg.Clock.LowLatency = b
	}
	if v := os.Getenv("WANTED_BUFFER_AHEAD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, err
		}
		cfg.WantedBufferAhead = f
	}
	if v := os.Getenv("MIN_AUTO_BITRATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		cfg.ABR.MinAutoBitrate = n
	}
	if v := os.Getenv("MAX_AUTO_BITRATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		cfg.ABR.MaxAutoBitrate = n
	}
	if v := os.Getenv("CONNECTION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, err
		}
		cfg.ConnectionTimeout = d
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, err
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("HTTP3"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, err
		}
		if b {
			cfg.TransportKind = transport.KindHTTP3
		}
	}

	return cfg, nil
}
