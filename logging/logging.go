// Package logging builds the zerolog loggers handed to every component.
//
// Nothing here touches zerolog's global logger: a connection serving stdio
// writes protocol frames to stdout, so loggers are constructed explicitly,
// write to stderr by default, and are passed down through options.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "DUPLEXRPC_LOG_LEVEL"
	EnvLogTimestamp = "DUPLEXRPC_LOG_TIMESTAMP"
	EnvLogNoColor   = "DUPLEXRPC_LOG_NOCOLOR"
	EnvLogConsole   = "DUPLEXRPC_LOG_CONSOLE"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type Config struct {
	Level     zerolog.Level
	Console   bool // human-readable output instead of JSON lines
	NoColor   bool
	Timestamp bool
	Output    io.Writer // defaults to os.Stderr
}

func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Console: true, NoColor: true}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

// ApplyEnv overrides cfg from the DUPLEXRPC_LOG_* environment variables.
// Unset or unparseable values leave the field alone.
func ApplyEnv(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogConsole)); ok {
		cfg.Console = v
	}
}

// New builds a logger tagged with app.
func New(app string, cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	return ctx.Logger()
}

// FromEnv is New with the profile defaults and environment overrides applied.
func FromEnv(app string, profile Profile) zerolog.Logger {
	cfg := DefaultConfig(profile)
	ApplyEnv(&cfg)
	return New(app, cfg)
}

// Test returns a logger that writes through t.Log, so output only shows for
// failing or verbose tests.
func Test(t zerolog.TestingLog) zerolog.Logger {
	cfg := DefaultConfig(ProfileTest)
	ApplyEnv(&cfg)
	return zerolog.New(zerolog.NewTestWriter(t)).Level(cfg.Level)
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
