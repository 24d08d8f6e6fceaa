// Package config loads the signaling server configuration from environment
// variables with a small command-line flag overlay.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envPort           = "PORT"
	envListenAddr     = "LISTEN_ADDR"
	envMode           = "MODE"
	envLogLevel       = "LOG_LEVEL"
	envLogFormat      = "LOG_FORMAT"
	envAllowedOrigins = "ALLOWED_ORIGINS"
	envShutdown       = "SHUTDOWN_TIMEOUT"

	// WebSocket signaling hardening.
	envMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envPingInterval         = "WS_PING_INTERVAL"
	envPongTimeout          = "WS_PONG_TIMEOUT"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultListenAddr      = ":3000"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxMessageBytes      = 64 * 1024 // enough for any SDP blob
	DefaultMaxMessagesPerSecond = 50

	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second
)

type Config struct {
	ListenAddr string
	Mode       Mode

	LogLevel  slog.Level
	LogFormat LogFormat

	// AllowedOrigins is the browser Origin allowlist ("*" entries permitted).
	// Empty means same-host only.
	AllowedOrigins []string

	ShutdownTimeout time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	PingInterval time.Duration
	PongTimeout  time.Duration

	// ICEServers is handed to clients verbatim via GET /webrtc/ice. The
	// signaling core itself never dials STUN or TURN.
	ICEServers []webrtc.ICEServer
}

// Load builds the configuration from the process environment, then applies
// command-line flags on top.
func Load(args []string) (Config, error) {
	return LoadWithEnv(args, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment, for tests.
func LoadWithEnv(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:           DefaultListenAddr,
		Mode:                 ModeDev,
		ShutdownTimeout:      DefaultShutdownTimeout,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		PingInterval:         DefaultPingInterval,
		PongTimeout:          DefaultPongTimeout,
	}

	if v, ok := lookup(envListenAddr); ok && v != "" {
		cfg.ListenAddr = v
	} else if v, ok := lookup(envPort); ok && v != "" {
		// Render-style deployments only hand us a port number.
		cfg.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}

	mode, err := parseMode(envOr(lookup, envMode, string(ModeDev)))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	level, err := parseLogLevel(envOr(lookup, envLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	format, err := parseLogFormat(envOr(lookup, envLogFormat, string(defaultLogFormat(mode))))
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = format

	cfg.AllowedOrigins = splitCSV(envOr(lookup, envAllowedOrigins, "*"))

	if cfg.ShutdownTimeout, err = envDuration(lookup, envShutdown, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = envDuration(lookup, envPingInterval, DefaultPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.PongTimeout, err = envDuration(lookup, envPongTimeout, DefaultPongTimeout); err != nil {
		return Config{}, err
	}

	maxBytes, err := envInt(lookup, envMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	if cfg.MaxMessagesPerSecond, err = envInt(lookup, envMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return Config{}, err
	}

	if cfg.ICEServers, err = loadICEServers(lookup); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("whisperlang-signaling", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP listen address")
	modeFlag := fs.String("mode", string(cfg.Mode), "dev or prod")
	levelFlag := fs.String("log-level", "", "debug, info, warn or error")
	formatFlag := fs.String("log-format", "", "text or json")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Mode, err = parseMode(*modeFlag); err != nil {
		return Config{}, err
	}
	if *levelFlag != "" {
		if cfg.LogLevel, err = parseLogLevel(*levelFlag); err != nil {
			return Config{}, err
		}
	}
	if *formatFlag != "" {
		if cfg.LogFormat, err = parseLogFormat(*formatFlag); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envMaxMessageBytes)
	}
	if c.MaxMessagesPerSecond < 0 {
		return fmt.Errorf("%s must not be negative", envMaxMessagesPerSecond)
	}
	if c.PingInterval <= 0 || c.PongTimeout <= 0 {
		return fmt.Errorf("websocket keepalive intervals must be positive")
	}
	if c.PingInterval >= c.PongTimeout {
		return fmt.Errorf("%s (%v) must be shorter than %s (%v)",
			envPingInterval, c.PingInterval, envPongTimeout, c.PongTimeout)
	}
	return nil
}

// NewLogger builds the process logger per the configured level and format.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development", "":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid %s %q (want dev or prod)", envMode, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envLogLevel, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q (want text or json)", envLogFormat, raw)
	}
}

func defaultLogFormat(mode Mode) LogFormat {
	if mode == ModeProd {
		return LogFormatJSON
	}
	return LogFormatText
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDuration(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
