package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the gvbridge daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir          string
	APIPort          int
	SIPPort          int
	MediaPort        int
	UserAgent        string
	RingTimeout      time.Duration
	TelephonyBackend string // "provider" (CallKit-style) or "connection" (Telecom-style)
	LogLevel         string
	LogFormat        string // log output format: "text" or "json"
	JWTSecret        string // hex-encoded 32-byte secret for app JWT signing
	BackendURL       string // URL of the push registration backend
	BackendAPIKey    string // API key for the push registration backend
	WakeRate         float64
	WakeBurst        int
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultAPIPort     = 8080
	defaultSIPPort     = 5060
	defaultMediaPort   = 4000
	defaultUserAgent   = "gvbridge"
	defaultRingTimeout = 45 * time.Second
	defaultBackend     = "provider"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultWakeRate    = 0.1
	defaultWakeBurst   = 3
)

// envPrefix is the prefix for all gvbridge environment variables.
const envPrefix = "GVBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("gvbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the account and call-log database")
	fs.IntVar(&cfg.APIPort, "api-port", defaultAPIPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.IntVar(&cfg.MediaPort, "media-port", defaultMediaPort, "UDP port advertised in SDP for RTP media")
	fs.StringVar(&cfg.UserAgent, "user-agent", defaultUserAgent, "User-Agent header value for SIP requests")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "how long an unconfirmed incoming call may ring before forced teardown")
	fs.StringVar(&cfg.TelephonyBackend, "telephony-backend", defaultBackend, "native call UI backend (provider, connection)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for app JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.BackendURL, "backend-url", "", "URL of the push registration backend")
	fs.StringVar(&cfg.BackendAPIKey, "backend-api-key", "", "API key for the push registration backend")
	fs.Float64Var(&cfg.WakeRate, "wake-rate", defaultWakeRate, "sustained wake notifications allowed per second per source")
	fs.IntVar(&cfg.WakeBurst, "wake-burst", defaultWakeBurst, "wake notification burst size per source")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"api-port":          envPrefix + "API_PORT",
		"sip-port":          envPrefix + "SIP_PORT",
		"media-port":        envPrefix + "MEDIA_PORT",
		"user-agent":        envPrefix + "USER_AGENT",
		"ring-timeout":      envPrefix + "RING_TIMEOUT",
		"telephony-backend": envPrefix + "TELEPHONY_BACKEND",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
		"jwt-secret":        envPrefix + "JWT_SECRET",
		"backend-url":       envPrefix + "BACKEND_URL",
		"backend-api-key":   envPrefix + "BACKEND_API_KEY",
		"wake-rate":         envPrefix + "WAKE_RATE",
		"wake-burst":        envPrefix + "WAKE_BURST",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "api-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.APIPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "media-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MediaPort = v
			}
		case "user-agent":
			cfg.UserAgent = val
		case "ring-timeout":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.RingTimeout = d
			}
		case "telephony-backend":
			cfg.TelephonyBackend = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "backend-url":
			cfg.BackendURL = val
		case "backend-api-key":
			cfg.BackendAPIKey = val
		case "wake-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.WakeRate = v
			}
		case "wake-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WakeBurst = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api-port must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.MediaPort < 1024 || c.MediaPort > 65534 {
		return fmt.Errorf("media-port must be between 1024 and 65534, got %d", c.MediaPort)
	}
	// RTP uses even ports, RTCP uses the next odd port.
	if c.MediaPort%2 != 0 {
		return fmt.Errorf("media-port must be even, got %d", c.MediaPort)
	}
	if c.RingTimeout < time.Second {
		return fmt.Errorf("ring-timeout must be at least 1s, got %s", c.RingTimeout)
	}
	validBackends := map[string]bool{"provider": true, "connection": true}
	if !validBackends[strings.ToLower(c.TelephonyBackend)] {
		return fmt.Errorf("telephony-backend must be one of provider, connection; got %q", c.TelephonyBackend)
	}
	c.TelephonyBackend = strings.ToLower(c.TelephonyBackend)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.WakeRate <= 0 {
		return fmt.Errorf("wake-rate must be positive, got %g", c.WakeRate)
	}
	if c.WakeBurst < 1 {
		return fmt.Errorf("wake-burst must be at least 1, got %d", c.WakeBurst)
	}

	// Backend URL and API key must both be set or both be empty.
	if (c.BackendURL == "") != (c.BackendAPIKey == "") {
		return fmt.Errorf("backend-url and backend-api-key must both be provided or both be omitted")
	}

	return nil
}

// SIPListenAddr returns the UDP listen address for the SIP engine.
func (c *Config) SIPListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.SIPPort)
}

// SIPHost returns the hostname to use for the SIP User-Agent. It defaults
// to the machine hostname.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
