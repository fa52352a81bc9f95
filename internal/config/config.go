// Package config provides application configuration management: environment
// variables read once at startup, plus an optional persisted JSON store that
// hot-reloads on file change.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxBrowsers  = 50
	maxTimeout      = 30 * time.Minute
	maxRateLimitRPM = 10000
	minAPIKeyLength = 16
)

// Config holds all application configuration, loaded from environment
// variables at startup (spec.md §6).
type Config struct {
	// Server settings
	Host       string
	Port       int
	CORSOrigin string

	// Browser pool settings
	DefaultURL      string
	MaxBrowsers     int
	BrowserTimeout  time.Duration // idle reap threshold
	BrowserPath     string
	Headless        bool

	// Screenshot / streaming defaults
	ScreenshotQuality int
	ScreenshotType    string
	DefaultFPS        int
	MinFPS            int
	MaxFPS            int
	MinQuality        int
	MaxQuality        int
	KeyframeInterval  int

	// Session settings
	SessionTimeout time.Duration

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	RateLimitEnabled bool
	RateLimitRPM     int
	TrustProxy       bool

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string

	// ConfigFilePath, if set, points at the persisted JSON config store
	// (server/browser/streaming/security/features/storage keys) that is
	// loaded at boot and hot-reloaded on write.
	ConfigFilePath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Host:       getEnvString("HOST", "0.0.0.0"),
		Port:       getEnvInt("PORT", 8002),
		CORSOrigin: getEnvString("CORS_ORIGIN", "*"),

		DefaultURL:     getEnvString("DEFAULT_URL", "https://www.google.com"),
		MaxBrowsers:    getEnvInt("MAX_BROWSERS", 5),
		BrowserTimeout: getEnvDurationMillis("BROWSER_TIMEOUT", 900000),
		BrowserPath:    getEnvString("BROWSER_PATH", ""),
		Headless:       getEnvBool("HEADLESS", true),

		ScreenshotQuality: getEnvInt("SCREENSHOT_QUALITY", 80),
		ScreenshotType:    getEnvString("SCREENSHOT_TYPE", "jpeg"),
		DefaultFPS:        getEnvInt("DEFAULT_FPS", 30),
		MinFPS:            getEnvInt("MIN_FPS", 5),
		MaxFPS:            getEnvInt("MAX_FPS", 60),
		MinQuality:        getEnvInt("MIN_QUALITY", 20),
		MaxQuality:        getEnvInt("MAX_QUALITY", 95),
		KeyframeInterval:  getEnvInt("KEYFRAME_INTERVAL", 10),

		SessionTimeout: getEnvDurationMillis("SESSION_TIMEOUT", 7200000),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		ConfigFilePath: getEnvString("CONFIG_FILE_PATH", ""),
	}
}

// Validate checks configuration values and clamps invalid ones to sensible
// defaults, logging a warning for each correction. It never panics.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8002")
		c.Port = 8002
	}

	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().Str("path", c.BrowserPath).Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().Str("path", c.BrowserPath).Msg("BrowserPath should be an absolute path")
		}
	}

	if c.MaxBrowsers < 1 {
		log.Warn().Int("max", c.MaxBrowsers).Msg("Invalid MAX_BROWSERS, using default 5")
		c.MaxBrowsers = 5
	} else if c.MaxBrowsers > maxMaxBrowsers {
		log.Warn().Int("max", c.MaxBrowsers).Int("cap", maxMaxBrowsers).Msg("MAX_BROWSERS too large, capping")
		c.MaxBrowsers = maxMaxBrowsers
	}

	if c.BrowserTimeout < time.Second {
		log.Warn().Dur("timeout", c.BrowserTimeout).Msg("BROWSER_TIMEOUT too short, using 15m")
		c.BrowserTimeout = 15 * time.Minute
	} else if c.BrowserTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.BrowserTimeout).Dur("max", maxTimeout).Msg("BROWSER_TIMEOUT too long, capping")
		c.BrowserTimeout = maxTimeout
	}

	if c.SessionTimeout < time.Minute {
		log.Warn().Dur("timeout", c.SessionTimeout).Msg("SESSION_TIMEOUT too short, using 2h")
		c.SessionTimeout = 2 * time.Hour
	} else if c.SessionTimeout > 48*time.Hour {
		log.Warn().Dur("timeout", c.SessionTimeout).Msg("SESSION_TIMEOUT too long, capping at 48h")
		c.SessionTimeout = 48 * time.Hour
	}

	if c.ScreenshotQuality < 1 || c.ScreenshotQuality > 100 {
		log.Warn().Int("quality", c.ScreenshotQuality).Msg("Invalid SCREENSHOT_QUALITY, using default 80")
		c.ScreenshotQuality = 80
	}

	st := strings.ToLower(c.ScreenshotType)
	if st != "jpeg" && st != "png" {
		log.Warn().Str("type", c.ScreenshotType).Msg("Invalid SCREENSHOT_TYPE, using default jpeg")
		st = "jpeg"
	}
	c.ScreenshotType = st

	// fps/quality bound validation and cross-validation, clamping rather
	// than failing per spec.md §7's Validation-kind guidance.
	if c.MinFPS < 1 {
		log.Warn().Int("min_fps", c.MinFPS).Msg("Invalid MIN_FPS, using 5")
		c.MinFPS = 5
	}
	if c.MaxFPS < c.MinFPS {
		log.Warn().Int("max_fps", c.MaxFPS).Int("min_fps", c.MinFPS).Msg("MAX_FPS below MIN_FPS, using MIN_FPS+1")
		c.MaxFPS = c.MinFPS + 1
	}
	if c.DefaultFPS < c.MinFPS || c.DefaultFPS > c.MaxFPS {
		log.Warn().
			Int("default_fps", c.DefaultFPS).
			Int("min_fps", c.MinFPS).
			Int("max_fps", c.MaxFPS).
			Msg("DEFAULT_FPS out of [MinFPS,MaxFPS], clamping")
		c.DefaultFPS = clampInt(c.DefaultFPS, c.MinFPS, c.MaxFPS)
	}

	if c.MinQuality < 1 {
		c.MinQuality = 20
	}
	if c.MaxQuality < c.MinQuality || c.MaxQuality > 100 {
		c.MaxQuality = 95
	}
	if c.ScreenshotQuality < c.MinQuality || c.ScreenshotQuality > c.MaxQuality {
		c.ScreenshotQuality = clampInt(c.ScreenshotQuality, c.MinQuality, c.MaxQuality)
	}

	if c.KeyframeInterval < 1 {
		log.Warn().Int("interval", c.KeyframeInterval).Msg("Invalid KEYFRAME_INTERVAL, using default 10")
		c.KeyframeInterval = 10
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid RATE_LIMIT_RPM, using 120")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Int("max", maxRateLimitRPM).Msg("RATE_LIMIT_RPM too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid LOG_LEVEL, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().Str("addr", c.PProfBindAddr).Msg("pprof exposed on non-localhost address - this is a security risk")
	}

	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
	if c.CORSOrigin == "*" {
		log.Warn().Msg("CORS_ORIGIN=* - allowing cross-origin requests from any origin")
	}

	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication")
		}
	}

	if c.ConfigFilePath != "" && strings.Contains(c.ConfigFilePath, "..") {
		log.Error().Str("path", c.ConfigFilePath).Msg("CONFIG_FILE_PATH contains path traversal sequence (..), ignoring")
		c.ConfigFilePath = ""
	}
}

// ToStored projects the env-loaded Config into the persisted JSON shape, used
// to seed the Store with the running defaults when no config file exists yet.
func (c *Config) ToStored() StoredConfig {
	return StoredConfig{
		Server: StoredServer{
			Host:       c.Host,
			Port:       c.Port,
			CORSOrigin: c.CORSOrigin,
		},
		Browser: StoredBrowser{
			DefaultURL:       c.DefaultURL,
			MaxBrowsers:      c.MaxBrowsers,
			BrowserTimeoutMs: c.BrowserTimeout.Milliseconds(),
		},
		Streaming: StoredStreaming{
			ScreenshotQuality: c.ScreenshotQuality,
			ScreenshotType:    c.ScreenshotType,
			DefaultFPS:        c.DefaultFPS,
			MinFPS:            c.MinFPS,
			MaxFPS:            c.MaxFPS,
			KeyframeInterval:  c.KeyframeInterval,
		},
		Security: StoredSecurity{
			RateLimitEnabled: c.RateLimitEnabled,
			RateLimitRPM:     c.RateLimitRPM,
			APIKeyEnabled:    c.APIKeyEnabled,
		},
		Features: StoredFeatures{
			AdaptiveQuality: true,
		},
		Storage: StoredStorage{
			SessionTimeoutMs: c.SessionTimeout.Milliseconds(),
		},
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Helper functions for environment variable parsing.

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

// getEnvDurationMillis reads an integer-millisecond env var (the unit the
// spec's table uses for BROWSER_TIMEOUT/SESSION_TIMEOUT) into a Duration.
func getEnvDurationMillis(key string, defaultMillis int64) time.Duration {
	if value := os.Getenv(key); value != "" {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int64("default_ms", defaultMillis).
			Msg("Invalid millisecond duration in environment variable, using default")
	}
	return time.Duration(defaultMillis) * time.Millisecond
}
