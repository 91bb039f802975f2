package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

// EnvPrefix namespaces every environment override.
const EnvPrefix = "RELAYCAL_"

// ApplyEnv overlays RELAYCAL_* variables on c. Invalid values are logged and
// ignored. RELAYCAL_TAG_CALENDARS takes "tag=calendar,tag=calendar".
func (c *Config) ApplyEnv(logger Logger) {
	e := envReader{logger: logger}
	dataDir := e.str("DATA_DIR", "")
	if dataDir != "" && dataDir != c.DataDir {
		c.DataDir = dataDir
		// Paths still derived from the old data dir follow the new one.
		c.StateDSN = e.str("STATE_DSN", "")
		c.WatermarkPath = e.str("WATERMARK_PATH", "")
	}
	c.Listen = e.str("LISTEN", c.Listen)
	c.StateDSN = e.str("STATE_DSN", c.StateDSN)
	c.WatermarkPath = e.str("WATERMARK_PATH", c.WatermarkPath)
	c.DefaultCalendar = e.str("DEFAULT_CALENDAR", c.DefaultCalendar)
	if raw := e.str("TAG_CALENDARS", ""); raw != "" {
		c.TagCalendars = parseTagCalendars(raw)
	}
	c.TaxonomyFile = e.str("TAXONOMY_FILE", c.TaxonomyFile)
	c.TickInterval = e.duration("TICK_INTERVAL", c.TickInterval)
	c.TickJitter = e.float("TICK_JITTER", c.TickJitter)
	c.MaxConcurrency = e.int("MAX_CONCURRENCY", c.MaxConcurrency)
	c.CallTimeout = e.duration("CALL_TIMEOUT", c.CallTimeout)
	c.Backoff.Base = e.duration("BACKOFF_BASE", c.Backoff.Base)
	c.Backoff.Multiplier = e.float("BACKOFF_MULTIPLIER", c.Backoff.Multiplier)
	c.Backoff.Cap = e.duration("BACKOFF_CAP", c.Backoff.Cap)
	c.Backoff.MaxAttempts = e.int("BACKOFF_MAX_ATTEMPTS", c.Backoff.MaxAttempts)
	c.DriftCron = e.str("DRIFT_CRON", c.DriftCron)
	c.Remote.Provider = e.str("REMOTE_PROVIDER", c.Remote.Provider)
	c.Remote.BaseURL = e.str("REMOTE_BASE_URL", c.Remote.BaseURL)
	c.Remote.Token = e.str("REMOTE_TOKEN", c.Remote.Token)
	c.Remote.Timeout = e.duration("REMOTE_TIMEOUT", c.Remote.Timeout)
	c.JWTSecret = e.str("JWT_SECRET", c.JWTSecret)
	c.LogFile = e.str("LOG_FILE", c.LogFile)
	c.PollInterval = e.duration("POLL_INTERVAL", c.PollInterval)
	c.Normalize()
}

func parseTagCalendars(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		tag, calendar, ok := strings.Cut(pair, "=")
		tag = strings.TrimSpace(tag)
		calendar = strings.TrimSpace(calendar)
		if !ok || tag == "" || calendar == "" {
			continue
		}
		out[tag] = calendar
	}
	return out
}

type envReader struct {
	logger Logger
}

func (e envReader) str(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) int(name string, fallback int) int {
	raw := e.str(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logf("invalid %s%s=%q, using fallback %d", EnvPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := e.str(name, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logf("invalid %s%s=%q, using fallback %s", EnvPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) float(name string, fallback float64) float64 {
	raw := e.str(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logf("invalid %s%s=%q, using fallback %v", EnvPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
