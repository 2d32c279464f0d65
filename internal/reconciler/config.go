package reconciler

import (
	"time"

	"flashpods/internal/config"
)

// Config holds reconciler sweep configuration.
type Config struct {
	Interval     time.Duration // sweep period (default: 5s)
	CleanDelay   time.Duration // grace after completion before cleanup (default: 1m)
	ArtifactsDir string        // root of per-job artifact directories
}

// LoadConfigFromEnv loads reconciler configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Interval:     config.GetDurationEnv("RECONCILE_INTERVAL", 5*time.Second),
		CleanDelay:   config.GetDurationEnv("RECONCILE_CLEAN_DELAY", time.Minute),
		ArtifactsDir: config.GetEnv("ARTIFACTS_DIR", "/var/lib/flashpods/artifacts"),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CleanDelay < 0 {
		c.CleanDelay = time.Minute
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = "/var/lib/flashpods/artifacts"
	}
	return c
}
