// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the flashpods API service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIToken          string        // Bearer token; empty disables auth
	DatabasePath      string        // SQLite file (":memory:" for tests)
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	token := GetSecretFile(GetEnv("FLASHPODS_API_TOKEN_FILE", ""))
	if token == "" {
		token = GetEnv("FLASHPODS_API_TOKEN", "")
	}
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIToken:          token,
		DatabasePath:      GetEnv("DATABASE_PATH", "flashpods.db"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

// ClusterConfig holds the fixed cluster-wide admission caps.
type ClusterConfig struct {
	MaxCPUs     int
	MaxMemoryGB int
}

// LoadClusterConfig loads cluster caps from environment variables.
func LoadClusterConfig() ClusterConfig {
	return ClusterConfig{
		MaxCPUs:     GetIntEnv("CLUSTER_MAX_CPUS", 16),
		MaxMemoryGB: GetIntEnv("CLUSTER_MAX_MEMORY_GB", 32),
	}
}

// UploadConfig holds upload staging configuration.
type UploadConfig struct {
	Dir               string        // Root directory of staged uploads
	MaxUploadBytes    int64         // Per-upload size ceiling
	MaxTotalDiskBytes int64         // Global disk quota over uploading+finalized
	UploadingTTL      time.Duration // Expiry window while uploading
	FinalizedTTL      time.Duration // Expiry window once finalized
}

// LoadUploadConfig loads upload configuration from environment variables.
func LoadUploadConfig() UploadConfig {
	return UploadConfig{
		Dir:               GetEnv("UPLOAD_DIR", "/tmp/flashpods/uploads"),
		MaxUploadBytes:    GetInt64Env("MAX_UPLOAD_BYTES", 2<<30),
		MaxTotalDiskBytes: GetInt64Env("MAX_TOTAL_DISK_BYTES", 10<<30),
		UploadingTTL:      GetDurationEnv("UPLOAD_UPLOADING_TTL", 30*time.Minute),
		FinalizedTTL:      GetDurationEnv("UPLOAD_FINALIZED_TTL", 60*time.Minute),
	}
}
