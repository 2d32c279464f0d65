package docker

import (
	"flashpods/internal/config"
)

// RuntimeConfig holds host paths the container runtime mounts into jobs.
type RuntimeConfig struct {
	UploadDir    string // staging root; <dir>/<uploadId> is bind-mounted at /work
	ArtifactsDir string // artifact root; <dir>/<jobId> is bind-mounted at /artifacts
}

// LoadConfigFromEnv loads runtime configuration from environment variables.
func LoadConfigFromEnv() RuntimeConfig {
	return RuntimeConfig{
		UploadDir:    config.GetEnv("UPLOAD_DIR", "/tmp/flashpods/uploads"),
		ArtifactsDir: config.GetEnv("ARTIFACTS_DIR", "/var/lib/flashpods/artifacts"),
	}
}
