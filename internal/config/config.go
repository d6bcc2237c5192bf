package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration, populated from environment
// variables with sensible defaults for local development.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Inference InferenceConfig
	Analysis  AnalysisConfig
}

type ServerConfig struct {
	Addr string
}

type StorageConfig struct {
	UploadDir  string
	StatePath  string
	JobsDBPath string
}

type InferenceConfig struct {
	ObjectServiceURL string
	ActionServiceURL string
	FFmpegPath       string
	FFprobePath      string
}

type AnalysisConfig struct {
	SegmentInterval int
	UnitConcurrency int
	PollInterval    time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Storage: StorageConfig{
			UploadDir:  "data/uploads",
			StatePath:  "data/state.json",
			JobsDBPath: "data/jobs.db",
		},
		Inference: InferenceConfig{
			ObjectServiceURL: "http://localhost:8001",
			ActionServiceURL: "http://localhost:8002",
			FFmpegPath:       "ffmpeg",
			FFprobePath:      "ffprobe",
		},
		Analysis: AnalysisConfig{
			SegmentInterval: 4,
			UnitConcurrency: 4,
			PollInterval:    time.Second,
		},
	}
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func FromEnv() Config {
	cfg := defaults()

	setString(&cfg.Server.Addr, "HTTP_ADDR")
	setString(&cfg.Storage.UploadDir, "UPLOAD_DIR")
	setString(&cfg.Storage.StatePath, "STATE_PATH")
	setString(&cfg.Storage.JobsDBPath, "JOBS_DB_PATH")
	setString(&cfg.Inference.ObjectServiceURL, "OBJECT_SERVICE_URL")
	setString(&cfg.Inference.ActionServiceURL, "ACTION_SERVICE_URL")
	setString(&cfg.Inference.FFmpegPath, "FFMPEG_PATH")
	setString(&cfg.Inference.FFprobePath, "FFPROBE_PATH")
	setInt(&cfg.Analysis.SegmentInterval, "SEGMENT_INTERVAL")
	setInt(&cfg.Analysis.UnitConcurrency, "UNIT_CONCURRENCY")
	setDuration(&cfg.Analysis.PollInterval, "POLL_INTERVAL")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
