// Package config loads goverlay configuration.
//
// Precedence is defaults, then the YAML file, then the environment. PORT is
// honoured for the listen port; every other field is read from
// GOVERLAY_<SECTION>_<FIELD>, e.g. GOVERLAY_PIPELINE_MAX_CONCURRENT_RUNS.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/eleven-am/goverlay/internal/media"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Pipeline  PipelineConfig  `yaml:"pipeline" env:"PIPELINE"`
	Media     MediaConfig     `yaml:"media" env:"MEDIA"`
	Tracker   TrackerConfig   `yaml:"tracker" env:"TRACKER"`
	Scratch   ScratchConfig   `yaml:"scratch" env:"SCRATCH"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// RateLimitRPS of 0 disables the limiter.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PipelineConfig struct {
	// DecodeErrors is "lenient" (a decode error ends the stream) or "strict".
	DecodeErrors      string `yaml:"decode_errors" env:"DECODE_ERRORS"`
	MaxFrames         int    `yaml:"max_frames" env:"MAX_FRAMES"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`
}

type MediaConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	HWAccel bool   `yaml:"hwaccel" env:"HWACCEL"`
}

type TrackerConfig struct {
	ModelPath   string        `yaml:"model_path" env:"MODEL_PATH"`
	Command     []string      `yaml:"command" env:"COMMAND"`
	LoadTimeout time.Duration `yaml:"load_timeout" env:"LOAD_TIMEOUT"`
	Quiet       bool          `yaml:"quiet" env:"QUIET"`
}

type ScratchConfig struct {
	// Root is the parent of per-request scratch directories; empty means the
	// OS temp dir.
	Root           string        `yaml:"root" env:"ROOT"`
	OutputDir      string        `yaml:"output_dir" env:"OUTPUT_DIR"`
	ReleaseDelay   time.Duration `yaml:"release_delay" env:"RELEASE_DELAY"`
	JanitorWorkers int           `yaml:"janitor_workers" env:"JANITOR_WORKERS"`
}

type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

var (
	decodePolicies = []string{"lenient", "strict"}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"json", "console"}
)

func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, "max_upload_bytes must be positive")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		errs = append(errs, "rate_limit_burst must be positive when rate limiting")
	}

	if !slices.Contains(decodePolicies, c.Pipeline.DecodeErrors) {
		errs = append(errs, fmt.Sprintf("decode_errors must be one of %v", decodePolicies))
	}
	if c.Pipeline.MaxFrames < 0 {
		errs = append(errs, "max_frames must not be negative")
	}
	if c.Pipeline.MaxConcurrentRuns <= 0 {
		errs = append(errs, "max_concurrent_runs must be positive")
	}

	if backends := media.Backends(); !slices.Contains(backends, c.Media.Backend) {
		errs = append(errs, fmt.Sprintf("media backend must be one of %v", backends))
	}

	if c.Tracker.ModelPath == "" {
		errs = append(errs, "tracker model_path is required")
	}
	if len(c.Tracker.Command) == 0 || c.Tracker.Command[0] == "" {
		errs = append(errs, "tracker command is required")
	}
	if c.Tracker.LoadTimeout <= 0 {
		errs = append(errs, "tracker load_timeout must be positive")
	}

	if c.Scratch.OutputDir == "" {
		errs = append(errs, "scratch output_dir is required")
	}
	if c.Scratch.ReleaseDelay < 0 {
		errs = append(errs, "scratch release_delay must not be negative")
	}
	if c.Scratch.JanitorWorkers <= 0 {
		errs = append(errs, "scratch janitor_workers must be positive")
	}

	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log level must be one of %v", logLevels))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Sprintf("log format must be one of %v", logFormats))
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry otlp_endpoint is required when enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
