package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     5 * time.Minute,
			WriteTimeout:    30 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  512 << 20,
			RateLimitBurst:  10,
		},
		Pipeline: PipelineConfig{
			DecodeErrors:      "lenient",
			MaxConcurrentRuns: 2,
		},
		Media: MediaConfig{
			Backend: "ffmpeg",
		},
		Tracker: TrackerConfig{
			ModelPath:   "models/yolo11n.pt",
			Command:     []string{"python3", "models/track_worker.py"},
			LoadTimeout: 60 * time.Second,
		},
		Scratch: ScratchConfig{
			OutputDir:      "outputs",
			JanitorWorkers: 1,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "goverlay",
			SampleRate:  1,
		},
	}
}
