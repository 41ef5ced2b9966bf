package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	Download DownloadConfig `yaml:"download"`
	Mux      MuxConfig      `yaml:"mux"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" envconfig:"SERVER_HOST"`
	Port         int           `yaml:"port" envconfig:"SERVER_PORT"`
	APIKey       string        `yaml:"api_key" envconfig:"API_KEY"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT"`
}

// StorageConfig holds filesystem storage configuration.
type StorageConfig struct {
	// OutputPath is the root under which server jobs write their output.
	OutputPath string `yaml:"output_path" envconfig:"STORAGE_OUTPUT_PATH"`
	// TempPath holds the per-track files; empty means next to the output.
	TempPath string `yaml:"temp_path" envconfig:"STORAGE_TEMP_PATH"`
	// HistoryPath is the SQLite file for the download history; empty keeps it in memory.
	HistoryPath string `yaml:"history_path" envconfig:"STORAGE_HISTORY_PATH"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	Count        int           `yaml:"count" envconfig:"WORKER_COUNT"`
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"WORKER_POLL_INTERVAL"`
	MaxRetries   int           `yaml:"max_retries" envconfig:"WORKER_MAX_RETRIES"`
}

// DownloadConfig holds manifest and segment transfer configuration.
type DownloadConfig struct {
	ManifestTimeout   time.Duration     `yaml:"manifest_timeout" envconfig:"DOWNLOAD_MANIFEST_TIMEOUT"`
	SegmentTimeout    time.Duration     `yaml:"segment_timeout" envconfig:"DOWNLOAD_SEGMENT_TIMEOUT"`
	HeaderTimeout     time.Duration     `yaml:"header_timeout" envconfig:"DOWNLOAD_HEADER_TIMEOUT"`
	MaxRetries        int               `yaml:"max_retries" envconfig:"DOWNLOAD_MAX_RETRIES"`
	RetryDelay        time.Duration     `yaml:"retry_delay" envconfig:"DOWNLOAD_RETRY_DELAY"`
	MaxRetryDelay     time.Duration     `yaml:"max_retry_delay" envconfig:"DOWNLOAD_MAX_RETRY_DELAY"`
	RequestsPerSecond float64           `yaml:"requests_per_second" envconfig:"DOWNLOAD_REQUESTS_PER_SECOND"`
	UserAgent         string            `yaml:"user_agent" envconfig:"DOWNLOAD_USER_AGENT"`
	Referer           string            `yaml:"referer" envconfig:"DOWNLOAD_REFERER"`
	Headers           map[string]string `yaml:"headers" envconfig:"DOWNLOAD_HEADERS"`
	AllowFileURLs     bool              `yaml:"allow_file_urls" envconfig:"DOWNLOAD_ALLOW_FILE_URLS"`
}

// MuxConfig holds the external muxer configuration.
type MuxConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path" envconfig:"FFMPEG_PATH"`
	FFprobePath string `yaml:"ffprobe_path" envconfig:"FFPROBE_PATH"`
	Probe       bool   `yaml:"probe" envconfig:"MUX_PROBE"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         9848,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			OutputPath: "/data/downloads",
		},
		Worker: WorkerConfig{
			Count:        1,
			PollInterval: 2 * time.Second,
			MaxRetries:   3,
		},
		Download: DownloadConfig{
			ManifestTimeout: 10 * time.Second,
			SegmentTimeout:  2 * time.Minute,
			HeaderTimeout:   15 * time.Second,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			MaxRetryDelay:   10 * time.Second,
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		},
		Mux: MuxConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Probe:       true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from file and environment variables.
// Precedence is defaults, then the YAML file, then environment variables.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks values shared by the CLI and the server.
func (c *Config) Validate() error {
	if c.Download.SegmentTimeout < 0 || c.Download.ManifestTimeout < 0 {
		return fmt.Errorf("download timeouts must not be negative")
	}
	if c.Download.RequestsPerSecond < 0 {
		return fmt.Errorf("DOWNLOAD_REQUESTS_PER_SECOND must not be negative")
	}
	if c.Mux.FFmpegPath == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// ValidateServer checks the values only the job server needs.
func (c *Config) ValidateServer() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.Storage.OutputPath == "" {
		return fmt.Errorf("STORAGE_OUTPUT_PATH is required")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
