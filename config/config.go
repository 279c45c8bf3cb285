// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// EncoderBackend selects the frame encoder implementation.
type EncoderBackend string

const (
	EncoderStdlib EncoderBackend = "stdlib"
	EncoderVips   EncoderBackend = "vips"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// HTTP surface.
	Host      string
	Port      int
	StaticDir string

	// Worker pool controls.
	NumWorkers     int
	ModelPath      string
	StartupStagger time.Duration // delay between worker startups, scaled by worker id

	// Batching.
	BatchingEnabled bool
	BatchTimeout    time.Duration
	MaxBatchSize    int

	// VRAM admission: a batch may never reach this many total pixels.
	MaxTotalPixels int

	// Streaming.
	ChunkThreshold int // max base64 payload per SSE frame; default 400 KiB
	MailboxSize    int // per-request result buffer; default 64

	// Frame encoding.
	Encoder     EncoderBackend
	JPEGQuality int // intermediate-frame quality; default 90

	// External prompt rewriter.
	PromptAPIBase string
	PromptAPIKey  string
	PromptModel   string

	// Logging.
	LogLevel string // "debug", "info", "warn", "error"
	LogFile  string
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8000,
		StaticDir:       "static",
		NumWorkers:      1,
		ModelPath:       "/gm-models/CogView4-6B",
		StartupStagger:  3 * time.Second,
		BatchingEnabled: true,
		BatchTimeout:    500 * time.Millisecond,
		MaxBatchSize:    8,
		MaxTotalPixels:  4 * 1024 * 1024,
		ChunkThreshold:  400 * 1024,
		MailboxSize:     64,
		Encoder:         EncoderStdlib,
		JPEGQuality:     90,
		PromptAPIBase:   "https://models.dev.ai-links.com/v1",
		PromptModel:     "glm-4-9b-chat",
		LogLevel:        "info",
		LogFile:         "imagegen_api.log",
	}
}

// FromEnv builds a Config from environment variables, falling back to
// Default() for anything unset.
func FromEnv() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("HOST", def.Host)
	v.SetDefault("PORT", def.Port)
	v.SetDefault("STATIC_DIR", def.StaticDir)
	v.SetDefault("NUM_WORKER_PROCESSES", def.NumWorkers)
	v.SetDefault("MODEL_PATH", def.ModelPath)
	v.SetDefault("WORKER_STARTUP_STAGGER", def.StartupStagger)
	v.SetDefault("ENABLE_PROMPT_BATCHING", def.BatchingEnabled)
	v.SetDefault("BATCH_TIMEOUT", "0.5")
	v.SetDefault("MAX_BATCH_SIZE", def.MaxBatchSize)
	v.SetDefault("MAX_TOTAL_PIXELS", def.MaxTotalPixels)
	v.SetDefault("CHUNK_THRESHOLD", def.ChunkThreshold)
	v.SetDefault("MAILBOX_SIZE", def.MailboxSize)
	v.SetDefault("ENCODER_BACKEND", string(def.Encoder))
	v.SetDefault("JPEG_QUALITY", def.JPEGQuality)
	v.SetDefault("PROMPT_API_BASE", def.PromptAPIBase)
	v.SetDefault("PROMPT_API_KEY", "")
	v.SetDefault("PROMPT_MODEL", def.PromptModel)
	v.SetDefault("LOG_LEVEL", def.LogLevel)
	v.SetDefault("LOG_FILE", def.LogFile)

	cfg := Config{
		Host:            v.GetString("HOST"),
		Port:            v.GetInt("PORT"),
		StaticDir:       v.GetString("STATIC_DIR"),
		NumWorkers:      v.GetInt("NUM_WORKER_PROCESSES"),
		ModelPath:       v.GetString("MODEL_PATH"),
		StartupStagger:  v.GetDuration("WORKER_STARTUP_STAGGER"),
		BatchingEnabled: v.GetBool("ENABLE_PROMPT_BATCHING"),
		BatchTimeout:    secondsDuration(v.GetFloat64("BATCH_TIMEOUT")),
		MaxBatchSize:    v.GetInt("MAX_BATCH_SIZE"),
		MaxTotalPixels:  v.GetInt("MAX_TOTAL_PIXELS"),
		ChunkThreshold:  v.GetInt("CHUNK_THRESHOLD"),
		MailboxSize:     v.GetInt("MAILBOX_SIZE"),
		Encoder:         EncoderBackend(v.GetString("ENCODER_BACKEND")),
		JPEGQuality:     v.GetInt("JPEG_QUALITY"),
		PromptAPIBase:   v.GetString("PROMPT_API_BASE"),
		PromptAPIKey:    v.GetString("PROMPT_API_KEY"),
		PromptModel:     v.GetString("PROMPT_MODEL"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFile:         v.GetString("LOG_FILE"),
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// secondsDuration converts a fractional seconds value (the BATCH_TIMEOUT wire
// format) into a time.Duration.
func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: Port must be in (0, 65535]")
	}
	if c.NumWorkers <= 0 {
		return errors.New("config: NumWorkers must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New("config: MaxBatchSize must be positive")
	}
	if c.BatchTimeout <= 0 {
		return errors.New("config: BatchTimeout must be positive")
	}
	if c.MaxTotalPixels <= 0 {
		return errors.New("config: MaxTotalPixels must be positive")
	}
	if c.ChunkThreshold <= 0 {
		return errors.New("config: ChunkThreshold must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return errors.New("config: JPEGQuality must be between 1 and 100")
	}
	switch c.Encoder {
	case EncoderStdlib, EncoderVips:
	default:
		return errors.New("config: Encoder must be \"stdlib\" or \"vips\"")
	}
	return nil
}
