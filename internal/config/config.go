package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Audio   AudioConfig   `yaml:"audio"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port           int    `yaml:"port"`
	Address        string `yaml:"address"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	ReadTimeout    int    `yaml:"read_timeout"`  // seconds
	WriteTimeout   int    `yaml:"write_timeout"` // seconds, 0 disables
}

// StorageConfig contains the two single-entry slot directories
type StorageConfig struct {
	RecordingsDir  string `yaml:"recordings_dir"`
	AnswersDir     string `yaml:"answers_dir"`
	InputFilename  string `yaml:"input_filename"`
	AnswerFilename string `yaml:"answer_filename"`
}

// AudioConfig contains canonical waveform and conversion parameters
type AudioConfig struct {
	SampleRate         int    `yaml:"sample_rate"`
	Channels           int    `yaml:"channels"`
	FFmpegPath         string `yaml:"ffmpeg_path"`
	DefaultExtension   string `yaml:"default_extension"`
	ValidateWAVUploads bool   `yaml:"validate_wav_uploads"`
}

// EngineConfig contains inference engine configuration
type EngineConfig struct {
	Backend         string   `yaml:"backend"` // process, http or mock
	Checkpoint      string   `yaml:"checkpoint"`
	Device          string   `yaml:"device"` // auto, cpu, cuda:N
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args"`
	Endpoint        string   `yaml:"endpoint"`
	LoadTimeout     int      `yaml:"load_timeout"`     // seconds, 0 disables
	GenerateTimeout int      `yaml:"generate_timeout"` // seconds, 0 disables
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when a field is absent from the file
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           5000,
			Address:        "0.0.0.0",
			MaxUploadBytes: 50 << 20,
			ReadTimeout:    30,
		},
		Storage: StorageConfig{
			RecordingsDir:  "recordings",
			AnswersDir:     "answers",
			InputFilename:  "UserInput.wav",
			AnswerFilename: "Answer.wav",
		},
		Audio: AudioConfig{
			SampleRate:         24000,
			Channels:           1,
			FFmpegPath:         "ffmpeg",
			DefaultExtension:   "webm",
			ValidateWAVUploads: true,
		},
		Engine: EngineConfig{
			Backend:    "process",
			Checkpoint: "checkpoint",
			Device:     "auto",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Values from the environment
// (and from the optional .env files) override the file.
func Load(path string, envFiles ...string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// loadEnvFiles loads the files that exist; variables already set win
func loadEnvFiles(paths []string) error {
	var existing []string
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from OMNI_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("OMNI_HTTP_ADDRESS", &c.HTTP.Address)
	if err := num("OMNI_HTTP_PORT", &c.HTTP.Port); err != nil {
		return err
	}
	str("OMNI_RECORDINGS_DIR", &c.Storage.RecordingsDir)
	str("OMNI_ANSWERS_DIR", &c.Storage.AnswersDir)
	str("OMNI_FFMPEG", &c.Audio.FFmpegPath)
	str("OMNI_ENGINE_BACKEND", &c.Engine.Backend)
	str("OMNI_CHECKPOINT", &c.Engine.Checkpoint)
	str("OMNI_DEVICE", &c.Engine.Device)
	str("OMNI_ENGINE_COMMAND", &c.Engine.Command)
	str("OMNI_ENGINE_ENDPOINT", &c.Engine.Endpoint)
	if v, ok := lookup("OMNI_ENGINE_ARGS"); ok && v != "" {
		c.Engine.Args = strings.Fields(v)
	}
	str("OMNI_LOG_LEVEL", &c.Logging.Level)
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if h.MaxUploadBytes < 1024 {
		return fmt.Errorf("max_upload_bytes must be at least 1024, got %d", h.MaxUploadBytes)
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// Validate validates slot storage configuration
func (s *StorageConfig) Validate() error {
	if s.RecordingsDir == "" || s.AnswersDir == "" {
		return fmt.Errorf("recordings_dir and answers_dir cannot be empty")
	}

	if s.RecordingsDir == s.AnswersDir {
		return fmt.Errorf("recordings_dir and answers_dir must differ, both are %q", s.RecordingsDir)
	}

	for _, name := range []string{s.InputFilename, s.AnswerFilename} {
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("invalid canonical filename %q", name)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	if a.DefaultExtension == "" || strings.ContainsAny(a.DefaultExtension, `./\`) {
		return fmt.Errorf("default_extension must be a bare extension, got %q", a.DefaultExtension)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	switch e.Backend {
	case "process":
		if e.Command == "" {
			return fmt.Errorf("command cannot be empty for the process backend")
		}
	case "http":
		if e.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
	case "mock":
	default:
		return fmt.Errorf("backend must be one of [process, http, mock], got '%s'", e.Backend)
	}

	if e.Device == "" {
		return fmt.Errorf("device cannot be empty (use 'auto')")
	}

	if e.LoadTimeout < 0 || e.GenerateTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetReadTimeout returns the read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetLoadTimeout returns the model load timeout as a time.Duration
func (e *EngineConfig) GetLoadTimeout() time.Duration {
	return time.Duration(e.LoadTimeout) * time.Second
}

// GetGenerateTimeout returns the generation timeout as a time.Duration
func (e *EngineConfig) GetGenerateTimeout() time.Duration {
	return time.Duration(e.GenerateTimeout) * time.Second
}
