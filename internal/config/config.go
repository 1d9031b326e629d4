package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Voice   VoiceConfig   `yaml:"voice"`
	Decoder DecoderConfig `yaml:"decoder"`
	Webhook WebhookConfig `yaml:"webhook"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP packet source configuration
type ServerConfig struct {
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"`
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"` // frames per worker
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// VoiceConfig contains utterance reconstruction parameters
type VoiceConfig struct {
	TimeoutSeconds   float64 `yaml:"timeout_seconds"`
	SweepIntervalMs  int     `yaml:"sweep_interval_ms"`
	MinParticipantID int     `yaml:"min_participant_id"`
	MaxParticipantID int     `yaml:"max_participant_id"`
	SampleRate       int     `yaml:"sample_rate"`
	BitsPerSample    int     `yaml:"bits_per_sample"`
	Channels         int     `yaml:"channels"`
}

// DecoderConfig contains voice decoder parameters
type DecoderConfig struct {
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// WebhookConfig contains utterance upload configuration
type WebhookConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	QueueSize     int    `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			Workers:     4,
			QueueSize:   1024,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Voice: VoiceConfig{
			TimeoutSeconds:   1.0,
			SweepIntervalMs:  100,
			MinParticipantID: 1,
			MaxParticipantID: 128,
			SampleRate:       48000,
			BitsPerSample:    16,
			Channels:         1,
		},
		Decoder: DecoderConfig{
			MaxFrameBytes: 22528,
		},
		Webhook: WebhookConfig{
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			QueueSize:     256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Voice.Validate(); err != nil {
		return fmt.Errorf("voice config: %w", err)
	}

	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}

	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates voice configuration
func (v *VoiceConfig) Validate() error {
	if !(v.TimeoutSeconds > 0) || math.IsInf(v.TimeoutSeconds, 0) {
		return fmt.Errorf("timeout_seconds must be a positive number, got %v", v.TimeoutSeconds)
	}

	if v.SweepIntervalMs < 1 {
		return fmt.Errorf("sweep_interval_ms must be at least 1, got %d", v.SweepIntervalMs)
	}

	if v.MinParticipantID > v.MaxParticipantID {
		return fmt.Errorf("min_participant_id (%d) must not exceed max_participant_id (%d)",
			v.MinParticipantID, v.MaxParticipantID)
	}

	if v.SampleRate != 48000 {
		return fmt.Errorf("sample_rate must be 48000 Hz for voice packets, got %d", v.SampleRate)
	}

	if v.BitsPerSample != 16 {
		return fmt.Errorf("bits_per_sample must be 16 for voice packets, got %d", v.BitsPerSample)
	}

	if v.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono) for voice packets, got %d", v.Channels)
	}

	return nil
}

// Validate validates decoder configuration
func (d *DecoderConfig) Validate() error {
	if d.MaxFrameBytes < 2 {
		return fmt.Errorf("max_frame_bytes must be at least 2, got %d", d.MaxFrameBytes)
	}

	return nil
}

// Validate validates webhook configuration
func (w *WebhookConfig) Validate() error {
	if !w.Enabled {
		return nil
	}

	if w.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when webhook is enabled")
	}

	if w.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", w.MaxRetries)
	}

	if w.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", w.MaxConcurrent)
	}

	if w.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", w.QueueSize)
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

	// Anything other than stdout/stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetTimeoutDuration returns the voice silence timeout as a time.Duration
func (v *VoiceConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(v.TimeoutSeconds * float64(time.Second))
}

// GetSweepInterval returns the sweep tick interval as a time.Duration
func (v *VoiceConfig) GetSweepInterval() time.Duration {
	return time.Duration(v.SweepIntervalMs) * time.Millisecond
}

// GetTimeoutDuration returns the webhook request timeout as a time.Duration
func (w *WebhookConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}
