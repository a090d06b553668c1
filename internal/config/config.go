// Package config provides configuration management for codecmux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultStateTimeout       = 3 * time.Second
	defaultReadTimeout        = 3 * time.Second
	defaultCodecBuffers       = 4
	defaultCodecBufferSize    = "256KiB"
	defaultInterleaveDuration = time.Second
	defaultMoovReserve        = "0"
	defaultMaxPendingBytes    = "32MiB"
	defaultSilentTrackTimeout = 2 * time.Second
	defaultMetricsListen      = "127.0.0.1:9464"
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Writer  WriterConfig  `mapstructure:"writer"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// CodecConfig holds codec state machine settings.
type CodecConfig struct {
	// StateTimeout bounds every component state transition.
	StateTimeout time.Duration `mapstructure:"state_timeout"`
	// ReadTimeout bounds a single read; zero waits forever.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// Component forces a component name instead of the registry order.
	Component string `mapstructure:"component"`
	// Buffer geometry of the built-in software components.
	InputBuffers  int      `mapstructure:"input_buffers"`
	OutputBuffers int      `mapstructure:"output_buffers"`
	BufferSize    ByteSize `mapstructure:"buffer_size"`
}

// WriterConfig holds MPEG-4 writer settings.
type WriterConfig struct {
	InterleaveDuration time.Duration `mapstructure:"interleave_duration"`
	MaxFileSize        ByteSize      `mapstructure:"max_file_size"`
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	// MoovReserve is the space kept in front of mdat for the movie box; zero estimates it.
	MoovReserve     ByteSize `mapstructure:"moov_reserve"`
	Streamable      bool     `mapstructure:"streamable"`
	Use64BitOffsets bool     `mapstructure:"use_64bit_offsets"`
	MaxPendingBytes ByteSize `mapstructure:"max_pending_bytes"`
	// SilentTrackTimeout stops waiting for a track that produced nothing; negative disables it.
	SilentTrackTimeout time.Duration `mapstructure:"silent_track_timeout"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CODECMUX_ and use underscores for nesting.
// Example: CODECMUX_WRITER_MAX_FILE_SIZE=2GiB.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/codecmux")
		v.AddConfigPath("$HOME/.codecmux")
	}

	v.SetEnvPrefix("CODECMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook returns the mapstructure hooks used to decode configuration values.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Codec defaults
	v.SetDefault("codec.state_timeout", defaultStateTimeout)
	v.SetDefault("codec.read_timeout", defaultReadTimeout)
	v.SetDefault("codec.component", "")
	v.SetDefault("codec.input_buffers", defaultCodecBuffers)
	v.SetDefault("codec.output_buffers", defaultCodecBuffers)
	v.SetDefault("codec.buffer_size", defaultCodecBufferSize)

	// Writer defaults
	v.SetDefault("writer.interleave_duration", defaultInterleaveDuration)
	v.SetDefault("writer.max_file_size", "0")
	v.SetDefault("writer.max_duration", time.Duration(0))
	v.SetDefault("writer.moov_reserve", defaultMoovReserve)
	v.SetDefault("writer.streamable", true)
	v.SetDefault("writer.use_64bit_offsets", false)
	v.SetDefault("writer.max_pending_bytes", defaultMaxPendingBytes)
	v.SetDefault("writer.silent_track_timeout", defaultSilentTrackTimeout)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", defaultMetricsListen)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Codec.StateTimeout <= 0 {
		return fmt.Errorf("codec.state_timeout must be positive")
	}
	if c.Codec.ReadTimeout < 0 {
		return fmt.Errorf("codec.read_timeout must not be negative")
	}
	if c.Codec.InputBuffers < 1 || c.Codec.OutputBuffers < 1 {
		return fmt.Errorf("codec.input_buffers and codec.output_buffers must be at least 1")
	}
	if c.Codec.BufferSize <= 0 {
		return fmt.Errorf("codec.buffer_size must be positive")
	}

	if c.Writer.InterleaveDuration < 0 {
		return fmt.Errorf("writer.interleave_duration must not be negative")
	}
	if c.Writer.MaxFileSize < 0 || c.Writer.MoovReserve < 0 || c.Writer.MaxPendingBytes < 0 {
		return fmt.Errorf("writer sizes must not be negative")
	}
	if c.Writer.MaxDuration < 0 {
		return fmt.Errorf("writer.max_duration must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}
