/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package config loads the voice client configuration from defaults, an
// optional YAML file and LOQA_VOICE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/pipeline"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override
const EnvPrefix = "LOQA_VOICE_"

// Config represents the complete client configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Audio   AudioConfig   `yaml:"audio"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig addresses the conversation backend
type BackendConfig struct {
	URL       string `yaml:"url"`
	ReadLimit int64  `yaml:"read_limit"` // bytes
	SendQueue int    `yaml:"send_queue"` // frames
}

// AudioConfig sizes the capture and playback streams
type AudioConfig struct {
	SampleRate     int `yaml:"sample_rate"`
	BlockSize      int `yaml:"block_size"`      // frames per captured block
	PlaybackBuffer int `yaml:"playback_buffer"` // frames per output write
}

// NATSConfig enables stage mirroring when URL is set
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects the zap logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	tc := transport.DefaultConfig()
	return &Config{
		Backend: BackendConfig{
			URL:       tc.URL,
			ReadLimit: tc.ReadLimit,
			SendQueue: tc.SendQueue,
		},
		Audio: AudioConfig{
			SampleRate:     audio.SampleRate,
			BlockSize:      audio.DefaultCaptureConfig().BlockSize,
			PlaybackBuffer: audio.DefaultSchedulerConfig().BufferSize,
		},
		NATS: NATSConfig{
			SubjectPrefix: "voice.stage",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		defer f.Close()

		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from LOQA_VOICE_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BACKEND_URL":         &c.Backend.URL,
		"NATS_URL":            &c.NATS.URL,
		"NATS_SUBJECT_PREFIX": &c.NATS.SubjectPrefix,
		"METRICS_ADDR":        &c.Metrics.Addr,
		"LOG_LEVEL":           &c.Log.Level,
		"LOG_FORMAT":          &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BACKEND_SEND_QUEUE":    &c.Backend.SendQueue,
		"AUDIO_SAMPLE_RATE":     &c.Audio.SampleRate,
		"AUDIO_BLOCK_SIZE":      &c.Audio.BlockSize,
		"AUDIO_PLAYBACK_BUFFER": &c.Audio.PlaybackBuffer,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalidConfig, EnvPrefix, key, v)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "BACKEND_READ_LIMIT"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %sBACKEND_READ_LIMIT=%q is not an integer", ErrInvalidConfig, EnvPrefix, v)
		}
		c.Backend.ReadLimit = n
	}
	return nil
}

// Validate reports every invalid field, each wrapping ErrInvalidConfig
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		invalid("backend.url %q must be a ws:// or wss:// URL", c.Backend.URL)
	}
	if c.Backend.ReadLimit <= 0 {
		invalid("backend.read_limit must be positive, got %d", c.Backend.ReadLimit)
	}
	if c.Backend.SendQueue <= 0 {
		invalid("backend.send_queue must be positive, got %d", c.Backend.SendQueue)
	}
	if c.Audio.SampleRate <= 0 {
		invalid("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.BlockSize <= 0 {
		invalid("audio.block_size must be positive, got %d", c.Audio.BlockSize)
	}
	if c.Audio.PlaybackBuffer <= 0 {
		invalid("audio.playback_buffer must be positive, got %d", c.Audio.PlaybackBuffer)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level %q is invalid; valid values: debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		invalid("log.format %q is invalid; valid values: console, json", c.Log.Format)
	}

	return errors.Join(errs...)
}

// Pipeline converts the configuration into component configurations
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Transport: transport.Config{
			URL:       c.Backend.URL,
			ReadLimit: c.Backend.ReadLimit,
			SendQueue: c.Backend.SendQueue,
		},
		Capture: audio.CaptureConfig{
			SampleRate: float64(c.Audio.SampleRate),
			BlockSize:  c.Audio.BlockSize,
		},
		Playback: audio.SchedulerConfig{
			SampleRate: float64(c.Audio.SampleRate),
			BufferSize: c.Audio.PlaybackBuffer,
		},
	}
}
