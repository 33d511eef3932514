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

package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Frame is one block of captured microphone audio
type Frame struct {
	Samples    []int16
	SampleRate int
	Captured   time.Time
}

// Bytes returns the frame as little-endian PCM
func (f Frame) Bytes() []byte {
	return Int16ToBytes(f.Samples)
}

// CaptureConfig controls the input stream
type CaptureConfig struct {
	SampleRate float64
	BlockSize  int
}

// DefaultCaptureConfig matches the backend's expected input format
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate: SampleRate,
		BlockSize:  4096,
	}
}

// Capture owns the microphone stream and converts each device block into a Frame.
type Capture struct {
	backend AudioBackend
	cfg     CaptureConfig
	logger  *zap.Logger

	mu     sync.Mutex
	stream StreamInterface

	// Read from the device thread, which must never wait on mu: stopping a
	// stream blocks until the in-flight callback returns.
	sink   atomic.Pointer[func(Frame)]
	frames atomic.Uint64
}

// NewCapture creates a capture engine. No device is touched until Start.
func NewCapture(backend AudioBackend, cfg CaptureConfig, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "capture")),
	}
}

// Start acquires the microphone and delivers every block to onFrame until Stop.
// Failures to open or start the device wrap ErrDeviceUnavailable.
func (c *Capture) Start(onFrame func(Frame)) error {
	if onFrame == nil {
		return fmt.Errorf("frame callback is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return fmt.Errorf("already capturing")
	}

	stream, err := c.backend.CreateInputStream(c.cfg.SampleRate, Channels, c.cfg.BlockSize, c.handleBlock)
	if err != nil {
		c.logger.Error("❌ failed to open microphone", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	c.sink.Store(&onFrame)
	if err := stream.Start(); err != nil {
		c.sink.Store(nil)
		if closeErr := stream.Close(); closeErr != nil {
			c.logger.Warn("⚠️ failed to close input stream", zap.Error(closeErr))
		}
		c.logger.Error("❌ failed to start microphone", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	c.stream = stream
	c.frames.Store(0)
	c.logger.Info("🎤 capture started",
		zap.Float64("sample_rate", c.cfg.SampleRate),
		zap.Int("block_size", c.cfg.BlockSize))
	return nil
}

// Stop releases the microphone. It is safe to call repeatedly or before Start.
func (c *Capture) Stop() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.sink.Store(nil)
	c.mu.Unlock()

	if stream == nil {
		return nil
	}

	err := errors.Join(stream.Stop(), stream.Close())
	if err != nil {
		c.logger.Warn("⚠️ error releasing microphone", zap.Error(err))
	}
	c.logger.Info("🎤 capture stopped", zap.Uint64("frames", c.frames.Load()))
	return err
}

// Active reports whether the microphone is held
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Capture) handleBlock(in []float32) {
	sink := c.sink.Load()
	if sink == nil {
		return
	}

	frame := Frame{
		Samples:    EncodePCM16(in),
		SampleRate: int(c.cfg.SampleRate),
		Captured:   time.Now(),
	}
	if n := c.frames.Add(1); n%100 == 0 {
		c.logger.Debug("🎤 captured frames", zap.Uint64("frames", n))
	}
	(*sink)(frame)
}
