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
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// PlaybackState is Idle when nothing is rendering and Playing while the head of
// the queue is being written to the output stream.
type PlaybackState int32

const (
	Idle PlaybackState = iota
	Playing
)

func (s PlaybackState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	default:
		return "unknown"
	}
}

// PlaybackMetrics receives playback queue events
type PlaybackMetrics interface {
	PlaybackStarted()
	PlaybackCompleted()
	PlaybackSkipped()
	PlaybackFlushed(items int)
	PlaybackQueueDepth(depth int)
}

type nopPlaybackMetrics struct{}

func (nopPlaybackMetrics) PlaybackStarted() {}
func (nopPlaybackMetrics) PlaybackCompleted() {}
func (nopPlaybackMetrics) PlaybackSkipped() {}
func (nopPlaybackMetrics) PlaybackFlushed(int) {}
func (nopPlaybackMetrics) PlaybackQueueDepth(int) {}

// SchedulerConfig controls the output stream
type SchedulerConfig struct {
	SampleRate float64
	// BufferSize is the number of frames handed to the device per write.
	// Flush takes effect at the next buffer boundary.
	BufferSize int
}

// DefaultSchedulerConfig matches the backend's synthesized speech format
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SampleRate: SampleRate,
		BufferSize: 1024,
	}
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithPlaybackMetrics reports queue events to m
func WithPlaybackMetrics(m PlaybackMetrics) SchedulerOption {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler plays received PCM buffers one at a time in enqueue order.
//
// Enqueue and the completion of a rendered item are the only two transitions
// out of a given state and both run under mu, so at most one item is ever
// handed to the output stream.
type Scheduler struct {
	backend AudioBackend
	cfg     SchedulerConfig
	logger  *zap.Logger
	metrics PlaybackMetrics

	mu     sync.Mutex
	queue  [][]byte // queue[0] is rendering while state == Playing
	state  PlaybackState
	gen    uint64
	stream StreamInterface
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewScheduler creates a scheduler. The output stream is opened on first use.
func NewScheduler(backend AudioBackend, cfg SchedulerConfig, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "playback")),
		metrics: nopPlaybackMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends item to the queue and starts it immediately if nothing is playing.
func (s *Scheduler) Enqueue(item []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.queue = append(s.queue, item)
	s.metrics.PlaybackQueueDepth(len(s.queue))
	s.logger.Debug("📥 queued playback item", zap.Int("bytes", len(item)), zap.Int("depth", len(s.queue)))

	if s.state == Idle {
		s.startNextLocked()
	}
}

// Flush drops every queued item, stops the item in flight and releases the
// output stream. It returns once the in-flight write has been abandoned.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.gen++
	dropped := len(s.queue)
	s.queue = nil
	s.state = Idle
	cancel, done, stream := s.cancel, s.done, s.stream
	s.cancel, s.done, s.stream = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if stream != nil {
		// Closing an active stream discards pending device buffers.
		if err := stream.Close(); err != nil {
			s.logger.Warn("⚠️ failed to close output stream", zap.Error(err))
		}
	}

	s.metrics.PlaybackQueueDepth(0)
	if dropped > 0 {
		s.metrics.PlaybackFlushed(dropped)
		s.logger.Info("🔇 playback flushed", zap.Int("dropped", dropped))
	}
}

// Close rejects further items and flushes
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Flush()
	return nil
}

// State returns the current playback state
func (s *Scheduler) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of items queued, including the one playing
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// startNextLocked begins rendering the head of the queue. Items that cannot be
// decoded or played are removed and the next one is tried.
func (s *Scheduler) startNextLocked() {
	for len(s.queue) > 0 {
		item := s.queue[0]

		if err := ValidatePCM16(item); err != nil {
			s.dropHeadLocked()
			s.metrics.PlaybackSkipped()
			s.logger.Debug("⏭️ skipping playback item", zap.Error(err))
			continue
		}

		if s.stream == nil {
			stream, err := s.openStreamLocked()
			if err != nil {
				s.dropHeadLocked()
				s.metrics.PlaybackSkipped()
				s.logger.Error("❌ failed to open output stream", zap.Error(err))
				continue
			}
			s.stream = stream
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.state = Playing
		s.cancel = cancel
		s.done = done
		s.metrics.PlaybackStarted()

		go s.render(ctx, s.gen, s.stream, item, done)
		return
	}

	s.state = Idle
}

func (s *Scheduler) openStreamLocked() (StreamInterface, error) {
	stream, err := s.backend.CreateOutputStream(s.cfg.SampleRate, Channels, s.cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close() // Ignore errors on a stream that never started
		return nil, err
	}
	return stream, nil
}

func (s *Scheduler) dropHeadLocked() {
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.metrics.PlaybackQueueDepth(len(s.queue))
}

func (s *Scheduler) render(ctx context.Context, gen uint64, stream StreamInterface, item []byte, done chan struct{}) {
	defer close(done)

	samples := DecodePCM16(item)
	var err error
	for offset := 0; offset < len(samples); offset += s.cfg.BufferSize {
		if err = ctx.Err(); err != nil {
			break
		}
		end := min(offset+s.cfg.BufferSize, len(samples))
		if err = stream.Write(samples[offset:end]); err != nil {
			if !errors.Is(err, ErrOutputUnderflow) {
				break
			}
			s.logger.Debug("output underflowed", zap.Int("offset", offset))
			err = nil
		}
	}

	s.complete(gen, err)
}

// complete is the playback-finished event: it retires the head of the queue and
// starts the next item. Completions from before a Flush are ignored.
func (s *Scheduler) complete(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed {
		return
	}

	s.cancel()
	s.cancel, s.done = nil, nil
	s.dropHeadLocked()
	s.state = Idle

	if err != nil && !errors.Is(err, context.Canceled) {
		s.metrics.PlaybackSkipped()
		s.logger.Warn("⚠️ playback item failed", zap.Error(err))
		// The next item gets a fresh stream.
		if closeErr := s.stream.Close(); closeErr != nil {
			s.logger.Warn("⚠️ failed to close output stream", zap.Error(closeErr))
		}
		s.stream = nil
	} else {
		s.metrics.PlaybackCompleted()
	}

	s.startNextLocked()
}
