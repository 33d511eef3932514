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

// Package pipeline wires capture, transport, playback and control routing into
// one voice session with a deterministic connect/disconnect lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/control"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

// ErrAlreadyConnected is returned by Connect while a session is still live.
var ErrAlreadyConnected = errors.New("session already connected")

// Config groups the component configurations
type Config struct {
	Transport transport.Config
	Capture   audio.CaptureConfig
	Playback  audio.SchedulerConfig
}

// DefaultConfig returns the fixed 24 kHz mono format and a local backend
func DefaultConfig() Config {
	return Config{
		Transport: transport.DefaultConfig(),
		Capture:   audio.DefaultCaptureConfig(),
		Playback:  audio.DefaultSchedulerConfig(),
	}
}

// Metrics receives events from every stage of the pipeline
type Metrics interface {
	transport.Metrics
	audio.PlaybackMetrics
	FrameCaptured()
	ControlEvent(eventType string)
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithStageListener registers fn for every stage_update of every session
func WithStageListener(fn control.StageFunc) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.stageListeners = append(p.stageListeners, func(string) control.StageFunc { return fn })
		}
	}
}

// WithSessionStageListener registers a listener factory called once per
// session, for listeners that need the session id
func WithSessionStageListener(factory func(sessionID string) control.StageFunc) Option {
	return func(p *Pipeline) {
		if factory != nil {
			p.stageListeners = append(p.stageListeners, factory)
		}
	}
}

// WithStateListener is notified of Connecting, Open and Closed
func WithStateListener(fn func(transport.State)) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.stateListeners = append(p.stateListeners, fn)
		}
	}
}

// WithErrorListener receives session-fatal errors: ErrDeviceUnavailable after
// the connection opened, and ErrConnectionFailure
func WithErrorListener(fn func(error)) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.errorListeners = append(p.errorListeners, fn)
		}
	}
}

// WithMetrics reports pipeline events to m
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTransportOptions passes extra options to every Channel
func WithTransportOptions(opts ...transport.Option) Option {
	return func(p *Pipeline) {
		p.transportOpts = append(p.transportOpts, opts...)
	}
}

// Pipeline is the composition root for voice sessions. One session is live at
// a time; a fresh transport Channel is created for every Connect.
type Pipeline struct {
	backend audio.AudioBackend
	cfg     Config
	logger  *zap.Logger
	metrics Metrics

	stageListeners []func(sessionID string) control.StageFunc
	stateListeners []func(transport.State)
	errorListeners []func(error)
	transportOpts  []transport.Option

	capture   *audio.Capture
	scheduler *audio.Scheduler

	mu          sync.Mutex
	current     *session
	initialized bool
}

// New creates a pipeline. It performs no I/O; the audio backend is initialized
// on the first Connect.
func New(backend audio.AudioBackend, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "pipeline")),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.capture = audio.NewCapture(backend, cfg.Capture, logger)
	p.scheduler = audio.NewScheduler(backend, cfg.Playback, logger, audio.WithPlaybackMetrics(p.metrics))
	return p
}

// Connect starts a session. It returns transport.ErrInvalidSession for an
// empty id, ErrAlreadyConnected while a session is live, and
// audio.ErrDeviceUnavailable if the audio subsystem cannot be initialized.
// Everything after that is reported through the state and error listeners:
// the microphone starts once the connection is Open.
func (p *Pipeline) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return transport.ErrInvalidSession
	}
	if _, err := transport.SessionURL(p.cfg.Transport.URL, sessionID); err != nil {
		return err
	}

	p.mu.Lock()
	if p.current != nil && !p.current.finished() {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !p.initialized {
		if err := p.backend.Initialize(); err != nil {
			p.mu.Unlock()
			p.logger.Error("❌ failed to initialize audio", zap.Error(err))
			return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		p.initialized = true
	}

	s := p.newSession(sessionID)
	p.current = s
	p.mu.Unlock()

	p.logger.Info("🚀 session starting", zap.String("session_id", sessionID))
	p.notifyState(transport.Connecting)
	if err := s.channel.Connect(ctx, sessionID); err != nil {
		// Only reachable if Disconnect raced this call; the session is already torn down.
		return err
	}
	return nil
}

// Disconnect tears the current session down: capture stops, any in-flight send
// is abandoned and the playback queue is flushed before it returns. It is
// idempotent.
func (p *Pipeline) Disconnect() {
	p.mu.Lock()
	s := p.current
	p.mu.Unlock()

	if s == nil {
		return
	}
	s.channel.Close()
	<-s.done
}

// Shutdown disconnects and releases the audio subsystem. The pipeline is not
// reusable afterwards.
func (p *Pipeline) Shutdown() error {
	p.Disconnect()

	var errs []error
	if err := p.scheduler.Close(); err != nil {
		errs = append(errs, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		if err := p.backend.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate audio: %w", err))
		}
		p.initialized = false
	}
	p.logger.Info("🔌 pipeline shut down")
	return errors.Join(errs...)
}

// State returns the connection state of the current session
func (p *Pipeline) State() transport.State {
	p.mu.Lock()
	s := p.current
	p.mu.Unlock()

	if s == nil {
		return transport.Disconnected
	}
	return s.channel.State()
}

// IsPlaying reports whether received speech is being rendered
func (p *Pipeline) IsPlaying() bool {
	return p.scheduler.State() == audio.Playing
}

// Capturing reports whether the microphone is held
func (p *Pipeline) Capturing() bool {
	return p.capture.Active()
}

// PendingPlayback returns the number of received items not yet fully played
func (p *Pipeline) PendingPlayback() int {
	return p.scheduler.Pending()
}

func (p *Pipeline) newSession(sessionID string) *session {
	listeners := make([]control.StageFunc, 0, len(p.stageListeners))
	for _, factory := range p.stageListeners {
		listeners = append(listeners, factory(sessionID))
	}

	s := &session{
		p:      p,
		id:     sessionID,
		router: control.NewRouter(p.logger, listeners...),
		done:   make(chan struct{}),
	}
	opts := append([]transport.Option{transport.WithMetrics(p.metrics)}, p.transportOpts...)
	s.channel = transport.NewChannel(p.cfg.Transport, s, p.logger, opts...)
	return s
}

func (p *Pipeline) notifyState(state transport.State) {
	for _, fn := range p.stateListeners {
		fn(state)
	}
}

func (p *Pipeline) notifyError(err error) {
	for _, fn := range p.errorListeners {
		fn(err)
	}
}

// session adapts channel events to the pipeline components. mu orders the
// start of capture against teardown so a late OnOpen never restarts the
// microphone after OnClose.
type session struct {
	p       *Pipeline
	id      string
	channel *transport.Channel
	router  *control.Router
	done    chan struct{}

	mu     sync.Mutex
	closed bool

	// While Open is being delivered, a concurrent teardown leaves the Closed
	// notification to OnOpen so listeners never see Closed before Open.
	announcing  bool
	closeQueued bool
	closeCause  error
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) onFrame(frame audio.Frame) {
	s.p.metrics.FrameCaptured()
	s.channel.Send(frame)
}

// OnOpen starts the microphone. A device failure ends the session.
func (s *session) OnOpen() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	err := s.p.capture.Start(s.onFrame)
	s.announcing = true
	s.mu.Unlock()

	s.p.notifyState(transport.Open)

	s.mu.Lock()
	s.announcing = false
	queued, cause := s.closeQueued, s.closeCause
	s.mu.Unlock()
	if queued {
		s.notifyClosed(cause)
		return
	}

	if err != nil {
		s.p.logger.Error("❌ microphone unavailable, closing session", zap.String("session_id", s.id), zap.Error(err))
		s.p.notifyError(err)
		s.channel.Close()
	}
}

// OnAudio queues one received buffer for playback
func (s *session) OnAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.p.scheduler.Enqueue(data)
}

// OnControl routes a parsed control event
func (s *session) OnControl(ev control.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.p.metrics.ControlEvent(ev.Type)
	s.router.Route(ev)
}

// OnClose stops capture and flushes playback. The error listeners hear the
// cause before the state listeners hear Closed.
func (s *session) OnClose(cause error) {
	s.mu.Lock()
	s.closed = true
	if err := s.p.capture.Stop(); err != nil {
		s.p.logger.Warn("⚠️ error stopping capture", zap.Error(err))
	}
	queue := s.announcing
	if queue {
		s.closeQueued, s.closeCause = true, cause
	}
	s.mu.Unlock()

	s.p.scheduler.Flush()
	close(s.done)

	s.p.logger.Info("👋 session ended", zap.String("session_id", s.id))
	if !queue {
		s.notifyClosed(cause)
	}
}

func (s *session) notifyClosed(cause error) {
	if cause != nil {
		s.p.notifyError(cause)
	}
	s.p.notifyState(transport.Closed)
}

type nopMetrics struct{}

func (nopMetrics) FrameSent() {}
func (nopMetrics) FrameDropped(string) {}
func (nopMetrics) MessageReceived(string) {}
func (nopMetrics) ConnectionStateChanged(transport.State) {}
func (nopMetrics) PlaybackStarted() {}
func (nopMetrics) PlaybackCompleted() {}
func (nopMetrics) PlaybackSkipped() {}
func (nopMetrics) PlaybackFlushed(int) {}
func (nopMetrics) PlaybackQueueDepth(int) {}
func (nopMetrics) FrameCaptured() {}
func (nopMetrics) ControlEvent(string) {}
