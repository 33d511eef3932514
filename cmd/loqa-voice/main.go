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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/config"
	"github.com/loqalabs/loqa-voice-go/internal/logging"
	"github.com/loqalabs/loqa-voice-go/internal/metrics"
	"github.com/loqalabs/loqa-voice-go/internal/nats"
	"github.com/loqalabs/loqa-voice-go/internal/pipeline"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	configPath  string
	backend     string
	session     string
	natsURL     string
	metricsAddr string
	logLevel    string
	mockAudio   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("loqa-voice", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.backend, "backend", "", "Backend WebSocket base URL (default "+transport.DefaultConfig().URL+")")
	fs.StringVar(&opts.session, "session", "", "Session id to join (required)")
	fs.StringVar(&opts.natsURL, "nats", "", "NATS URL for stage mirroring (disabled when empty)")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "Listen address for the Prometheus endpoint (disabled when empty)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.mockAudio, "mock-audio", false, "Use a synthetic microphone and an in-memory speaker")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.session == "" {
		fmt.Fprintln(output, "missing required -session")
		fs.Usage()
		return nil, transport.ErrInvalidSession
	}
	return opts, nil
}

// loadConfig applies flags over the file and environment
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.backend != "" {
		cfg.Backend.URL = opts.backend
	}
	if opts.natsURL != "" {
		cfg.NATS.URL = opts.natsURL
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "❌ Failed to load config: %v\n", err)
		return exitFailure
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(stderr, "❌ Failed to create logger: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()

	var backend audio.AudioBackend
	if opts.mockAudio {
		mock := audio.NewMockAudioBackend()
		mock.SetInputGenerator(audio.SineGenerator(440, 0.2, float64(cfg.Audio.SampleRate)))
		backend = mock
		logger.Info("🧪 using mock audio backend")
	} else {
		backend = audio.NewPortAudioBackend()
	}

	if err := runSession(ctx, cfg, opts.session, backend, logger); err != nil {
		logger.Error("❌ session failed", zap.Error(err))
		return exitFailure
	}
	return exitOK
}

// runSession connects and blocks until ctx is cancelled or the session ends
func runSession(ctx context.Context, cfg *config.Config, sessionID string, backend audio.AudioBackend, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg, "loqa_voice")

	var (
		mu         sync.Mutex
		sessionErr error
		ended      = make(chan struct{})
		endOnce    sync.Once
	)

	pipeOpts := []pipeline.Option{
		pipeline.WithMetrics(collector),
		pipeline.WithStageListener(func(stage string) {
			logger.Info("🎭 stage changed", zap.String("stage", stage))
		}),
		pipeline.WithErrorListener(func(err error) {
			mu.Lock()
			if sessionErr == nil {
				sessionErr = err
			}
			mu.Unlock()
		}),
		pipeline.WithStateListener(func(state transport.State) {
			logger.Debug("connection state", zap.Stringer("state", state))
			if state == transport.Closed {
				endOnce.Do(func() { close(ended) })
			}
		}),
	}

	if cfg.NATS.URL != "" {
		pub, err := nats.NewStagePublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("⚠️ continuing without stage mirroring", zap.Error(err))
		} else {
			defer pub.Close()
			pipeOpts = append(pipeOpts, pipeline.WithSessionStageListener(pub.StageFunc))
		}
	}

	pipe := pipeline.New(backend, cfg.Pipeline(), logger, pipeOpts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("📊 metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()

		if err := pipe.Connect(gctx, sessionID); err != nil {
			return err
		}

		select {
		case <-gctx.Done():
			logger.Info("🛑 shutting down")
		case <-ended:
		}

		if err := pipe.Shutdown(); err != nil {
			logger.Warn("⚠️ error during shutdown", zap.Error(err))
		}

		mu.Lock()
		defer mu.Unlock()
		return sessionErr
	})

	return g.Wait()
}
