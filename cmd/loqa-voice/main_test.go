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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/config"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

func TestParseFlags(t *testing.T) {
	t.Run("all_flags", func(t *testing.T) {
		opts, err := parseFlags([]string{
			"-session", "abc",
			"-backend", "ws://example.com/ws",
			"-nats", "nats://localhost:4222",
			"-metrics", ":9100",
			"-log-level", "debug",
			"-mock-audio",
		}, &bytes.Buffer{})
		require.NoError(t, err)

		assert.Equal(t, "abc", opts.session)
		assert.Equal(t, "ws://example.com/ws", opts.backend)
		assert.Equal(t, "nats://localhost:4222", opts.natsURL)
		assert.Equal(t, ":9100", opts.metricsAddr)
		assert.Equal(t, "debug", opts.logLevel)
		assert.True(t, opts.mockAudio)
	})

	t.Run("missing_session", func(t *testing.T) {
		var out bytes.Buffer
		_, err := parseFlags(nil, &out)
		assert.ErrorIs(t, err, transport.ErrInvalidSession)
		assert.Contains(t, out.String(), "-session")
	})

	t.Run("help_lists_flags", func(t *testing.T) {
		var out bytes.Buffer
		_, err := parseFlags([]string{"-h"}, &out)
		assert.ErrorIs(t, err, flag.ErrHelp)

		for _, name := range []string{"-config", "-backend", "-session", "-nats", "-metrics", "-log-level", "-mock-audio"} {
			assert.Contains(t, out.String(), name)
		}
		assert.Contains(t, out.String(), "ws://localhost:8000/ws/monica")
	})
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("LOQA_VOICE_BACKEND_URL", "ws://env:1/ws")
	t.Setenv("LOQA_VOICE_LOG_LEVEL", "warn")

	cfg, err := loadConfig(&options{session: "s", backend: "ws://flag:2/ws"})
	require.NoError(t, err)
	assert.Equal(t, "ws://flag:2/ws", cfg.Backend.URL)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = loadConfig(&options{session: "s", backend: "ftp://nope"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRun_ExitCodes(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, exitOK, run(context.Background(), []string{"-h"}, &stderr))
	assert.Equal(t, exitUsage, run(context.Background(), nil, &stderr))
	assert.Equal(t, exitUsage, run(context.Background(), []string{"-bogus"}, &stderr))
	assert.Equal(t, exitFailure, run(context.Background(), []string{"-session", "s", "-backend", "http://x"}, &stderr))
}

func TestRun_ConnectionFailureExitsNonZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code := run(ctx, []string{"-session", "s", "-backend", url, "-mock-audio", "-log-level", "error"}, &bytes.Buffer{})
	assert.Equal(t, exitFailure, code)
}

func TestRun_MockAudioSession(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"stage_update","stage":"listening"}`))
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			select {
			case received <- data:
			default:
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{
			"-session", "mock-session",
			"-backend", "ws" + strings.TrimPrefix(srv.URL, "http"),
			"-mock-audio",
			"-log-level", "error",
		}, &bytes.Buffer{})
	}()

	select {
	case data := <-received:
		var env transport.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.NotEmpty(t, env.Bytes)
	case <-time.After(5 * time.Second):
		t.Fatal("no audio frame reached the backend")
	}

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, exitOK, code)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunSession_ReturnsSessionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Backend.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runSession(ctx, cfg, "s", newTestBackend(), nopLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrConnectionFailure))
}

func newTestBackend() *audio.MockAudioBackend {
	backend := audio.NewMockAudioBackend()
	backend.SetSimulateRealTiming(false)
	return backend
}

func nopLogger() *zap.Logger { return zap.NewNop() }
