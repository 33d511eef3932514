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

package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/control"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

const waitFor = 5 * time.Second

// peer is the server side of one session connection
type peer struct {
	conn *websocket.Conn
	path string
}

func (p *peer) send(t *testing.T, typ websocket.MessageType, data []byte) {
	t.Helper()
	require.NoError(t, p.conn.Write(context.Background(), typ, data))
}

// fakeBackend is a conversation backend that records inbound envelopes
type fakeBackend struct {
	url      string
	peers    chan *peer
	received chan []byte
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		peers:    make(chan *peer, 4),
		received: make(chan []byte, 256),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(1 << 20)

		fb.peers <- &peer{conn: conn, path: r.URL.Path}
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				fb.received <- data
			}
		}
	}))
	t.Cleanup(srv.Close)
	fb.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/monica"
	return fb
}

func (fb *fakeBackend) nextPeer(t *testing.T) *peer {
	t.Helper()
	select {
	case p := <-fb.peers:
		return p
	case <-time.After(waitFor):
		t.Fatal("client never connected")
		return nil
	}
}

// events records listener notifications
type events struct {
	mu     sync.Mutex
	stages []string
	states []transport.State
	errs   []error
}

func (e *events) stage(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, s)
}

func (e *events) state(s transport.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, s)
}

func (e *events) err(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *events) Stages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stages...)
}

func (e *events) States() []transport.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]transport.State(nil), e.states...)
}

func (e *events) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func (e *events) options() []Option {
	return []Option{
		WithStageListener(e.stage),
		WithStateListener(e.state),
		WithErrorListener(e.err),
	}
}

func newTestPipeline(t *testing.T, url string, backend *audio.MockAudioBackend, opts ...Option) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Transport.URL = url
	p := New(backend, cfg, nil, opts...)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func fastBackend() *audio.MockAudioBackend {
	backend := audio.NewMockAudioBackend()
	backend.SetSimulateRealTiming(false)
	return backend
}

func waitCapturing(t *testing.T, p *Pipeline) {
	t.Helper()
	require.Eventually(t, p.Capturing, waitFor, time.Millisecond, "capture never started")
}

func pcm(samples int, value int16) []byte {
	out := make([]int16, samples)
	for i := range out {
		out[i] = value
	}
	return audio.Int16ToBytes(out)
}

func TestPipeline_NewPerformsNoIO(t *testing.T) {
	backend := fastBackend()
	p := New(backend, DefaultConfig(), nil)

	assert.False(t, backend.IsInitialized())
	assert.Equal(t, 0, backend.OpenStreams())
	assert.Equal(t, transport.Disconnected, p.State())
	assert.False(t, p.IsPlaying())
}

// Scenario A: captured blocks reach the backend as envelopes
func TestPipeline_CapturedFramesAreSent(t *testing.T) {
	fb := newFakeBackend(t)
	backend := fastBackend()
	ev := &events{}
	p := newTestPipeline(t, fb.url, backend, ev.options()...)

	require.NoError(t, p.Connect(context.Background(), "abc123"))
	peer := fb.nextPeer(t)
	assert.Equal(t, "/ws/monica/abc123", peer.path)

	waitCapturing(t, p)
	assert.Equal(t, transport.Open, p.State())

	gen := audio.SineGenerator(440, 0.5, audio.SampleRate)
	block := make([]float32, audio.DefaultCaptureConfig().BlockSize)
	for i := 0; i < 10; i++ {
		gen(block)
		require.True(t, backend.LastInputStream().Feed(block))
	}

	for i := 0; i < 10; i++ {
		select {
		case data := <-fb.received:
			samples, err := transport.DecodeEnvelope(data)
			require.NoError(t, err)
			assert.Len(t, samples, len(block))
		case <-time.After(waitFor):
			t.Fatalf("envelope %d never arrived", i)
		}
	}
	assert.Equal(t, []transport.State{transport.Connecting, transport.Open}, ev.States())
}

// Scenario B: items play strictly in arrival order
func TestPipeline_PlaysReceivedAudioInOrder(t *testing.T) {
	fb := newFakeBackend(t)
	backend := audio.NewMockAudioBackend()
	p := newTestPipeline(t, fb.url, backend)

	require.NoError(t, p.Connect(context.Background(), "s"))
	peer := fb.nextPeer(t)
	waitCapturing(t, p)

	items := [][]byte{pcm(2048, 1000), pcm(4096, 2000), pcm(2048, 3000)}
	for _, item := range items {
		peer.send(t, websocket.MessageBinary, item)
	}

	var want []float32
	for _, item := range items {
		want = append(want, audio.DecodePCM16(item)...)
	}
	require.Eventually(t, func() bool {
		return len(backend.PlayedSamples()) == len(want) && !p.IsPlaying()
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, want, backend.PlayedSamples())
	assert.Equal(t, 1, backend.MaxConcurrentWrites())
}

// Scenario C: stage updates reach the listener once, other types are ignored
func TestPipeline_RoutesStageUpdates(t *testing.T) {
	fb := newFakeBackend(t)
	ev := &events{}
	p := newTestPipeline(t, fb.url, fastBackend(), ev.options()...)

	require.NoError(t, p.Connect(context.Background(), "s"))
	peer := fb.nextPeer(t)
	waitCapturing(t, p)

	peer.send(t, websocket.MessageText, []byte(`{"type":"stage_update","stage":"OBJECTION"}`))
	peer.send(t, websocket.MessageText, []byte(`{"type":"ping"}`))
	peer.send(t, websocket.MessageText, []byte(`{not json`))
	peer.send(t, websocket.MessageText, []byte(`{"type":"stage_update","stage":"DONE"}`))

	require.Eventually(t, func() bool { return len(ev.Stages()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"OBJECTION", "DONE"}, ev.Stages())
	assert.Equal(t, transport.Open, p.State())
	assert.Empty(t, ev.Errors())
}

// Scenario D: disconnect mid-playback tears everything down and allows reconnecting
func TestPipeline_DisconnectDuringPlayback(t *testing.T) {
	fb := newFakeBackend(t)
	backend := audio.NewMockAudioBackend()
	ev := &events{}
	p := newTestPipeline(t, fb.url, backend, ev.options()...)

	require.NoError(t, p.Connect(context.Background(), "s"))
	peer := fb.nextPeer(t)
	waitCapturing(t, p)

	for i := 0; i < 3; i++ {
		peer.send(t, websocket.MessageBinary, pcm(audio.SampleRate, int16(1000*(i+1)))) // one second each
	}
	require.Eventually(t, func() bool {
		return p.IsPlaying() && p.PendingPlayback() == 3
	}, waitFor, time.Millisecond)

	p.Disconnect()

	assert.False(t, p.IsPlaying())
	assert.Equal(t, 0, p.PendingPlayback())
	assert.False(t, p.Capturing())
	assert.Equal(t, transport.Closed, p.State())
	assert.Empty(t, ev.Errors(), "a local disconnect is not an error")

	played := len(backend.PlayedSamples())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, played, len(backend.PlayedSamples()), "playback stopped")
	assert.Less(t, played, audio.SampleRate)

	p.Disconnect() // idempotent

	require.NoError(t, p.Connect(context.Background(), "s2"))
	second := fb.nextPeer(t)
	assert.Equal(t, "/ws/monica/s2", second.path)
	waitCapturing(t, p)
	assert.Equal(t, transport.Open, p.State())
}

func TestPipeline_ConnectErrors(t *testing.T) {
	t.Run("empty_session", func(t *testing.T) {
		p := newTestPipeline(t, "ws://127.0.0.1:1/ws", fastBackend())
		assert.ErrorIs(t, p.Connect(context.Background(), ""), transport.ErrInvalidSession)
		assert.Equal(t, transport.Disconnected, p.State())
	})

	t.Run("audio_unavailable", func(t *testing.T) {
		backend := fastBackend()
		noCard := errors.New("no sound card")
		backend.SetInitError(noCard)
		p := newTestPipeline(t, "ws://127.0.0.1:1/ws", backend)

		err := p.Connect(context.Background(), "s")
		assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
		assert.ErrorIs(t, err, noCard)
		assert.Equal(t, transport.Disconnected, p.State())
	})

	t.Run("already_connected", func(t *testing.T) {
		fb := newFakeBackend(t)
		p := newTestPipeline(t, fb.url, fastBackend())
		require.NoError(t, p.Connect(context.Background(), "s"))
		fb.nextPeer(t)

		assert.ErrorIs(t, p.Connect(context.Background(), "s"), ErrAlreadyConnected)
	})

	t.Run("bad_url", func(t *testing.T) {
		p := newTestPipeline(t, "ftp://nowhere", fastBackend())
		assert.Error(t, p.Connect(context.Background(), "s"))
		assert.Equal(t, transport.Disconnected, p.State())
	})
}

func TestPipeline_ConnectionFailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ev := &events{}
	p := newTestPipeline(t, url, fastBackend(), ev.options()...)
	require.NoError(t, p.Connect(context.Background(), "s"))

	require.Eventually(t, func() bool { return p.State() == transport.Closed && len(ev.Errors()) == 1 }, waitFor, time.Millisecond)
	assert.ErrorIs(t, ev.Errors()[0], transport.ErrConnectionFailure)
	assert.False(t, p.Capturing(), "capture never starts without a connection")
	assert.Equal(t, []transport.State{transport.Connecting, transport.Closed}, ev.States())
}

func TestPipeline_PeerCloseTearsDown(t *testing.T) {
	fb := newFakeBackend(t)
	backend := audio.NewMockAudioBackend()
	ev := &events{}
	p := newTestPipeline(t, fb.url, backend, ev.options()...)

	require.NoError(t, p.Connect(context.Background(), "s"))
	peer := fb.nextPeer(t)
	waitCapturing(t, p)

	peer.send(t, websocket.MessageBinary, pcm(audio.SampleRate, 500))
	require.Eventually(t, p.IsPlaying, waitFor, time.Millisecond)

	_ = peer.conn.Close(websocket.StatusGoingAway, "bye")

	require.Eventually(t, func() bool {
		states := ev.States()
		return len(states) > 0 && states[len(states)-1] == transport.Closed
	}, waitFor, time.Millisecond)
	assert.False(t, p.Capturing())
	assert.False(t, p.IsPlaying())
	require.Len(t, ev.Errors(), 1)
	assert.ErrorIs(t, ev.Errors()[0], transport.ErrConnectionFailure)

	require.NoError(t, p.Connect(context.Background(), "again"), "reconnect is explicit and allowed")
}

func TestPipeline_OpenIsAnnouncedBeforeClosed(t *testing.T) {
	fb := newFakeBackend(t)
	ev := &events{}
	var p *Pipeline
	p = newTestPipeline(t, fb.url, fastBackend(), WithStateListener(func(state transport.State) {
		if state == transport.Open {
			// Teardown lands while Open is still being delivered.
			p.Disconnect()
		}
		ev.state(state)
	}))

	require.NoError(t, p.Connect(context.Background(), "s"))
	fb.nextPeer(t)

	require.Eventually(t, func() bool { return len(ev.States()) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []transport.State{transport.Connecting, transport.Open, transport.Closed}, ev.States())
	assert.False(t, p.Capturing())
}

func TestPipeline_MicrophoneUnavailableEndsSession(t *testing.T) {
	fb := newFakeBackend(t)
	backend := fastBackend()
	denied := errors.New("permission denied")
	backend.SetInputStreamError(denied)
	ev := &events{}
	p := newTestPipeline(t, fb.url, backend, ev.options()...)

	require.NoError(t, p.Connect(context.Background(), "s"))
	fb.nextPeer(t)

	require.Eventually(t, func() bool { return p.State() == transport.Closed }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(ev.Errors()) == 1 }, waitFor, time.Millisecond)
	assert.ErrorIs(t, ev.Errors()[0], audio.ErrDeviceUnavailable)
	assert.ErrorIs(t, ev.Errors()[0], denied)
	assert.False(t, p.Capturing())
}

func TestPipeline_DisconnectBeforeConnect(t *testing.T) {
	p := newTestPipeline(t, "ws://127.0.0.1:1/ws", fastBackend())
	assert.NotPanics(t, p.Disconnect)
	assert.Equal(t, transport.Disconnected, p.State())
}

func TestPipeline_ShutdownReleasesAudio(t *testing.T) {
	fb := newFakeBackend(t)
	backend := fastBackend()
	p := New(backend, Config{
		Transport: transport.Config{URL: fb.url},
		Capture:   audio.DefaultCaptureConfig(),
		Playback:  audio.DefaultSchedulerConfig(),
	}, nil)

	require.NoError(t, p.Connect(context.Background(), "s"))
	fb.nextPeer(t)
	waitCapturing(t, p)
	assert.True(t, backend.IsInitialized())

	require.NoError(t, p.Shutdown())
	assert.False(t, backend.IsInitialized())
	assert.Equal(t, 0, backend.OpenStreams())
	assert.Equal(t, transport.Closed, p.State())
}

func TestPipeline_SessionStageListener(t *testing.T) {
	fb := newFakeBackend(t)
	var got atomic.Value
	p := newTestPipeline(t, fb.url, fastBackend(), WithSessionStageListener(func(sessionID string) control.StageFunc {
		return func(stage string) { got.Store(sessionID + ":" + stage) }
	}))

	require.NoError(t, p.Connect(context.Background(), "room-7"))
	peer := fb.nextPeer(t)
	peer.send(t, websocket.MessageText, []byte(`{"type":"stage_update","stage":"listening"}`))

	require.Eventually(t, func() bool { return got.Load() == "room-7:listening" }, waitFor, time.Millisecond)
}

type countingMetrics struct {
	nopMetrics
	captured atomic.Int32
	controls atomic.Int32
}

func (m *countingMetrics) FrameCaptured()      { m.captured.Add(1) }
func (m *countingMetrics) ControlEvent(string) { m.controls.Add(1) }

func TestPipeline_Metrics(t *testing.T) {
	fb := newFakeBackend(t)
	backend := fastBackend()
	m := &countingMetrics{}
	p := newTestPipeline(t, fb.url, backend, WithMetrics(m))

	require.NoError(t, p.Connect(context.Background(), "s"))
	peer := fb.nextPeer(t)
	waitCapturing(t, p)

	backend.LastInputStream().Feed(make([]float32, 16))
	backend.LastInputStream().Feed(make([]float32, 16))
	peer.send(t, websocket.MessageText, []byte(`{"type":"ping"}`))

	assert.Equal(t, int32(2), m.captured.Load())
	require.Eventually(t, func() bool { return m.controls.Load() == 1 }, waitFor, time.Millisecond)
}
