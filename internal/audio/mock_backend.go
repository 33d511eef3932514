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
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	terminateError     error
	inputStreamError   error
	outputStreamError  error
	simulateRealTiming bool
	inputGenerator     func([]float32)
	lastInput          *MockStream
	lastOutput         *MockStream
	playbackAudioData  [][]float32

	activeWrites atomic.Int32
	maxWrites    atomic.Int32
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		streams:            make(map[string]*MockStream),
		simulateRealTiming: true,
		playbackAudioData:  make([][]float32, 0),
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetInputStreamError configures the backend to fail input stream creation,
// as when the OS denies microphone access
func (m *MockAudioBackend) SetInputStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputStreamError = err
}

// SetOutputStreamError configures the backend to fail output stream creation
func (m *MockAudioBackend) SetOutputStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputStreamError = err
}

// SetSimulateRealTiming controls whether Write blocks for the duration of the audio
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetInputGenerator makes input streams created afterwards produce blocks on
// their own at the device cadence, filled by generator
func (m *MockAudioBackend) SetInputGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputGenerator = generator
}

// GetPlaybackAudioData returns all audio data that was "played back"
func (m *MockAudioBackend) GetPlaybackAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// PlayedSamples returns every played sample in playback order
func (m *MockAudioBackend) PlayedSamples() []float32 {
	var out []float32
	for _, chunk := range m.GetPlaybackAudioData() {
		out = append(out, chunk...)
	}
	return out
}

// MaxConcurrentWrites reports the highest number of output writes that were
// in progress at the same instant
func (m *MockAudioBackend) MaxConcurrentWrites() int {
	return int(m.maxWrites.Load())
}

// OpenStreams returns the number of streams not yet closed
func (m *MockAudioBackend) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// LastInputStream returns the most recently created input stream
func (m *MockAudioBackend) LastInputStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInput
}

// LastOutputStream returns the most recently created output stream
func (m *MockAudioBackend) LastOutputStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOutput
}

// IsInitialized reports whether Initialize succeeded and Terminate has not run
func (m *MockAudioBackend) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate terminates the mock audio subsystem
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		m.mu.Unlock()
		return m.terminateError
	}

	var streams []*MockStream
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}

	// Release the lock before calling Stop/Close to avoid deadlocks
	m.mu.Unlock()

	for _, stream := range streams {
		_ = stream.Stop()  // Ignore errors during cleanup
		_ = stream.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// CreateInputStream creates a mock input stream
func (m *MockAudioBackend) CreateInputStream(sampleRate float64, channels, bufferSize int, callback InputCallback) (StreamInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}

	if m.inputStreamError != nil {
		return nil, m.inputStreamError
	}

	stream := m.newStream(fmt.Sprintf("input_%d", m.streamCounter), sampleRate, channels, bufferSize, true)
	stream.callback = callback
	stream.generator = m.inputGenerator
	m.lastInput = stream
	return stream, nil
}

// CreateOutputStream creates a mock output stream
func (m *MockAudioBackend) CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}

	if m.outputStreamError != nil {
		return nil, m.outputStreamError
	}

	stream := m.newStream(fmt.Sprintf("output_%d", m.streamCounter), sampleRate, channels, bufferSize, false)
	m.lastOutput = stream
	return stream, nil
}

// newStream must be called with m.mu held
func (m *MockAudioBackend) newStream(id string, sampleRate float64, channels, bufferSize int, isInput bool) *MockStream {
	m.streamCounter++
	stream := &MockStream{
		id:                 id,
		backend:            m,
		sampleRate:         sampleRate,
		channels:           channels,
		bufferSize:         bufferSize,
		isInput:            isInput,
		isOpen:             true,
		simulateRealTiming: m.simulateRealTiming,
		stopChannel:        make(chan struct{}),
	}
	m.streams[id] = stream
	return stream
}

// MockStream implements StreamInterface for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	sampleRate         float64
	channels           int
	bufferSize         int
	isInput            bool
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	callback           InputCallback
	generator          func([]float32)
	stopChannel        chan struct{}
	startError         error
	writeError         error
	writeStatus        error
	written            int
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetWriteError configures the stream to return an error on Write()
func (m *MockStream) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetNextWriteStatus makes the next Write play its data and then return err,
// the way a device reports an underflow
func (m *MockStream) SetNextWriteStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeStatus = err
}

// SampleRate returns the rate the stream was opened with
func (m *MockStream) SampleRate() float64 { return m.sampleRate }

// BufferSize returns the frames per buffer the stream was opened with
func (m *MockStream) BufferSize() int { return m.bufferSize }

// IsActive returns true if the mock stream is started
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

// IsOpen returns true until Close is called
func (m *MockStream) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOpen
}

// SamplesWritten returns the number of samples written to an output stream
func (m *MockStream) SamplesWritten() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// Feed delivers one block of samples to the input callback the way a device
// thread would. It reports false when the stream is not running.
func (m *MockStream) Feed(samples []float32) bool {
	m.mu.Lock()
	active := m.isActive && m.isInput
	callback := m.callback
	m.mu.Unlock()

	if !active || callback == nil {
		return false
	}
	callback(samples)
	return true
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}

	if !m.isOpen {
		return fmt.Errorf("stream not open")
	}

	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true
	m.stopChannel = make(chan struct{})

	if m.isInput && m.generator != nil {
		go m.simulateAudioInput(m.stopChannel)
	}

	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActive {
		return nil
	}

	m.isActive = false
	close(m.stopChannel)
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	if !m.isOpen {
		m.mu.Unlock()
		return nil // Already closed
	}

	m.isOpen = false
	if m.isActive {
		m.isActive = false
		close(m.stopChannel)
	}
	m.mu.Unlock()

	m.backend.mu.Lock()
	delete(m.backend.streams, m.id)
	m.backend.mu.Unlock()

	return nil
}

// Write records data as played audio
func (m *MockStream) Write(data []float32) error {
	m.mu.Lock()
	if m.writeError != nil {
		m.mu.Unlock()
		return m.writeError
	}
	if !m.isOpen {
		m.mu.Unlock()
		return fmt.Errorf("stream not open")
	}
	if m.isInput {
		m.mu.Unlock()
		return fmt.Errorf("cannot write to input stream")
	}
	m.written += len(data)
	simulate := m.simulateRealTiming
	status := m.writeStatus
	m.writeStatus = nil
	m.mu.Unlock()

	active := m.backend.activeWrites.Add(1)
	defer m.backend.activeWrites.Add(-1)
	for {
		peak := m.backend.maxWrites.Load()
		if active <= peak || m.backend.maxWrites.CompareAndSwap(peak, active) {
			break
		}
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, dataCopy)
	m.backend.mu.Unlock()

	if simulate {
		duration := time.Duration(float64(len(data)) / m.sampleRate * float64(time.Second))
		time.Sleep(duration)
	}

	return status
}

// simulateAudioInput runs in background to simulate continuous audio input
func (m *MockStream) simulateAudioInput(stop <-chan struct{}) {
	buffer := make([]float32, m.bufferSize*m.channels)
	ticker := time.NewTicker(time.Duration(float64(m.bufferSize) / m.sampleRate * float64(time.Second)))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			generator := m.generator
			callback := m.callback
			m.mu.Unlock()

			generator(buffer)
			callback(buffer)
		}
	}
}

// SineGenerator returns an input generator producing a continuous tone
func SineGenerator(frequency, amplitude, sampleRate float64) func([]float32) {
	var phase float64
	step := 2 * math.Pi * frequency / sampleRate
	return func(buf []float32) {
		for i := range buf {
			buf[i] = float32(amplitude * math.Sin(phase))
			phase += step
		}
	}
}
