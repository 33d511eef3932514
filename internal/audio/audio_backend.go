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

import "errors"

var (
	// ErrDeviceUnavailable is returned when the audio device cannot be acquired.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrUndecodablePlaybackItem marks a playback buffer that is not 16-bit PCM.
	ErrUndecodablePlaybackItem = errors.New("undecodable playback item")

	// ErrOutputUnderflow is returned by Write when the device ran dry before the
	// data arrived. The data was still played.
	ErrOutputUnderflow = errors.New("output underflowed")
)

// AudioBackend provides an abstraction layer for audio operations
// This enables dependency injection and makes testing hardware-independent
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// CreateInputStream opens a capture stream. The callback is invoked from the
	// device thread once per block of bufferSize frames while the stream runs.
	CreateInputStream(sampleRate float64, channels, bufferSize int, callback InputCallback) (StreamInterface, error)

	// CreateOutputStream opens a blocking playback stream
	CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error)
}

// StreamInterface abstracts audio stream operations
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream after pending buffers have been played
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// Write blocks until data has been handed to the output device. An output
	// underflow is reported as ErrOutputUnderflow after all of data is written.
	Write(data []float32) error
}

// InputCallback receives one block of captured samples. The slice is reused by
// the backend after the callback returns.
type InputCallback func(in []float32)
