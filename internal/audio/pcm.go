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
	"encoding/binary"
	"fmt"
)

// Fixed wire format in both directions: mono 16-bit little-endian PCM at 24 kHz.
const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2
)

// EncodePCM16 converts float samples to int16. Samples are clamped to [-1, 1];
// negative values scale by 32768 and the rest by 32767, truncating toward zero.
func EncodePCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, sample := range samples {
		s := float64(sample)
		if s != s { // NaN
			s = 0
		}
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// Int16ToBytes serializes samples as little-endian bytes
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(sample)) //nolint:gosec // G115: two's complement reinterpretation
	}
	return data
}

// BytesToInt16 parses little-endian samples. A trailing odd byte is ignored.
func BytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])) //nolint:gosec // G115: two's complement reinterpretation
	}
	return out
}

// DecodePCM16 converts little-endian int16 bytes to floats by dividing by 32768.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])) //nolint:gosec // G115: two's complement reinterpretation
		out[i] = float32(float64(sample) / 32768.0)
	}
	return out
}

// ValidatePCM16 reports whether data can be played as whole 16-bit samples
func ValidatePCM16(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrUndecodablePlaybackItem)
	}
	if len(data)%BytesPerSample != 0 {
		return fmt.Errorf("%w: odd byte count %d", ErrUndecodablePlaybackItem, len(data))
	}
	return nil
}
