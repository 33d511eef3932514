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

package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
)

// Envelope is the text message carrying one captured frame to the backend:
// {"bytes": "<base64 of little-endian int16 PCM>"}
type Envelope struct {
	Bytes string `json:"bytes"`
}

// EncodeEnvelope serializes a frame for transmission
func EncodeEnvelope(frame audio.Frame) ([]byte, error) {
	env := Envelope{Bytes: base64.StdEncoding.EncodeToString(frame.Bytes())}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope recovers the samples carried by an envelope
func DecodeEnvelope(data []byte) ([]int16, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope payload: %w", err)
	}
	if len(raw)%audio.BytesPerSample != 0 {
		return nil, fmt.Errorf("envelope payload has odd length %d", len(raw))
	}
	return audio.BytesToInt16(raw), nil
}
