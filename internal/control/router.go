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

// Package control decodes the textual control messages sent by the
// conversational backend and forwards the ones the client understands.
package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// TypeStageUpdate announces that the conversation moved to a new stage.
const TypeStageUpdate = "stage_update"

// ErrMalformedControlMessage marks a text message that is not a control event.
var ErrMalformedControlMessage = errors.New("malformed control message")

// Event is a non-audio message from the backend. Types other than
// TypeStageUpdate are reserved and accepted without effect.
type Event struct {
	Type  string `json:"type"`
	Stage string `json:"stage,omitempty"`
}

// ParseEvent decodes a JSON control message. Anything that is not a JSON object
// with a non-empty string "type" wraps ErrMalformedControlMessage.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedControlMessage, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedControlMessage)
	}
	return ev, nil
}

// StageFunc is notified with the new stage name. It must not block.
type StageFunc func(stage string)

// Router forwards recognized events to the registered listeners
type Router struct {
	listeners []StageFunc
	logger    *zap.Logger
}

// NewRouter creates a router. Nil listeners are ignored.
func NewRouter(logger *zap.Logger, listeners ...StageFunc) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{logger: logger.With(zap.String("component", "control"))}
	for _, l := range listeners {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
	return r
}

// Route delivers a stage_update to every listener exactly once and ignores
// every other event type.
func (r *Router) Route(ev Event) {
	switch ev.Type {
	case TypeStageUpdate:
		r.logger.Info("🎯 stage update", zap.String("stage", ev.Stage))
		for _, notify := range r.listeners {
			notify(ev.Stage)
		}
	default:
		r.logger.Debug("ignoring control event", zap.String("type", ev.Type))
	}
}
