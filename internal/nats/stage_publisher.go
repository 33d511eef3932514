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

package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voice-go/internal/control"
)

// DefaultSubjectPrefix is prepended to the session id to form the subject
const DefaultSubjectPrefix = "voice.stage"

// StageMessage is published for every stage_update received from the backend
type StageMessage struct {
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// StageConnection interface for dependency injection
type StageConnection interface {
	Publish(subject string, data []byte) error
	Close()
}

// StageConnectionAdapter adapts *nats.Conn to StageConnection interface
type StageConnectionAdapter struct {
	conn *nats.Conn
}

func NewStageConnectionAdapter(conn *nats.Conn) *StageConnectionAdapter {
	return &StageConnectionAdapter{conn: conn}
}

func (a *StageConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *StageConnectionAdapter) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

// StagePublisher mirrors pipeline stage changes onto NATS so other services
// can follow a conversation's progress
type StagePublisher struct {
	conn   StageConnection
	prefix string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewStagePublisher connects to natsURL. A single attempt is made; stage
// mirroring is optional, so callers decide whether to run without it.
func NewStagePublisher(natsURL, prefix string, logger *zap.Logger) (*StagePublisher, error) {
	nc, err := nats.Connect(natsURL, nats.Name("loqa-voice"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	p := NewStagePublisherWithConnection(NewStageConnectionAdapter(nc), prefix, logger)
	p.logger.Info("✅ connected to NATS", zap.String("url", natsURL))
	return p, nil
}

// NewStagePublisherWithConnection creates a publisher over an existing connection
func NewStagePublisherWithConnection(conn StageConnection, prefix string, logger *zap.Logger) *StagePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &StagePublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With(zap.String("component", "nats")),
		now:    time.Now,
	}
}

// Subject returns the subject stage updates for sessionID are published on
func (p *StagePublisher) Subject(sessionID string) string {
	return p.prefix + "." + subjectToken(sessionID)
}

// StageFunc returns a stage listener bound to sessionID
func (p *StagePublisher) StageFunc(sessionID string) control.StageFunc {
	subject := p.Subject(sessionID)
	return func(stage string) {
		if err := p.publish(subject, sessionID, stage); err != nil {
			p.logger.Warn("⚠️ failed to publish stage", zap.String("subject", subject), zap.Error(err))
		}
	}
}

func (p *StagePublisher) publish(subject, sessionID, stage string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.conn == nil {
		return nats.ErrConnectionClosed
	}

	data, err := json.Marshal(StageMessage{
		SessionID: sessionID,
		Stage:     stage,
		Timestamp: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal stage message: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return err
	}
	p.logger.Debug("📤 published stage", zap.String("subject", subject), zap.String("stage", stage))
	return nil
}

// Close closes the NATS connection
func (p *StagePublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.conn != nil {
		p.conn.Close()
		p.logger.Info("🔌 NATS connection closed")
	}
}

// subjectToken makes a session id safe to use as one subject token
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>':
			return '_'
		case r <= ' ':
			return '_'
		}
		return r
	}, id)
}
