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

// Package metrics exposes voice session counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

// Collector implements the pipeline's metrics hooks
type Collector struct {
	framesCaptured   prometheus.Counter
	framesSent       prometheus.Counter
	framesDropped    *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	controlEvents    *prometheus.CounterVec

	connectionState       prometheus.Gauge
	connectionTransitions *prometheus.CounterVec

	playbackItems      *prometheus.CounterVec
	playbackQueueDepth prometheus.Gauge
}

// NewCollector registers the collector's metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		framesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total number of microphone frames captured",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of audio frames written to the backend",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of captured frames dropped before sending",
		}, []string{"reason"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from the backend",
		}, []string{"kind"}),
		controlEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_events_total",
			Help:      "Total number of control events routed",
		}, []string{"type"}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected, 1=connecting, 2=open, 3=closed)",
		}),
		connectionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Total number of connection state transitions",
		}, []string{"state"}),
		playbackItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_items_total",
			Help:      "Total number of playback items by outcome",
		}, []string{"outcome"}),
		playbackQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Number of received items waiting for or in playback",
		}),
	}
}

func (c *Collector) FrameCaptured() { c.framesCaptured.Inc() }

func (c *Collector) FrameSent() { c.framesSent.Inc() }

func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) MessageReceived(kind string) {
	c.messagesReceived.WithLabelValues(kind).Inc()
}

func (c *Collector) ControlEvent(eventType string) {
	c.controlEvents.WithLabelValues(eventType).Inc()
}

func (c *Collector) ConnectionStateChanged(state transport.State) {
	c.connectionState.Set(float64(state))
	c.connectionTransitions.WithLabelValues(state.String()).Inc()
}

func (c *Collector) PlaybackStarted() {
	c.playbackItems.WithLabelValues("started").Inc()
}

func (c *Collector) PlaybackCompleted() {
	c.playbackItems.WithLabelValues("completed").Inc()
}

func (c *Collector) PlaybackSkipped() {
	c.playbackItems.WithLabelValues("skipped").Inc()
}

// PlaybackFlushed counts the items discarded by a flush
func (c *Collector) PlaybackFlushed(discarded int) {
	c.playbackItems.WithLabelValues("flushed").Add(float64(discarded))
}

func (c *Collector) PlaybackQueueDepth(depth int) {
	c.playbackQueueDepth.Set(float64(depth))
}
