// MIT License
//
// Copyright (c) 2024 vHive team
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package metrics exposes counters for guest device and lifeline lifecycle
// events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event labels used by the guest services.
const (
	EventAdded     = "added"
	EventRemoved   = "removed"
	EventAddFailed = "add_failed"

	EventRegistered = "registered"
	EventClosed     = "closed"
	EventTornDown   = "torn_down"
)

// Recorder counts lifecycle events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// DeviceEvent counts a guest device event. service identifies the
	// guest service ("guest", "vmnet"), event the transition.
	DeviceEvent(service, event string)
	// LifelineEvent counts a client lifeline event.
	LifelineEvent(event string)
}

// PrometheusRecorder implements Recorder on prometheus counters.
type PrometheusRecorder struct {
	deviceEvents   *prometheus.CounterVec
	lifelineEvents *prometheus.CounterVec
}

// NewPrometheusRecorder registers the counters with reg and returns the
// recorder.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		deviceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guestnet_device_events_total",
			Help: "Guest device lifecycle events by service and event type.",
		}, []string{"service", "event"}),
		lifelineEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guestnet_lifeline_events_total",
			Help: "Client lifeline lifecycle events by event type.",
		}, []string{"event"}),
	}
}

func (r *PrometheusRecorder) DeviceEvent(service, event string) {
	r.deviceEvents.WithLabelValues(service, event).Inc()
}

func (r *PrometheusRecorder) LifelineEvent(event string) {
	r.lifelineEvents.WithLabelValues(event).Inc()
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) DeviceEvent(service, event string) {}

func (NopRecorder) LifelineEvent(event string) {}
