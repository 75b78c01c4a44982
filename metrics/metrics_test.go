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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.DeviceEvent("guest", EventAdded)
	r.DeviceEvent("guest", EventAdded)
	r.DeviceEvent("vmnet", EventRemoved)
	r.LifelineEvent(EventRegistered)

	require.Equal(t, float64(2),
		testutil.ToFloat64(r.deviceEvents.WithLabelValues("guest", EventAdded)))
	require.Equal(t, float64(1),
		testutil.ToFloat64(r.deviceEvents.WithLabelValues("vmnet", EventRemoved)))
	require.Equal(t, float64(1),
		testutil.ToFloat64(r.lifelineEvents.WithLabelValues(EventRegistered)))
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	r.DeviceEvent("guest", EventAdded)
	r.LifelineEvent(EventClosed)
}
