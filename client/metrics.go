// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import "github.com/edgeo-scada/uabridge"

// Metrics holds client role metrics.
type Metrics struct {
	Connects           uabridge.Counter
	ConnectErrors      uabridge.Counter
	Reconnections      uabridge.Counter
	Disconnects        uabridge.Counter
	Subscribes         uabridge.Counter
	SubscribeErrors    uabridge.Counter
	CapacityRejections uabridge.Counter
	Unsubscribes       uabridge.Counter
	ActiveMonitors     uabridge.Counter
	ValuesMirrored     uabridge.Counter
	InvalidUpdates     uabridge.Counter
	QueueDrops         uabridge.Counter
	Reads              uabridge.Counter
	ReadErrors         uabridge.Counter
	Writes             uabridge.Counter
	WriteErrors        uabridge.Counter
	Browses            uabridge.Counter
	BrowseErrors       uabridge.Counter

	BrowseLatency *uabridge.LatencyHistogram
	WriteLatency  *uabridge.LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		BrowseLatency: uabridge.NewLatencyHistogram(),
		WriteLatency:  uabridge.NewLatencyHistogram(),
	}
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"connects":            m.Connects.Value(),
		"connect_errors":      m.ConnectErrors.Value(),
		"reconnections":       m.Reconnections.Value(),
		"disconnects":         m.Disconnects.Value(),
		"subscribes":          m.Subscribes.Value(),
		"subscribe_errors":    m.SubscribeErrors.Value(),
		"capacity_rejections": m.CapacityRejections.Value(),
		"unsubscribes":        m.Unsubscribes.Value(),
		"active_monitors":     m.ActiveMonitors.Value(),
		"values_mirrored":     m.ValuesMirrored.Value(),
		"invalid_updates":     m.InvalidUpdates.Value(),
		"queue_drops":         m.QueueDrops.Value(),
		"reads":               m.Reads.Value(),
		"read_errors":         m.ReadErrors.Value(),
		"writes":              m.Writes.Value(),
		"write_errors":        m.WriteErrors.Value(),
		"browses":             m.Browses.Value(),
		"browse_errors":       m.BrowseErrors.Value(),
		"browse_latency":      m.BrowseLatency.Stats(),
		"write_latency":       m.WriteLatency.Stats(),
	}
}

// Histograms returns the latency histograms by name.
func (m *Metrics) Histograms() map[string]*uabridge.LatencyHistogram {
	return map[string]*uabridge.LatencyHistogram{
		"browse_latency": m.BrowseLatency,
		"write_latency":  m.WriteLatency,
	}
}
