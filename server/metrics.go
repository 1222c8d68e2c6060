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

package server

import "github.com/edgeo-scada/uabridge"

// Metrics holds server role metrics.
type Metrics struct {
	Points         uabridge.Counter
	SkippedPoints  uabridge.Counter
	Reads          uabridge.Counter
	Acks           uabridge.Counter
	AckErrors      uabridge.Counter
	Writes         uabridge.Counter
	WriteErrors    uabridge.Counter
	InvalidUpdates uabridge.Counter
	Refreshes      uabridge.Counter

	WriteLatency *uabridge.LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		WriteLatency: uabridge.NewLatencyHistogram(),
	}
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"points":          m.Points.Value(),
		"skipped_points":  m.SkippedPoints.Value(),
		"reads":           m.Reads.Value(),
		"acks":            m.Acks.Value(),
		"ack_errors":      m.AckErrors.Value(),
		"writes":          m.Writes.Value(),
		"write_errors":    m.WriteErrors.Value(),
		"invalid_updates": m.InvalidUpdates.Value(),
		"refreshes":       m.Refreshes.Value(),
		"write_latency":   m.WriteLatency.Stats(),
	}
}

// Histograms returns the latency histograms by name.
func (m *Metrics) Histograms() map[string]*uabridge.LatencyHistogram {
	return map[string]*uabridge.LatencyHistogram{
		"write_latency": m.WriteLatency,
	}
}
