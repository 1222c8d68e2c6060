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

package control

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/edgeo-scada/uabridge"
)

// Namespace prefixes every exported metric.
const Namespace = "uabridge"

// gauges are the snapshot keys that go up and down.
var gauges = map[string]bool{
	"active_monitors": true,
	"points":          true,
}

// MetricsSource is a component exposing a metrics snapshot.
type MetricsSource interface {
	Collect() map[string]interface{}
	Histograms() map[string]*uabridge.LatencyHistogram
}

// Collector exports a MetricsSource to Prometheus. Counters get a "_total"
// suffix and latency histograms are exported in seconds.
type Collector struct {
	subsystem string
	src       MetricsSource
	state     func() uabridge.ConnectionState
}

// NewCollector creates a collector for src under subsystem, e.g. "client".
func NewCollector(subsystem string, src MetricsSource) *Collector {
	return &Collector{subsystem: subsystem, src: src}
}

// WithState adds a gauge reporting the connection state.
func (c *Collector) WithState(fn func() uabridge.ConnectionState) *Collector {
	c.state = fn
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Collect()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := snap[k].(int64)
		if !ok {
			continue
		}
		name, typ := k+"_total", prometheus.CounterValue
		if gauges[k] {
			name, typ = k, prometheus.GaugeValue
		}
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, c.subsystem, name),
			"uabridge "+c.subsystem+" "+k,
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, typ, float64(v))
	}

	hists := c.src.Histograms()
	names := make([]string, 0, len(hists))
	for k := range hists {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		buckets, count, sum := hists[k].Cumulative()
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, c.subsystem, k+"_seconds"),
			"uabridge "+c.subsystem+" "+k+" in seconds",
			nil, nil,
		)
		ch <- prometheus.MustNewConstHistogram(desc, count, sum, buckets)
	}

	if c.state != nil {
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, c.subsystem, "connection_state"),
			"Session state (0 disconnected, 1 connecting, 2 session active, 3 subscription active, 4 closing)",
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(c.state()))
	}
}

// NewRegistry returns a registry holding the given collectors plus the Go
// runtime and process collectors.
func NewRegistry(cs ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range cs {
		reg.MustRegister(c)
	}
	return reg
}
