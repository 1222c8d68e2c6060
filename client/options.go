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

import (
	"log/slog"
	"time"

	"github.com/edgeo-scada/uabridge"
)

// Option is a functional option for configuring the client role.
type Option func(*clientOptions)

type clientOptions struct {
	endpoint uabridge.Endpoint

	// Store layout
	namespace string

	// Reconnection settings
	reconnectInterval    time.Duration
	maxReconnectInterval time.Duration
	probeTimeout         time.Duration

	// Subscription settings
	limit   int
	channel ChannelParams
	monitor MonitorParams

	// Local change forwarding
	sendAckToo bool
	onChange   bool

	// Callbacks
	onConnect     func()
	onDisconnect  func(error)
	onStateChange func(from, to uabridge.ConnectionState)

	logger  *slog.Logger
	metrics *Metrics
}

const (
	// DefaultReconnectInterval is the delay before a reconnection attempt.
	DefaultReconnectInterval = 5 * time.Second

	// DefaultProbeTimeout bounds a one-shot connection test.
	DefaultProbeTimeout = 2 * time.Second

	// DefaultLimit is the default maximum number of monitored points.
	DefaultLimit = 10000

	// DefaultNamespace prefixes every point the client role owns.
	DefaultNamespace = "opcua.0"
)

func defaultOptions() *clientOptions {
	return &clientOptions{
		endpoint: uabridge.Endpoint{
			SecurityPolicy: uabridge.SecurityPolicyNone,
			SecurityMode:   uabridge.MessageSecurityModeNone,
			AuthType:       uabridge.AuthTypeAnonymous,
			RequestTimeout: uabridge.DefaultTimeout,
			SessionTimeout: time.Hour,
		},
		namespace:         DefaultNamespace,
		reconnectInterval: DefaultReconnectInterval,
		probeTimeout:      DefaultProbeTimeout,
		limit:             DefaultLimit,
		channel: ChannelParams{
			PublishingInterval:         time.Second,
			KeepAliveCount:             2,
			LifetimeCount:              10,
			MaxNotificationsPerPublish: 10,
			Priority:                   10,
		},
		monitor: MonitorParams{
			SamplingInterval: 100 * time.Millisecond,
			QueueSize:        10,
			DiscardOldest:    true,
			Timestamps:       TimestampsSource,
		},
		logger: slog.Default(),
	}
}

func buildOptions(opts []Option) *clientOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.maxReconnectInterval < o.reconnectInterval {
		o.maxReconnectInterval = o.reconnectInterval
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	return o
}

// WithEndpoint sets the remote endpoint.
func WithEndpoint(ep uabridge.Endpoint) Option {
	return func(o *clientOptions) {
		if ep.RequestTimeout == 0 {
			ep.RequestTimeout = o.endpoint.RequestTimeout
		}
		if ep.SessionTimeout == 0 {
			ep.SessionTimeout = o.endpoint.SessionTimeout
		}
		if ep.SecurityPolicy == "" {
			ep.SecurityPolicy = uabridge.SecurityPolicyNone
		}
		if ep.SecurityMode == uabridge.MessageSecurityModeInvalid {
			ep.SecurityMode = uabridge.DefaultSecurityMode(ep.AuthType)
		}
		o.endpoint = ep
	}
}

// WithNamespace sets the store namespace, e.g. "opcua.0".
func WithNamespace(ns string) Option {
	return func(o *clientOptions) {
		o.namespace = ns
	}
}

// WithReconnectInterval sets the delay before reconnecting.
func WithReconnectInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.reconnectInterval = d
		}
	}
}

// WithMaxReconnectInterval enables exponential backoff between failed
// attempts, capped at d.
func WithMaxReconnectInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxReconnectInterval = d
	}
}

// WithProbeTimeout sets the timeout of a connection test.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

// WithLimit sets the maximum number of monitored points.
func WithLimit(n int) Option {
	return func(o *clientOptions) {
		if n >= 0 {
			o.limit = n
		}
	}
}

// WithChannelParams overrides the subscription parameters.
func WithChannelParams(p ChannelParams) Option {
	return func(o *clientOptions) {
		o.channel = p
	}
}

// WithMonitorParams overrides the monitored item parameters.
func WithMonitorParams(p MonitorParams) Option {
	return func(o *clientOptions) {
		if p.QueueSize == 0 {
			p.QueueSize = 1
		}
		o.monitor = p
	}
}

// WithSendAckToo forwards acknowledged local changes to the server as well.
func WithSendAckToo(enable bool) Option {
	return func(o *clientOptions) {
		o.sendAckToo = enable
	}
}

// WithOnChange forwards local changes only when value or ack changed.
func WithOnChange(enable bool) Option {
	return func(o *clientOptions) {
		o.onChange = enable
	}
}

// WithOnConnect sets the callback for successful connections.
func WithOnConnect(fn func()) Option {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets the callback for disconnections.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// WithOnStateChange sets the callback for session state transitions.
func WithOnStateChange(fn func(from, to uabridge.ConnectionState)) Option {
	return func(o *clientOptions) {
		o.onStateChange = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics shares a metrics instance between components.
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}
