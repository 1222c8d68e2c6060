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

import (
	"log/slog"
	"strings"

	"github.com/edgeo-scada/uabridge"
)

// Option is a functional option for configuring the server role.
type Option func(*serverOptions)

type serverOptions struct {
	host      string
	port      int
	name      string
	namespace string
	limit     int
	publish   []string

	securityPolicy uabridge.SecurityPolicy
	securityMode   uabridge.MessageSecurityMode
	certFile       string
	keyFile        string
	applicationURI string

	logger  *slog.Logger
	metrics *Metrics
}

const (
	// DefaultName is the resource name advertised by the server.
	DefaultName = "uabridge"

	// DefaultLimit is the default maximum number of exposed points.
	DefaultLimit = 10000

	// DefaultNamespace prefixes the points the server role owns.
	DefaultNamespace = "opcua.0"
)

func defaultOptions() *serverOptions {
	return &serverOptions{
		host:           "0.0.0.0",
		port:           uabridge.DefaultPort,
		name:           DefaultName,
		namespace:      DefaultNamespace,
		limit:          DefaultLimit,
		publish:        []string{"*"},
		securityPolicy: uabridge.SecurityPolicyNone,
		securityMode:   uabridge.MessageSecurityModeNone,
		logger:         slog.Default(),
	}
}

func buildOptions(opts []Option) *serverOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	return o
}

// WithListenAddress sets the host and port the server listens on.
func WithListenAddress(host string, port int) Option {
	return func(o *serverOptions) {
		if host != "" {
			o.host = host
		}
		if port > 0 {
			o.port = port
		}
	}
}

// WithName sets the server name.
func WithName(name string) Option {
	return func(o *serverOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithNamespace sets the store namespace, e.g. "opcua.0".
func WithNamespace(ns string) Option {
	return func(o *serverOptions) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithLimit caps the number of exposed points.
func WithLimit(n int) Option {
	return func(o *serverOptions) {
		if n >= 0 {
			o.limit = n
		}
	}
}

// WithPublish sets the patterns of the points to expose. A comma-separated
// list is accepted in each entry.
func WithPublish(patterns ...string) Option {
	return func(o *serverOptions) {
		var out []string
		for _, p := range patterns {
			for _, s := range strings.Split(p, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		if len(out) > 0 {
			o.publish = out
		}
	}
}

// WithSecurity sets the security policy and mode.
func WithSecurity(policy uabridge.SecurityPolicy, mode uabridge.MessageSecurityMode) Option {
	return func(o *serverOptions) {
		o.securityPolicy = policy
		o.securityMode = mode
	}
}

// WithCertificate sets the PEM certificate and private key files.
func WithCertificate(certFile, keyFile string) Option {
	return func(o *serverOptions) {
		o.certFile = certFile
		o.keyFile = keyFile
	}
}

// WithApplicationURI sets the application URI of the server.
func WithApplicationURI(uri string) Option {
	return func(o *serverOptions) {
		o.applicationURI = uri
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics shares a metrics instance.
func WithMetrics(m *Metrics) Option {
	return func(o *serverOptions) {
		o.metrics = m
	}
}
