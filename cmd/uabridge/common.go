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

package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/edgeo-scada/uabridge"
	"github.com/edgeo-scada/uabridge/client"
	"github.com/edgeo-scada/uabridge/internal/config"
	"github.com/edgeo-scada/uabridge/server"
	"github.com/edgeo-scada/uabridge/store"
)

// openStore opens the configured state store.
func openStore() (uabridge.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	switch cfg.Store.Kind {
	case config.StoreRedis:
		return store.NewRedis(cfg.Store.Redis, opts...)
	case config.StoreNATS:
		return store.NewNATSKV(cfg.Store.NATS, opts...)
	default:
		return store.NewMemory(opts...), nil
	}
}

// clientOptions builds the client role options from the configuration.
func clientOptions() ([]client.Option, error) {
	ep, err := cfg.Client.Endpoint()
	if err != nil {
		return nil, err
	}
	if ep.SecurityMode != uabridge.MessageSecurityModeNone && ep.SecurityPolicy == uabridge.SecurityPolicyNone {
		return nil, fmt.Errorf("security mode %s requires a security policy other than None", ep.SecurityMode)
	}
	return []client.Option{
		client.WithEndpoint(ep),
		client.WithNamespace(cfg.Namespace),
		client.WithLimit(cfg.Limit),
		client.WithReconnectInterval(cfg.Client.ReconnectInterval),
		client.WithMaxReconnectInterval(cfg.Client.MaxReconnectInterval),
		client.WithSendAckToo(cfg.SendAckToo),
		client.WithOnChange(cfg.OnChange),
		client.WithLogger(logger),
	}, nil
}

// serverOptions builds the server role options from the configuration.
func serverOptions() ([]server.Option, error) {
	policy, err := uabridge.ParseSecurityPolicy(cfg.Server.SecurityPolicy)
	if err != nil {
		return nil, err
	}
	mode, err := uabridge.ParseSecurityMode(cfg.Server.SecurityMode)
	if err != nil {
		return nil, err
	}
	if mode == uabridge.MessageSecurityModeInvalid {
		mode = uabridge.MessageSecurityModeNone
		if policy != uabridge.SecurityPolicyNone {
			mode = uabridge.MessageSecurityModeSignAndEncrypt
		}
	}
	opts := []server.Option{
		server.WithListenAddress(cfg.Server.Host, cfg.Server.Port),
		server.WithName(cfg.Server.Name),
		server.WithNamespace(cfg.Namespace),
		server.WithLimit(cfg.Limit),
		server.WithPublish(cfg.Publish),
		server.WithSecurity(policy, mode),
		server.WithLogger(logger),
	}
	if cfg.Server.CertFile != "" {
		opts = append(opts, server.WithCertificate(cfg.Server.CertFile, cfg.Server.KeyFile))
	}
	if cfg.Server.ApplicationURI != "" {
		opts = append(opts, server.WithApplicationURI(cfg.Server.ApplicationURI))
	}
	return opts, nil
}

// connect starts a bridge on a private memory store and waits until its
// session is active. stop shuts the bridge down.
func connect(ctx context.Context) (b *client.Bridge, stop func(), err error) {
	opts, err := clientOptions()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Client.URL == "" {
		return nil, nil, fmt.Errorf("no endpoint configured (use --endpoint)")
	}

	connected := make(chan struct{})
	var once sync.Once
	opts = append(opts, client.WithOnConnect(func() { once.Do(func() { close(connected) }) }))
	b = client.New(store.NewMemory(store.WithLogger(logger)), client.NewGopcuaDialer(logger), opts...)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(runCtx) }()
	stop = func() {
		cancel()
		<-done
	}

	select {
	case <-connected:
		return b, stop, nil
	case err := <-done:
		cancel()
		return nil, nil, err
	case <-ctx.Done():
		stop()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Client.URL, ctx.Err())
	}
}

// requestContext bounds a one-shot command by the request timeout plus the
// time needed to connect.
func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*cfg.Client.RequestTimeout+client.DefaultProbeTimeout)
}

// formatValue renders a value for terminal output.
func formatValue(val uabridge.Value) string {
	switch val.Kind() {
	case uabridge.KindNull:
		return "<null>"
	case uabridge.KindString:
		return fmt.Sprintf("%q", val.Text())
	default:
		return strings.TrimSpace(val.String())
	}
}
