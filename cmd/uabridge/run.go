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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uabridge"
	"github.com/edgeo-scada/uabridge/client"
	"github.com/edgeo-scada/uabridge/control"
	"github.com/edgeo-scada/uabridge/internal/config"
	"github.com/edgeo-scada/uabridge/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge in the configured role",
	Long: `Run the bridge until interrupted.

The client role keeps a session to --endpoint and mirrors every catalogued
point. The server role listens on server.host:server.port and exposes the
points matching the publish patterns.

Examples:
  uabridge run -e opc.tcp://plc:4840 --store redis
  uabridge run --role server --http :9090
  UABRIDGE_STORE_KIND=nats uabridge run --config /etc/uabridge.yaml`,
	RunE: runRun,
}

func init() {
	flags := runCmd.Flags()
	flags.Int("limit", client.DefaultLimit, "Maximum number of monitored or published points")
	flags.Bool("send-ack-too", false, "Forward acknowledged store values too")
	flags.Bool("on-change", false, "Forward store values only when value or ack changed")
	flags.String("publish", "*", "Comma-separated patterns of points exposed by the server role")
	flags.Int("port", 4840, "Server role listen port")
	flags.String("http", "", "Address of the HTTP control and metrics surface, e.g. :9090")
	flags.String("nats", "", "NATS URL of the request-reply control surface")

	for key, flag := range map[string]string{
		"limit":             "limit",
		"send_ack_too":      "send-ack-too",
		"on_change":         "on-change",
		"publish":           "publish",
		"server.port":       "port",
		"control.http.addr": "http",
		"control.nats.url":  "nats",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	if cfgFile != "" {
		config.Watch(v, logLevel, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info("starting bridge",
		slog.String("role", cfg.Role),
		slog.String("namespace", cfg.Namespace),
		slog.String("store", cfg.Store.Kind))

	if cfg.Role == config.RoleServer {
		return runServer(ctx, st)
	}
	return runClient(ctx, st)
}

func runClient(ctx context.Context, st uabridge.Store) error {
	opts, err := clientOptions()
	if err != nil {
		return err
	}
	metrics := client.NewMetrics()
	b := client.New(st, client.NewGopcuaDialer(logger), append(opts, client.WithMetrics(metrics))...)

	ctrl := control.NewController(b, control.WithLogger(logger))
	reg := control.NewRegistry(control.NewCollector("client", metrics).WithState(b.State))
	shutdown, err := startControl(ctrl, reg)
	if err != nil {
		return err
	}
	defer shutdown()

	return b.Run(ctx)
}

func runServer(ctx context.Context, st uabridge.Store) error {
	opts, err := serverOptions()
	if err != nil {
		return err
	}
	metrics := server.NewMetrics()
	opts = append(opts, server.WithMetrics(metrics))

	space, err := server.NewGopcuaSpace(opts...)
	if err != nil {
		return err
	}
	builder := server.New(st, space, opts...)

	reg := control.NewRegistry(control.NewCollector("server", metrics))
	shutdown, err := startControl(nil, reg)
	if err != nil {
		return err
	}
	defer shutdown()

	return builder.Run(ctx)
}

// startControl starts the configured control surfaces. ctrl is nil in the
// server role, which only exports metrics.
func startControl(ctrl *control.Controller, reg *prometheus.Registry) (func(), error) {
	var stops []func()
	shutdown := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if addr := cfg.Control.HTTP.Addr; addr != "" {
		srv := control.NewHTTPServer(addr, ctrl, reg, logger)
		srv.Start()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown failed", slog.Any("error", err))
			}
		})
	}

	if url := cfg.Control.NATS.URL; url != "" && ctrl != nil {
		nc, err := nats.Connect(url, nats.Name("uabridge-control"))
		if err != nil {
			shutdown()
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		srv := control.NewNATSServer(nc, ctrl, cfg.Control.NATS.Prefix, logger)
		if err := srv.Start(); err != nil {
			nc.Close()
			shutdown()
			return nil, err
		}
		stops = append(stops, func() {
			_ = srv.Close()
			nc.Close()
		})
	}
	return shutdown, nil
}
