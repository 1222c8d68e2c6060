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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS control surface.
type NATSConfig struct {
	URL    string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// NATSServer answers control requests on "<prefix>.<command>" subjects.
type NATSServer struct {
	nc     *nats.Conn
	ctrl   *Controller
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSServer creates a NATS control surface. The connection stays owned
// by the caller.
func NewNATSServer(nc *nats.Conn, ctrl *Controller, prefix string, logger *slog.Logger) *NATSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSServer{
		nc:     nc,
		ctrl:   ctrl,
		prefix: prefix,
		logger: logger.With(slog.String("component", "control.nats")),
	}
}

// Subject returns the subject a command is served on.
func (s *NATSServer) Subject(command string) string {
	return s.prefix + "." + command
}

// Start subscribes to every command subject.
func (s *NATSServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range Commands() {
		sub, err := s.nc.Subscribe(s.Subject(cmd), s.handler(cmd))
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", s.Subject(cmd), err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("control surface listening", slog.String("prefix", s.prefix))
	return nil
}

func (s *NATSServer) handler(command string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reqID := uuid.NewString()
		s.logger.Debug("control request",
			slog.String("command", command),
			slog.String("request", reqID))

		resp := s.ctrl.Handle(context.Background(), command, msg.Data)
		data, err := json.Marshal(resp)
		if err != nil {
			data, _ = json.Marshal(Response{Error: err.Error()})
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("cannot respond",
				slog.String("command", command),
				slog.String("request", reqID),
				slog.Any("error", err))
		}
	}
}

// Close unsubscribes from every subject.
func (s *NATSServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
	return nil
}

func (s *NATSServer) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("cannot unsubscribe", slog.String("subject", sub.Subject), slog.Any("error", err))
		}
	}
	s.subs = nil
}
