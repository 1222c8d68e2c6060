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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeo-scada/uabridge"
)

// HTTPConfig configures the HTTP control surface.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// HTTPServer serves the control commands under /api and the Prometheus
// metrics under /metrics.
type HTTPServer struct {
	ctrl   *Controller
	engine *gin.Engine
	srv    *http.Server
	logger *slog.Logger
}

// NewHTTPServer creates an HTTP control surface. ctrl may be nil when only
// metrics are served, as in the server role.
func NewHTTPServer(addr string, ctrl *Controller, gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{
		ctrl:   ctrl,
		engine: gin.New(),
		logger: logger.With(slog.String("component", "control.http")),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())
	s.routes(gatherer)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *HTTPServer) Handler() http.Handler { return s.engine }

func (s *HTTPServer) routes(gatherer prometheus.Gatherer) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}
	if s.ctrl == nil {
		return
	}

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.command(CommandStatus, noPayload))
		api.POST("/test", s.command(CommandTest, bodyPayload))
		api.GET("/browse", s.command(CommandBrowse, browsePayload))
		api.GET("/read", s.command(CommandRead, nodePayload))
		api.POST("/write", s.command(CommandWrite, bodyPayload))
		api.GET("/subscriptions", s.command(CommandSubscriptions, noPayload))
		api.POST("/subscriptions", s.command(CommandSubscribe, bodyPayload))
		api.DELETE("/subscriptions", s.command(CommandUnsubscribe, nodePayload))
	}
}

type payloadFunc func(c *gin.Context) ([]byte, error)

func noPayload(*gin.Context) ([]byte, error) { return nil, nil }

func bodyPayload(c *gin.Context) ([]byte, error) {
	return io.ReadAll(c.Request.Body)
}

func nodePayload(c *gin.Context) ([]byte, error) {
	return json.Marshal(NodeRequest{NodeID: c.Query("nodeId")})
}

func browsePayload(c *gin.Context) ([]byte, error) {
	req := BrowseRequest{NodeID: c.Query("nodeId")}
	if d := c.Query("depth"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return nil, err
		}
		req.Depth = n
	}
	return json.Marshal(req)
}

func (s *HTTPServer) command(name string, payload payloadFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := payload(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, Response{Error: ErrInvalidRequest.Error() + ": " + err.Error()})
			return
		}
		result, err := s.ctrl.Do(c.Request.Context(), name, data)
		if err != nil {
			c.JSON(statusFor(err), Response{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, Response{Result: result})
	}
}

// statusFor maps a command error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, uabridge.ErrInvalidValue),
		errors.Is(err, uabridge.ErrInvalidEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownCommand), uabridge.IsNotSubscribed(err),
		errors.Is(err, uabridge.ErrUnknownPoint), uabridge.IsStatusCode(err, uabridge.StatusBadNodeIdUnknown):
		return http.StatusNotFound
	case uabridge.IsCapacityExceeded(err):
		return http.StatusConflict
	case uabridge.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case uabridge.IsNotConnected(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

// Start listens in the background.
func (s *HTTPServer) Start() {
	go func() {
		s.logger.Info("control surface listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", slog.Any("error", err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
