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

// Package control exposes the client bridge operations to operators over
// NATS request-reply and HTTP, and exports metrics to Prometheus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edgeo-scada/uabridge"
	"github.com/edgeo-scada/uabridge/client"
)

var (
	// ErrUnknownCommand is returned for commands the controller does not serve.
	ErrUnknownCommand = errors.New("control: unknown command")

	// ErrInvalidRequest is returned when a payload cannot be decoded or fails
	// validation.
	ErrInvalidRequest = errors.New("control: invalid request")
)

// Commands served by the controller.
const (
	CommandStatus        = "status"
	CommandTest          = "test"
	CommandBrowse        = "browse"
	CommandRead          = "read"
	CommandWrite         = "write"
	CommandSubscriptions = "subscriptions"
	CommandSubscribe     = "subscribe"
	CommandUnsubscribe   = "unsubscribe"
)

// Commands lists every command name.
func Commands() []string {
	return []string{
		CommandStatus, CommandTest, CommandBrowse, CommandRead, CommandWrite,
		CommandSubscriptions, CommandSubscribe, CommandUnsubscribe,
	}
}

// Bridge is the client bridge API driven by the control surface.
type Bridge interface {
	State() uabridge.ConnectionState
	Metrics() *client.Metrics
	Browse(ctx context.Context, folderID string) ([]client.BrowseEntry, error)
	BrowseTree(ctx context.Context, rootID string, depth int) (*client.BrowseNode, error)
	Read(ctx context.Context, nodeID string) (client.ReadResult, error)
	Write(ctx context.Context, pointID string, v uabridge.Value) error
	GetSubscriptions() map[string]client.Subscription
	AddSubscription(ctx context.Context, req client.SubscriptionRequest) (uabridge.PointObject, error)
	RemoveSubscription(ctx context.Context, nodeID string) error
	Test(ctx context.Context, ep uabridge.Endpoint) error
}

// Response is the envelope of every reply: either a result or an error.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// EndpointRequest describes an endpoint to test.
type EndpointRequest struct {
	URL            string `json:"endpoint" validate:"required,startswith=opc.tcp://"`
	SecurityPolicy string `json:"securityPolicy"`
	SecurityMode   string `json:"securityMode"`
	Auth           string `json:"auth" validate:"omitempty,oneof=anonymous username certificate"`
	Username       string `json:"username" validate:"required_if=Auth username"`
	Password       string `json:"password"`
	CertFile       string `json:"certFile" validate:"required_if=Auth certificate"`
	KeyFile        string `json:"keyFile" validate:"required_if=Auth certificate"`
}

// Endpoint converts the request into an endpoint.
func (r EndpointRequest) Endpoint() (uabridge.Endpoint, error) {
	policy, err := uabridge.ParseSecurityPolicy(r.SecurityPolicy)
	if err != nil {
		return uabridge.Endpoint{}, err
	}
	mode, err := uabridge.ParseSecurityMode(r.SecurityMode)
	if err != nil {
		return uabridge.Endpoint{}, err
	}
	auth, err := uabridge.ParseAuthType(r.Auth)
	if err != nil {
		return uabridge.Endpoint{}, err
	}
	if mode == uabridge.MessageSecurityModeInvalid {
		mode = uabridge.DefaultSecurityMode(auth)
	}
	return uabridge.Endpoint{
		URL:            r.URL,
		SecurityPolicy: policy,
		SecurityMode:   mode,
		AuthType:       auth,
		Username:       r.Username,
		Password:       r.Password,
		CertFile:       r.CertFile,
		KeyFile:        r.KeyFile,
	}, nil
}

// BrowseRequest browses a folder. A positive depth returns a tree.
type BrowseRequest struct {
	NodeID string `json:"nodeId"`
	Depth  int    `json:"depth" validate:"gte=0,lte=10"`
}

// NodeRequest names a remote node.
type NodeRequest struct {
	NodeID string `json:"nodeId" validate:"required"`
}

// WriteRequest writes a value to the node bound to a point.
type WriteRequest struct {
	PointID string         `json:"id" validate:"required"`
	Value   uabridge.Value `json:"val"`
}

// Status is the result of the status command.
type Status struct {
	State         string                 `json:"state"`
	Connected     bool                   `json:"connected"`
	Subscriptions int                    `json:"subscriptions"`
	Metrics       map[string]interface{} `json:"metrics"`
}

// Option is a functional option for configuring the controller.
type Option func(*Controller)

// WithTimeout bounds every command.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller decodes, validates and runs control commands.
type Controller struct {
	bridge   Bridge
	validate *validator.Validate
	timeout  time.Duration
	logger   *slog.Logger
}

// NewController creates a controller for bridge.
func NewController(bridge Bridge, opts ...Option) *Controller {
	c := &Controller{
		bridge:   bridge,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		timeout:  30 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle runs a command and wraps the outcome in a Response.
func (c *Controller) Handle(ctx context.Context, command string, payload []byte) Response {
	result, err := c.Do(ctx, command, payload)
	if err != nil {
		c.logger.Debug("control command failed", slog.String("command", command), slog.Any("error", err))
		return Response{Error: err.Error()}
	}
	return Response{Result: result}
}

// Do runs a command with a JSON payload.
func (c *Controller) Do(ctx context.Context, command string, payload []byte) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch command {
	case CommandStatus:
		return c.status(), nil

	case CommandTest:
		var req EndpointRequest
		if err := c.decode(payload, &req); err != nil {
			return nil, err
		}
		ep, err := req.Endpoint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if err := c.bridge.Test(ctx, ep); err != nil {
			return nil, err
		}
		return map[string]string{"status": "connected"}, nil

	case CommandBrowse:
		var req BrowseRequest
		if err := c.decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Depth > 0 {
			return c.bridge.BrowseTree(ctx, req.NodeID, req.Depth)
		}
		return c.bridge.Browse(ctx, req.NodeID)

	case CommandRead:
		var req NodeRequest
		if err := c.decode(payload, &req); err != nil {
			return nil, err
		}
		return c.bridge.Read(ctx, req.NodeID)

	case CommandWrite:
		var req WriteRequest
		if err := c.decode(payload, &req); err != nil {
			return nil, err
		}
		if err := c.bridge.Write(ctx, req.PointID, req.Value); err != nil {
			return nil, err
		}
		return map[string]string{"status": "written"}, nil

	case CommandSubscriptions:
		return c.bridge.GetSubscriptions(), nil

	case CommandSubscribe:
		var req client.SubscriptionRequest
		if err := c.decode(payload, &req); err != nil {
			return nil, err
		}
		return c.bridge.AddSubscription(ctx, req)

	case CommandUnsubscribe:
		var req NodeRequest
		if err := c.decode(payload, &req); err != nil {
			return nil, err
		}
		if err := c.bridge.RemoveSubscription(ctx, req.NodeID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "removed"}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
}

func (c *Controller) status() Status {
	state := c.bridge.State()
	return Status{
		State:         state.String(),
		Connected:     state == uabridge.StateSubscriptionActive,
		Subscriptions: len(c.bridge.GetSubscriptions()),
		Metrics:       c.bridge.Metrics().Collect(),
	}
}

// decode unmarshals an optional JSON payload into v and validates it.
func (c *Controller) decode(payload []byte, v interface{}) error {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if err := c.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
