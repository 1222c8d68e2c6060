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
	"context"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/uabridge"
)

// statePollInterval is how often a transport checks the underlying client
// for a dropped connection.
const statePollInterval = time.Second

// GopcuaDialer connects to real servers through github.com/gopcua/opcua.
type GopcuaDialer struct {
	Logger *slog.Logger
}

// NewGopcuaDialer creates a dialer.
func NewGopcuaDialer(logger *slog.Logger) *GopcuaDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GopcuaDialer{Logger: logger}
}

// Dial opens the secure channel and activates a session. Automatic
// reconnection of the library is disabled, recovery is left to the caller.
func (d *GopcuaDialer) Dial(ctx context.Context, ep uabridge.Endpoint) (Transport, error) {
	if ep.URL == "" {
		return nil, uabridge.ErrInvalidEndpoint
	}
	opts, err := clientOptionsFor(ep)
	if err != nil {
		return nil, err
	}
	c, err := opcua.NewClient(ep.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	t := &gopcuaTransport{
		c:      c,
		logger: d.Logger.With(slog.String("endpoint", ep.URL)),
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go t.watch()
	return t, nil
}

func clientOptionsFor(ep uabridge.Endpoint) ([]opcua.Option, error) {
	opts := []opcua.Option{
		opcua.AutoReconnect(false),
		opcua.RequestTimeout(ep.RequestTimeout),
		opcua.SessionTimeout(ep.SessionTimeout),
		opcua.SecurityPolicy(string(ep.SecurityPolicy)),
		opcua.SecurityMode(ua.MessageSecurityMode(ep.SecurityMode)),
	}
	if ep.ApplicationURI != "" {
		opts = append(opts, opcua.ApplicationURI(ep.ApplicationURI))
	}
	if ep.CertFile != "" && ep.KeyFile != "" {
		opts = append(opts, opcua.CertificateFile(ep.CertFile), opcua.PrivateKeyFile(ep.KeyFile))
	}

	switch ep.AuthType {
	case uabridge.AuthTypeUserPassword:
		opts = append(opts, opcua.AuthUsername(ep.Username, ep.Password))
	case uabridge.AuthTypeCertificate:
		der, err := readCertificateDER(ep.CertFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opcua.AuthCertificate(der))
	default:
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts, nil
}

func readCertificateDER(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: certificate authentication needs a certificate file", uabridge.ErrInvalidEndpoint)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return data, nil
}

type gopcuaTransport struct {
	c      *opcua.Client
	logger *slog.Logger
	lost   chan error
	done   chan struct{}
	once   sync.Once
}

func (t *gopcuaTransport) watch() {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			switch s := t.c.State(); s {
			case opcua.Disconnected, opcua.Closed:
				t.lost <- fmt.Errorf("%w: connection state %v", uabridge.ErrNotConnected, s)
				return
			}
		}
	}
}

func (t *gopcuaTransport) CreateSession(ctx context.Context) (Session, error) {
	return &gopcuaSession{c: t.c, logger: t.logger}, nil
}

func (t *gopcuaTransport) Lost() <-chan error {
	return t.lost
}

func (t *gopcuaTransport) Close(ctx context.Context) error {
	t.once.Do(func() { close(t.done) })
	return t.c.Close(ctx)
}

type gopcuaSession struct {
	c      *opcua.Client
	logger *slog.Logger
}

func parseNodeID(nodeID string) (*ua.NodeID, error) {
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, uabridge.NewBridgeError("parse", nodeID, uabridge.StatusBadNodeIdUnknown, err)
	}
	return nid, nil
}

func (s *gopcuaSession) Browse(ctx context.Context, nodeID string) (BrowsePage, error) {
	nid, err := parseNodeID(nodeID)
	if err != nil {
		return BrowsePage{}, err
	}
	resp, err := s.c.Browse(ctx, &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          nid,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassAll),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	})
	if err != nil {
		return BrowsePage{}, err
	}
	return browsePage("browse", nodeID, resp.Results)
}

func (s *gopcuaSession) BrowseNext(ctx context.Context, cp []byte) (BrowsePage, error) {
	resp, err := s.c.BrowseNext(ctx, &ua.BrowseNextRequest{
		ContinuationPoints: [][]byte{cp},
	})
	if err != nil {
		return BrowsePage{}, err
	}
	return browsePage("browse next", "", resp.Results)
}

func browsePage(op, nodeID string, results []*ua.BrowseResult) (BrowsePage, error) {
	if len(results) == 0 {
		return BrowsePage{}, uabridge.NewBridgeError(op, nodeID, uabridge.StatusBad, fmt.Errorf("empty response"))
	}
	r := results[0]
	if sc := uabridge.StatusCode(r.StatusCode); sc.IsBad() {
		return BrowsePage{}, uabridge.NewBridgeError(op, nodeID, sc, nil)
	}

	page := BrowsePage{
		References:        make([]BrowseEntry, 0, len(r.References)),
		ContinuationPoint: r.ContinuationPoint,
	}
	for _, ref := range r.References {
		e := BrowseEntry{NodeClass: NodeClass(ref.NodeClass)}
		if ref.NodeID != nil && ref.NodeID.NodeID != nil {
			e.NodeID = ref.NodeID.NodeID.String()
		}
		if ref.BrowseName != nil {
			e.BrowseName = ref.BrowseName.Name
		}
		if ref.DisplayName != nil {
			e.DisplayName = ref.DisplayName.Text
		}
		if ref.TypeDefinition != nil && ref.TypeDefinition.NodeID != nil {
			e.TypeDefinition = ref.TypeDefinition.NodeID.String()
		}
		page.References = append(page.References, e)
	}
	return page, nil
}

func (s *gopcuaSession) Read(ctx context.Context, nodeID string) (DataValue, error) {
	nid, err := parseNodeID(nodeID)
	if err != nil {
		return DataValue{}, err
	}
	resp, err := s.c.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
		}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return DataValue{}, err
	}
	if len(resp.Results) == 0 {
		return DataValue{}, uabridge.NewBridgeError("read", nodeID, uabridge.StatusBad, fmt.Errorf("empty response"))
	}
	dv := toDataValue(resp.Results[0])
	if dv.Status.IsBad() {
		return dv, uabridge.NewBridgeError("read", nodeID, dv.Status, nil)
	}
	return dv, nil
}

func (s *gopcuaSession) Write(ctx context.Context, nodeID string, v uabridge.Variant) error {
	nid, err := parseNodeID(nodeID)
	if err != nil {
		return err
	}
	variant, err := ua.NewVariant(v.Value)
	if err != nil {
		return uabridge.NewBridgeError("write", nodeID, uabridge.StatusBadTypeMismatch, err)
	}
	resp, err := s.c.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return uabridge.NewBridgeError("write", nodeID, uabridge.StatusCode(resp.Results[0]), nil)
	}
	return nil
}

func (s *gopcuaSession) CreateChannel(ctx context.Context, p ChannelParams) (Channel, error) {
	notify := make(chan *opcua.PublishNotificationData, 100)
	sub, err := s.c.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   p.PublishingInterval,
		LifetimeCount:              p.LifetimeCount,
		MaxKeepAliveCount:          p.KeepAliveCount,
		MaxNotificationsPerPublish: p.MaxNotificationsPerPublish,
		Priority:                   p.Priority,
	}, notify)
	if err != nil {
		return nil, err
	}

	ch := &gopcuaChannel{
		sub:      sub,
		logger:   s.logger,
		notify:   notify,
		done:     make(chan struct{}),
		handlers: make(map[uint32]func(DataValue)),
	}
	go ch.dispatch()
	return ch, nil
}

func (s *gopcuaSession) Close(ctx context.Context) error {
	return s.c.CloseSession(ctx)
}

type gopcuaChannel struct {
	sub    *opcua.Subscription
	logger *slog.Logger
	notify chan *opcua.PublishNotificationData
	done   chan struct{}
	once   sync.Once

	nextHandle atomic.Uint32

	mu       sync.Mutex
	handlers map[uint32]func(DataValue)
}

func (ch *gopcuaChannel) dispatch() {
	for {
		select {
		case <-ch.done:
			return
		case msg := <-ch.notify:
			if msg == nil {
				continue
			}
			if msg.Error != nil {
				ch.logger.Debug("notification error", slog.Any("error", msg.Error))
				continue
			}
			dcn, ok := msg.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range dcn.MonitoredItems {
				ch.mu.Lock()
				fn := ch.handlers[item.ClientHandle]
				ch.mu.Unlock()
				if fn != nil {
					fn(toDataValue(item.Value))
				}
			}
		}
	}
}

func (ch *gopcuaChannel) Monitor(ctx context.Context, nodeID string, p MonitorParams, fn func(DataValue)) (MonitorHandle, error) {
	nid, err := parseNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	handle := ch.nextHandle.Add(1)

	ch.mu.Lock()
	ch.handlers[handle] = fn
	ch.mu.Unlock()

	res, err := ch.sub.Monitor(ctx, ua.TimestampsToReturn(p.Timestamps), &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: float64(p.SamplingInterval.Milliseconds()),
			QueueSize:        p.QueueSize,
			DiscardOldest:    p.DiscardOldest,
		},
	})
	if err == nil && len(res.Results) == 0 {
		err = uabridge.NewBridgeError("monitor", nodeID, uabridge.StatusBad, fmt.Errorf("empty response"))
	}
	if err == nil {
		if sc := uabridge.StatusCode(res.Results[0].StatusCode); sc.IsBad() {
			err = uabridge.NewBridgeError("monitor", nodeID, sc, nil)
		}
	}
	if err != nil {
		ch.unregister(handle)
		return nil, err
	}
	return &gopcuaHandle{ch: ch, clientHandle: handle, itemID: res.Results[0].MonitoredItemID}, nil
}

func (ch *gopcuaChannel) unregister(handle uint32) {
	ch.mu.Lock()
	delete(ch.handlers, handle)
	ch.mu.Unlock()
}

func (ch *gopcuaChannel) Terminate(ctx context.Context) error {
	ch.once.Do(func() { close(ch.done) })
	return ch.sub.Cancel(ctx)
}

type gopcuaHandle struct {
	ch           *gopcuaChannel
	clientHandle uint32
	itemID       uint32
}

func (h *gopcuaHandle) Terminate(ctx context.Context) error {
	h.ch.unregister(h.clientHandle)
	_, err := h.ch.sub.Unmonitor(ctx, h.itemID)
	return err
}

func toDataValue(dv *ua.DataValue) DataValue {
	if dv == nil {
		return DataValue{}
	}
	out := DataValue{
		Status:          uabridge.StatusCode(dv.Status),
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
	}
	if dv.Value != nil {
		out.Value = uabridge.Variant{Type: uabridge.DataType(dv.Value.Type()), Value: dv.Value.Value()}
	}
	return out
}
