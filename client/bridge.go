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
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/edgeo-scada/uabridge"
)

// Subscription describes the point bound to a remote node.
type Subscription struct {
	PointID  string `json:"id"`
	FullPath string `json:"fullPath"`
}

// SubscriptionRequest asks the bridge to mirror a remote node.
type SubscriptionRequest struct {
	RemoteNodeID string `json:"nodeId" validate:"required"`
	FullPath     string `json:"fullPath"`
	LocalName    string `json:"name"`
}

// ReadResult is the decoded value of a remote node.
type ReadResult struct {
	NodeID          string              `json:"nodeId"`
	Value           uabridge.Value      `json:"val"`
	DataType        uabridge.DataType   `json:"dataType"`
	DataTypeName    string              `json:"dataTypeStr"`
	Status          uabridge.StatusCode `json:"q"`
	SourceTimestamp time.Time           `json:"ts"`
}

// Bridge mirrors remote OPC UA nodes into a state store and writes local
// changes back to the server.
type Bridge struct {
	store   uabridge.Store
	dialer  Dialer
	opts    *clientOptions
	logger  *slog.Logger
	metrics *Metrics

	session  *SessionManager
	registry *Registry
	browser  *Browser

	mu     sync.Mutex
	seen   map[string]uabridge.Point
	closed bool
}

// New creates a bridge. The session is not started until Run is called.
func New(store uabridge.Store, dialer Dialer, opts ...Option) *Bridge {
	o := buildOptions(opts)
	b := &Bridge{
		store:   store,
		dialer:  dialer,
		opts:    o,
		logger:  o.logger.With(slog.String("namespace", o.namespace)),
		metrics: o.metrics,
		seen:    make(map[string]uabridge.Point),
	}

	shared := make([]Option, 0, len(opts)+4)
	shared = append(shared, opts...)
	shared = append(shared,
		WithLogger(b.logger),
		WithMetrics(o.metrics),
		WithOnConnect(b.handleConnect),
		WithOnDisconnect(b.handleDisconnect),
	)

	b.session = NewSessionManager(dialer, shared...)
	b.registry = NewRegistry(b.session, store, shared...)
	b.browser = NewBrowser(b.session, shared...)
	b.session.Attach(b.registry)
	return b
}

// Session returns the session manager.
func (b *Bridge) Session() *SessionManager { return b.session }

// Registry returns the subscription registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// Metrics returns the bridge metrics.
func (b *Bridge) Metrics() *Metrics { return b.metrics }

// State returns the session state.
func (b *Bridge) State() uabridge.ConnectionState { return b.session.State() }

func (b *Bridge) varsPrefix() string { return b.opts.namespace + ".vars." }

func (b *Bridge) connectionID() string { return b.opts.namespace + ".info.connection" }

// Run binds every catalogued point, watches the store and keeps the session
// alive until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	pattern := b.varsPrefix() + "*"

	objs, err := b.store.ListObjects(ctx, pattern)
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	for _, obj := range objs {
		b.registry.AddBinding(obj)
	}
	b.logger.Info("points loaded", slog.Int("count", len(objs)))

	stopObjects, err := b.store.WatchObjects(ctx, pattern, func(ev uabridge.ObjectEvent) {
		b.onObjectChange(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("watch objects: %w", err)
	}
	defer stopObjects()

	stopPoints, err := b.store.WatchPoints(ctx, pattern, func(ev uabridge.PointEvent) {
		b.onStateChange(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("watch points: %w", err)
	}
	defer stopPoints()

	read := true
	if err := b.store.SetObject(ctx, uabridge.PointObject{
		ID:   b.connectionID(),
		Name: "Connected to server",
		Type: uabridge.SemanticBoolean,
		Read: &read,
	}); err != nil {
		b.logger.Warn("cannot create connection state", slog.Any("error", err))
	}
	b.setConnection(false)

	if url := b.opts.endpoint.URL; url == "" || url == "opc.tcp://" {
		b.logger.Warn("no endpoint configured, staying offline")
	} else {
		b.session.Start(ctx)
	}

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), b.opts.endpoint.RequestTimeout)
	defer cancel()
	return b.Close(closeCtx)
}

// Close stops the session for good and drops every binding.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.session.Close(ctx)
	b.registry.Wait()
	b.setConnection(false)
	return err
}

func (b *Bridge) handleConnect() {
	b.setConnection(true)
	if b.opts.onConnect != nil {
		b.opts.onConnect()
	}
}

func (b *Bridge) handleDisconnect(err error) {
	b.setConnection(false)
	if b.opts.onDisconnect != nil {
		b.opts.onDisconnect(err)
	}
}

func (b *Bridge) setConnection(connected bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := b.store.SetPoint(ctx, b.connectionID(), uabridge.PointUpdate{
		Val: uabridge.BoolValue(connected),
		Ack: true,
		TS:  time.Now(),
	})
	if err != nil {
		b.logger.Warn("cannot update connection state", slog.Any("error", err))
	}
}

func (b *Bridge) onObjectChange(ctx context.Context, ev uabridge.ObjectEvent) {
	if ev.Deleted {
		if err := b.registry.RemoveBinding(ctx, ev.ID); err != nil && !errors.Is(err, uabridge.ErrUnknownPoint) {
			b.logger.Warn("cannot remove point", slog.String("point", ev.ID), slog.Any("error", err))
			return
		}
		b.forget(ev.ID)
		b.logger.Info("point removed", slog.String("point", ev.ID))
		return
	}

	if cur, ok := b.registry.Binding(ev.ID); ok && cur.RemoteNodeID != ev.Object.Native.NodeID {
		if err := b.registry.RemoveBinding(ctx, ev.ID); err != nil && !errors.Is(err, uabridge.ErrUnknownPoint) {
			b.logger.Warn("cannot rebind point", slog.String("point", ev.ID),
				slog.String("node", ev.Object.Native.NodeID), slog.Any("error", err))
			return
		}
	}
	if _, added := b.registry.AddBinding(ev.Object); added {
		b.logger.Info("point added", slog.String("point", ev.ID), slog.String("node", ev.Object.Native.NodeID))
	}
	if _, ok := b.registry.Binding(ev.ID); !ok {
		return
	}
	if b.session.State() != uabridge.StateSubscriptionActive {
		return
	}
	if err := b.registry.Subscribe(ctx, ev.ID); err != nil && !uabridge.IsCapacityExceeded(err) {
		b.logger.Warn("cannot subscribe", slog.String("point", ev.ID), slog.Any("error", err))
	}
}

func (b *Bridge) onStateChange(ctx context.Context, ev uabridge.PointEvent) {
	if ev.Deleted {
		b.forget(ev.ID)
		return
	}
	if strings.HasSuffix(ev.ID, ".messagebox") {
		return
	}

	p := ev.Point
	if p.Ack && !b.opts.sendAckToo {
		return
	}
	if b.opts.onChange && !b.changed(ev.ID, p) {
		return
	}

	info, ok := b.registry.Binding(ev.ID)
	if !ok {
		b.logger.Warn("state of unknown point changed", slog.String("point", ev.ID))
		return
	}
	// Values mirrored from the server come back acknowledged.
	if p.Ack && info.LastValue != nil && info.LastValue.Ack && info.LastValue.Val.Equal(p.Val) {
		return
	}

	if err := b.Write(ctx, ev.ID, p.Val); err != nil {
		if uabridge.IsNotConnected(err) {
			b.logger.Warn("cannot write, no connection", slog.String("point", ev.ID))
			return
		}
		b.logger.Warn("cannot write", slog.String("point", ev.ID), slog.Any("error", err))
	}
}

// changed records p as the last seen state and reports whether its value or
// ack flag differ from the previous one.
func (b *Bridge) changed(id string, p uabridge.Point) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.seen[id]
	b.seen[id] = p
	return !ok || prev.Ack != p.Ack || !prev.Val.Equal(p.Val)
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.seen, id)
	b.mu.Unlock()
}

// Write sends a local value to the node bound to pointID.
func (b *Bridge) Write(ctx context.Context, pointID string, v uabridge.Value) error {
	info, ok := b.registry.Binding(pointID)
	if !ok {
		return uabridge.NewBridgeError("write", pointID, uabridge.StatusGood, uabridge.ErrNotSubscribed)
	}
	sess, err := b.session.Session()
	if err != nil {
		return uabridge.NewBridgeError("write", pointID, uabridge.StatusGood, err)
	}

	variant, err := uabridge.Encode(v, info.DataType)
	if err != nil {
		b.metrics.WriteErrors.Inc()
		return uabridge.NewBridgeError("write", pointID, uabridge.StatusBadTypeMismatch, err)
	}

	start := time.Now()
	err = sess.Write(ctx, info.RemoteNodeID, variant)
	b.metrics.WriteLatency.Since(start)
	if err != nil {
		b.metrics.WriteErrors.Inc()
		return fmt.Errorf("write %s: %w", pointID, err)
	}
	b.metrics.Writes.Inc()

	b.registry.CacheValue(pointID, uabridge.Point{ID: pointID, Val: v, Ack: false, TS: time.Now()})
	b.logger.Debug("written", slog.String("point", pointID), slog.String("node", info.RemoteNodeID))
	return nil
}

// Browse lists the references of a folder. An empty id browses the root.
func (b *Bridge) Browse(ctx context.Context, folderID string) ([]BrowseEntry, error) {
	return b.browser.Browse(ctx, folderID)
}

// BrowseTree browses breadth-first from rootID down to depth levels.
func (b *Bridge) BrowseTree(ctx context.Context, rootID string, depth int) (*BrowseNode, error) {
	return b.browser.Tree(ctx, rootID, depth)
}

// Read returns the current value of a remote node.
func (b *Bridge) Read(ctx context.Context, nodeID string) (ReadResult, error) {
	sess, err := b.session.Session()
	if err != nil {
		return ReadResult{}, err
	}
	dv, err := sess.Read(ctx, nodeID)
	if err != nil {
		b.metrics.ReadErrors.Inc()
		return ReadResult{}, fmt.Errorf("read %s: %w", nodeID, err)
	}
	b.metrics.Reads.Inc()

	v, err := uabridge.Decode(dv.Value)
	if err != nil && !errors.Is(err, uabridge.ErrInvalidUpdate) {
		return ReadResult{}, err
	}
	return ReadResult{
		NodeID:          nodeID,
		Value:           v,
		DataType:        dv.Value.Type,
		DataTypeName:    dv.Value.Type.String(),
		Status:          dv.Status,
		SourceTimestamp: dv.SourceTimestamp,
	}, nil
}

// GetSubscriptions maps every bound remote node to its point.
func (b *Bridge) GetSubscriptions() map[string]Subscription {
	out := make(map[string]Subscription)
	for _, bi := range b.registry.Bindings() {
		out[bi.RemoteNodeID] = Subscription{PointID: bi.PointID, FullPath: bi.FullPath}
	}
	return out
}

// AddSubscription reads a remote node to learn its type, catalogs a point
// for it and subscribes.
func (b *Bridge) AddSubscription(ctx context.Context, req SubscriptionRequest) (uabridge.PointObject, error) {
	if req.RemoteNodeID == "" {
		return uabridge.PointObject{}, fmt.Errorf("%w: empty node id", uabridge.ErrUnknownPoint)
	}
	sess, err := b.session.Session()
	if err != nil {
		return uabridge.PointObject{}, err
	}
	dv, err := sess.Read(ctx, req.RemoteNodeID)
	if err != nil {
		b.metrics.ReadErrors.Inc()
		return uabridge.PointObject{}, fmt.Errorf("read %s: %w", req.RemoteNodeID, err)
	}
	b.metrics.Reads.Inc()

	name := req.LocalName
	if name == "" {
		name = PointName(req.RemoteNodeID)
	}
	dt := dv.Value.Type
	obj := uabridge.PointObject{
		ID:    b.varsPrefix() + name,
		Name:  name,
		Type:  uabridge.ToStoreType(dt),
		Write: true,
		Native: uabridge.NativeInfo{
			NodeID:       req.RemoteNodeID,
			FullPath:     req.FullPath,
			DataType:     dt,
			DataTypeName: dt.String(),
		},
	}
	if err := b.store.SetObject(ctx, obj); err != nil {
		return uabridge.PointObject{}, fmt.Errorf("create object %s: %w", obj.ID, err)
	}

	b.registry.AddBinding(obj)
	if err := b.registry.Subscribe(ctx, obj.ID); err != nil {
		return obj, err
	}
	b.logger.Info("subscription added", slog.String("point", obj.ID), slog.String("node", req.RemoteNodeID))
	return obj, nil
}

// RemoveSubscription unsubscribes a remote node and deletes its point.
func (b *Bridge) RemoveSubscription(ctx context.Context, nodeID string) error {
	info, ok := b.registry.FindByNode(nodeID)
	if !ok {
		return uabridge.NewBridgeError("unsubscribe", nodeID, uabridge.StatusGood, uabridge.ErrNotSubscribed)
	}
	if err := b.registry.RemoveBinding(ctx, info.PointID); err != nil {
		return err
	}
	if err := b.store.DeleteObject(ctx, info.PointID); err != nil {
		return fmt.Errorf("delete object %s: %w", info.PointID, err)
	}
	b.forget(info.PointID)
	b.logger.Info("subscription removed", slog.String("point", info.PointID), slog.String("node", nodeID))
	return nil
}

// Test makes a one-shot connection to ep without retrying.
func (b *Bridge) Test(ctx context.Context, ep uabridge.Endpoint) error {
	m := NewSessionManager(b.dialer,
		WithEndpoint(ep),
		WithProbeTimeout(b.opts.probeTimeout),
		WithLogger(b.logger),
	)
	return m.Probe(ctx)
}

var nodePrefix = regexp.MustCompile(`^(ns=\d+;)?[sigb]=`)

// PointName derives a store name from a node id: the namespace and identifier
// type prefix is stripped and slashes become dots.
func PointName(nodeID string) string {
	name := nodePrefix.ReplaceAllString(nodeID, "")
	return strings.ReplaceAll(name, "/", ".")
}
