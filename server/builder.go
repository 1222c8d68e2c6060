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

// Package server exposes state store points as a browsable, writable OPC UA
// address space.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgeo-scada/uabridge"
)

// storeTimeout bounds a single store write issued from a node callback.
const storeTimeout = 5 * time.Second

// DataValue is a value exchanged with the address space.
type DataValue struct {
	Value           uabridge.Variant
	Status          uabridge.StatusCode
	SourceTimestamp time.Time
}

// Variable describes a point exposed as a variable node.
type Variable struct {
	PointID    string
	Folder     string
	BrowseName string
	DataType   uabridge.DataType

	// Read is nil for nodes that are neither readable nor writable.
	Read func() DataValue
	// Write is nil for read-only nodes.
	Write func(DataValue) uabridge.StatusCode
}

// AddressSpace is the OPC UA server the builder populates. Folders and
// variables are added before Start.
type AddressSpace interface {
	AddFolder(name string) error
	AddVariable(v Variable) error
	// Changed signals that the value of a variable was refreshed.
	Changed(pointID string)
	Start(ctx context.Context) error
	Endpoint() string
	Close() error
}

type node struct {
	typ      uabridge.SemanticType
	dataType uabridge.DataType
	val      uabridge.Value
	ack      bool
	ts       time.Time
	writable bool
}

// Builder turns the store catalog into an address space and keeps node
// values in sync with the store.
type Builder struct {
	store   uabridge.Store
	space   AddressSpace
	opts    *serverOptions
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	nodes   map[string]*node
	folders map[string]struct{}
	built   bool
	started bool
	closed  bool
	cancels []uabridge.CancelFunc
}

// New creates a builder over store and space.
func New(store uabridge.Store, space AddressSpace, opts ...Option) *Builder {
	o := buildOptions(opts)
	return &Builder{
		store:   store,
		space:   space,
		opts:    o,
		logger:  o.logger.With(slog.String("namespace", o.namespace)),
		metrics: o.metrics,
		nodes:   make(map[string]*node),
		folders: make(map[string]struct{}),
	}
}

// Metrics returns the server metrics.
func (b *Builder) Metrics() *Metrics { return b.metrics }

func (b *Builder) connectionID() string { return b.opts.namespace + ".info.connection" }

// Build registers a variable for every published point. Points whose id has
// fewer than three segments, and points beyond the limit, are skipped.
func (b *Builder) Build(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return uabridge.ErrClosed
	}
	if b.built {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	objs, states, err := b.load(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, obj := range objs {
		parts := strings.Split(obj.ID, ".")
		if len(parts) < 3 {
			b.metrics.SkippedPoints.Inc()
			b.logger.Warn("invalid point name", slog.String("point", obj.ID))
			continue
		}
		if count >= b.opts.limit {
			b.metrics.SkippedPoints.Inc()
			b.logger.Warn("point limit reached, not exposed",
				slog.String("point", obj.ID),
				slog.Int("limit", b.opts.limit))
			continue
		}

		folder := parts[0] + "." + parts[1]
		if _, ok := b.folders[folder]; !ok {
			if err := b.space.AddFolder(folder); err != nil {
				return fmt.Errorf("add folder %s: %w", folder, err)
			}
			b.folders[folder] = struct{}{}
		}

		n := &node{
			typ:      obj.Type,
			dataType: uabridge.ServerDataType(obj.Type),
			writable: obj.Write,
			ack:      true,
		}
		if p, ok := states[obj.ID]; ok {
			n.val = uabridge.Coerce(p.Val, obj.Type)
			n.ack = p.Ack
			n.ts = p.TS
		} else {
			n.val = uabridge.Coerce(uabridge.Value{}, obj.Type)
		}

		id := obj.ID
		v := Variable{
			PointID:    id,
			Folder:     folder,
			BrowseName: strings.Join(parts[2:], "."),
			DataType:   n.dataType,
		}
		if obj.Readable() || obj.Write {
			v.Read = func() DataValue { return b.read(id) }
		}
		if obj.Write {
			v.Write = func(dv DataValue) uabridge.StatusCode { return b.write(id, dv) }
		}
		if err := b.space.AddVariable(v); err != nil {
			return fmt.Errorf("add variable %s: %w", id, err)
		}
		b.nodes[id] = n
		count++
	}

	b.built = true
	b.metrics.Points.Set(int64(count))
	b.logger.Info("address space built",
		slog.Int("points", count),
		slog.Int("folders", len(b.folders)))
	return nil
}

// load lists the catalog and the values of every published pattern.
func (b *Builder) load(ctx context.Context) ([]uabridge.PointObject, map[string]uabridge.Point, error) {
	objs := make(map[string]uabridge.PointObject)
	states := make(map[string]uabridge.Point)
	for _, pattern := range b.opts.publish {
		list, err := b.store.ListObjects(ctx, pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("list objects %s: %w", pattern, err)
		}
		for _, obj := range list {
			objs[obj.ID] = obj
		}
		points, err := b.store.ListPoints(ctx, pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("list points %s: %w", pattern, err)
		}
		for _, p := range points {
			states[p.ID] = p
		}
	}

	out := make([]uabridge.PointObject, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, states, nil
}

// read returns the cached value of a node. The first read of an
// unacknowledged value acknowledges it in the store.
func (b *Builder) read(id string) DataValue {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		return DataValue{Status: uabridge.StatusBadNodeIdUnknown}
	}
	dv := DataValue{
		Value:           uabridge.Variant{Type: n.dataType, Value: uabridge.GoValue(n.val)},
		Status:          uabridge.StatusGood,
		SourceTimestamp: n.ts,
	}
	ack := !n.ack
	n.ack = true
	val := n.val
	b.mu.Unlock()

	b.metrics.Reads.Inc()
	if ack {
		b.acknowledge(id, val)
	}
	return dv
}

func (b *Builder) acknowledge(id string, val uabridge.Value) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := b.store.SetPoint(ctx, id, uabridge.PointUpdate{Val: val, Ack: true, TS: time.Now()})
	if err != nil {
		b.metrics.AckErrors.Inc()
		b.logger.Warn("cannot acknowledge value", slog.String("point", id), slog.Any("error", err))
		return
	}
	b.metrics.Acks.Inc()
}

// write stores a value written by a remote client, converted to the type of
// the node.
func (b *Builder) write(id string, dv DataValue) uabridge.StatusCode {
	start := time.Now()
	v, decodeErr := uabridge.Decode(dv.Value)

	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		return uabridge.StatusBadNodeIdUnknown
	}
	if !n.writable {
		b.mu.Unlock()
		return uabridge.StatusBadNotWritable
	}
	if decodeErr != nil {
		b.mu.Unlock()
		b.metrics.InvalidUpdates.Inc()
		b.logger.Warn("discarding undefined value written by client",
			slog.String("point", id), slog.Any("error", decodeErr))
		return uabridge.StatusBadTypeMismatch
	}
	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = start
	}
	val := uabridge.Coerce(v, n.typ)
	n.val, n.ack, n.ts = val, false, ts
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := b.store.SetPoint(ctx, id, uabridge.PointUpdate{
		Val:     val,
		Ack:     false,
		TS:      ts,
		Quality: uint32(dv.Status),
	})
	if err != nil {
		b.metrics.WriteErrors.Inc()
		b.logger.Warn("cannot store written value", slog.String("point", id), slog.Any("error", err))
		return uabridge.StatusBad
	}
	b.metrics.Writes.Inc()
	b.metrics.WriteLatency.Since(start)
	b.logger.Debug("value written by client", slog.String("point", id), slog.String("val", val.String()))
	return uabridge.StatusGood
}

func (b *Builder) onStateChange(ev uabridge.PointEvent) {
	if ev.Deleted {
		return
	}
	b.apply(ev.ID, ev.Point, false)
}

// apply copies a stored point into its node. A resync only applies points
// that differ from the node and are not older than it.
func (b *Builder) apply(id string, p uabridge.Point, resync bool) {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	val := uabridge.Coerce(p.Val, n.typ)
	if resync && (p.TS.Before(n.ts) || (val.Equal(n.val) && p.Ack == n.ack && p.TS.Equal(n.ts))) {
		b.mu.Unlock()
		return
	}
	n.val = val
	n.ack = p.Ack
	n.ts = p.TS
	started := b.started
	b.mu.Unlock()

	b.metrics.Refreshes.Inc()
	if started {
		b.space.Changed(id)
	}
}

// Watch keeps node values in sync with the store until ctx is done or the
// builder is closed. Values stored between Build and the watch registration
// are picked up by a resync once every watch is in place.
func (b *Builder) Watch(ctx context.Context) error {
	for _, pattern := range b.opts.publish {
		cancel, err := b.store.WatchPoints(ctx, pattern, b.onStateChange)
		if err != nil {
			return fmt.Errorf("watch %s: %w", pattern, err)
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			cancel()
			return uabridge.ErrClosed
		}
		b.cancels = append(b.cancels, cancel)
		b.mu.Unlock()
	}
	return b.resync(ctx)
}

func (b *Builder) resync(ctx context.Context) error {
	for _, pattern := range b.opts.publish {
		points, err := b.store.ListPoints(ctx, pattern)
		if err != nil {
			return fmt.Errorf("resync %s: %w", pattern, err)
		}
		for _, p := range points {
			b.apply(p.ID, p, true)
		}
	}
	return nil
}

// Start starts the address space. Build must have completed.
func (b *Builder) Start(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return uabridge.ErrClosed
	case !b.built:
		b.mu.Unlock()
		return fmt.Errorf("%w: start before build", uabridge.ErrInvalidTransition)
	case b.started:
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.space.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	b.mu.Lock()
	b.started = true
	points := len(b.nodes)
	b.mu.Unlock()

	endpoint := b.space.Endpoint()
	b.reportEndpoint(ctx, endpoint)
	b.logger.Info("server started", slog.String("endpoint", endpoint), slog.Int("points", points))
	return nil
}

// Run builds the address space, starts it and keeps it in sync with the
// store until ctx is done.
func (b *Builder) Run(ctx context.Context) error {
	if err := b.Build(ctx); err != nil {
		return err
	}
	if err := b.Watch(ctx); err != nil {
		b.Close()
		return err
	}
	if err := b.Start(ctx); err != nil {
		b.Close()
		return err
	}
	<-ctx.Done()
	return b.Close()
}

// Close stops the watches and shuts the address space down.
func (b *Builder) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	started := b.started
	b.started = false
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	err := b.space.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if started {
		b.reportEndpoint(ctx, "")
		b.logger.Info("server stopped")
	}
	return err
}

// reportEndpoint publishes the listening endpoint as the connection state.
func (b *Builder) reportEndpoint(ctx context.Context, endpoint string) {
	read := true
	err := b.store.SetObject(ctx, uabridge.PointObject{
		ID:   b.connectionID(),
		Name: "Server endpoint",
		Type: uabridge.SemanticString,
		Read: &read,
	})
	if err == nil {
		err = b.store.SetPoint(ctx, b.connectionID(), uabridge.PointUpdate{
			Val: uabridge.StringValue(endpoint),
			Ack: true,
			TS:  time.Now(),
		})
	}
	if err != nil {
		b.logger.Warn("cannot update connection state", slog.Any("error", err))
	}
}
