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
	"sync"
	"time"

	"github.com/edgeo-scada/uabridge"
)

// BindingState is the subscription state of a point binding.
type BindingState int

const (
	BindingUnsubscribed BindingState = iota
	BindingPending
	BindingActive
)

// String returns the name of the binding state.
func (s BindingState) String() string {
	switch s {
	case BindingUnsubscribed:
		return "unsubscribed"
	case BindingPending:
		return "pending"
	case BindingActive:
		return "active"
	default:
		return "unknown"
	}
}

// Binding links a store point to a remote node.
type Binding struct {
	PointID      string
	RemoteNodeID string
	FullPath     string
	DataType     uabridge.DataType

	state  BindingState
	handle MonitorHandle
	queue  *changeQueue
	pass   uint64
	last   *uabridge.Point
}

// BindingInfo is a snapshot of a binding.
type BindingInfo struct {
	PointID      string            `json:"pointId"`
	RemoteNodeID string            `json:"nodeId"`
	FullPath     string            `json:"fullPath"`
	DataType     uabridge.DataType `json:"dataType"`
	State        BindingState      `json:"state"`
	LastValue    *uabridge.Point   `json:"lastValue,omitempty"`
}

func (b *Binding) info() BindingInfo {
	bi := BindingInfo{
		PointID:      b.PointID,
		RemoteNodeID: b.RemoteNodeID,
		FullPath:     b.FullPath,
		DataType:     b.DataType,
		State:        b.state,
	}
	if b.last != nil {
		p := *b.last
		bi.LastValue = &p
	}
	return bi
}

// storeTimeout bounds a single mirror write into the state store.
const storeTimeout = 5 * time.Second

// Registry keeps the point bindings and their monitored items. Subscribe
// attempts are serialized so that at most one is in flight.
type Registry struct {
	conn    Conn
	store   uabridge.StateStore
	opts    *clientOptions
	logger  *slog.Logger
	metrics *Metrics

	seq sync.Mutex

	mu       sync.Mutex
	bindings map[string]*Binding
	order    []string
	pass     uint64

	wg sync.WaitGroup
}

// NewRegistry creates a registry mirroring remote values into store.
func NewRegistry(conn Conn, store uabridge.StateStore, opts ...Option) *Registry {
	o := buildOptions(opts)
	return &Registry{
		conn:     conn,
		store:    store,
		opts:     o,
		logger:   o.logger.With(slog.String("component", "registry")),
		metrics:  o.metrics,
		bindings: make(map[string]*Binding),
		pass:     1,
	}
}

// AddBinding registers a point described by a catalog entry. It returns false
// when the point is already bound or carries no remote node id.
func (r *Registry) AddBinding(obj uabridge.PointObject) (BindingInfo, bool) {
	if obj.Native.NodeID == "" {
		return BindingInfo{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[obj.ID]; ok {
		return b.info(), false
	}
	b := &Binding{
		PointID:      obj.ID,
		RemoteNodeID: obj.Native.NodeID,
		FullPath:     obj.Native.FullPath,
		DataType:     obj.Native.DataType,
	}
	r.bindings[obj.ID] = b
	r.order = append(r.order, obj.ID)
	return b.info(), true
}

// RemoveBinding unsubscribes a point and forgets it.
func (r *Registry) RemoveBinding(ctx context.Context, pointID string) error {
	if err := r.Unsubscribe(ctx, pointID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.bindings, pointID)
	for i, id := range r.order {
		if id == pointID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// Subscribe monitors a single bound point. It is a no-op for points that are
// already pending or active.
func (r *Registry) Subscribe(ctx context.Context, pointID string) error {
	r.seq.Lock()
	defer r.seq.Unlock()
	return r.subscribe(ctx, pointID)
}

func (r *Registry) subscribe(ctx context.Context, pointID string) error {
	r.mu.Lock()
	b, ok := r.bindings[pointID]
	if !ok {
		r.mu.Unlock()
		return uabridge.ErrUnknownPoint
	}
	if b.state != BindingUnsubscribed {
		r.mu.Unlock()
		return nil
	}
	if r.inUseLocked() >= r.opts.limit {
		r.mu.Unlock()
		r.metrics.CapacityRejections.Inc()
		r.logger.Warn("monitored item limit reached",
			slog.String("point", pointID),
			slog.Int("limit", r.opts.limit))
		return uabridge.NewBridgeError("subscribe", pointID, uabridge.StatusBadTooManyMonitoredItems, uabridge.ErrCapacityExceeded)
	}
	b.state = BindingPending
	nodeID := b.RemoteNodeID
	r.mu.Unlock()

	ch, err := r.conn.Channel()
	if err != nil {
		r.revert(b)
		return err
	}
	sess, err := r.conn.Session()
	if err != nil {
		r.revert(b)
		return err
	}

	dv, err := sess.Read(ctx, nodeID)
	if err != nil {
		r.metrics.ReadErrors.Inc()
		r.logger.Warn("cannot read current value",
			slog.String("point", pointID),
			slog.String("node", nodeID),
			slog.Any("error", err))
	} else {
		r.metrics.Reads.Inc()
		r.mirror(pointID, nodeID, dv)
	}

	q := newChangeQueue(int(r.opts.monitor.QueueSize), r.metrics.QueueDrops.Inc)
	h, err := ch.Monitor(ctx, nodeID, r.opts.monitor, q.Push)
	if err != nil {
		q.Close()
		r.revert(b)
		r.metrics.SubscribeErrors.Inc()
		r.logger.Warn("cannot monitor node",
			slog.String("point", pointID),
			slog.String("node", nodeID),
			slog.Any("error", err))
		return fmt.Errorf("monitor %s: %w", nodeID, err)
	}

	r.mu.Lock()
	if cur, ok := r.bindings[pointID]; !ok || cur != b || b.state != BindingPending {
		r.mu.Unlock()
		q.Close()
		r.terminate(ctx, pointID, h)
		return uabridge.ErrNotConnected
	}
	b.state = BindingActive
	b.handle = h
	b.queue = q
	r.wg.Add(1)
	r.metrics.ActiveMonitors.Set(int64(r.activeLocked()))
	r.mu.Unlock()

	go r.drain(b, q)

	r.metrics.Subscribes.Inc()
	r.logger.Debug("subscribed", slog.String("point", pointID), slog.String("node", nodeID))
	return nil
}

func (r *Registry) revert(b *Binding) {
	r.mu.Lock()
	if b.state == BindingPending {
		b.state = BindingUnsubscribed
	}
	r.mu.Unlock()
}

func (r *Registry) drain(b *Binding, q *changeQueue) {
	defer r.wg.Done()
	for {
		dv, ok := q.Pop()
		if !ok {
			return
		}
		r.mu.Lock()
		live := b.queue == q && b.state == BindingActive
		r.mu.Unlock()
		if !live {
			return
		}
		r.mirror(b.PointID, b.RemoteNodeID, dv)
	}
}

// mirror writes a remote value into the store as acknowledged.
func (r *Registry) mirror(pointID, nodeID string, dv DataValue) {
	v, err := uabridge.Decode(dv.Value)
	if err != nil {
		r.metrics.InvalidUpdates.Inc()
		r.logger.Warn("invalid update",
			slog.String("point", pointID),
			slog.String("node", nodeID),
			slog.Any("error", err))
		return
	}

	p := uabridge.Point{
		ID:      pointID,
		Val:     v,
		Ack:     true,
		TS:      time.Now(),
		Quality: uint32(dv.Status),
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SetPoint(ctx, pointID, uabridge.PointUpdate{Val: p.Val, Ack: p.Ack, TS: p.TS, Quality: p.Quality}); err != nil {
		r.logger.Warn("cannot store value", slog.String("point", pointID), slog.Any("error", err))
		return
	}
	r.metrics.ValuesMirrored.Inc()
	r.CacheValue(pointID, p)
}

// Unsubscribe terminates the monitored item of a point. Termination errors
// are logged, not returned.
func (r *Registry) Unsubscribe(ctx context.Context, pointID string) error {
	r.mu.Lock()
	b, ok := r.bindings[pointID]
	if !ok {
		r.mu.Unlock()
		return uabridge.ErrUnknownPoint
	}
	h, q := r.clearLocked(b)
	r.mu.Unlock()

	r.release(ctx, pointID, h, q)
	return nil
}

// UnsubscribeAll terminates every monitored item and keeps the bindings.
func (r *Registry) UnsubscribeAll(ctx context.Context) {
	type item struct {
		id string
		h  MonitorHandle
		q  *changeQueue
	}

	r.mu.Lock()
	items := make([]item, 0, len(r.bindings))
	for _, id := range r.order {
		h, q := r.clearLocked(r.bindings[id])
		if h != nil || q != nil {
			items = append(items, item{id: id, h: h, q: q})
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(it item) {
			defer wg.Done()
			r.release(ctx, it.id, it.h, it.q)
		}(it)
	}
	wg.Wait()
}

// Reset terminates every monitored item and drops all bindings.
func (r *Registry) Reset(ctx context.Context) {
	r.UnsubscribeAll(ctx)

	r.mu.Lock()
	r.bindings = make(map[string]*Binding)
	r.order = nil
	r.mu.Unlock()
}

// Wait blocks until every drain goroutine has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) clearLocked(b *Binding) (MonitorHandle, *changeQueue) {
	h, q := b.handle, b.queue
	b.state = BindingUnsubscribed
	b.handle = nil
	b.queue = nil
	r.metrics.ActiveMonitors.Set(int64(r.activeLocked()))
	return h, q
}

func (r *Registry) release(ctx context.Context, pointID string, h MonitorHandle, q *changeQueue) {
	if q != nil {
		q.Close()
	}
	if h != nil {
		r.terminate(ctx, pointID, h)
		r.metrics.Unsubscribes.Inc()
	}
}

func (r *Registry) terminate(ctx context.Context, pointID string, h MonitorHandle) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("monitor termination panicked", slog.String("point", pointID), slog.Any("panic", p))
		}
	}()
	if err := h.Terminate(ctx); err != nil {
		r.logger.Debug("cannot terminate monitor", slog.String("point", pointID), slog.Any("error", err))
	}
}

// SubscribeNext subscribes the next binding not yet attempted in the current
// pass. It returns false when there is none left or the connection is gone.
func (r *Registry) SubscribeNext(ctx context.Context) bool {
	r.seq.Lock()
	defer r.seq.Unlock()
	return r.subscribeNext(ctx)
}

func (r *Registry) subscribeNext(ctx context.Context) bool {
	r.mu.Lock()
	var next *Binding
	for _, id := range r.order {
		if b := r.bindings[id]; b.state == BindingUnsubscribed && b.pass < r.pass {
			next = b
			break
		}
	}
	if next == nil {
		r.mu.Unlock()
		return false
	}
	next.pass = r.pass
	id := next.PointID
	r.mu.Unlock()

	err := r.subscribe(ctx, id)
	if errors.Is(err, uabridge.ErrNotConnected) || errors.Is(err, uabridge.ErrClosed) {
		return false
	}
	return true
}

// SubscribeAll subscribes every unsubscribed binding, one at a time.
func (r *Registry) SubscribeAll(ctx context.Context) {
	r.seq.Lock()
	defer r.seq.Unlock()

	r.mu.Lock()
	r.pass++
	r.mu.Unlock()

	for ctx.Err() == nil && r.subscribeNext(ctx) {
	}
}

// Binding returns a snapshot of a binding.
func (r *Registry) Binding(pointID string) (BindingInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[pointID]
	if !ok {
		return BindingInfo{}, false
	}
	return b.info(), true
}

// Bindings returns snapshots of all bindings in insertion order.
func (r *Registry) Bindings() []BindingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BindingInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bindings[id].info())
	}
	return out
}

// FindByNode returns the binding of a remote node.
func (r *Registry) FindByNode(nodeID string) (BindingInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if b := r.bindings[id]; b.RemoteNodeID == nodeID {
			return b.info(), true
		}
	}
	return BindingInfo{}, false
}

// ActiveCount returns the number of active bindings.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// CacheValue records the last value known for a point.
func (r *Registry) CacheValue(pointID string, p uabridge.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[pointID]; ok {
		b.last = &p
	}
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, b := range r.bindings {
		if b.state == BindingActive {
			n++
		}
	}
	return n
}

func (r *Registry) inUseLocked() int {
	n := 0
	for _, b := range r.bindings {
		if b.state != BindingUnsubscribed {
			n++
		}
	}
	return n
}
