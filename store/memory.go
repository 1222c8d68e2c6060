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

package store

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeo-scada/uabridge"
)

// Memory is an in-process store. Watch callbacks run on a goroutine per
// watch, in the order the changes were made.
type Memory struct {
	logger *slog.Logger

	mu      sync.RWMutex
	points  map[string]uabridge.Point
	objects map[string]uabridge.PointObject
	pwatch  map[uint64]*memoryWatch[uabridge.PointEvent]
	owatch  map[uint64]*memoryWatch[uabridge.ObjectEvent]
	nextID  uint64
	closed  bool
}

type memoryWatch[E any] struct {
	pattern string
	d       *dispatcher[E]
}

// NewMemory creates an empty in-process store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		logger:  o.logger.With(slog.String("store", "memory")),
		points:  make(map[string]uabridge.Point),
		objects: make(map[string]uabridge.PointObject),
		pwatch:  make(map[uint64]*memoryWatch[uabridge.PointEvent]),
		owatch:  make(map[uint64]*memoryWatch[uabridge.ObjectEvent]),
	}
}

// GetPoint returns a point or nil.
func (m *Memory) GetPoint(_ context.Context, id string) (*uabridge.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, uabridge.ErrStoreClosed
	}
	p, ok := m.points[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// SetPoint stores a point and notifies the watchers.
func (m *Memory) SetPoint(_ context.Context, id string, u uabridge.PointUpdate) error {
	if u.TS.IsZero() {
		u.TS = time.Now()
	}
	p := uabridge.Point{ID: id, Val: u.Val, Ack: u.Ack, TS: u.TS, Quality: u.Quality}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uabridge.ErrStoreClosed
	}
	m.points[id] = p
	targets := matching(m.pwatch, id)
	m.mu.Unlock()

	for _, w := range targets {
		w.d.push(pointEvent(id, &p))
	}
	return nil
}

// DeletePoint removes a point and notifies the watchers.
func (m *Memory) DeletePoint(_ context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uabridge.ErrStoreClosed
	}
	if _, ok := m.points[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.points, id)
	targets := matching(m.pwatch, id)
	m.mu.Unlock()

	for _, w := range targets {
		w.d.push(pointEvent(id, nil))
	}
	return nil
}

// ListPoints returns the points matching pattern, sorted by id.
func (m *Memory) ListPoints(_ context.Context, pattern string) ([]uabridge.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, uabridge.ErrStoreClosed
	}
	var out []uabridge.Point
	for id, p := range m.points {
		if uabridge.MatchPattern(pattern, id) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b uabridge.Point) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// WatchPoints calls fn for every change of a point matching pattern.
func (m *Memory) WatchPoints(ctx context.Context, pattern string, fn func(uabridge.PointEvent)) (uabridge.CancelFunc, error) {
	return watch(m, m.pwatch, ctx, pattern, fn)
}

// GetObject returns a catalog entry or nil.
func (m *Memory) GetObject(_ context.Context, id string) (*uabridge.PointObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, uabridge.ErrStoreClosed
	}
	o, ok := m.objects[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// SetObject stores a catalog entry and notifies the watchers.
func (m *Memory) SetObject(_ context.Context, obj uabridge.PointObject) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uabridge.ErrStoreClosed
	}
	m.objects[obj.ID] = obj
	targets := matching(m.owatch, obj.ID)
	m.mu.Unlock()

	for _, w := range targets {
		w.d.push(objectEvent(obj.ID, &obj))
	}
	return nil
}

// DeleteObject removes a catalog entry and notifies the watchers.
func (m *Memory) DeleteObject(_ context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uabridge.ErrStoreClosed
	}
	if _, ok := m.objects[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.objects, id)
	targets := matching(m.owatch, id)
	m.mu.Unlock()

	for _, w := range targets {
		w.d.push(objectEvent(id, nil))
	}
	return nil
}

// ListObjects returns the catalog entries matching pattern, sorted by id.
func (m *Memory) ListObjects(_ context.Context, pattern string) ([]uabridge.PointObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, uabridge.ErrStoreClosed
	}
	var out []uabridge.PointObject
	for id, o := range m.objects {
		if uabridge.MatchPattern(pattern, id) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b uabridge.PointObject) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// WatchObjects calls fn for every change of a catalog entry matching pattern.
func (m *Memory) WatchObjects(ctx context.Context, pattern string, fn func(uabridge.ObjectEvent)) (uabridge.CancelFunc, error) {
	return watch(m, m.owatch, ctx, pattern, fn)
}

// Close stops every watch.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, w := range m.pwatch {
		w.d.stop()
		delete(m.pwatch, id)
	}
	for id, w := range m.owatch {
		w.d.stop()
		delete(m.owatch, id)
	}
	return nil
}

func watch[E any](m *Memory, set map[uint64]*memoryWatch[E], ctx context.Context, pattern string, fn func(E)) (uabridge.CancelFunc, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, uabridge.ErrStoreClosed
	}
	m.nextID++
	id := m.nextID
	w := &memoryWatch[E]{pattern: pattern, d: newDispatcher(fn)}
	set[id] = w
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(set, id)
			m.mu.Unlock()
			w.d.stop()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-w.d.done:
		}
	}()
	return cancel, nil
}

func matching[E any](set map[uint64]*memoryWatch[E], id string) []*memoryWatch[E] {
	var out []*memoryWatch[E]
	for _, w := range set {
		if uabridge.MatchPattern(w.pattern, id) {
			out = append(out, w)
		}
	}
	return out
}
