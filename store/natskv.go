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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/edgeo-scada/uabridge"
)

// NATSConfig holds the settings of a JetStream key-value store.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url" validate:"required"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket" validate:"required"`
	Storage string `mapstructure:"storage" yaml:"storage" validate:"omitempty,oneof=file memory"`
}

// NATSKV keeps points and catalog entries in two JetStream key-value
// buckets, "<bucket>_states" and "<bucket>_objects". Keys are point ids,
// so ids must be valid subject tokens.
type NATSKV struct {
	nc      *nats.Conn
	ownConn bool
	states  nats.KeyValue
	objects nats.KeyValue
	logger  *slog.Logger

	mu       sync.Mutex
	watchers map[nats.KeyWatcher]struct{}
	closed   bool
}

// NewNATSKV connects to NATS and opens, or creates, the buckets.
func NewNATSKV(cfg NATSConfig, opts ...Option) (*NATSKV, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("uabridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	s, err := NewNATSKVFromConn(nc, cfg, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownConn = true
	return s, nil
}

// NewNATSKVFromConn opens the buckets on an existing connection.
func NewNATSKVFromConn(nc *nats.Conn, cfg NATSConfig, opts ...Option) (*NATSKV, error) {
	o := buildOptions(opts)
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	storage := nats.FileStorage
	if cfg.Storage == "memory" {
		storage = nats.MemoryStorage
	}
	states, err := ensureBucket(js, cfg.Bucket+"_states", storage)
	if err != nil {
		return nil, err
	}
	objects, err := ensureBucket(js, cfg.Bucket+"_objects", storage)
	if err != nil {
		return nil, err
	}

	return &NATSKV{
		nc:       nc,
		states:   states,
		objects:  objects,
		logger:   o.logger.With(slog.String("store", "nats"), slog.String("bucket", cfg.Bucket)),
		watchers: make(map[nats.KeyWatcher]struct{}),
	}, nil
}

func ensureBucket(js nats.JetStreamContext, name string, storage nats.StorageType) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  name,
		History: 1,
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return kv, nil
}

func (s *NATSKV) checkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return uabridge.ErrStoreClosed
	}
	return nil
}

func (s *NATSKV) get(kv nats.KeyValue, id string, v interface{}) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}
	entry, err := kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", id, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	return true, nil
}

func (s *NATSKV) put(kv nats.KeyValue, id string, v interface{}) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", id, err)
	}
	if _, err := kv.Put(id, data); err != nil {
		return fmt.Errorf("failed to put %s: %w", id, err)
	}
	return nil
}

func (s *NATSKV) keys(kv nats.KeyValue, pattern string) ([]string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	keys, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := keys[:0]
	for _, k := range keys {
		if uabridge.MatchPattern(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetPoint returns a point or nil.
func (s *NATSKV) GetPoint(_ context.Context, id string) (*uabridge.Point, error) {
	var p uabridge.Point
	ok, err := s.get(s.states, id, &p)
	if !ok || err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

// SetPoint stores a point.
func (s *NATSKV) SetPoint(_ context.Context, id string, u uabridge.PointUpdate) error {
	if u.TS.IsZero() {
		u.TS = time.Now()
	}
	return s.put(s.states, id, uabridge.Point{ID: id, Val: u.Val, Ack: u.Ack, TS: u.TS, Quality: u.Quality})
}

// ListPoints returns the points matching pattern, sorted by id.
func (s *NATSKV) ListPoints(ctx context.Context, pattern string) ([]uabridge.Point, error) {
	keys, err := s.keys(s.states, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]uabridge.Point, 0, len(keys))
	for _, k := range keys {
		p, err := s.GetPoint(ctx, k)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

// WatchPoints calls fn for every later change of a point matching pattern.
func (s *NATSKV) WatchPoints(ctx context.Context, pattern string, fn func(uabridge.PointEvent)) (uabridge.CancelFunc, error) {
	return s.watch(ctx, s.states, pattern, func(entry nats.KeyValueEntry) {
		id := entry.Key()
		if entry.Operation() != nats.KeyValuePut {
			fn(pointEvent(id, nil))
			return
		}
		var p uabridge.Point
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			s.logger.Warn("cannot decode point event", slog.String("point", id), slog.Any("error", err))
			return
		}
		p.ID = id
		fn(pointEvent(id, &p))
	})
}

// GetObject returns a catalog entry or nil.
func (s *NATSKV) GetObject(_ context.Context, id string) (*uabridge.PointObject, error) {
	var o uabridge.PointObject
	ok, err := s.get(s.objects, id, &o)
	if !ok || err != nil {
		return nil, err
	}
	o.ID = id
	return &o, nil
}

// SetObject stores a catalog entry.
func (s *NATSKV) SetObject(_ context.Context, obj uabridge.PointObject) error {
	return s.put(s.objects, obj.ID, obj)
}

// DeleteObject removes a catalog entry.
func (s *NATSKV) DeleteObject(_ context.Context, id string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := s.objects.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// ListObjects returns the catalog entries matching pattern, sorted by id.
func (s *NATSKV) ListObjects(ctx context.Context, pattern string) ([]uabridge.PointObject, error) {
	keys, err := s.keys(s.objects, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]uabridge.PointObject, 0, len(keys))
	for _, k := range keys {
		o, err := s.GetObject(ctx, k)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out = append(out, *o)
		}
	}
	return out, nil
}

// WatchObjects calls fn for every later change of a catalog entry matching pattern.
func (s *NATSKV) WatchObjects(ctx context.Context, pattern string, fn func(uabridge.ObjectEvent)) (uabridge.CancelFunc, error) {
	return s.watch(ctx, s.objects, pattern, func(entry nats.KeyValueEntry) {
		id := entry.Key()
		if entry.Operation() != nats.KeyValuePut {
			fn(objectEvent(id, nil))
			return
		}
		var o uabridge.PointObject
		if err := json.Unmarshal(entry.Value(), &o); err != nil {
			s.logger.Warn("cannot decode object event", slog.String("point", id), slog.Any("error", err))
			return
		}
		o.ID = id
		fn(objectEvent(id, &o))
	})
}

func (s *NATSKV) watch(ctx context.Context, kv nats.KeyValue, pattern string, fn func(nats.KeyValueEntry)) (uabridge.CancelFunc, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	w, err := kv.Watch(natsFilter(pattern), nats.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to watch: %w", err)
	}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, w)
			s.mu.Unlock()
			_ = w.Stop()
		})
	}

	go func() {
		defer cancel()
		updates := w.Updates()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-updates:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if uabridge.MatchPattern(pattern, entry.Key()) {
					fn(entry)
				}
			}
		}
	}()
	return cancel, nil
}

// Close stops every watch. The connection is closed when the store opened it.
func (s *NATSKV) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := s.watchers
	s.watchers = make(map[nats.KeyWatcher]struct{})
	s.mu.Unlock()

	for w := range watchers {
		_ = w.Stop()
	}
	if s.ownConn {
		s.nc.Close()
	}
	return nil
}
