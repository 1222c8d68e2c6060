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

// Package store provides state store implementations for the bridge: an
// in-process store, a Redis store and a NATS JetStream key-value store.
package store

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/edgeo-scada/uabridge"
)

// Option configures a store.
type Option func(*options)

type options struct {
	logger *slog.Logger
	prefix string
}

func buildOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPrefix sets the key prefix used by the networked stores.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// redisGlob turns a point pattern into a Redis glob. Characters with a
// special meaning in Redis globs other than '*' are escaped.
func redisGlob(pattern string) string {
	if pattern == "" {
		return "*"
	}
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// natsFilter turns a point pattern into a JetStream KV key filter. Patterns
// that cannot be expressed as a subject filter watch every key and rely on
// uabridge.MatchPattern.
func natsFilter(pattern string) string {
	if pattern == "" || pattern == "*" {
		return ">"
	}
	if !strings.Contains(pattern, "*") {
		return pattern
	}
	if strings.HasSuffix(pattern, ".*") && !strings.Contains(strings.TrimSuffix(pattern, ".*"), "*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return ">"
}

// dispatcher delivers events to a callback on its own goroutine, in order,
// without blocking the producer.
type dispatcher[E any] struct {
	mu     sync.Mutex
	queue  []E
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newDispatcher[E any](fn func(E)) *dispatcher[E] {
	d := &dispatcher[E]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.loop(fn)
	return d
}

func (d *dispatcher[E]) push(ev E) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher[E]) loop(fn func(E)) {
	for {
		select {
		case <-d.done:
			return
		case <-d.signal:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			select {
			case <-d.done:
				return
			default:
			}
			fn(ev)
		}
	}
}

func (d *dispatcher[E]) stop() {
	d.once.Do(func() { close(d.done) })
}

// pointEvent and objectEvent build watch events.
func pointEvent(id string, p *uabridge.Point) uabridge.PointEvent {
	if p == nil {
		return uabridge.PointEvent{ID: id, Deleted: true}
	}
	return uabridge.PointEvent{ID: id, Point: *p}
}

func objectEvent(id string, o *uabridge.PointObject) uabridge.ObjectEvent {
	if o == nil {
		return uabridge.ObjectEvent{ID: id, Deleted: true}
	}
	return uabridge.ObjectEvent{ID: id, Object: *o}
}
