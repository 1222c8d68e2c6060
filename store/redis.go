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
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeo-scada/uabridge"
)

// Redis key naming conventions
const (
	// pointKeyPattern is the key of a point value: {prefix}state:{id}
	pointKeyPattern = "%sstate:%s"

	// objectKeyPattern is the key of a catalog entry: {prefix}object:{id}
	objectKeyPattern = "%sobject:%s"

	// pointChannelPattern is the channel announcing point changes: {prefix}events:state:{id}
	pointChannelPattern = "%sevents:state:%s"

	// objectChannelPattern is the channel announcing catalog changes: {prefix}events:object:{id}
	objectChannelPattern = "%sevents:object:%s"

	// deletedPayload is published when an entry is removed.
	deletedPayload = "null"

	scanBatch = 500
)

// RedisConfig holds the connection settings of a Redis store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"required"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// Redis keeps points and catalog entries as JSON strings and announces
// changes with PUBLISH, so that several bridge processes can share a store.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedis connects to Redis and verifies connectivity.
func NewRedis(cfg RedisConfig, opts ...Option) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	if cfg.Prefix != "" {
		opts = append([]Option{WithPrefix(cfg.Prefix)}, opts...)
	}
	return NewRedisFromClient(client, opts...), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{
		client: client,
		prefix: o.prefix,
		logger: o.logger.With(slog.String("store", "redis")),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (r *Redis) pointKey(id string) string     { return fmt.Sprintf(pointKeyPattern, r.prefix, id) }
func (r *Redis) objectKey(id string) string    { return fmt.Sprintf(objectKeyPattern, r.prefix, id) }
func (r *Redis) pointChannel(id string) string { return fmt.Sprintf(pointChannelPattern, r.prefix, id) }
func (r *Redis) objectChannel(id string) string {
	return fmt.Sprintf(objectChannelPattern, r.prefix, id)
}

func (r *Redis) checkClosed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return uabridge.ErrStoreClosed
	}
	return nil
}

// GetPoint returns a point or nil.
func (r *Redis) GetPoint(ctx context.Context, id string) (*uabridge.Point, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.pointKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get point %s: %w", id, err)
	}
	var p uabridge.Point
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode point %s: %w", id, err)
	}
	p.ID = id
	return &p, nil
}

// SetPoint stores a point and publishes it.
func (r *Redis) SetPoint(ctx context.Context, id string, u uabridge.PointUpdate) error {
	if err := r.checkClosed(); err != nil {
		return err
	}
	if u.TS.IsZero() {
		u.TS = time.Now()
	}
	data, err := json.Marshal(uabridge.Point{ID: id, Val: u.Val, Ack: u.Ack, TS: u.TS, Quality: u.Quality})
	if err != nil {
		return fmt.Errorf("failed to encode point %s: %w", id, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.pointKey(id), data, 0)
	pipe.Publish(ctx, r.pointChannel(id), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set point %s: %w", id, err)
	}
	return nil
}

// ListPoints returns the points matching pattern.
func (r *Redis) ListPoints(ctx context.Context, pattern string) ([]uabridge.Point, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf(pointKeyPattern, r.prefix, "")
	var out []uabridge.Point
	err := r.scan(ctx, prefix, pattern, func(id string, data []byte) error {
		var p uabridge.Point
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to decode point %s: %w", id, err)
		}
		p.ID = id
		out = append(out, p)
		return nil
	})
	return out, err
}

// WatchPoints subscribes to point changes matching pattern.
func (r *Redis) WatchPoints(ctx context.Context, pattern string, fn func(uabridge.PointEvent)) (uabridge.CancelFunc, error) {
	prefix := fmt.Sprintf(pointChannelPattern, r.prefix, "")
	return r.watch(ctx, prefix, pattern, func(id, payload string) {
		if payload == deletedPayload {
			fn(pointEvent(id, nil))
			return
		}
		var p uabridge.Point
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			r.logger.Warn("cannot decode point event", slog.String("point", id), slog.Any("error", err))
			return
		}
		p.ID = id
		fn(pointEvent(id, &p))
	})
}

// GetObject returns a catalog entry or nil.
func (r *Redis) GetObject(ctx context.Context, id string) (*uabridge.PointObject, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.objectKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", id, err)
	}
	var o uabridge.PointObject
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode object %s: %w", id, err)
	}
	o.ID = id
	return &o, nil
}

// SetObject stores a catalog entry and publishes it.
func (r *Redis) SetObject(ctx context.Context, obj uabridge.PointObject) error {
	if err := r.checkClosed(); err != nil {
		return err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode object %s: %w", obj.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.objectKey(obj.ID), data, 0)
	pipe.Publish(ctx, r.objectChannel(obj.ID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set object %s: %w", obj.ID, err)
	}
	return nil
}

// DeleteObject removes a catalog entry and publishes the deletion.
func (r *Redis) DeleteObject(ctx context.Context, id string) error {
	if err := r.checkClosed(); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.objectKey(id))
	pipe.Publish(ctx, r.objectChannel(id), deletedPayload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", id, err)
	}
	return nil
}

// ListObjects returns the catalog entries matching pattern.
func (r *Redis) ListObjects(ctx context.Context, pattern string) ([]uabridge.PointObject, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf(objectKeyPattern, r.prefix, "")
	var out []uabridge.PointObject
	err := r.scan(ctx, prefix, pattern, func(id string, data []byte) error {
		var o uabridge.PointObject
		if err := json.Unmarshal(data, &o); err != nil {
			return fmt.Errorf("failed to decode object %s: %w", id, err)
		}
		o.ID = id
		out = append(out, o)
		return nil
	})
	return out, err
}

// WatchObjects subscribes to catalog changes matching pattern.
func (r *Redis) WatchObjects(ctx context.Context, pattern string, fn func(uabridge.ObjectEvent)) (uabridge.CancelFunc, error) {
	prefix := fmt.Sprintf(objectChannelPattern, r.prefix, "")
	return r.watch(ctx, prefix, pattern, func(id, payload string) {
		if payload == deletedPayload {
			fn(objectEvent(id, nil))
			return
		}
		var o uabridge.PointObject
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			r.logger.Warn("cannot decode object event", slog.String("point", id), slog.Any("error", err))
			return
		}
		o.ID = id
		fn(objectEvent(id, &o))
	})
}

// scan walks the keys below prefix whose id matches pattern and fetches
// their values in batches.
func (r *Redis) scan(ctx context.Context, prefix, pattern string, fn func(id string, data []byte) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+redisGlob(pattern), scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("failed to fetch keys: %w", err)
			}
			for i, v := range values {
				s, ok := v.(string)
				if !ok {
					continue
				}
				id := strings.TrimPrefix(keys[i], prefix)
				if !uabridge.MatchPattern(pattern, id) {
					continue
				}
				if err := fn(id, []byte(s)); err != nil {
					return err
				}
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *Redis) watch(ctx context.Context, prefix, pattern string, fn func(id, payload string)) (uabridge.CancelFunc, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}
	ps := r.client.PSubscribe(ctx, prefix+redisGlob(pattern))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			ps.Close()
		})
	}

	ch := ps.Channel()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id := strings.TrimPrefix(msg.Channel, prefix)
				if uabridge.MatchPattern(pattern, id) {
					fn(id, msg.Payload)
				}
			}
		}
	}()
	return cancel, nil
}

// Close stops every watch and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	return r.client.Close()
}
