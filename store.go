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

package uabridge

import (
	"context"
	"strings"
)

// PointEvent reports a change of a point. Deleted is set when the point was removed.
type PointEvent struct {
	ID      string
	Point   Point
	Deleted bool
}

// ObjectEvent reports a change of a catalog entry.
type ObjectEvent struct {
	ID      string
	Object  PointObject
	Deleted bool
}

// CancelFunc stops a watch.
type CancelFunc func()

// StateStore holds point values.
type StateStore interface {
	// GetPoint returns the point or nil when it does not exist.
	GetPoint(ctx context.Context, id string) (*Point, error)
	SetPoint(ctx context.Context, id string, u PointUpdate) error
	ListPoints(ctx context.Context, pattern string) ([]Point, error)
	WatchPoints(ctx context.Context, pattern string, fn func(PointEvent)) (CancelFunc, error)
}

// Catalog holds point metadata.
type Catalog interface {
	// GetObject returns the catalog entry or nil when it does not exist.
	GetObject(ctx context.Context, id string) (*PointObject, error)
	SetObject(ctx context.Context, obj PointObject) error
	DeleteObject(ctx context.Context, id string) error
	ListObjects(ctx context.Context, pattern string) ([]PointObject, error)
	WatchObjects(ctx context.Context, pattern string, fn func(ObjectEvent)) (CancelFunc, error)
}

// Store combines values and metadata.
type Store interface {
	StateStore
	Catalog
	Close() error
}

// MatchPattern reports whether id matches pattern, where '*' matches any run
// of characters, dots included. An empty pattern matches everything.
func MatchPattern(pattern, id string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == id
	}
	if !strings.HasPrefix(id, parts[0]) {
		return false
	}
	id = id[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(id, p)
		if i < 0 {
			return false
		}
		id = id[i+len(p):]
	}
	return strings.HasSuffix(id, last)
}

// SplitPatterns splits a comma-separated pattern list, dropping blanks.
// An empty list yields the match-all pattern.
func SplitPatterns(list string) []string {
	var out []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
