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

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/uabridge"
	"github.com/edgeo-scada/uabridge/store"
)

var errFake = errors.New("fake failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSpace records the nodes registered by the builder.
type fakeSpace struct {
	mu       sync.Mutex
	folders  []string
	vars     map[string]Variable
	order    []string
	changed  []string
	started  bool
	closed   bool
	startErr error
}

func newFakeSpace() *fakeSpace {
	return &fakeSpace{vars: make(map[string]Variable)}
}

func (s *fakeSpace) AddFolder(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("add after start")
	}
	s.folders = append(s.folders, name)
	return nil
}

func (s *fakeSpace) AddVariable(v Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("add after start")
	}
	s.vars[v.PointID] = v
	s.order = append(s.order, v.PointID)
	return nil
}

func (s *fakeSpace) Changed(pointID string) {
	s.mu.Lock()
	s.changed = append(s.changed, pointID)
	s.mu.Unlock()
}

func (s *fakeSpace) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeSpace) Endpoint() string { return "opc.tcp://fake:4840" }

func (s *fakeSpace) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSpace) variable(id string) (Variable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[id]
	return v, ok
}

func (s *fakeSpace) changes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.changed...)
}

func addPoint(t *testing.T, mem *store.Memory, id string, typ uabridge.SemanticType, write bool, val *uabridge.PointUpdate) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SetObject(ctx, uabridge.PointObject{ID: id, Name: id, Type: typ, Write: write}))
	if val != nil {
		require.NoError(t, mem.SetPoint(ctx, id, *val))
	}
}

func newTestBuilder(t *testing.T, opts ...Option) (*Builder, *fakeSpace, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	space := newFakeSpace()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return New(mem, space, opts...), space, mem
}

func TestBuildLayout(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	addPoint(t, mem, "hm-rpc.0.dev1.STATE", uabridge.SemanticNumber, false, nil)
	addPoint(t, mem, "hm-rpc.0.dev2.LEVEL", uabridge.SemanticBoolean, true, nil)
	addPoint(t, mem, "javascript.0.message", uabridge.SemanticString, true, nil)
	addPoint(t, mem, "system.host", uabridge.SemanticString, false, nil)

	require.NoError(t, b.Build(context.Background()))

	assert.Equal(t, []string{"hm-rpc.0", "javascript.0"}, space.folders)
	assert.Equal(t, []string{"hm-rpc.0.dev1.STATE", "hm-rpc.0.dev2.LEVEL", "javascript.0.message"}, space.order)

	v, _ := space.variable("hm-rpc.0.dev1.STATE")
	assert.Equal(t, "hm-rpc.0", v.Folder)
	assert.Equal(t, "dev1.STATE", v.BrowseName)
	assert.Equal(t, uabridge.TypeDouble, v.DataType)
	assert.NotNil(t, v.Read)
	assert.Nil(t, v.Write)

	v, _ = space.variable("hm-rpc.0.dev2.LEVEL")
	assert.Equal(t, uabridge.TypeBoolean, v.DataType)
	assert.NotNil(t, v.Write)

	v, _ = space.variable("javascript.0.message")
	assert.Equal(t, "message", v.BrowseName)
	assert.Equal(t, uabridge.TypeString, v.DataType)

	assert.Equal(t, int64(3), b.Metrics().Points.Value())
	assert.Equal(t, int64(1), b.Metrics().SkippedPoints.Value())
}

func TestBuildLimit(t *testing.T) {
	ids := []string{"a.0.p1", "a.0.p2", "a.0.p3", "a.0.p4", "a.0.p5"}
	for _, limit := range []int{0, 1, 3, 10} {
		b, space, mem := newTestBuilder(t, WithLimit(limit))
		for _, id := range ids {
			addPoint(t, mem, id, uabridge.SemanticNumber, false, nil)
		}
		require.NoError(t, b.Build(context.Background()))

		want := limit
		if want > len(ids) {
			want = len(ids)
		}
		assert.Len(t, space.vars, want, "limit %d", limit)
		assert.Equal(t, int64(len(ids)-want), b.Metrics().SkippedPoints.Value(), "limit %d", limit)
	}
}

func TestBuildPublishPatterns(t *testing.T) {
	b, space, mem := newTestBuilder(t, WithPublish("hm-rpc.*, javascript.0.*"))
	addPoint(t, mem, "hm-rpc.0.dev1.STATE", uabridge.SemanticNumber, false, nil)
	addPoint(t, mem, "javascript.0.x", uabridge.SemanticNumber, false, nil)
	addPoint(t, mem, "zigbee.0.lamp.on", uabridge.SemanticBoolean, true, nil)

	require.NoError(t, b.Build(context.Background()))
	assert.Equal(t, []string{"hm-rpc.0.dev1.STATE", "javascript.0.x"}, space.order)
}

func TestBuildAddFailure(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	addPoint(t, mem, "a.0.p1", uabridge.SemanticNumber, false, nil)
	space.started = true

	assert.Error(t, b.Build(context.Background()))
}

func TestReadAcknowledgesOnce(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	ts := time.UnixMilli(1700000000000)
	addPoint(t, mem, "a.0.temp", uabridge.SemanticNumber, false,
		&uabridge.PointUpdate{Val: uabridge.NumberValue(21.5), Ack: false, TS: ts})
	require.NoError(t, b.Build(context.Background()))

	v, _ := space.variable("a.0.temp")
	dv := v.Read()
	assert.Equal(t, uabridge.TypeDouble, dv.Value.Type)
	assert.Equal(t, 21.5, dv.Value.Value)
	assert.Equal(t, uabridge.StatusGood, dv.Status)
	assert.True(t, dv.SourceTimestamp.Equal(ts))

	p, err := mem.GetPoint(context.Background(), "a.0.temp")
	require.NoError(t, err)
	assert.True(t, p.Ack)
	assert.Equal(t, 21.5, p.Val.Number())

	v.Read()
	assert.Equal(t, int64(1), b.Metrics().Acks.Value())
	assert.Equal(t, int64(2), b.Metrics().Reads.Value())
}

func TestReadWithoutState(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	addPoint(t, mem, "a.0.label", uabridge.SemanticString, false, nil)
	addPoint(t, mem, "a.0.level", uabridge.SemanticNumber, false, nil)
	require.NoError(t, b.Build(context.Background()))

	v, _ := space.variable("a.0.label")
	assert.Equal(t, "", v.Read().Value.Value)

	v, _ = space.variable("a.0.level")
	assert.True(t, math.IsNaN(v.Read().Value.Value.(float64)))

	p, err := mem.GetPoint(context.Background(), "a.0.label")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, int64(0), b.Metrics().Acks.Value())
}

func TestWriteCoerces(t *testing.T) {
	tests := []struct {
		name   string
		typ    uabridge.SemanticType
		in     uabridge.Variant
		expect uabridge.Value
	}{
		{"number to string", uabridge.SemanticString, uabridge.Variant{Type: uabridge.TypeDouble, Value: 3.5}, uabridge.StringValue("3.5")},
		{"string to number", uabridge.SemanticNumber, uabridge.Variant{Type: uabridge.TypeString, Value: "42"}, uabridge.NumberValue(42)},
		{"one to boolean", uabridge.SemanticBoolean, uabridge.Variant{Type: uabridge.TypeString, Value: "1"}, uabridge.BoolValue(true)},
		{"word to boolean", uabridge.SemanticBoolean, uabridge.Variant{Type: uabridge.TypeString, Value: "yes"}, uabridge.BoolValue(false)},
		{"bool to string", uabridge.SemanticJSON, uabridge.Variant{Type: uabridge.TypeBoolean, Value: true}, uabridge.StringValue("true")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, space, mem := newTestBuilder(t)
			addPoint(t, mem, "a.0.p", tt.typ, true, nil)
			require.NoError(t, b.Build(context.Background()))

			ts := time.UnixMilli(1700000000123)
			v, _ := space.variable("a.0.p")
			status := v.Write(DataValue{Value: tt.in, Status: uabridge.StatusUncertain, SourceTimestamp: ts})
			assert.Equal(t, uabridge.StatusGood, status)

			p, err := mem.GetPoint(context.Background(), "a.0.p")
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.True(t, tt.expect.Equal(p.Val), "got %s", p.Val)
			assert.False(t, p.Ack)
			assert.Equal(t, uint32(uabridge.StatusUncertain), p.Quality)
			assert.True(t, p.TS.Equal(ts))
		})
	}
}

func TestWriteThenReadAcknowledges(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	addPoint(t, mem, "a.0.p", uabridge.SemanticNumber, true, nil)
	require.NoError(t, b.Build(context.Background()))

	v, _ := space.variable("a.0.p")
	require.Equal(t, uabridge.StatusGood, v.Write(DataValue{Value: uabridge.Variant{Type: uabridge.TypeInt32, Value: int32(7)}}))

	dv := v.Read()
	assert.Equal(t, 7.0, dv.Value.Value)
	p, err := mem.GetPoint(context.Background(), "a.0.p")
	require.NoError(t, err)
	assert.True(t, p.Ack)
}

func TestWriteUndefinedIsDiscarded(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	ts := time.UnixMilli(1700000000000)
	addPoint(t, mem, "a.0.p", uabridge.SemanticNumber, true,
		&uabridge.PointUpdate{Val: uabridge.NumberValue(7), Ack: true, TS: ts})
	require.NoError(t, b.Build(context.Background()))

	v, _ := space.variable("a.0.p")
	status := v.Write(DataValue{Value: uabridge.Variant{Type: uabridge.TypeDouble, Value: nil}})
	assert.Equal(t, uabridge.StatusBadTypeMismatch, status)

	p, err := mem.GetPoint(context.Background(), "a.0.p")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 7.0, p.Val.Number())
	assert.True(t, p.Ack)

	assert.Equal(t, 7.0, v.Read().Value.Value)
	assert.Equal(t, int64(1), b.Metrics().InvalidUpdates.Value())
	assert.Equal(t, int64(0), b.Metrics().Writes.Value())
	assert.Equal(t, int64(0), b.Metrics().WriteErrors.Value())
}

func TestWriteStoreFailure(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	addPoint(t, mem, "a.0.p", uabridge.SemanticNumber, true, nil)
	require.NoError(t, b.Build(context.Background()))
	mem.Close()

	v, _ := space.variable("a.0.p")
	assert.True(t, v.Write(DataValue{Value: uabridge.Variant{Type: uabridge.TypeDouble, Value: 1.0}}).IsBad())
	assert.Equal(t, int64(1), b.Metrics().WriteErrors.Value())
}

func TestStartBeforeBuild(t *testing.T) {
	b, space, _ := newTestBuilder(t)
	err := b.Start(context.Background())
	assert.ErrorIs(t, err, uabridge.ErrInvalidTransition)
	assert.False(t, space.started)
}

func TestStartFailure(t *testing.T) {
	b, space, _ := newTestBuilder(t)
	space.startErr = errFake
	require.NoError(t, b.Build(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), errFake)
}

func TestWatchPicksUpChangesAfterBuild(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	ctx := context.Background()
	addPoint(t, mem, "a.0.p", uabridge.SemanticNumber, true,
		&uabridge.PointUpdate{Val: uabridge.NumberValue(1), Ack: true, TS: time.UnixMilli(1000)})
	addPoint(t, mem, "a.0.q", uabridge.SemanticNumber, true,
		&uabridge.PointUpdate{Val: uabridge.NumberValue(5), Ack: true, TS: time.UnixMilli(1000)})
	require.NoError(t, b.Build(ctx))

	require.NoError(t, mem.SetPoint(ctx, "a.0.p",
		uabridge.PointUpdate{Val: uabridge.NumberValue(2), Ack: true, TS: time.UnixMilli(2000)}))
	require.NoError(t, b.Watch(ctx))
	t.Cleanup(func() { b.Close() })

	p, _ := space.variable("a.0.p")
	assert.Equal(t, 2.0, p.Read().Value.Value)
	q, _ := space.variable("a.0.q")
	assert.Equal(t, 5.0, q.Read().Value.Value)
	assert.Equal(t, int64(1), b.Metrics().Refreshes.Value())
}

func TestRun(t *testing.T) {
	b, space, mem := newTestBuilder(t)
	addPoint(t, mem, "a.0.p", uabridge.SemanticNumber, true,
		&uabridge.PointUpdate{Val: uabridge.NumberValue(1), Ack: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	connection := DefaultNamespace + ".info.connection"
	require.Eventually(t, func() bool {
		p, _ := mem.GetPoint(context.Background(), connection)
		return p != nil && p.Val.Text() == "opc.tcp://fake:4840"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mem.SetPoint(context.Background(), "a.0.p", uabridge.PointUpdate{Val: uabridge.NumberValue(2), Ack: true}))
	require.Eventually(t, func() bool {
		for _, id := range space.changes() {
			if id == "a.0.p" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	v, _ := space.variable("a.0.p")
	assert.Equal(t, 2.0, v.Read().Value.Value)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	assert.True(t, space.closed)

	p, err := mem.GetPoint(context.Background(), connection)
	require.NoError(t, err)
	assert.Equal(t, "", p.Val.Text())
}
