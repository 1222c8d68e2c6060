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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/uabridge"
)

type pointRecorder struct {
	mu     sync.Mutex
	events []uabridge.PointEvent
}

func (r *pointRecorder) record(ev uabridge.PointEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *pointRecorder) snapshot() []uabridge.PointEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uabridge.PointEvent(nil), r.events...)
}

func TestMemoryPoints(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	p, err := m.GetPoint(ctx, "opcua.0.vars.missing")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, m.SetPoint(ctx, "opcua.0.vars.b", uabridge.PointUpdate{Val: uabridge.NumberValue(2), Ack: true}))
	require.NoError(t, m.SetPoint(ctx, "opcua.0.vars.a", uabridge.PointUpdate{Val: uabridge.StringValue("x")}))
	require.NoError(t, m.SetPoint(ctx, "other.0.c", uabridge.PointUpdate{Val: uabridge.BoolValue(true)}))

	p, err = m.GetPoint(ctx, "opcua.0.vars.b")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "opcua.0.vars.b", p.ID)
	assert.Equal(t, 2.0, p.Val.Number())
	assert.True(t, p.Ack)
	assert.False(t, p.TS.IsZero(), "zero timestamp means now")

	list, err := m.ListPoints(ctx, "opcua.0.vars.*")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "opcua.0.vars.a", list[0].ID)
	assert.Equal(t, "opcua.0.vars.b", list[1].ID)

	all, err := m.ListPoints(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryWatchPointsInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var rec pointRecorder
	cancel, err := m.WatchPoints(ctx, "ns.*", rec.record)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, m.SetPoint(ctx, "ns.p", uabridge.PointUpdate{Val: uabridge.NumberValue(float64(i))}))
	}
	require.NoError(t, m.SetPoint(ctx, "other.p", uabridge.PointUpdate{Val: uabridge.NumberValue(1)}))
	require.NoError(t, m.DeletePoint(ctx, "ns.p"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 21 }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	for i := 0; i < 20; i++ {
		assert.Equal(t, float64(i), events[i].Point.Val.Number())
		assert.Equal(t, "ns.p", events[i].ID)
	}
	assert.True(t, events[20].Deleted)
}

func TestMemoryWatchCancel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var rec pointRecorder
	cancel, err := m.WatchPoints(ctx, "*", rec.record)
	require.NoError(t, err)

	require.NoError(t, m.SetPoint(ctx, "a", uabridge.PointUpdate{Val: uabridge.NumberValue(1)}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	cancel()
	require.NoError(t, m.SetPoint(ctx, "a", uabridge.PointUpdate{Val: uabridge.NumberValue(2)}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestMemoryWatchStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	defer m.Close()

	var rec pointRecorder
	_, err := m.WatchPoints(ctx, "*", rec.record)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.pwatch) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryObjects(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var (
		mu     sync.Mutex
		events []uabridge.ObjectEvent
	)
	cancel, err := m.WatchObjects(ctx, "opcua.0.vars.*", func(ev uabridge.ObjectEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	obj := uabridge.PointObject{
		ID:   "opcua.0.vars.Temperature",
		Name: "Temperature",
		Type: uabridge.SemanticNumber,
		Native: uabridge.NativeInfo{
			NodeID:   "ns=2;s=Temperature",
			DataType: uabridge.TypeDouble,
		},
	}
	require.NoError(t, m.SetObject(ctx, obj))

	got, err := m.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, obj, *got)

	list, err := m.ListObjects(ctx, "opcua.0.vars.*")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.DeleteObject(ctx, obj.ID))
	require.NoError(t, m.DeleteObject(ctx, obj.ID))

	got, err = m.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, events[0].Deleted)
	assert.Equal(t, "ns=2;s=Temperature", events[0].Object.Native.NodeID)
	assert.True(t, events[1].Deleted)
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.GetPoint(ctx, "a")
	assert.ErrorIs(t, err, uabridge.ErrStoreClosed)
	assert.ErrorIs(t, m.SetPoint(ctx, "a", uabridge.PointUpdate{}), uabridge.ErrStoreClosed)
	_, err = m.WatchObjects(ctx, "*", func(uabridge.ObjectEvent) {})
	assert.ErrorIs(t, err, uabridge.ErrStoreClosed)
}

func TestRedisGlob(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"", "*"},
		{"*", "*"},
		{"opcua.0.vars.*", "opcua.0.vars.*"},
		{"a?b", `a\?b`},
		{"a[1]", `a\[1\]`},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, redisGlob(tt.pattern))
		})
	}
}

func TestNATSFilter(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"", ">"},
		{"*", ">"},
		{"opcua.0.vars.*", "opcua.0.vars.>"},
		{"opcua.0.vars.Temp", "opcua.0.vars.Temp"},
		{"opcua.*.vars.*", ">"},
		{"opcua.0.Temp*", ">"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, natsFilter(tt.pattern))
		})
	}
}
