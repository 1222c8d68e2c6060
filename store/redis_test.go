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
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/uabridge"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("UABRIDGE_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	r, err := NewRedis(RedisConfig{Addr: addr, DB: 15, Prefix: "uabridge-test-" + uuid.NewString() + ":"})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisPointsAndWatch(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	var rec pointRecorder
	cancel, err := r.WatchPoints(ctx, "opcua.0.vars.*", rec.record)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.SetPoint(ctx, "opcua.0.vars.level", uabridge.PointUpdate{Val: uabridge.NumberValue(42), Ack: true}))
	require.NoError(t, r.SetPoint(ctx, "opcua.1.vars.level", uabridge.PointUpdate{Val: uabridge.NumberValue(1)}))

	p, err := r.GetPoint(ctx, "opcua.0.vars.level")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 42.0, p.Val.Number())
	assert.True(t, p.Ack)

	missing, err := r.GetPoint(ctx, "opcua.0.vars.none")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := r.ListPoints(ctx, "opcua.0.vars.*")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "opcua.0.vars.level", rec.snapshot()[0].ID)
}

func TestRedisObjects(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	deleted := make(chan string, 1)
	cancel, err := r.WatchObjects(ctx, "*", func(ev uabridge.ObjectEvent) {
		if ev.Deleted {
			deleted <- ev.ID
		}
	})
	require.NoError(t, err)
	defer cancel()

	obj := uabridge.PointObject{ID: "opcua.0.vars.x", Name: "x", Type: uabridge.SemanticString, Native: uabridge.NativeInfo{NodeID: "ns=1;s=x"}}
	require.NoError(t, r.SetObject(ctx, obj))

	got, err := r.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ns=1;s=x", got.Native.NodeID)

	require.NoError(t, r.DeleteObject(ctx, obj.ID))
	select {
	case id := <-deleted:
		assert.Equal(t, obj.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("no delete event")
	}
}
