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

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/uabridge"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.Equal(t, 4840, cfg.Server.Port)
	assert.Equal(t, 10000, cfg.Limit)
	assert.Equal(t, "opcua.0", cfg.Namespace)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("UABRIDGE_ROLE", "server")
	t.Setenv("UABRIDGE_SERVER_PORT", "4841")
	t.Setenv("UABRIDGE_CLIENT_RECONNECT_INTERVAL", "250ms")
	t.Setenv("UABRIDGE_SEND_ACK_TOO", "true")
	t.Setenv("UABRIDGE_STORE_REDIS_ADDR", "redis:6379")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, RoleServer, cfg.Role)
	assert.Equal(t, 4841, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ReconnectInterval)
	assert.True(t, cfg.SendAckToo)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uabridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
role: client
limit: 50
on_change: true
client:
  endpoint: opc.tcp://plc:4840
  auth: username
  username: operator
  password: secret
  request_timeout: 2s
store:
  kind: nats
  nats:
    url: nats://broker:4222
    bucket: plant
log:
  level: debug
  format: json
`), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Limit)
	assert.True(t, cfg.OnChange)
	assert.Equal(t, 2*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, "nats://broker:4222", cfg.Store.NATS.URL)
	assert.Equal(t, "plant", cfg.Store.NATS.Bucket)
	assert.Equal(t, "file", cfg.Store.NATS.Storage)
	assert.Equal(t, "json", cfg.Log.Format)

	ep, err := cfg.Client.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "opc.tcp://plc:4840", ep.URL)
	assert.Equal(t, uabridge.AuthTypeUserPassword, ep.AuthType)
	assert.Equal(t, uabridge.MessageSecurityModeSign, ep.SecurityMode)
	assert.Equal(t, uabridge.SecurityPolicyNone, ep.SecurityPolicy)
}

func TestReadFileMissing(t *testing.T) {
	require.NoError(t, ReadFile(New(), ""))
	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"role", func(c *Config) { c.Role = "gateway" }},
		{"namespace", func(c *Config) { c.Namespace = "" }},
		{"limit", func(c *Config) { c.Limit = -1 }},
		{"endpoint scheme", func(c *Config) { c.Client.URL = "http://plc" }},
		{"username missing", func(c *Config) { c.Client.Auth = "username" }},
		{"certificate missing", func(c *Config) { c.Client.Auth = "certificate" }},
		{"security mode", func(c *Config) { c.Client.SecurityMode = "maybe" }},
		{"security policy", func(c *Config) { c.Server.SecurityPolicy = "Rot13" }},
		{"server port", func(c *Config) { c.Server.Port = 70000 }},
		{"server key without cert", func(c *Config) { c.Server.KeyFile = "key.pem" }},
		{"store kind", func(c *Config) { c.Store.Kind = "etcd" }},
		{"redis addr", func(c *Config) { c.Store.Kind = StoreRedis; c.Store.Redis.Addr = "" }},
		{"nats bucket", func(c *Config) { c.Store.Kind = StoreNATS; c.Store.NATS.Bucket = "" }},
		{"control http addr", func(c *Config) { c.Control.HTTP.Addr = "not an address" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Store.Redis.Addr = ""
	assert.NoError(t, cfg.Validate(), "unused store sections are not validated")
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uabridge.yaml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	v := New()
	require.NoError(t, ReadFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := NewLogger(&buf, LogConfig{Level: "warn", Format: "json"}, level)

	logger.Info("hidden")
	logger.Warn("shown", slog.String("point", "opcua.0.vars.a"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"point":"opcua.0.vars.a"`)

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestWatchUpdatesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uabridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	Watch(v, level, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	assert.Eventually(t, func() bool {
		return level.Level() == slog.LevelDebug
	}, 5*time.Second, 20*time.Millisecond)
}
