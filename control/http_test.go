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

package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/uabridge"
	"github.com/edgeo-scada/uabridge/client"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHTTP(f *fakeBridge) *HTTPServer {
	reg := NewRegistry(NewCollector("client", f.metrics).WithState(f.State))
	return NewHTTPServer("127.0.0.1:0", newTestController(f), reg, discardLogger())
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, Response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestHTTPHealthz(t *testing.T) {
	s := NewHTTPServer("127.0.0.1:0", nil, nil, discardLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPStatus(t *testing.T) {
	f := newFakeBridge()
	code, resp := do(t, newTestHTTP(f).Handler(), http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "subscription_active", result["state"])
	assert.Equal(t, true, result["connected"])
}

func TestHTTPSubscriptionLifecycle(t *testing.T) {
	f := newFakeBridge()
	h := newTestHTTP(f).Handler()

	code, resp := do(t, h, http.MethodPost, "/api/subscriptions", `{"nodeId":"ns=2;s=Tank/Level","name":"level"}`)
	require.Equal(t, http.StatusOK, code, resp.Error)
	obj := resp.Result.(map[string]interface{})
	assert.Equal(t, "opcua.0.vars.level", obj["_id"])

	code, resp = do(t, h, http.MethodGet, "/api/subscriptions", "")
	require.Equal(t, http.StatusOK, code)
	subs := resp.Result.(map[string]interface{})
	assert.Contains(t, subs, "ns=2;s=Tank/Level")

	code, _ = do(t, h, http.MethodPost, "/api/write", `{"id":"opcua.0.vars.level","val":"42"}`)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, f.writes, 1)
	assert.Equal(t, "42", f.writes[0].Value.Text())

	code, resp = do(t, h, http.MethodDelete, "/api/subscriptions?nodeId=ns%3D2%3Bs%3DTank%2FLevel", "")
	assert.Equal(t, http.StatusOK, code, resp.Error)

	code, _ = do(t, h, http.MethodDelete, "/api/subscriptions?nodeId=ns%3D2%3Bs%3DTank%2FLevel", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, http.MethodPost, "/api/write", `{"id":"opcua.0.vars.level","val":1}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTPBrowseAndRead(t *testing.T) {
	f := newFakeBridge()
	f.entries = []client.BrowseEntry{{NodeID: "i=85", BrowseName: "Objects", NodeClass: client.NodeClassObject}}
	f.values["ns=2;s=Flag"] = client.ReadResult{NodeID: "ns=2;s=Flag", Value: uabridge.BoolValue(true), DataType: uabridge.TypeBoolean}
	h := newTestHTTP(f).Handler()

	code, resp := do(t, h, http.MethodGet, "/api/browse?nodeId=i%3D84", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Result, 1)
	assert.Equal(t, "i=84", f.browsed)

	code, resp = do(t, h, http.MethodGet, "/api/browse?nodeId=i%3D84&depth=2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "i=84", resp.Result.(map[string]interface{})["id"])

	code, _ = do(t, h, http.MethodGet, "/api/browse?depth=deep", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, http.MethodGet, "/api/browse?depth=20", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = do(t, h, http.MethodGet, "/api/read?nodeId=ns%3D2%3Bs%3DFlag", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Result.(map[string]interface{})["val"])

	code, _ = do(t, h, http.MethodGet, "/api/read?nodeId=ns%3D2%3Bs%3DMissing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, http.MethodGet, "/api/read", "")
	assert.Equal(t, http.StatusBadRequest, code)

	f.state = uabridge.StateDisconnected
	code, _ = do(t, h, http.MethodGet, "/api/browse", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHTTPTest(t *testing.T) {
	f := newFakeBridge()
	h := newTestHTTP(f).Handler()

	code, resp := do(t, h, http.MethodPost, "/api/test", `{"endpoint":"opc.tcp://plc:4840"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"status": "connected"}, resp.Result)

	code, _ = do(t, h, http.MethodPost, "/api/test", `{"endpoint":"tcp://plc"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	f.testErr = uabridge.ErrTimeout
	code, resp = do(t, h, http.MethodPost, "/api/test", `{"endpoint":"opc.tcp://plc:4840"}`)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.NotEmpty(t, resp.Error)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrInvalidRequest, http.StatusBadRequest},
		{uabridge.NewBridgeError("write", "p", uabridge.StatusBadTypeMismatch, uabridge.ErrInvalidValue), http.StatusBadRequest},
		{ErrUnknownCommand, http.StatusNotFound},
		{uabridge.ErrUnknownPoint, http.StatusNotFound},
		{uabridge.NewBridgeError("read", "n", uabridge.StatusBadNodeIdUnknown, nil), http.StatusNotFound},
		{fmt.Errorf("subscribe: %w", uabridge.ErrCapacityExceeded), http.StatusConflict},
		{uabridge.ErrTimeout, http.StatusGatewayTimeout},
		{uabridge.ErrNotConnected, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestHTTPMetrics(t *testing.T) {
	f := newFakeBridge()
	f.metrics.Writes.Add(2)
	h := newTestHTTP(f).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "uabridge_client_writes_total 2")
	assert.Contains(t, body, "uabridge_client_connection_state 3")
	assert.Contains(t, body, "uabridge_client_write_latency_seconds_count 0")
	assert.Contains(t, body, "go_goroutines")
}
