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

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgeo-scada/uabridge"
)

var errFake = errors.New("fake failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWrite struct {
	NodeID string
	Value  uabridge.Variant
}

// fakeServer is an in-memory stand-in for a remote OPC UA server.
type fakeServer struct {
	mu sync.Mutex

	values map[string]DataValue
	pages  map[string][]BrowsePage

	dialErr      error
	sessionErr   error
	channelErr   error
	monitorErr   error
	readErr      error
	browseErr    map[int]error
	dialBlock    chan struct{}
	monitorDelay time.Duration

	dials        int
	browseCalls  int
	writes       []fakeWrite
	monitors     map[*fakeHandle]struct{}
	monitorCalls int
	terminated   int
	inFlight     int
	maxInFlight  int
	transports   []*fakeTransport
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		values:    make(map[string]DataValue),
		pages:     make(map[string][]BrowsePage),
		browseErr: make(map[int]error),
		monitors:  make(map[*fakeHandle]struct{}),
	}
}

func (s *fakeServer) set(nodeID string, v uabridge.Variant) {
	s.mu.Lock()
	s.values[nodeID] = DataValue{Value: v, SourceTimestamp: time.Now()}
	s.mu.Unlock()
}

// emit delivers a change notification to every live monitor of nodeID.
func (s *fakeServer) emit(nodeID string, dv DataValue) {
	s.mu.Lock()
	var fns []func(DataValue)
	for h := range s.monitors {
		if h.nodeID == nodeID {
			fns = append(fns, h.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(dv)
	}
}

// drop simulates a connection loss on the most recent transport.
func (s *fakeServer) drop() {
	s.mu.Lock()
	t := s.transports[len(s.transports)-1]
	s.mu.Unlock()
	t.lost <- errFake
}

func (s *fakeServer) liveMonitors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

func (s *fakeServer) counts() (dials, terminated, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials, s.terminated, len(s.writes)
}

func (s *fakeServer) Dial(ctx context.Context, ep uabridge.Endpoint) (Transport, error) {
	s.mu.Lock()
	s.dials++
	block := s.dialBlock
	err := s.dialErr
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	t := &fakeTransport{srv: s, lost: make(chan error, 1)}
	s.mu.Lock()
	s.transports = append(s.transports, t)
	s.mu.Unlock()
	return t, nil
}

type fakeTransport struct {
	srv    *fakeServer
	lost   chan error
	closed bool
}

func (t *fakeTransport) CreateSession(ctx context.Context) (Session, error) {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	if t.srv.sessionErr != nil {
		return nil, t.srv.sessionErr
	}
	return &fakeSession{srv: t.srv}, nil
}

func (t *fakeTransport) Lost() <-chan error { return t.lost }

func (t *fakeTransport) Close(ctx context.Context) error {
	t.srv.mu.Lock()
	t.closed = true
	t.srv.mu.Unlock()
	return nil
}

type fakeSession struct {
	srv *fakeServer
}

func (s *fakeSession) Browse(ctx context.Context, nodeID string) (BrowsePage, error) {
	return s.page(nodeID, 0)
}

func (s *fakeSession) BrowseNext(ctx context.Context, cp []byte) (BrowsePage, error) {
	node, idx, _ := strings.Cut(string(cp), "|")
	i, err := strconv.Atoi(idx)
	if err != nil {
		return BrowsePage{}, err
	}
	return s.page(node, i)
}

func (s *fakeSession) page(nodeID string, i int) (BrowsePage, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	s.srv.browseCalls++
	if err := s.srv.browseErr[i]; err != nil {
		return BrowsePage{}, err
	}
	pages := s.srv.pages[nodeID]
	if i >= len(pages) {
		return BrowsePage{}, nil
	}
	p := pages[i]
	if i+1 < len(pages) {
		p.ContinuationPoint = []byte(fmt.Sprintf("%s|%d", nodeID, i+1))
	}
	return p, nil
}

func (s *fakeSession) Read(ctx context.Context, nodeID string) (DataValue, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.srv.readErr != nil {
		return DataValue{}, s.srv.readErr
	}
	dv, ok := s.srv.values[nodeID]
	if !ok {
		return DataValue{}, uabridge.NewBridgeError("read", nodeID, uabridge.StatusBadNodeIdUnknown, nil)
	}
	return dv, nil
}

func (s *fakeSession) Write(ctx context.Context, nodeID string, v uabridge.Variant) error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	s.srv.writes = append(s.srv.writes, fakeWrite{NodeID: nodeID, Value: v})
	return nil
}

func (s *fakeSession) CreateChannel(ctx context.Context, p ChannelParams) (Channel, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.srv.channelErr != nil {
		return nil, s.srv.channelErr
	}
	return &fakeChannel{srv: s.srv}, nil
}

func (s *fakeSession) Close(ctx context.Context) error { return nil }

type fakeChannel struct {
	srv *fakeServer
}

func (c *fakeChannel) Monitor(ctx context.Context, nodeID string, p MonitorParams, fn func(DataValue)) (MonitorHandle, error) {
	c.srv.mu.Lock()
	c.srv.monitorCalls++
	c.srv.inFlight++
	if c.srv.inFlight > c.srv.maxInFlight {
		c.srv.maxInFlight = c.srv.inFlight
	}
	delay := c.srv.monitorDelay
	err := c.srv.monitorErr
	c.srv.mu.Unlock()

	time.Sleep(delay)

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.inFlight--
	if err != nil {
		return nil, err
	}
	h := &fakeHandle{srv: c.srv, nodeID: nodeID, fn: fn}
	c.srv.monitors[h] = struct{}{}
	return h, nil
}

func (c *fakeChannel) Terminate(ctx context.Context) error { return nil }

type fakeHandle struct {
	srv    *fakeServer
	nodeID string
	fn     func(DataValue)
}

func (h *fakeHandle) Terminate(ctx context.Context) error {
	h.srv.mu.Lock()
	defer h.srv.mu.Unlock()
	delete(h.srv.monitors, h)
	h.srv.terminated++
	return nil
}

// fakeConn serves a fixed session and channel.
type fakeConn struct {
	sess Session
	ch   Channel
}

func (c *fakeConn) Session() (Session, error) {
	if c.sess == nil {
		return nil, uabridge.ErrNotConnected
	}
	return c.sess, nil
}

func (c *fakeConn) Channel() (Channel, error) {
	if c.ch == nil {
		return nil, uabridge.ErrNotConnected
	}
	return c.ch, nil
}

func connectedConn(srv *fakeServer) *fakeConn {
	return &fakeConn{sess: &fakeSession{srv: srv}, ch: &fakeChannel{srv: srv}}
}

func testEndpoint() uabridge.Endpoint {
	return uabridge.Endpoint{URL: "opc.tcp://fake:4840"}
}

func pointObject(name, nodeID string, dt uabridge.DataType) uabridge.PointObject {
	return uabridge.PointObject{
		ID:    DefaultNamespace + ".vars." + name,
		Name:  name,
		Type:  uabridge.ToStoreType(dt),
		Write: true,
		Native: uabridge.NativeInfo{
			NodeID:   nodeID,
			DataType: dt,
		},
	}
}
