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
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	uasrv "github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/server/attrs"
	"github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/uabridge"
)

// GopcuaSpace is an AddressSpace served by github.com/gopcua/opcua/server.
// Every variable lives in one namespace named after the server; node ids are
// string ids equal to the point id.
type GopcuaSpace struct {
	logger   *slog.Logger
	srv      *uasrv.Server
	ns       *uasrv.NodeNameSpace
	endpoint string

	mu      sync.Mutex
	folders map[string]*uasrv.Node
	vars    map[string]Variable

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewGopcuaSpace creates the server. It does not listen until Start.
func NewGopcuaSpace(opts ...Option) (*GopcuaSpace, error) {
	o := buildOptions(opts)

	srvOpts := []uasrv.Option{
		uasrv.EndPoint(o.host, o.port),
		uasrv.EnableAuthMode(ua.UserTokenTypeAnonymous),
		uasrv.EnableSecurity(string(o.securityPolicy), ua.MessageSecurityMode(o.securityMode)),
	}
	if o.securityPolicy != uabridge.SecurityPolicyNone {
		der, key, err := serverKeyPair(o)
		if err != nil {
			return nil, err
		}
		srvOpts = append(srvOpts, uasrv.Certificate(der), uasrv.PrivateKey(key))
	}

	srv := uasrv.New(srvOpts...)
	ns := uasrv.NewNodeNameSpace(srv, o.name)
	root, err := srv.Namespace(0)
	if err != nil {
		return nil, fmt.Errorf("root namespace: %w", err)
	}
	root.Objects().AddRef(ns.Objects(), id.HasComponent, true)

	g := &GopcuaSpace{
		logger:   o.logger,
		srv:      srv,
		ns:       ns,
		endpoint: fmt.Sprintf("opc.tcp://%s:%d", o.host, o.port),
		folders:  make(map[string]*uasrv.Node),
		vars:     make(map[string]Variable),
		done:     make(chan struct{}),
	}
	g.wg.Add(1)
	go g.forwardWrites()
	return g, nil
}

func serverKeyPair(o *serverOptions) ([]byte, *rsa.PrivateKey, error) {
	if o.certFile != "" && o.keyFile != "" {
		return LoadKeyPair(o.certFile, o.keyFile)
	}
	o.logger.Warn("no server certificate configured, using a generated self-signed certificate")
	return GenerateSelfSigned(CertificateRequest{
		CommonName:     o.name,
		ApplicationURI: o.applicationURI,
	})
}

func (g *GopcuaSpace) nodeID(s string) *ua.NodeID {
	return ua.NewStringNodeID(g.ns.ID(), s)
}

// AddFolder adds a folder below the namespace objects node.
func (g *GopcuaSpace) AddFolder(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.folders[name]; ok {
		return nil
	}
	f := uasrv.NewFolderNode(g.nodeID(name), name)
	g.ns.AddNode(f)
	g.ns.Objects().AddRef(f, id.Organizes, true)
	g.folders[name] = f
	return nil
}

// AddVariable adds a variable node to its folder.
func (g *GopcuaSpace) AddVariable(v Variable) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	folder, ok := g.folders[v.Folder]
	if !ok {
		return fmt.Errorf("%w: folder %s", uabridge.ErrUnknownPoint, v.Folder)
	}
	n := g.install(v)
	folder.AddRef(n, id.HasComponent, true)
	g.vars[v.PointID] = v
	return nil
}

// install adds or replaces the node of v.
func (g *GopcuaSpace) install(v Variable) *uasrv.Node {
	access := byte(0)
	if v.Read != nil {
		access |= byte(ua.AccessLevelTypeCurrentRead)
	}
	if v.Write != nil {
		access |= byte(ua.AccessLevelTypeCurrentWrite)
	}

	var value uasrv.ValueFunc
	if read := v.Read; read != nil {
		value = func() *ua.DataValue { return toUADataValue(read()) }
	}

	n := uasrv.NewNode(
		g.nodeID(v.PointID),
		map[ua.AttributeID]*ua.DataValue{
			ua.AttributeIDNodeClass:       uasrv.DataValueFromValue(uint32(ua.NodeClassVariable)),
			ua.AttributeIDBrowseName:      uasrv.DataValueFromValue(attrs.BrowseName(v.BrowseName)),
			ua.AttributeIDDisplayName:     uasrv.DataValueFromValue(attrs.DisplayName(v.BrowseName, "")),
			ua.AttributeIDDataType:        uasrv.DataValueFromValue(ua.NewNumericNodeID(0, uint32(v.DataType))),
			ua.AttributeIDAccessLevel:     uasrv.DataValueFromValue(access),
			ua.AttributeIDUserAccessLevel: uasrv.DataValueFromValue(access),
		},
		nil,
		value,
	)
	return g.ns.AddNode(n)
}

// forwardWrites hands values written by clients to the variable's setter.
func (g *GopcuaSpace) forwardWrites() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case nid, ok := <-g.ns.ExternalNotification:
			if !ok {
				return
			}
			g.handleWrite(nid)
		}
	}
}

func (g *GopcuaSpace) handleWrite(nid *ua.NodeID) {
	pointID := nid.StringID()
	g.mu.Lock()
	v, ok := g.vars[pointID]
	g.mu.Unlock()
	if !ok || v.Write == nil {
		return
	}

	n := g.ns.Node(nid)
	if n == nil {
		return
	}
	status := v.Write(fromUADataValue(n.Value()))
	if status.IsBad() {
		g.logger.Warn("client write rejected", slog.String("point", pointID), slog.String("status", status.String()))
	}

	// A client write replaces the node value; serve reads from the store
	// again.
	g.mu.Lock()
	g.install(v)
	g.mu.Unlock()
}

// Changed notifies monitored items of the point's node.
func (g *GopcuaSpace) Changed(pointID string) {
	g.ns.ChangeNotification(g.nodeID(pointID))
}

// Start starts listening.
func (g *GopcuaSpace) Start(ctx context.Context) error {
	return g.srv.Start(ctx)
}

// Endpoint returns the listening endpoint URL.
func (g *GopcuaSpace) Endpoint() string { return g.endpoint }

// Close shuts the server down.
func (g *GopcuaSpace) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		err = g.srv.Close()
		g.wg.Wait()
	})
	return err
}

func toUADataValue(dv DataValue) *ua.DataValue {
	out := &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueSourceTimestamp | ua.DataValueServerTimestamp,
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: time.Now(),
	}
	if out.SourceTimestamp.IsZero() {
		out.SourceTimestamp = out.ServerTimestamp
	}
	if dv.Status != uabridge.StatusGood {
		out.EncodingMask |= ua.DataValueStatusCode
		out.Status = ua.StatusCode(dv.Status)
	}
	v, err := ua.NewVariant(dv.Value.Value)
	if err != nil {
		out.EncodingMask |= ua.DataValueStatusCode
		out.Status = ua.StatusBadTypeMismatch
		return out
	}
	out.Value = v
	return out
}

func fromUADataValue(dv *ua.DataValue) DataValue {
	if dv == nil {
		return DataValue{}
	}
	out := DataValue{
		Status:          uabridge.StatusCode(dv.Status),
		SourceTimestamp: dv.SourceTimestamp,
	}
	if dv.Value != nil {
		out.Value = uabridge.Variant{Type: uabridge.DataType(dv.Value.Type()), Value: dv.Value.Value()}
	}
	return out
}
