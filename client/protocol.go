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
	"time"

	"github.com/edgeo-scada/uabridge"
)

// Dialer opens transports to remote endpoints.
type Dialer interface {
	Dial(ctx context.Context, ep uabridge.Endpoint) (Transport, error)
}

// Transport is an open connection to a server.
type Transport interface {
	CreateSession(ctx context.Context) (Session, error)
	// Lost delivers at most one value when the connection drops.
	Lost() <-chan error
	Close(ctx context.Context) error
}

// Session is an activated session on a transport.
type Session interface {
	Browse(ctx context.Context, nodeID string) (BrowsePage, error)
	BrowseNext(ctx context.Context, continuationPoint []byte) (BrowsePage, error)
	Read(ctx context.Context, nodeID string) (DataValue, error)
	Write(ctx context.Context, nodeID string, v uabridge.Variant) error
	CreateChannel(ctx context.Context, p ChannelParams) (Channel, error)
	Close(ctx context.Context) error
}

// Channel is a subscription delivering change notifications.
type Channel interface {
	Monitor(ctx context.Context, nodeID string, p MonitorParams, fn func(DataValue)) (MonitorHandle, error)
	Terminate(ctx context.Context) error
}

// MonitorHandle is a live monitored item.
type MonitorHandle interface {
	Terminate(ctx context.Context) error
}

// DataValue is a value reported by the server.
type DataValue struct {
	Value           uabridge.Variant
	Status          uabridge.StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// BrowsePage is one page of browse results.
type BrowsePage struct {
	References        []BrowseEntry
	ContinuationPoint []byte
}

// BrowseEntry is a reference returned by a browse call.
type BrowseEntry struct {
	NodeID         string    `json:"nodeId"`
	BrowseName     string    `json:"browseName"`
	DisplayName    string    `json:"displayName"`
	NodeClass      NodeClass `json:"nodeClass"`
	TypeDefinition string    `json:"typeDefinition,omitempty"`
}

// NodeClass is the OPC UA node class mask value.
type NodeClass uint32

// Node classes.
const (
	NodeClassUnspecified   NodeClass = 0
	NodeClassObject        NodeClass = 1
	NodeClassVariable      NodeClass = 2
	NodeClassMethod        NodeClass = 4
	NodeClassObjectType    NodeClass = 8
	NodeClassVariableType  NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType      NodeClass = 64
	NodeClassView          NodeClass = 128
)

// String returns the name of the node class.
func (c NodeClass) String() string {
	switch c {
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassMethod:
		return "Method"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	default:
		return "Unspecified"
	}
}

// TimestampsToReturn selects the timestamps attached to notifications.
type TimestampsToReturn uint32

const (
	TimestampsSource TimestampsToReturn = iota
	TimestampsServer
	TimestampsBoth
	TimestampsNeither
)

// ChannelParams are the subscription parameters requested from the server.
type ChannelParams struct {
	PublishingInterval         time.Duration
	KeepAliveCount             uint32
	LifetimeCount              uint32
	MaxNotificationsPerPublish uint32
	Priority                   uint8
}

// MonitorParams are the monitored item parameters requested from the server.
type MonitorParams struct {
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
	Timestamps       TimestampsToReturn
}

// Conn gives access to the live session and channel.
type Conn interface {
	Session() (Session, error)
	Channel() (Channel, error)
}
