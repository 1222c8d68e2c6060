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

// Package uabridge synchronizes a key-value state store with an OPC UA
// address space, either as a client mirroring a remote server or as a
// server exposing the store's points.
package uabridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DataType is an OPC UA built-in type code.
type DataType uint8

// OPC UA built-in types.
const (
	TypeNull            DataType = 0
	TypeBoolean         DataType = 1
	TypeSByte           DataType = 2
	TypeByte            DataType = 3
	TypeInt16           DataType = 4
	TypeUInt16          DataType = 5
	TypeInt32           DataType = 6
	TypeUInt32          DataType = 7
	TypeInt64           DataType = 8
	TypeUInt64          DataType = 9
	TypeFloat           DataType = 10
	TypeDouble          DataType = 11
	TypeString          DataType = 12
	TypeDateTime        DataType = 13
	TypeGUID            DataType = 14
	TypeByteString      DataType = 15
	TypeXMLElement      DataType = 16
	TypeNodeID          DataType = 17
	TypeExpandedNodeID  DataType = 18
	TypeStatusCode      DataType = 19
	TypeQualifiedName   DataType = 20
	TypeLocalizedText   DataType = 21
	TypeExtensionObject DataType = 22
	TypeDataValue       DataType = 23
	TypeVariant         DataType = 24
	TypeDiagnosticInfo  DataType = 25
)

var dataTypeNames = [...]string{
	"Null", "Boolean", "SByte", "Byte", "Int16", "UInt16", "Int32", "UInt32",
	"Int64", "UInt64", "Float", "Double", "String", "DateTime", "Guid",
	"ByteString", "XmlElement", "NodeId", "ExpandedNodeId", "StatusCode",
	"QualifiedName", "LocalizedText", "ExtensionObject", "DataValue",
	"Variant", "DiagnosticInfo",
}

// String returns the OPC UA name of the type.
func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// IsNumeric reports whether values of t are stored as numbers.
func (t DataType) IsNumeric() bool {
	return (t >= TypeSByte && t <= TypeDouble) || t == TypeStatusCode
}

// ParseDataType returns the type code for an OPC UA type name.
func ParseDataType(name string) (DataType, bool) {
	for i, n := range dataTypeNames {
		if n == name {
			return DataType(i), true
		}
	}
	return TypeNull, false
}

// SemanticType is the loosely typed classification used by the state store.
type SemanticType string

// Store-level semantic types.
const (
	SemanticBoolean   SemanticType = "boolean"
	SemanticNumber    SemanticType = "number"
	SemanticString    SemanticType = "string"
	SemanticTimestamp SemanticType = "timestamp"
	SemanticArray     SemanticType = "array"
	SemanticJSON      SemanticType = "json"
)

// Kind identifies the variant held by a Value.
type Kind uint8

// Value kinds. KindNull is the zero value and marks an absent value.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindTimestamp
	KindBytes
	KindJSON
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Value is a tagged store value. Only the field matching Kind is meaningful.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	t    time.Time
	raw  []byte
}

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// NumberValue returns a numeric value.
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// TimeValue returns a timestamp value.
func TimeValue(t time.Time) Value { return Value{kind: KindTimestamp, t: t} }

// BytesValue returns a byte-array value.
func BytesValue(b []byte) Value { return Value{kind: KindBytes, raw: append([]byte(nil), b...)} }

// JSONValue returns a value holding a serialized JSON document.
func JSONValue(doc []byte) Value { return Value{kind: KindJSON, raw: append([]byte(nil), doc...)} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.b }

// Number returns the numeric payload.
func (v Value) Number() float64 { return v.n }

// Time returns the timestamp payload.
func (v Value) Time() time.Time { return v.t }

// Bytes returns the byte payload of a Bytes or JSON value.
func (v Value) Bytes() []byte { return v.raw }

// Text returns the string payload of a String value or the document of a JSON value.
func (v Value) Text() string {
	if v.kind == KindJSON {
		return string(v.raw)
	}
	return v.s
}

// String formats v the way the store displays it.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	case KindTimestamp:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindBytes:
		b, _ := json.Marshal(byteArray(v.raw))
		return string(b)
	case KindJSON:
		return string(v.raw)
	default:
		return ""
	}
}

// Equal reports whether v and o hold the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n || (math.IsNaN(v.n) && math.IsNaN(o.n))
	case KindString:
		return v.s == o.s
	case KindTimestamp:
		return v.t.Equal(o.t)
	default:
		return bytes.Equal(v.raw, o.raw)
	}
}

// byteArray marshals as a JSON array of numbers instead of base64.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, c := range b {
		ints[i] = int(c)
	}
	return json.Marshal(ints)
}

// MarshalJSON encodes v as a plain JSON value. Timestamps become milliseconds
// since the Unix epoch and byte arrays become arrays of numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindTimestamp:
		return json.Marshal(v.t.UnixMilli())
	case KindBytes:
		return json.Marshal(byteArray(v.raw))
	case KindJSON:
		if !json.Valid(v.raw) {
			return json.Marshal(string(v.raw))
		}
		return v.raw, nil
	default:
		return nil, fmt.Errorf("uabridge: cannot marshal value kind %d", v.kind)
	}
}

// UnmarshalJSON infers the kind from the JSON token. Objects and arrays are
// kept as JSON documents.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("uabridge: empty value")
	}
	switch data[0] {
	case 'n':
		*v = Value{}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case '{', '[':
		if !json.Valid(data) {
			return fmt.Errorf("uabridge: invalid JSON value")
		}
		*v = JSONValue(data)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	}
	return nil
}

// Point is a named entry of the state store.
type Point struct {
	ID      string
	Val     Value
	Ack     bool
	TS      time.Time
	Quality uint32
}

type pointJSON struct {
	Val Value  `json:"val"`
	Ack bool   `json:"ack"`
	TS  int64  `json:"ts"`
	Q   uint32 `json:"q,omitempty"`
}

// MarshalJSON encodes the point in the store's wire form with a millisecond timestamp.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{Val: p.Val, Ack: p.Ack, TS: p.TS.UnixMilli(), Q: p.Quality})
}

// UnmarshalJSON decodes the store's wire form. The ID is not part of the payload.
func (p *Point) UnmarshalJSON(data []byte) error {
	var w pointJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Val = w.Val
	p.Ack = w.Ack
	p.Quality = w.Q
	p.TS = time.UnixMilli(w.TS)
	return nil
}

// PointUpdate is written to the store by SetPoint. A zero TS means "now".
type PointUpdate struct {
	Val     Value
	Ack     bool
	TS      time.Time
	Quality uint32
}

// NativeInfo carries the remote binding of a catalogued point.
type NativeInfo struct {
	NodeID       string   `json:"nodeId,omitempty"`
	FullPath     string   `json:"fullPath,omitempty"`
	DataType     DataType `json:"dataType"`
	DataTypeName string   `json:"dataTypeStr,omitempty"`
}

// PointObject is the catalog entry describing a point.
type PointObject struct {
	ID     string       `json:"_id"`
	Name   string       `json:"name"`
	Type   SemanticType `json:"type"`
	Read   *bool        `json:"read,omitempty"`
	Write  bool         `json:"write"`
	Native NativeInfo   `json:"native"`
}

// Readable reports whether the point may be read. Points are readable unless
// explicitly marked otherwise.
func (o PointObject) Readable() bool {
	return o.Read == nil || *o.Read
}

// Variant is a typed protocol value.
type Variant struct {
	Type  DataType
	Value interface{}
}

// ConnectionState is the lifecycle state of a client session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSessionActive
	StateSubscriptionActive
	StateClosing
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSessionActive:
		return "session_active"
	case StateSubscriptionActive:
		return "subscription_active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MessageSecurityMode is the security mode of a secure channel.
type MessageSecurityMode uint32

// Message security modes.
const (
	MessageSecurityModeInvalid        MessageSecurityMode = 0
	MessageSecurityModeNone           MessageSecurityMode = 1
	MessageSecurityModeSign           MessageSecurityMode = 2
	MessageSecurityModeSignAndEncrypt MessageSecurityMode = 3
)

// String returns the string representation of a MessageSecurityMode.
func (m MessageSecurityMode) String() string {
	switch m {
	case MessageSecurityModeNone:
		return "None"
	case MessageSecurityModeSign:
		return "Sign"
	case MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// SecurityPolicy is an OPC UA security policy URI.
type SecurityPolicy string

// Security policies.
const (
	SecurityPolicyNone           SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyBasic128Rsa15  SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	SecurityPolicyBasic256       SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	SecurityPolicyBasic256Sha256 SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyAes128Sha256   SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyAes256Sha256   SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
)

// AuthType selects how a client authenticates its session.
type AuthType int

const (
	AuthTypeAnonymous AuthType = iota
	AuthTypeUserPassword
	AuthTypeCertificate
)

// ParseSecurityPolicy accepts a short policy name such as "Basic256Sha256"
// or a full policy URI.
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	if strings.HasPrefix(s, "http://opcfoundation.org/UA/SecurityPolicy#") {
		return SecurityPolicy(s), nil
	}
	switch strings.ToLower(s) {
	case "none", "":
		return SecurityPolicyNone, nil
	case "basic128rsa15":
		return SecurityPolicyBasic128Rsa15, nil
	case "basic256":
		return SecurityPolicyBasic256, nil
	case "basic256sha256":
		return SecurityPolicyBasic256Sha256, nil
	case "aes128sha256rsaoaep", "aes128sha256":
		return SecurityPolicyAes128Sha256, nil
	case "aes256sha256rsapss", "aes256sha256":
		return SecurityPolicyAes256Sha256, nil
	default:
		return "", fmt.Errorf("unknown security policy: %s", s)
	}
}

// ParseSecurityMode converts a mode name. An empty name yields
// MessageSecurityModeInvalid so that the authentication default applies.
func ParseSecurityMode(s string) (MessageSecurityMode, error) {
	switch strings.ToLower(s) {
	case "":
		return MessageSecurityModeInvalid, nil
	case "none":
		return MessageSecurityModeNone, nil
	case "sign":
		return MessageSecurityModeSign, nil
	case "signandencrypt", "sign_and_encrypt":
		return MessageSecurityModeSignAndEncrypt, nil
	default:
		return 0, fmt.Errorf("unknown security mode: %s", s)
	}
}

// ParseAuthType converts an authentication name: anonymous, username or
// certificate.
func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(s) {
	case "anonymous", "none", "":
		return AuthTypeAnonymous, nil
	case "username", "userpassword", "basic":
		return AuthTypeUserPassword, nil
	case "certificate", "cert":
		return AuthTypeCertificate, nil
	default:
		return 0, fmt.Errorf("unknown authentication type: %s", s)
	}
}

// Endpoint describes how to reach and authenticate against a remote server.
type Endpoint struct {
	URL            string
	SecurityPolicy SecurityPolicy
	SecurityMode   MessageSecurityMode
	AuthType       AuthType
	Username       string
	Password       string
	CertFile       string
	KeyFile        string
	ApplicationURI string
	RequestTimeout time.Duration
	SessionTimeout time.Duration
}

// DefaultSecurityMode returns the security mode implied by an authentication
// type when none is configured explicitly.
func DefaultSecurityMode(auth AuthType) MessageSecurityMode {
	switch auth {
	case AuthTypeCertificate:
		return MessageSecurityModeSignAndEncrypt
	case AuthTypeUserPassword:
		return MessageSecurityModeSign
	default:
		return MessageSecurityModeNone
	}
}

const (
	// DefaultTimeout is the default timeout for OPC UA requests.
	DefaultTimeout = 5 * time.Second

	// DefaultPort is the default OPC UA TCP port.
	DefaultPort = 4840

	// RootFolder is the node browsed when no folder is given.
	RootFolder = "i=84"

	// ObjectsFolder is the standard Objects folder.
	ObjectsFolder = "i=85"
)
