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
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToStoreType(t *testing.T) {
	tests := []struct {
		code DataType
		want SemanticType
	}{
		{TypeNull, SemanticString},
		{TypeBoolean, SemanticBoolean},
		{TypeSByte, SemanticNumber},
		{TypeUInt64, SemanticNumber},
		{TypeFloat, SemanticNumber},
		{TypeDouble, SemanticNumber},
		{TypeString, SemanticString},
		{TypeDateTime, SemanticTimestamp},
		{TypeGUID, SemanticString},
		{TypeByteString, SemanticArray},
		{TypeStatusCode, SemanticNumber},
		{TypeLocalizedText, SemanticString},
		{TypeExtensionObject, SemanticJSON},
		{TypeDiagnosticInfo, SemanticString},
		{DataType(200), SemanticString},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ToStoreType(tt.code))
		})
	}
}

func TestDecodeScalars(t *testing.T) {
	v, err := Decode(Variant{Type: TypeDouble, Value: 42.0})
	require.NoError(t, err)
	assert.Equal(t, KindNumber, v.Kind())
	assert.Equal(t, 42.0, v.Number())

	v, err = Decode(Variant{Type: TypeInt16, Value: int16(-3)})
	require.NoError(t, err)
	assert.Equal(t, -3.0, v.Number())

	v, err = Decode(Variant{Type: TypeBoolean, Value: true})
	require.NoError(t, err)
	assert.True(t, v.Bool())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v, err = Decode(Variant{Type: TypeDateTime, Value: ts})
	require.NoError(t, err)
	assert.Equal(t, KindTimestamp, v.Kind())
	assert.True(t, ts.Equal(v.Time()))
}

func TestDecodeStructuredAsJSON(t *testing.T) {
	type span struct {
		Low  float64 `json:"low"`
		High float64 `json:"high"`
	}
	v, err := Decode(Variant{Type: TypeExtensionObject, Value: &span{Low: 1, High: 2}})
	require.NoError(t, err)
	assert.Equal(t, KindJSON, v.Kind())
	assert.JSONEq(t, `{"low":1,"high":2}`, v.Text())
}

func TestDecodeUndefined(t *testing.T) {
	_, err := Decode(Variant{Type: TypeDouble})
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	var p *struct{}
	_, err = Decode(Variant{Type: TypeExtensionObject, Value: p})
	assert.True(t, IsInvalidUpdate(err))
}

func TestEncodeDecodeIdempotent(t *testing.T) {
	variants := []Variant{
		{Type: TypeBoolean, Value: true},
		{Type: TypeBoolean, Value: false},
		{Type: TypeSByte, Value: int8(-7)},
		{Type: TypeByte, Value: uint8(200)},
		{Type: TypeInt16, Value: int16(-300)},
		{Type: TypeUInt16, Value: uint16(60000)},
		{Type: TypeInt32, Value: int32(-70000)},
		{Type: TypeUInt32, Value: uint32(4000000000)},
		{Type: TypeInt64, Value: int64(1 << 40)},
		{Type: TypeUInt64, Value: uint64(1 << 50)},
		{Type: TypeFloat, Value: float32(1.5)},
		{Type: TypeDouble, Value: 3.25},
		{Type: TypeString, Value: "pump on"},
		{Type: TypeString, Value: ""},
	}
	for _, in := range variants {
		t.Run(in.Type.String(), func(t *testing.T) {
			v, err := Decode(in)
			require.NoError(t, err)
			out, err := Encode(v, in.Type)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestEncodeBooleanCoercion(t *testing.T) {
	truthy := []Value{BoolValue(true), StringValue("true"), NumberValue(1), StringValue("1")}
	for _, v := range truthy {
		out, err := Encode(v, TypeBoolean)
		require.NoError(t, err)
		assert.Equal(t, true, out.Value, "value %s", v)
	}
	falsy := []Value{BoolValue(false), StringValue("yes"), NumberValue(2), StringValue("0"), {}}
	for _, v := range falsy {
		out, err := Encode(v, TypeBoolean)
		require.NoError(t, err)
		assert.Equal(t, false, out.Value, "value %s", v)
	}
}

func TestEncodeNumericCoercion(t *testing.T) {
	out, err := Encode(StringValue(" 12.9 "), TypeInt32)
	require.NoError(t, err)
	assert.Equal(t, int32(12), out.Value)

	out, err = Encode(BoolValue(true), TypeDouble)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Value)

	_, err = Encode(StringValue("abc"), TypeDouble)
	assert.ErrorIs(t, err, ErrInvalidValue)

	out, err = Encode(NumberValue(255.9), TypeByte)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), out.Value)

	out, err = Encode(NumberValue(-0.5), TypeUInt32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), out.Value)

	out, err = Encode(NumberValue(math.MinInt64), TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), out.Value)

	out, err = Encode(NumberValue(math.MaxFloat32), TypeFloat)
	require.NoError(t, err)
	assert.Equal(t, float32(math.MaxFloat32), out.Value)
}

func TestEncodeOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		t    DataType
	}{
		{"sbyte low", NumberValue(-129), TypeSByte},
		{"sbyte high", NumberValue(128), TypeSByte},
		{"byte low", NumberValue(-1), TypeByte},
		{"byte high", NumberValue(256), TypeByte},
		{"int16 low", NumberValue(-32769), TypeInt16},
		{"int16 high", NumberValue(32768), TypeInt16},
		{"uint16 low", NumberValue(-1), TypeUInt16},
		{"uint16 high", NumberValue(65536), TypeUInt16},
		{"int32 low", NumberValue(-2147483649), TypeInt32},
		{"int32 high", NumberValue(2147483648), TypeInt32},
		{"uint32 low", NumberValue(-1), TypeUInt32},
		{"uint32 high", NumberValue(4294967296), TypeUInt32},
		{"status code high", NumberValue(4294967296), TypeStatusCode},
		{"int64 low", NumberValue(-1e19), TypeInt64},
		{"int64 high", NumberValue(9223372036854775808), TypeInt64},
		{"uint64 low", NumberValue(-1), TypeUInt64},
		{"uint64 high", NumberValue(18446744073709551616), TypeUInt64},
		{"float high", NumberValue(1e39), TypeFloat},
		{"float low", NumberValue(-1e39), TypeFloat},
		{"string exponent", StringValue("1e20"), TypeInt32},
		{"nan int", NumberValue(math.NaN()), TypeInt32},
		{"nan double", NumberValue(math.NaN()), TypeDouble},
		{"inf double", NumberValue(math.Inf(1)), TypeDouble},
		{"negative inf float", NumberValue(math.Inf(-1)), TypeFloat},
		{"inf string", StringValue("Inf"), TypeInt16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.v, tt.t)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestEncodeFallbackToString(t *testing.T) {
	out, err := Encode(NumberValue(21.5), TypeString)
	require.NoError(t, err)
	assert.Equal(t, "21.5", out.Value)

	out, err = Encode(JSONValue([]byte(`{"a":1}`)), TypeLocalizedText)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out.Value)

	out, err = Encode(Value{}, TypeString)
	require.NoError(t, err)
	assert.Equal(t, "", out.Value)
}

func TestEncodeDateTime(t *testing.T) {
	out, err := Encode(NumberValue(1700000000000), TypeDateTime)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000), out.Value)

	out, err = Encode(StringValue("2024-01-02T03:04:05Z"), TypeDateTime)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Equal(out.Value.(time.Time)))

	_, err = Encode(BoolValue(true), TypeDateTime)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, 3.5, Coerce(StringValue("3.5"), SemanticNumber).Number())
	assert.True(t, Coerce(StringValue("1"), SemanticBoolean).Bool())
	assert.False(t, Coerce(StringValue("on"), SemanticBoolean).Bool())
	assert.Equal(t, "", Coerce(Value{}, SemanticString).Text())
	assert.Equal(t, "7", Coerce(NumberValue(7), SemanticJSON).Text())
}

func TestServerDataType(t *testing.T) {
	assert.Equal(t, TypeDouble, ServerDataType(SemanticNumber))
	assert.Equal(t, TypeBoolean, ServerDataType(SemanticBoolean))
	assert.Equal(t, TypeString, ServerDataType(SemanticString))
	assert.Equal(t, TypeString, ServerDataType(SemanticTimestamp))
	assert.Equal(t, TypeString, ServerDataType(""))
}

func TestGoValue(t *testing.T) {
	b, err := json.Marshal(map[string]interface{}{
		"n": GoValue(NumberValue(1)),
		"j": GoValue(JSONValue([]byte(`[1,2]`))),
		"z": GoValue(Value{}),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1,"j":[1,2],"z":null}`, string(b))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"true", BoolValue(true)},
		{"false", BoolValue(false)},
		{"null", Value{}},
		{"42", NumberValue(42)},
		{" -1.5 ", NumberValue(-1.5)},
		{`{"a":1}`, JSONValue([]byte(`{"a":1}`))},
		{"[1,2]", JSONValue([]byte("[1,2]"))},
		{"{broken", StringValue("{broken")},
		{"hello", StringValue("hello")},
	}
	for _, tt := range tests {
		assert.True(t, tt.want.Equal(ParseValue(tt.in)), tt.in)
	}
}
