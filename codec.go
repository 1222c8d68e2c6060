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
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var storeTypes = [...]SemanticType{
	TypeNull:            SemanticString,
	TypeBoolean:         SemanticBoolean,
	TypeSByte:           SemanticNumber,
	TypeByte:            SemanticNumber,
	TypeInt16:           SemanticNumber,
	TypeUInt16:          SemanticNumber,
	TypeInt32:           SemanticNumber,
	TypeUInt32:          SemanticNumber,
	TypeInt64:           SemanticNumber,
	TypeUInt64:          SemanticNumber,
	TypeFloat:           SemanticNumber,
	TypeDouble:          SemanticNumber,
	TypeString:          SemanticString,
	TypeDateTime:        SemanticTimestamp,
	TypeGUID:            SemanticString,
	TypeByteString:      SemanticArray,
	TypeXMLElement:      SemanticString,
	TypeNodeID:          SemanticString,
	TypeExpandedNodeID:  SemanticString,
	TypeStatusCode:      SemanticNumber,
	TypeQualifiedName:   SemanticString,
	TypeLocalizedText:   SemanticString,
	TypeExtensionObject: SemanticJSON,
	TypeDataValue:       SemanticString,
	TypeVariant:         SemanticString,
	TypeDiagnosticInfo:  SemanticString,
}

// ToStoreType maps a protocol type code to the store's semantic type.
// Unknown codes map to string.
func ToStoreType(t DataType) SemanticType {
	if int(t) < len(storeTypes) {
		return storeTypes[t]
	}
	return SemanticString
}

// ServerDataType returns the node type exposed for a point of semantic type s.
func ServerDataType(s SemanticType) DataType {
	switch s {
	case SemanticNumber:
		return TypeDouble
	case SemanticBoolean:
		return TypeBoolean
	default:
		return TypeString
	}
}

// Decode unwraps a protocol value into a store value. Structured values are
// serialized to JSON. A variant without an inner value is rejected with
// ErrInvalidUpdate.
func Decode(v Variant) (Value, error) {
	if isNil(v.Value) {
		return Value{}, ErrInvalidUpdate
	}

	switch x := v.Value.(type) {
	case bool:
		return BoolValue(x), nil
	case int8:
		return NumberValue(float64(x)), nil
	case uint8:
		return NumberValue(float64(x)), nil
	case int16:
		return NumberValue(float64(x)), nil
	case uint16:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case uint32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case float32:
		return NumberValue(float64(x)), nil
	case float64:
		return NumberValue(x), nil
	case string:
		return StringValue(x), nil
	case time.Time:
		return TimeValue(x), nil
	case []byte:
		return BytesValue(x), nil
	case json.RawMessage:
		return JSONValue(x), nil
	case Value:
		return x, nil
	}

	doc, err := json.Marshal(v.Value)
	if err != nil {
		return StringValue(fmt.Sprint(v.Value)), nil
	}
	return JSONValue(doc), nil
}

func isNil(x interface{}) bool {
	if x == nil {
		return true
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Encode tags a store value with the destination protocol type. Numeric codes
// coerce to the matching Go type, Boolean accepts true, "true", 1 and "1" as
// true, and all remaining codes receive the value's string form.
func Encode(v Value, t DataType) (Variant, error) {
	switch {
	case t == TypeBoolean:
		return Variant{Type: t, Value: Truthy(v)}, nil

	case t.IsNumeric():
		f, err := toFloat(v)
		if err != nil {
			return Variant{}, fmt.Errorf("%w: %s for %s", ErrInvalidValue, v, t)
		}
		if err := checkRange(f, t); err != nil {
			return Variant{}, err
		}
		return Variant{Type: t, Value: numericAs(f, t)}, nil

	case t == TypeDateTime:
		switch v.Kind() {
		case KindTimestamp:
			return Variant{Type: t, Value: v.Time()}, nil
		case KindNumber:
			return Variant{Type: t, Value: time.UnixMilli(int64(v.Number()))}, nil
		case KindString:
			ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v.Text()))
			if err != nil {
				return Variant{}, fmt.Errorf("%w: %q for %s", ErrInvalidValue, v.Text(), t)
			}
			return Variant{Type: t, Value: ts}, nil
		}
		return Variant{}, fmt.Errorf("%w: %s for %s", ErrInvalidValue, v.Kind(), t)

	case t == TypeByteString:
		switch v.Kind() {
		case KindBytes, KindJSON:
			return Variant{Type: t, Value: append([]byte(nil), v.Bytes()...)}, nil
		default:
			return Variant{Type: t, Value: []byte(v.String())}, nil
		}
	}

	return Variant{Type: t, Value: v.String()}, nil
}

// Truthy applies the boolean coercion rule: true, "true", 1 and "1" are true.
func Truthy(v Value) bool {
	switch v.Kind() {
	case KindBool:
		return v.Bool()
	case KindNumber:
		return v.Number() == 1
	case KindString:
		return v.Text() == "true" || v.Text() == "1"
	default:
		return false
	}
}

// Coerce converts v into the representation a point of semantic type s holds
// when exposed by the server role.
func Coerce(v Value, s SemanticType) Value {
	switch ServerDataType(s) {
	case TypeDouble:
		f, err := toFloat(v)
		if err != nil {
			return NumberValue(math.NaN())
		}
		return NumberValue(f)
	case TypeBoolean:
		return BoolValue(Truthy(v))
	default:
		return StringValue(v.String())
	}
}

func toFloat(v Value) (float64, error) {
	switch v.Kind() {
	case KindNumber:
		return v.Number(), nil
	case KindBool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case KindString:
		return strconv.ParseFloat(strings.TrimSpace(v.Text()), 64)
	case KindTimestamp:
		return float64(v.Time().UnixMilli()), nil
	default:
		return 0, ErrInvalidValue
	}
}

// numericRanges holds the inclusive bounds of the integer codes after
// truncation. Int64 and UInt64 upper bounds are exclusive.
var numericRanges = map[DataType][2]float64{
	TypeSByte:      {math.MinInt8, math.MaxInt8},
	TypeByte:       {0, math.MaxUint8},
	TypeInt16:      {math.MinInt16, math.MaxInt16},
	TypeUInt16:     {0, math.MaxUint16},
	TypeInt32:      {math.MinInt32, math.MaxInt32},
	TypeUInt32:     {0, math.MaxUint32},
	TypeStatusCode: {0, math.MaxUint32},
	TypeInt64:      {math.MinInt64, math.MaxInt64},
	TypeUInt64:     {0, math.MaxUint64},
}

func checkRange(f float64, t DataType) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v for %s", ErrInvalidValue, f, t)
	}
	switch t {
	case TypeDouble:
		return nil
	case TypeFloat:
		if math.Abs(f) > math.MaxFloat32 {
			return fmt.Errorf("%w: %v out of range for %s", ErrInvalidValue, f, t)
		}
		return nil
	}
	r, ok := numericRanges[t]
	if !ok {
		return nil
	}
	f = math.Trunc(f)
	// float64(MaxInt64) and float64(MaxUint64) round up to 2^63 and 2^64.
	if f < r[0] || f > r[1] || ((t == TypeInt64 || t == TypeUInt64) && f >= r[1]) {
		return fmt.Errorf("%w: %v out of range for %s", ErrInvalidValue, f, t)
	}
	return nil
}

func numericAs(f float64, t DataType) interface{} {
	if t != TypeFloat && t != TypeDouble {
		f = math.Trunc(f)
	}
	switch t {
	case TypeSByte:
		return int8(f)
	case TypeByte:
		return uint8(f)
	case TypeInt16:
		return int16(f)
	case TypeUInt16:
		return uint16(f)
	case TypeInt32:
		return int32(f)
	case TypeUInt32, TypeStatusCode:
		return uint32(f)
	case TypeInt64:
		return int64(f)
	case TypeUInt64:
		return uint64(f)
	case TypeFloat:
		return float32(f)
	default:
		return f
	}
}

// ParseValue reads a value typed on a command line: true and false become
// booleans, numbers become numbers, JSON objects and arrays stay JSON and
// anything else is a string.
func ParseValue(s string) Value {
	t := strings.TrimSpace(s)
	switch t {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	case "null":
		return Value{}
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return NumberValue(f)
	}
	if (strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")) && json.Valid([]byte(t)) {
		return JSONValue([]byte(t))
	}
	return StringValue(s)
}

// GoValue returns the plain Go representation of v, suitable for JSON
// responses and logging.
func GoValue(v Value) interface{} {
	switch v.Kind() {
	case KindBool:
		return v.Bool()
	case KindNumber:
		return v.Number()
	case KindString:
		return v.Text()
	case KindTimestamp:
		return v.Time()
	case KindBytes:
		return v.Bytes()
	case KindJSON:
		return json.RawMessage(v.Bytes())
	default:
		return nil
	}
}
