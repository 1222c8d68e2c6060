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
	"errors"
	"fmt"
)

// StatusCode severity levels.
const (
	StatusSeverityGood      uint32 = 0x00000000
	StatusSeverityUncertain uint32 = 0x40000000
	StatusSeverityBad       uint32 = 0x80000000
	StatusSeverityMask      uint32 = 0xC0000000
)

// StatusCode is an OPC UA status code. Points carry one as their quality.
type StatusCode uint32

// Status codes the bridge produces or inspects.
const (
	StatusGood                     StatusCode = 0x00000000
	StatusUncertain                StatusCode = 0x40000000
	StatusBad                      StatusCode = 0x80000000
	StatusBadTimeout               StatusCode = 0x800A0000
	StatusBadServerNotConnected    StatusCode = 0x800D0000
	StatusBadTooManyMonitoredItems StatusCode = 0x80DB0000
	StatusBadSessionClosed         StatusCode = 0x80260000
	StatusBadNodeIdUnknown         StatusCode = 0x80340000
	StatusBadTypeMismatch          StatusCode = 0x80740000
	StatusBadNotReadable           StatusCode = 0x803A0000
	StatusBadNotWritable           StatusCode = 0x803B0000
	StatusBadUserAccessDenied      StatusCode = 0x801F0000
	StatusBadLicenseLimitsExceeded StatusCode = 0x810F0000
	StatusBadNotConnected          StatusCode = 0x808A0000
)

var statusCodeNames = map[StatusCode]string{
	StatusGood:                     "Good",
	StatusUncertain:                "Uncertain",
	StatusBad:                      "Bad",
	StatusBadTimeout:               "BadTimeout",
	StatusBadServerNotConnected:    "BadServerNotConnected",
	StatusBadTooManyMonitoredItems: "BadTooManyMonitoredItems",
	StatusBadSessionClosed:         "BadSessionClosed",
	StatusBadNodeIdUnknown:         "BadNodeIdUnknown",
	StatusBadTypeMismatch:          "BadTypeMismatch",
	StatusBadNotReadable:           "BadNotReadable",
	StatusBadNotWritable:           "BadNotWritable",
	StatusBadUserAccessDenied:      "BadUserAccessDenied",
	StatusBadLicenseLimitsExceeded: "BadLicenseLimitsExceeded",
	StatusBadNotConnected:          "BadNotConnected",
}

// String returns the name of the status code.
func (s StatusCode) String() string {
	if name, ok := statusCodeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// IsGood returns true if the status code indicates success.
func (s StatusCode) IsGood() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityGood
}

// IsUncertain returns true if the status code indicates uncertainty.
func (s StatusCode) IsUncertain() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityUncertain
}

// IsBad returns true if the status code indicates failure.
func (s StatusCode) IsBad() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityBad
}

// Common errors.
var (
	// ErrNotConnected indicates there is no live session.
	ErrNotConnected = errors.New("uabridge: not connected")

	// ErrNotSubscribed indicates the point has no binding.
	ErrNotSubscribed = errors.New("uabridge: not subscribed")

	// ErrCapacityExceeded indicates the monitored point limit is reached.
	ErrCapacityExceeded = errors.New("uabridge: capacity exceeded")

	// ErrUnknownPoint indicates the point does not exist in the store or catalog.
	ErrUnknownPoint = errors.New("uabridge: unknown point")

	// ErrInvalidUpdate indicates a change notification without a value.
	ErrInvalidUpdate = errors.New("uabridge: invalid update")

	// ErrInvalidValue indicates a store value cannot be encoded for the target type.
	ErrInvalidValue = errors.New("uabridge: invalid value")

	// ErrInvalidTransition indicates a session state change that is not allowed.
	ErrInvalidTransition = errors.New("uabridge: invalid state transition")

	// ErrClosed indicates the component has been closed.
	ErrClosed = errors.New("uabridge: closed")

	// ErrStoreClosed indicates the state store has been closed.
	ErrStoreClosed = errors.New("uabridge: store closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("uabridge: timeout")

	// ErrInvalidEndpoint indicates an invalid endpoint was specified.
	ErrInvalidEndpoint = errors.New("uabridge: invalid endpoint")
)

// BridgeError describes a failed operation on a point or node.
type BridgeError struct {
	Op         string
	Point      string
	StatusCode StatusCode
	Err        error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	msg := "uabridge: " + e.Op
	if e.Point != "" {
		msg += " " + e.Point
	}
	if e.StatusCode != StatusGood {
		msg += fmt.Sprintf(" (%s)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is matches another BridgeError with the same status code.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return e.StatusCode == t.StatusCode
}

// NewBridgeError creates a new BridgeError.
func NewBridgeError(op, point string, sc StatusCode, err error) *BridgeError {
	return &BridgeError{Op: op, Point: point, StatusCode: sc, Err: err}
}

// IsStatusCode checks if an error carries a specific status code.
func IsStatusCode(err error, code StatusCode) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.StatusCode == code
	}
	return false
}

// IsNotConnected checks if the error indicates a missing session.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		IsStatusCode(err, StatusBadNotConnected) ||
		IsStatusCode(err, StatusBadServerNotConnected) ||
		IsStatusCode(err, StatusBadSessionClosed)
}

// IsNotSubscribed checks if the error indicates a missing binding.
func IsNotSubscribed(err error) bool {
	return errors.Is(err, ErrNotSubscribed)
}

// IsCapacityExceeded checks if the error indicates the monitored point limit.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		IsStatusCode(err, StatusBadLicenseLimitsExceeded) ||
		IsStatusCode(err, StatusBadTooManyMonitoredItems)
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || IsStatusCode(err, StatusBadTimeout)
}

// IsInvalidUpdate checks if the error marks a discarded change notification.
func IsInvalidUpdate(err error) bool {
	return errors.Is(err, ErrInvalidUpdate)
}
