// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cra

import "fmt"

// ErrorCode is the wire-level result of a control RPC or client-side
// operation. The zero value is always success; numeric values of the
// codes already defined here must never change once shipped, since
// workers and clients at different versions exchange them over the
// wire.
type ErrorCode int32

// The fixed set of CRAErrorCode values. New codes may be appended but
// existing ones are never renumbered.
const (
	Success ErrorCode = iota
	VertexNotFound
	EndpointNotFound
	VerticesEndpointsNotMatched
	ConnectionEstablishFailed
	VertexNotDefined
	InitializationFailed
	ServerFailed
)

var codeNames = map[ErrorCode]string{
	Success:                     "Success",
	VertexNotFound:              "VertexNotFound",
	EndpointNotFound:            "EndpointNotFound",
	VerticesEndpointsNotMatched: "VerticesEndpointsNotMatched",
	ConnectionEstablishFailed:   "ConnectionEstablishFailed",
	VertexNotDefined:            "VertexNotDefined",
	InitializationFailed:        "InitializationFailed",
	ServerFailed:                "ServerFailed",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int32(c))
}

// Error adapts an ErrorCode to the error interface so it can be
// returned or wrapped like any other Go error.
func (c ErrorCode) Error() string {
	return c.String()
}

// IsSuccess reports whether the code represents Success.
func (c ErrorCode) IsSuccess() bool {
	return c == Success
}

// CodeFromErr maps a generic error to the best-fitting ErrorCode,
// defaulting to ServerFailed for anything it doesn't recognize.
func CodeFromErr(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if code, ok := err.(ErrorCode); ok {
		return code
	}
	return ServerFailed
}
