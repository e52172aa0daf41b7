// Copyright 2025 Tom Barlow
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

// Package transport implements the wire-level MCP transports (C11): one
// frame in, one frame out, over stdio, HTTP, or a long-lived WebSocket.
// Everything above this layer (the client's request/response correlation,
// the pool's lifecycle management) treats a Transport as an opaque framed
// duplex channel.
package transport

import (
	"context"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
)

// Transport is a framed duplex channel to one MCP server. A frame is one
// complete JSON-RPC message. The client above calls Recv from its
// read-loop goroutine while Send is called from request goroutines, so
// implementations must allow a Send and a Recv in flight at the same
// time; the client does not serialize concurrent Send calls.
type Transport interface {
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Recv blocks for the next frame, or returns an error if the
	// transport is closed or ctx is done.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the underlying connection or process.
	Close() error
	// IsHealthy reports whether the transport believes it can still
	// exchange frames, without performing I/O.
	IsHealthy() bool
	// Endpoint identifies this transport for error reporting and pool
	// bookkeeping.
	Endpoint() string
}

// wrapTransportErr wraps a raw I/O failure with the endpoint that
// produced it, the shape every layer above expects for retry/breaker
// classification.
func wrapTransportErr(endpoint string, cause error) error {
	if cause == nil {
		return nil
	}
	return &engineerrors.TransportError{Endpoint: endpoint, Cause: cause}
}
