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

package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// HTTP is a request/response MCP transport: each Send posts one frame and
// blocks Recv until the matching response body arrives. Suited to MCP
// servers exposed as stateless streamable-HTTP endpoints rather than a
// persistent stdio or WebSocket session.
type HTTP struct {
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	pending chan []byte
	closed  int32
}

// NewHTTP constructs an HTTP transport bound to endpoint.
func NewHTTP(endpoint string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{endpoint: endpoint, client: client, pending: make(chan []byte, 1)}
}

func (h *HTTP) Endpoint() string { return h.endpoint }

func (h *HTTP) Send(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(frame))
	if err != nil {
		return wrapTransportErr(h.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return wrapTransportErr(h.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransportErr(h.endpoint, err)
	}

	select {
	case h.pending <- body:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (h *HTTP) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case body := <-h.pending:
		return body, nil
	}
}

func (h *HTTP) IsHealthy() bool {
	return atomic.LoadInt32(&h.closed) == 0
}

func (h *HTTP) Close() error {
	atomic.StoreInt32(&h.closed, 1)
	return nil
}
