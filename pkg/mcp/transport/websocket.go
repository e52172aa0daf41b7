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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 25 * time.Second
)

// WebSocket is a long-lived duplex MCP transport. A ping ticker keeps
// the connection alive; a pong that fails to arrive inside the read
// deadline marks it unhealthy.
type WebSocket struct {
	endpoint string
	conn     *websocket.Conn

	sendMu sync.Mutex
	recv   chan []byte
	errc   chan error
	done   chan struct{}
	closed int32
}

// DialWebSocket connects to endpoint and starts the read/heartbeat pumps.
func DialWebSocket(ctx context.Context, endpoint string) (*WebSocket, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, wrapTransportErr(endpoint, err)
	}

	ws := &WebSocket{
		endpoint: endpoint,
		conn:     conn,
		recv:     make(chan []byte, 64),
		errc:     make(chan error, 1),
		done:     make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go ws.readPump()
	go ws.pingLoop()

	return ws, nil
}

func (w *WebSocket) readPump() {
	defer close(w.done)
	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case w.errc <- wrapTransportErr(w.endpoint, err):
			default:
			}
			return
		}
		select {
		case w.recv <- message:
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sendMu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.sendMu.Unlock()
			if err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) Endpoint() string { return w.endpoint }

func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return wrapTransportErr(w.endpoint, err)
	}
	return nil
}

func (w *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-w.errc:
		return nil, err
	case frame := <-w.recv:
		return frame, nil
	}
}

func (w *WebSocket) IsHealthy() bool {
	select {
	case <-w.done:
		return false
	default:
		return atomic.LoadInt32(&w.closed) == 0
	}
}

func (w *WebSocket) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}
	w.sendMu.Lock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = w.conn.WriteMessage(websocket.CloseMessage, []byte{})
	w.sendMu.Unlock()
	return w.conn.Close()
}
