package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/mcp/transport"
)

func TestHTTP_RequestScopedRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{"pong": true},
		})
	}))
	defer server.Close()

	tr := transport.NewHTTP(server.URL, server.Client())
	assert.Equal(t, server.URL, tr.Endpoint())
	assert.True(t, tr.IsHealthy())

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	frame, err := tr.Recv(ctx)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(frame, &resp))
	assert.Equal(t, float64(1), resp["id"])

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsHealthy())
}

func TestHTTP_SendFailureIsTransportError(t *testing.T) {
	tr := transport.NewHTTP("http://127.0.0.1:1", nil)

	err := tr.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	var terr *engineerrors.TransportError
	require.ErrorAs(t, err, &terr)
}

func TestHTTP_RecvObservesContext(t *testing.T) {
	tr := transport.NewHTTP("http://example.invalid", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func echoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, message); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocket_EchoRoundTrip(t *testing.T) {
	server := echoWSServer(t)
	defer server.Close()

	tr, err := transport.DialWebSocket(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer tr.Close()

	assert.True(t, tr.IsHealthy())

	require.NoError(t, tr.Send(context.Background(), []byte(`{"id":7}`)))
	frame, err := tr.Recv(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7}`, string(frame))
}

func TestWebSocket_MultiplexesFramesInOrder(t *testing.T) {
	server := echoWSServer(t)
	defer server.Close()

	tr, err := transport.DialWebSocket(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		frame, _ := json.Marshal(map[string]any{"id": i})
		require.NoError(t, tr.Send(ctx, frame))
	}
	for i := 1; i <= 3; i++ {
		frame, err := tr.Recv(ctx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, float64(i), msg["id"])
	}
}

func TestWebSocket_DialFailureIsTransportError(t *testing.T) {
	_, err := transport.DialWebSocket(context.Background(), "ws://127.0.0.1:1")
	require.Error(t, err)
	var terr *engineerrors.TransportError
	require.ErrorAs(t, err, &terr)
}

func TestWebSocket_ServerCloseMarksUnhealthy(t *testing.T) {
	// CloseClientConnections does not reach connections the upgrade has
	// hijacked, so the handler hangs up itself when signalled.
	hangup := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-hangup
		_ = conn.Close()
	}))
	defer server.Close()

	tr, err := transport.DialWebSocket(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer tr.Close()

	close(hangup)

	require.Eventually(t, func() bool { return !tr.IsHealthy() },
		time.Second, 10*time.Millisecond, "transport stayed healthy after server hangup")

	_, err = tr.Recv(context.Background())
	require.Error(t, err)
}

func TestWebSocket_CloseIsIdempotent(t *testing.T) {
	server := echoWSServer(t)
	defer server.Close()

	tr, err := transport.DialWebSocket(context.Background(), wsURL(server))
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.False(t, tr.IsHealthy())
}

func TestStdio_RoundTripAgainstCat(t *testing.T) {
	tr, err := transport.NewStdio(context.Background(), "cat")
	require.NoError(t, err)
	defer tr.Close()

	assert.True(t, tr.IsHealthy())

	require.NoError(t, tr.Send(context.Background(), []byte(`{"id":1,"method":"ping"}`)))
	frame, err := tr.Recv(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"method":"ping"}`, string(frame))
}
