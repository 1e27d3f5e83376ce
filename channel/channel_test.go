package channel

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// dialPair spins up a server that accepts exactly one WebSocket connection
// and returns a connected client/server Channel pair.
func dialPair(t *testing.T) (client, server *Channel, cleanup func()) {
	t.Helper()
	log := zap.NewNop().Sugar()

	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		serverCh <- conn
		<-r.Context().Done()
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverCh:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}

	client = New(clientConn, log)
	server = New(serverConn, log)
	cleanup = func() {
		client.Close()
		server.Close()
		srv.Close()
	}
	return client, server, cleanup
}

func TestRoundTripUnderDefaultLimit(t *testing.T) {
	client, server, cleanup := dialPair(t)
	defer cleanup()

	ctx := context.Background()
	payload := []byte("tile part=0 x=0 y=0 width=256 height=256")

	require.NoError(t, client.Send(ctx, payload))

	frame, err := server.Receive(ctx)
	require.NoError(t, err)
	require.False(t, frame.Close)
	require.True(t, bytes.Equal(payload, frame.Data))
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	client, _, cleanup := dialPair(t)
	defer cleanup()

	big := make([]byte, MaxDefaultFrame+1)
	err := client.Send(context.Background(), big)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestNextMessageDeliversExactPayloadNoControlLine(t *testing.T) {
	client, server, cleanup := dialPair(t)
	defer cleanup()

	ctx := context.Background()
	large := bytes.Repeat([]byte{0xAB}, 123456)

	go func() {
		_ = client.SendBinary(ctx, large)
	}()

	frame, err := server.ReceiveLarge(ctx, len(large))
	require.NoError(t, err)
	require.False(t, frame.Close)
	require.Equal(t, len(large), len(frame.Data))
	require.True(t, bytes.Equal(large, frame.Data))
}

func TestReceiveReportsCloseAsValue(t *testing.T) {
	client, server, cleanup := dialPair(t)
	defer cleanup()
	defer client.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = client.Close()
	}()

	frame, err := server.Receive(context.Background())
	require.NoError(t, err)
	require.True(t, frame.Close)
}
