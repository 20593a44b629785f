package ws

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

	"github.com/aguaportal/conversation-engine/internal/transport"
)

// echoServer accepts "Bearer good" and answers every request by echoing its
// data. Each subscribe frame is answered with one event on that subject.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case FrameRequest:
				ws.WriteJSON(Frame{Type: FrameResponse, ID: f.ID, Data: f.Data})
			case FrameSubscribe:
				ws.WriteJSON(Frame{Type: FrameEvent, Subject: strings.Replace(f.Subject, "*", "c1", 1), Data: json.RawMessage(`{"hello":true}`)})
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDialRejectedToken(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	_, err := NewDialer(wsURL(srv), Options{}, nil).Dial(context.Background(), "bad")
	require.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestDialUnreachable(t *testing.T) {
	_, err := NewDialer("ws://127.0.0.1:1", Options{HandshakeTimeout: time.Second}, nil).Dial(context.Background(), "good")
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrUnauthorized)
}

func TestRequestAndSubscribe(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := NewDialer(wsURL(srv), Options{}, nil).Dial(context.Background(), "good")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := conn.Request(ctx, "rpc.echo", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(reply))

	got := make(chan []byte, 1)
	_, err = conn.Subscribe("conv.*.updated", func(data []byte) { got <- data })
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.JSONEq(t, `{"hello":true}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestCloseEndsConnection(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := NewDialer(wsURL(srv), Options{}, nil).Dial(context.Background(), "good")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	_, err = conn.Request(context.Background(), "rpc.echo", []byte(`{}`))
	assert.ErrorIs(t, err, transport.ErrClosed)
}
