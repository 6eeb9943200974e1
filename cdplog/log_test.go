package cdplog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/rpc"
	"github.com/qtacore/chromemaster/wire"
)

var upgrader = websocket.Upgrader{}

func newServer(t *testing.T, handle func(conn *websocket.Conn, m *wire.Message)) (wsURL string, closeFn func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m wire.Message
			require.NoError(t, wire.Unmarshal(data, &m))
			handle(conn, &m)
		}
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func send(t *testing.T, conn *websocket.Conn, m *wire.Message) {
	t.Helper()
	data, err := wire.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func testConfig() config.Config {
	c := config.Default()
	c.CallTimeout = time.Second
	c.DispatchIdleInterval = time.Millisecond
	return c
}

func TestOnAttachedSendsThresholdsWhenEnabled(t *testing.T) {
	var sawViolations bool
	wsURL, closeSrv := newServer(t, func(conn *websocket.Conn, m *wire.Message) {
		switch m.Method {
		case "Log.enable":
			send(t, conn, &wire.Message{ID: m.ID, Result: easyjson.RawMessage(`{}`)})
		case "Log.startViolationsReport":
			sawViolations = true
			send(t, conn, &wire.Message{ID: m.ID, Result: easyjson.RawMessage(`{}`)})
		}
	})
	defer closeSrv()

	d, err := rpc.New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.RegisterHandler(New())
	require.NoError(t, err)
	assert.True(t, sawViolations)
}

func TestOnAttachedTolerantOfMethodNotFound(t *testing.T) {
	wsURL, closeSrv := newServer(t, func(conn *websocket.Conn, m *wire.Message) {
		if m.Method == "Log.enable" {
			send(t, conn, &wire.Message{ID: m.ID, Error: &wire.MessageError{Code: -32601, Message: "method not found"}})
		}
	})
	defer closeSrv()

	d, err := rpc.New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.RegisterHandler(New())
	require.NoError(t, err)
}
