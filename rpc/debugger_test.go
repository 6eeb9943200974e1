package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/wire"
)

var upgrader = websocket.Upgrader{}

// newEchoServer replies to every request with fn's result, letting each
// test script its own server-side behavior per request.
func newEchoServer(t *testing.T, fn func(conn *websocket.Conn, m *wire.Message)) (wsURL string, closeFn func()) {
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
			fn(conn, &m)
		}
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func testConfig() config.Config {
	c := config.Default()
	c.CallTimeout = 500 * time.Millisecond
	c.DispatchIdleInterval = time.Millisecond
	c.RetryDelay = 10 * time.Millisecond
	c.RetryTTL = 200 * time.Millisecond
	return c
}

func TestSendRequestRoundTrip(t *testing.T) {
	wsURL, closeSrv := newEchoServer(t, func(conn *websocket.Conn, m *wire.Message) {
		resp := &wire.Message{ID: m.ID, Result: easyjson.RawMessage(`{"ok":true}`)}
		data, err := wire.Marshal(resp)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	})
	defer closeSrv()

	d, err := New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	result, err := d.SendRequest("Page.enable", "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSendRequestIdsAreSequentialStartingAtOne(t *testing.T) {
	var mu sync.Mutex
	var seen []int64

	wsURL, closeSrv := newEchoServer(t, func(conn *websocket.Conn, m *wire.Message) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
		resp := &wire.Message{ID: m.ID, Result: easyjson.RawMessage(`{}`)}
		data, _ := wire.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, data)
	})
	defer closeSrv()

	d, err := New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 3; i++ {
		_, err := d.SendRequest("Page.enable", "", nil)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestSendRequestProtocolError(t *testing.T) {
	wsURL, closeSrv := newEchoServer(t, func(conn *websocket.Conn, m *wire.Message) {
		resp := &wire.Message{ID: m.ID, Error: &wire.MessageError{Code: protocol.CodeMethodNotFound, Message: "not found"}}
		data, _ := wire.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, data)
	})
	defer closeSrv()

	d, err := New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.SendRequest("Nonexistent.method", "", nil)
	require.Error(t, err)
	assert.True(t, protocol.IsMethodNotFound(err))
}

func TestSendRequestTimesOutWithNoResponse(t *testing.T) {
	wsURL, closeSrv := newEchoServer(t, func(conn *websocket.Conn, m *wire.Message) {
		// never respond
	})
	defer closeSrv()

	cfg := testConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	d, err := New(context.Background(), wsURL, nil, cfg, nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.SendRequest("Page.never", "", nil)
	assert.Equal(t, protocol.ErrTimeout, err)
}

func TestSendRequestAfterCloseFailsFast(t *testing.T) {
	wsURL, closeSrv := newEchoServer(t, func(conn *websocket.Conn, m *wire.Message) {})
	defer closeSrv()

	d, err := New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = d.SendRequest("Page.enable", "", nil)
	assert.Equal(t, protocol.ErrConnectionClosed, err)
}

// fakeHandler records every notification it receives; it can be told to
// fail the first N deliveries with ErrMessageNotHandled, exercising the
// retry queue.
type fakeHandler struct {
	Base
	mu       sync.Mutex
	failN    int
	received []string
	done     chan struct{}
}

func newFakeHandler(ns string, failN int) *fakeHandler {
	h := &fakeHandler{failN: failN, done: make(chan struct{}, 16)}
	h.Base = NewBase(ns)
	return h
}

func (h *fakeHandler) OnRecvNotifyMsg(method string, params easyjson.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failN > 0 {
		h.failN--
		return protocol.ErrMessageNotHandled
	}
	h.received = append(h.received, method)
	h.done <- struct{}{}
	return nil
}

func TestDispatchRetriesUntilHandled(t *testing.T) {
	wsURL, closeSrv := newEchoServer(t, func(conn *websocket.Conn, m *wire.Message) {})
	defer closeSrv()

	d, err := New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	h := newFakeHandler("Page", 2)
	_, err = d.RegisterHandler(h)
	require.NoError(t, err)

	d.enqueueNotification(&wire.Message{Method: "Page.frameNavigated", Params: easyjson.RawMessage(`{}`)})

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never delivered")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"frameNavigated"}, h.received)
}

func TestRegisterHandlerIsIdempotentAndRegistersDependencies(t *testing.T) {
	wsURL, closeSrv := newEchoServer(t, func(conn *websocket.Conn, m *wire.Message) {})
	defer closeSrv()

	d, err := New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	dep := newFakeHandler("Runtime", 0)
	top := newFakeHandler("Page", 0)
	top.Base = NewBase("Page", dep)

	h1, err := d.RegisterHandler(top)
	require.NoError(t, err)

	_, err = d.Handler("Runtime")
	require.NoError(t, err, "dependency should have been registered transitively")

	h2, err := d.RegisterHandler(top)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}
