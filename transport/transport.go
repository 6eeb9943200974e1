// Package transport is the persistent bidirectional JSON-over-WebSocket
// channel described in spec section 4.1: construction takes a URL and an
// optional pre-connected socket factory, exposes onOpen/onMessage/onClose
// callbacks, and fails sends once torn down.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/wire"
)

// DefaultReadBufferSize and DefaultWriteBufferSize mirror the teacher's
// generous buffers: CDP payloads (a DOM snapshot, a screencast frame) can be
// large.
var (
	DefaultReadBufferSize  = 25 * 1024 * 1024
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

// ReadyTimeout and ReadyInterval bound _wait_for_ready (spec section 4.1):
// poll every ReadyInterval for up to ReadyTimeout for the socket to open.
var (
	ReadyTimeout  = 10 * time.Second
	ReadyInterval = 100 * time.Millisecond
)

// SocketFactory returns a pre-connected net.Conn, used to tunnel the
// WebSocket dial over a forwarded channel instead of dialing directly.
// Mirrors the original's open_socket_func / hook_WebSocket_connect.
type SocketFactory func() (net.Conn, error)

// Transport is a persistent WebSocket connection carrying CDP frames.
type Transport struct {
	url           string
	socketFactory SocketFactory

	mu     sync.RWMutex
	conn   *websocket.Conn
	open   bool
	closed bool

	// OnOpen is invoked by Start on the caller's goroutine once the dial
	// succeeds; OnMessage and OnClose are invoked from the background read
	// pump goroutine. OnMessage is invoked exactly once per received frame,
	// in receive order (spec 4.1).
	OnOpen    func()
	OnMessage func(text []byte)
	OnClose   func()

	writeMu sync.Mutex
}

// New constructs a Transport for urlstr. Dial is not performed until Start
// is called, so callers can install OnOpen/OnMessage/OnClose first.
func New(urlstr string, socketFactory SocketFactory) *Transport {
	return &Transport{url: urlstr, socketFactory: socketFactory}
}

// Start dials the WebSocket endpoint and begins the background receive
// pump. The dial is synchronous: when Start returns nil the connection is
// open and OnOpen has fired, so a following WaitReady returns at once.
func (t *Transport) Start(ctx context.Context) error {
	dialer := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
	if t.socketFactory != nil {
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return t.socketFactory()
		}
	}

	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", t.url)
	}

	t.mu.Lock()
	t.conn = conn
	t.open = true
	t.mu.Unlock()

	if t.OnOpen != nil {
		t.OnOpen()
	}

	go t.readPump()

	return nil
}

// readPump is the background I/O thread: it reads frames until the
// connection dies, invoking OnMessage for each one.
func (t *Transport) readPump() {
	defer t.teardown()
	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if t.OnMessage != nil {
			t.OnMessage(data)
		}
	}
}

func (t *Transport) teardown() {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.open = false
	t.mu.Unlock()
	if !already && t.OnClose != nil {
		t.OnClose()
	}
}

// WaitReady blocks, short-polling at ReadyInterval, until OnOpen has fired
// or ReadyTimeout elapses.
func (t *Transport) WaitReady() error {
	deadline := time.Now().Add(ReadyTimeout)
	for time.Now().Before(deadline) {
		t.mu.RLock()
		open := t.open
		t.mu.RUnlock()
		if open {
			return nil
		}
		time.Sleep(ReadyInterval)
	}
	return errors.Errorf("connect %s failed: not ready after %s", t.url, ReadyTimeout)
}

// Send writes a single JSON frame. It fails with protocol.ErrConnectionClosed
// if the socket has been torn down.
func (t *Transport) Send(data []byte) error {
	t.mu.RLock()
	conn := t.conn
	closed := t.closed
	t.mu.RUnlock()
	if closed || conn == nil {
		return protocol.ErrConnectionClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(protocol.ErrConnectionClosed, err.Error())
	}
	return nil
}

// SendMessage marshals and sends a wire.Message.
func (t *Transport) SendMessage(m *wire.Message) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	return t.Send(data)
}

// Close tears down the connection. Further Sends fail with
// protocol.ErrConnectionClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.closed = true
	t.open = false
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
