// Package rpc implements the request/response multiplexer and event
// dispatcher described in spec section 4.2: id allocation, a pending-call
// table, a notification queue, a delayed retry queue, a handler registry,
// and the dispatch goroutine that ties them together.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mailru/easyjson"

	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/logx"
	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/transport"
	"github.com/qtacore/chromemaster/wire"
)

// Debugger is the RPC multiplexer owning one Transport, its pending-call
// table, its notification/retry queues, and its handler registry.
type Debugger struct {
	cfg    config.Config
	logger logx.Logger

	transport *transport.Transport

	mu       sync.Mutex
	seq      int64
	closed   bool
	closeOnce sync.Once
	closedCh chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall

	queueMu   sync.Mutex
	mainQueue []*notification
	retry     *retryQueue

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	subMu       sync.RWMutex
	subscribers map[string][]func(args ...interface{})
}

// New dials wsURL, waits for the transport to come up, and starts the
// dispatch goroutine. socketFactory and logger may be nil.
func New(ctx context.Context, wsURL string, socketFactory transport.SocketFactory, cfg config.Config, logger logx.Logger) (*Debugger, error) {
	if logger == nil {
		logger = logx.NewDefault()
	}

	d := &Debugger{
		cfg:         cfg,
		logger:      logger,
		pending:     make(map[int64]*pendingCall),
		retry:       newRetryQueue(),
		handlers:    make(map[string]Handler),
		subscribers: make(map[string][]func(args ...interface{})),
		closedCh:    make(chan struct{}),
	}

	tr := transport.New(wsURL, socketFactory)
	tr.OnMessage = d.onMessage
	tr.OnClose = d.shutdown
	d.transport = tr

	if err := tr.Start(ctx); err != nil {
		return nil, protocol.Wrap(err, "start transport")
	}
	if err := tr.WaitReady(); err != nil {
		return nil, protocol.Wrap(err, "wait for transport ready")
	}

	go d.dispatchLoop()

	return d, nil
}

// SendRequest allocates the next request id, writes the frame, and blocks
// until a response is paired, the connection closes, or CallTimeout
// elapses (spec 4.2).
func (d *Debugger) SendRequest(method, sessionID string, params interface{}) (easyjson.RawMessage, error) {
	var raw easyjson.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, protocol.Wrap(err, "marshal params for %s", method)
		}
		raw = easyjson.RawMessage(b)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, protocol.ErrConnectionClosed
	}
	d.seq++
	id := d.seq
	d.mu.Unlock()

	pc := newPendingCall(id)
	d.pendingMu.Lock()
	d.pending[id] = pc
	d.pendingMu.Unlock()

	msg := &wire.Message{ID: id, Method: method, Params: raw, SessionID: sessionID}
	d.logger.Debug("[send][%d][%s] %s", id, method, string(raw))
	if err := d.transport.SendMessage(msg); err != nil {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pc.resp:
		if resp == nil {
			return nil, protocol.ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, protocol.NewProtocolError(resp.Error.Code, resp.Error.Message, string(resp.Error.Data))
		}
		if resp.Result == nil {
			return nil, protocol.ErrMalformedResponse
		}
		return resp.Result, nil

	case <-time.After(d.cfg.CallTimeout):
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
		return nil, protocol.ErrTimeout

	case <-d.closedCh:
		return nil, protocol.ErrConnectionClosed
	}
}

// onMessage classifies an inbound frame: responses complete a pending
// call, events are queued for the dispatch goroutine (spec 4.2 receive
// path).
func (d *Debugger) onMessage(data []byte) {
	var m wire.Message
	if err := wire.Unmarshal(data, &m); err != nil {
		d.logger.Error("malformed frame: %v", err)
		return
	}

	switch m.Kind() {
	case wire.KindResponse, wire.KindMalformed:
		d.completeResponse(&m)
	default:
		d.enqueueNotification(&m)
	}
}

func (d *Debugger) completeResponse(m *wire.Message) {
	d.pendingMu.Lock()
	pc, ok := d.pending[m.ID]
	if ok {
		delete(d.pending, m.ID)
	}
	d.pendingMu.Unlock()
	if !ok {
		d.logger.Warn("unsolicited response id=%d", m.ID)
		return
	}
	pc.resp <- m
}

func (d *Debugger) enqueueNotification(m *wire.Message) {
	n := &notification{
		method:     m.Method,
		sessionID:  m.SessionID,
		params:     m.Params,
		receivedAt: time.Now(),
	}
	d.queueMu.Lock()
	d.mainQueue = append(d.mainQueue, n)
	d.queueMu.Unlock()
}

// dispatchLoop drains the main queue first; only when it is empty does it
// consult the retry queue's head (spec 4.2 tie-break: "the retry queue is
// never consulted while the main queue is non-empty").
func (d *Debugger) dispatchLoop() {
	for {
		d.queueMu.Lock()
		var n *notification
		if len(d.mainQueue) > 0 {
			n = d.mainQueue[0]
			d.mainQueue = d.mainQueue[1:]
		} else if ready := d.retry.peekReady(time.Now()); ready != nil {
			n = ready
		}
		d.queueMu.Unlock()

		if n == nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			time.Sleep(d.cfg.DispatchIdleInterval)
			continue
		}

		if d.processNotification(n) {
			return
		}
	}
}

// processNotification routes one event to its namespace handler and
// applies the MessageNotHandled/ConnectionClosed/other-error outcomes of
// spec 4.2. It returns true if the dispatch loop should stop.
func (d *Debugger) processNotification(n *notification) bool {
	ns, sub, ok := splitMethod(n.method)
	if !ok {
		d.logger.Warn("malformed event method %q", n.method)
		return false
	}

	d.handlersMu.RLock()
	h, ok := d.handlers[ns]
	d.handlersMu.RUnlock()
	if !ok {
		return false
	}

	err := invokeHandler(h, sub, n.params)
	switch {
	case err == nil:
		return false

	case errors.Is(err, protocol.ErrMessageNotHandled):
		age := time.Since(n.receivedAt)
		if age > d.cfg.RetryTTL {
			d.logger.Warn("dropping %s after %s: still not handled", n.method, age)
			return false
		}
		n.runAt = time.Now().Add(d.cfg.RetryDelay)
		d.queueMu.Lock()
		d.retry.push(n)
		d.queueMu.Unlock()
		return false

	case errors.Is(err, protocol.ErrConnectionClosed):
		d.logger.Warn("dispatch loop stopping: %v", err)
		return true

	default:
		d.logger.Exception(err, "handling %s", n.method)
		return false
	}
}

// invokeHandler calls h.OnRecvNotifyMsg, converting a panic into an error
// so one misbehaving handler never takes down the dispatch goroutine.
func invokeHandler(h Handler, method string, params easyjson.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s.%s: %v", h.Namespace(), method, r)
		}
	}()
	return h.OnRecvNotifyMsg(method, params)
}

func splitMethod(method string) (namespace, sub string, ok bool) {
	i := strings.IndexByte(method, '.')
	if i < 0 {
		return "", "", false
	}
	return method[:i], method[i+1:], true
}

// RegisterHandler registers h, recursively registering its dependencies
// first. Re-registering a namespace already present returns the existing
// handler instance untouched (spec 4.2: idempotent per namespace).
func (d *Debugger) RegisterHandler(h Handler) (Handler, error) {
	if existing, ok := d.lookupHandler(h.Namespace()); ok {
		return existing, nil
	}

	for _, dep := range h.Dependencies() {
		if _, err := d.RegisterHandler(dep); err != nil {
			return nil, protocol.Wrap(err, "register dependency %s for %s", dep.Namespace(), h.Namespace())
		}
	}

	d.handlersMu.Lock()
	if existing, ok := d.handlers[h.Namespace()]; ok {
		d.handlersMu.Unlock()
		return existing, nil
	}
	h.Attach(d)
	d.handlers[h.Namespace()] = h
	d.handlersMu.Unlock()

	if err := h.OnAttached(); err != nil {
		d.handlersMu.Lock()
		delete(d.handlers, h.Namespace())
		d.handlersMu.Unlock()
		return nil, protocol.Wrap(err, "attach handler %s", h.Namespace())
	}

	return h, nil
}

func (d *Debugger) lookupHandler(namespace string) (Handler, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[namespace]
	return h, ok
}

// UnregisterHandler removes namespace from the registry. It fails if the
// namespace isn't present (spec 4.2).
func (d *Debugger) UnregisterHandler(namespace string) error {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	if _, ok := d.handlers[namespace]; !ok {
		return fmt.Errorf("handler %s not registered", namespace)
	}
	delete(d.handlers, namespace)
	return nil
}

// Handler resolves a registered namespace, e.g. Handler("Page").
func (d *Debugger) Handler(namespace string) (Handler, error) {
	if h, ok := d.lookupHandler(namespace); ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for namespace %q", namespace)
}

// Subscribe registers fn under a global (cross-namespace) event name, used
// for the Target handler's on_new_session fan-out (spec 4.3).
func (d *Debugger) Subscribe(event string, fn func(args ...interface{})) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscribers[event] = append(d.subscribers[event], fn)
}

// Broadcast fans args out to every subscriber of event, synchronously, on
// the calling goroutine (the dispatch goroutine, in practice).
func (d *Debugger) Broadcast(event string, args ...interface{}) {
	d.subMu.RLock()
	fns := append([]func(args ...interface{}){}, d.subscribers[event]...)
	d.subMu.RUnlock()
	for _, fn := range fns {
		fn(args...)
	}
}

// Logger returns the Debugger's logger sink, so handlers can log through
// the same configured sink.
func (d *Debugger) Logger() logx.Logger { return d.logger }

// Config returns the Debugger's tunables.
func (d *Debugger) Config() config.Config { return d.cfg }

func (d *Debugger) shutdown() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.closedCh)
	})
}

// Close stops dispatch, closes the transport, and makes further sends fail
// with protocol.ErrConnectionClosed (spec 4.2).
func (d *Debugger) Close() error {
	d.shutdown()
	return d.transport.Close()
}
