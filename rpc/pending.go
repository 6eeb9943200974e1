package rpc

import "github.com/qtacore/chromemaster/wire"

// pendingCall is the promise/future slot for one outstanding request: the
// sender blocks reading from resp, the receive path completes it exactly
// once (spec section 9: "one pending-slot object per outstanding call,
// completed by the receive loop").
type pendingCall struct {
	id   int64
	resp chan *wire.Message
}

func newPendingCall(id int64) *pendingCall {
	return &pendingCall{id: id, resp: make(chan *wire.Message, 1)}
}
