// Package network implements the Network namespace handler: per-session
// enable on every new sub-target session, requestWillBeSent/responseReceived
// pairing, and extra HTTP headers (spec section 4.8).
package network

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/mailru/easyjson"

	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/rpc"
)

// Packet is one paired request/response (spec grounding:
// network_handler.py's self._packets).
type Packet struct {
	RequestID string
	Request   map[string]interface{}
	Response  map[string]interface{}
	StartTime time.Time
	EndTime   time.Time
}

// Handler is the Network namespace handler.
type Handler struct {
	rpc.Base

	mu      sync.Mutex
	packets []*Packet
}

// New constructs an unattached Network handler.
func New() *Handler {
	return &Handler{Base: rpc.NewBase("Network")}
}

// OnAttached enables Network on the default session and subscribes to the
// on_new_session fan-out so every subsequently attached sub-target session
// also gets enabled (spec grounding: network_handler.py's on_attached,
// register_event_listener("on_new_session", ...)).
func (h *Handler) OnAttached() error {
	if _, err := h.Send("enable", nil); err != nil {
		return err
	}
	h.Debugger().Subscribe("on_new_session", func(args ...interface{}) {
		if len(args) == 0 {
			return
		}
		sessionID, ok := args[0].(string)
		if !ok {
			return
		}
		if _, err := h.SendSession("enable", sessionID, nil); err != nil {
			h.Debugger().Logger().Warn("[Network] enable on session %s failed: %v", sessionID, err)
		}
	})
	return nil
}

type requestWillBeSentParams struct {
	RequestID string                 `json:"requestId"`
	Request   map[string]interface{} `json:"request"`
}

type responseReceivedParams struct {
	RequestID string                 `json:"requestId"`
	Response  map[string]interface{} `json:"response"`
}

func urlOf(m map[string]interface{}) string {
	u, _ := m["url"].(string)
	return u
}

// OnRecvNotifyMsg implements rpc.Handler.
func (h *Handler) OnRecvNotifyMsg(method string, params easyjson.RawMessage) error {
	switch method {
	case "requestWillBeSent":
		var p requestWillBeSentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode requestWillBeSent")
		}
		if hasPrefix(urlOf(p.Request), "data:image") {
			return nil
		}
		h.mu.Lock()
		h.packets = append(h.packets, &Packet{
			RequestID: p.RequestID,
			Request:   p.Request,
			StartTime: time.Now(),
		})
		h.mu.Unlock()
		h.Debugger().Logger().Debug("[Network] request [%s][%v][%s] will be sent",
			p.RequestID, p.Request["method"], urlOf(p.Request))
		return nil

	case "responseReceived":
		var p responseReceivedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode responseReceived")
		}
		if hasPrefix(urlOf(p.Response), "data:image") {
			return nil
		}
		h.mu.Lock()
		var matched *Packet
		for _, pkt := range h.packets {
			if pkt.RequestID == p.RequestID {
				pkt.Response = p.Response
				pkt.EndTime = time.Now()
				matched = pkt
				break
			}
		}
		h.mu.Unlock()
		if matched != nil {
			h.Debugger().Logger().Info("[Network] request [%s][%v][%s] cost %.2fs, return code is %v",
				p.RequestID, matched.Request["method"], urlOf(matched.Request),
				matched.EndTime.Sub(matched.StartTime).Seconds(), matched.Response["status"])
		}
		return nil
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Packets returns a snapshot of every request/response pair observed so far.
func (h *Handler) Packets() []Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Packet, len(h.packets))
	for i, p := range h.packets {
		out[i] = *p
	}
	return out
}

// headerEntry preserves insertion order for SetHTTPHeaders, since Go maps
// don't (spec 4.8: "preserving insertion order").
type headerEntry struct {
	Key   string
	Value string
}

// orderedHeaders marshals as a JSON object whose keys appear in slice
// order rather than a Go map's alphabetical encoding/json order, so the
// insertion-order invariant headerEntry exists to carry actually reaches
// the wire.
type orderedHeaders []headerEntry

// MarshalJSON implements json.Marshaler.
func (o orderedHeaders) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SetHTTPHeaders installs extra HTTP headers on sessionID, preserving the
// order the caller supplied them in.
func (h *Handler) SetHTTPHeaders(sessionID string, headers []headerEntry) error {
	_, err := h.SendSession("setExtraHTTPHeaders", sessionID, map[string]interface{}{"headers": orderedHeaders(headers)})
	if err != nil {
		return err
	}
	h.Debugger().Logger().Info("[Network] set extra http headers: %v", headers)
	return nil
}

// HeaderEntry is the exported constructor for a SetHTTPHeaders entry.
func HeaderEntry(key, value string) headerEntry {
	return headerEntry{Key: key, Value: value}
}
