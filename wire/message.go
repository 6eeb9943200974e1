// Package wire defines the JSON envelope exchanged over the CDP WebSocket
// connection: {id, method, params, sessionId} outbound, {id, result} or
// {id, error} or {method, params, sessionId} inbound (spec section 6).
package wire

import (
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Message is the single envelope type used for every outbound request,
// inbound response, and inbound event. Which fields are populated
// determines which of the three it is (see Kind).
type Message struct {
	ID        int64               `json:"id,omitempty"`
	Method    string              `json:"method,omitempty"`
	Params    easyjson.RawMessage `json:"params,omitempty"`
	Result    easyjson.RawMessage `json:"result,omitempty"`
	Error     *MessageError       `json:"error,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
}

// MessageError is the {code, message, data} wire error shape.
type MessageError struct {
	Code    int64               `json:"code"`
	Message string              `json:"message"`
	Data    easyjson.RawMessage `json:"data,omitempty"`
}

// Kind classifies a decoded Message.
type Kind int

const (
	// KindEvent is a notification: no id, a method, optional sessionId.
	KindEvent Kind = iota
	// KindResponse is a paired response: an id, and a result xor error.
	KindResponse
	// KindMalformed is a message with an id but neither result nor error.
	KindMalformed
)

// Kind classifies the message per spec section 4.2's receive-path rule:
// "id present -> response; id absent -> notification".
func (m *Message) Kind() Kind {
	if m.ID == 0 {
		return KindEvent
	}
	if m.Result != nil || m.Error != nil {
		return KindResponse
	}
	return KindMalformed
}

// MarshalEasyJSON implements easyjson.Marshaler, writing only the fields
// that are populated, matching encoding/json's omitempty semantics but
// without reflection.
func (m *Message) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	first := true
	comma := func() {
		if !first {
			w.RawByte(',')
		}
		first = false
	}
	if m.ID != 0 {
		comma()
		w.RawString(`"id":`)
		w.Int64(m.ID)
	}
	if m.Method != "" {
		comma()
		w.RawString(`"method":`)
		w.String(m.Method)
	}
	if len(m.Params) != 0 {
		comma()
		w.RawString(`"params":`)
		w.Raw([]byte(m.Params), nil)
	}
	if len(m.Result) != 0 {
		comma()
		w.RawString(`"result":`)
		w.Raw([]byte(m.Result), nil)
	}
	if m.Error != nil {
		comma()
		w.RawString(`"error":{"code":`)
		w.Int64(m.Error.Code)
		w.RawString(`,"message":`)
		w.String(m.Error.Message)
		if len(m.Error.Data) != 0 {
			w.RawString(`,"data":`)
			w.Raw([]byte(m.Error.Data), nil)
		}
		w.RawByte('}')
	}
	if m.SessionID != "" {
		comma()
		w.RawString(`"sessionId":`)
		w.String(m.SessionID)
	}
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler, decoding the envelope
// field-by-field without reflection from the lexer the caller passes in.
// Unmarshal below creates a fresh jlexer.Lexer for every message.
func (m *Message) UnmarshalEasyJSON(l *jlexer.Lexer) {
	if l.IsNull() {
		l.Skip()
		return
	}
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		switch key {
		case "id":
			m.ID = l.Int64()
		case "method":
			m.Method = l.String()
		case "params":
			if l.IsNull() {
				l.Skip()
			} else {
				m.Params = easyjson.RawMessage(l.Raw())
			}
		case "result":
			if l.IsNull() {
				l.Skip()
			} else {
				m.Result = easyjson.RawMessage(l.Raw())
			}
		case "sessionId":
			m.SessionID = l.String()
		case "error":
			if l.IsNull() {
				l.Skip()
			} else {
				m.Error = new(MessageError)
				l.Delim('{')
				for !l.IsDelim('}') {
					ek := l.UnsafeFieldName(false)
					l.WantColon()
					switch ek {
					case "code":
						m.Error.Code = l.Int64()
					case "message":
						m.Error.Message = l.String()
					case "data":
						m.Error.Data = easyjson.RawMessage(l.Raw())
					default:
						l.SkipRecursive()
					}
					l.WantComma()
				}
				l.Delim('}')
			}
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
}

// Marshal encodes a Message to bytes.
func Marshal(m *Message) ([]byte, error) {
	w := jwriter.Writer{}
	m.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// Unmarshal decodes bytes into a Message.
func Unmarshal(data []byte, m *Message) error {
	l := jlexer.Lexer{Data: data}
	m.UnmarshalEasyJSON(&l)
	return l.Error()
}
