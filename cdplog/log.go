// Package cdplog implements the Log namespace handler: tolerant enable,
// the violation-report threshold table, and entryAdded forwarding to the
// process logger (spec section 4.8). Named cdplog, not log, so it doesn't
// collide with the standard library's log package at call sites that
// import both.
package cdplog

import (
	"encoding/json"

	"github.com/mailru/easyjson"

	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/rpc"
)

// Handler is the Log namespace handler.
type Handler struct {
	rpc.Base
}

// New constructs an unattached Log handler.
func New() *Handler {
	return &Handler{Base: rpc.NewBase("Log")}
}

// violationThresholds is the fixed report configuration sent once Log is
// enabled (spec 4.8); -1 disables a category.
var violationThresholds = []struct {
	Name      string `json:"name"`
	Threshold int    `json:"threshold"`
}{
	{"longTask", 200},
	{"longLayout", 30},
	{"blockedEvent", 100},
	{"blockedParser", -1},
	{"handler", 150},
	{"recurringHandler", 50},
	{"discouragedAPIUse", -1},
}

// OnAttached enables Log, tolerating browsers that don't implement it, and
// otherwise installs the violation-report thresholds.
func (h *Handler) OnAttached() error {
	if _, err := h.Send("enable", nil); err != nil {
		if protocol.IsMethodNotFound(err) {
			h.Debugger().Logger().Info("[Log] handler not enabled")
			return nil
		}
		return err
	}
	_, err := h.Send("startViolationsReport", map[string]interface{}{"config": violationThresholds})
	return err
}

type logEntry struct {
	Level string `json:"level"`
	URL   string `json:"url"`
	Text  string `json:"text"`
}

type entryAddedParams struct {
	Entry logEntry `json:"entry"`
}

// OnRecvNotifyMsg implements rpc.Handler.
func (h *Handler) OnRecvNotifyMsg(method string, params easyjson.RawMessage) error {
	if method != "entryAdded" {
		return nil
	}
	var p entryAddedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return protocol.Wrap(err, "decode entryAdded")
	}
	h.Debugger().Logger().Info("[Log][%s][%s] %s", p.Entry.Level, p.Entry.URL, p.Entry.Text)
	return nil
}
