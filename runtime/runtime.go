// Package runtime implements the Runtime namespace handler: the
// frameId->executionContextId map, the console-log ring, and script
// evaluation (spec section 4.5). Its package name shadows the standard
// library's runtime package deliberately within this module's files that
// need both; callers import it under an explicit alias where that
// ambiguity would otherwise bite.
package runtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mailru/easyjson"

	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/page"
	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/rpc"
)

// ConsoleLog is one entry of the console-log ring (spec section 3).
type ConsoleLog struct {
	Timestamp float64
	Function  string
	FrameID   string
	Type      string
	Value     interface{}
}

// Handler is the Runtime namespace handler. It depends on Page, the same
// as the original's RuntimeHandler.dependencies = [PageHandler]: it needs
// PageHandler.get_main_frame_id to resolve a nil frame id.
type Handler struct {
	rpc.Base

	page     *page.Handler
	cfg      config.Config
	capacity int

	mu             sync.RWMutex
	contextByFrame map[string]int64
	changed        chan struct{}
	consoleLogs    []ConsoleLog
	consoleCB      func(ConsoleLog)
	tag            string
}

// New constructs a Runtime handler depending on pageHandler.
func New(pageHandler *page.Handler, cfg config.Config) *Handler {
	return &Handler{
		Base:           rpc.NewBase("Runtime", pageHandler),
		page:           pageHandler,
		cfg:            cfg,
		capacity:       cfg.ConsoleLogCapacity,
		contextByFrame: make(map[string]int64),
		changed:        make(chan struct{}),
	}
}

// OnAttached enables Runtime and resolves a tag (the page title or URL),
// matching the original. The tag is stored on the handler; no log line in
// this package includes it.
func (h *Handler) OnAttached() error {
	if _, err := h.Send("enable", nil); err != nil {
		return err
	}
	tag, err := h.Eval("", `document.title || location.href`)
	if err != nil {
		// Non-fatal: the tag is left blank.
		h.Debugger().Logger().Warn("resolve page tag: %v", err)
		return nil
	}
	h.mu.Lock()
	h.tag = tag
	h.mu.Unlock()
	return nil
}

type executionContext struct {
	ID      int64  `json:"id"`
	Origin  string `json:"origin"`
	Type    string `json:"type"`
	FrameID string `json:"frameId"`
	AuxData struct {
		FrameID string `json:"frameId"`
	} `json:"auxData"`
}

type executionContextCreatedParams struct {
	Context executionContext `json:"context"`
}

type executionContextDestroyedParams struct {
	ExecutionContextID int64 `json:"executionContextId"`
}

type consoleArg struct {
	Type     string          `json:"type"`
	Value    json.RawMessage `json:"value"`
	ObjectID string          `json:"objectId"`
}

type consoleAPICalledParams struct {
	Type               string       `json:"type"`
	Timestamp          float64      `json:"timestamp"`
	ExecutionContextID int64        `json:"executionContextId"`
	Args               []consoleArg `json:"args"`
}

// OnRecvNotifyMsg implements rpc.Handler.
func (h *Handler) OnRecvNotifyMsg(method string, params easyjson.RawMessage) error {
	switch method {
	case "executionContextCreated":
		var p executionContextCreatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode executionContextCreated")
		}
		if p.Context.Type == "Extension" {
			return nil
		}
		frameID := p.Context.FrameID
		if frameID == "" {
			frameID = p.Context.AuxData.FrameID
		}
		h.mu.Lock()
		h.contextByFrame[frameID] = p.Context.ID
		close(h.changed)
		h.changed = make(chan struct{})
		h.mu.Unlock()
		h.Debugger().Logger().Debug("[Runtime] add context: %d(%s %s)", p.Context.ID, frameID, p.Context.Origin)
		return nil

	case "executionContextDestroyed":
		var p executionContextDestroyedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode executionContextDestroyed")
		}
		h.mu.Lock()
		for frame, cid := range h.contextByFrame {
			if cid == p.ExecutionContextID {
				delete(h.contextByFrame, frame)
				break
			}
		}
		h.mu.Unlock()
		return nil

	case "consoleAPICalled":
		var p consoleAPICalledParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode consoleAPICalled")
		}
		return h.onConsoleAPICalled(p)
	}
	return nil
}

func (h *Handler) onConsoleAPICalled(p consoleAPICalledParams) error {
	frameID, ok := h.frameIDForContext(p.ExecutionContextID)
	if !ok {
		return protocol.ErrMessageNotHandled
	}

	for _, arg := range p.Args {
		var value interface{}
		switch {
		case arg.Type == "object" && arg.ObjectID != "":
			value = map[string]string{"object_id": arg.ObjectID}
		case len(arg.Value) != 0 && string(arg.Value) != "null":
			var v interface{}
			if err := json.Unmarshal(arg.Value, &v); err != nil {
				continue
			}
			value = v
		default:
			continue
		}

		log := ConsoleLog{
			Timestamp: p.Timestamp,
			Function:  p.Type,
			FrameID:   frameID,
			Type:      arg.Type,
			Value:     value,
		}

		h.mu.Lock()
		if len(h.consoleLogs) >= h.capacity {
			h.consoleLogs = h.consoleLogs[1:]
		}
		h.consoleLogs = append(h.consoleLogs, log)
		cb := h.consoleCB
		h.mu.Unlock()

		if cb != nil {
			h.resolveLazyValue(&log)
			cb(log)
		}
	}
	return nil
}

func (h *Handler) frameIDForContext(contextID int64) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for frame, cid := range h.contextByFrame {
		if cid == contextID {
			return frame, true
		}
	}
	return "", false
}

// resolveLazyValue fetches object properties for a console log entry whose
// value is still an unresolved {object_id: ...} placeholder.
func (h *Handler) resolveLazyValue(log *ConsoleLog) {
	m, ok := log.Value.(map[string]string)
	if !ok {
		return
	}
	objectID, ok := m["object_id"]
	if !ok {
		return
	}
	props, err := h.ObjectProperties(objectID)
	if err != nil {
		h.Debugger().Logger().Warn("resolve console log object %s: %v", objectID, err)
		return
	}
	log.Value = props
}

// SetConsoleCallback installs cb for every future console log, and
// immediately replays every log already buffered (spec grounding:
// runtime_handler.py's set_console_callback).
func (h *Handler) SetConsoleCallback(cb func(ConsoleLog)) {
	h.mu.Lock()
	h.consoleCB = cb
	backlog := append([]ConsoleLog(nil), h.consoleLogs...)
	h.mu.Unlock()

	for _, log := range backlog {
		h.resolveLazyValue(&log)
		cb(log)
	}
}

// ReadConsoleLog pops and returns the oldest buffered console log, or
// false if the ring is empty.
func (h *Handler) ReadConsoleLog() (ConsoleLog, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.consoleLogs) == 0 {
		return ConsoleLog{}, false
	}
	log := h.consoleLogs[0]
	h.consoleLogs = h.consoleLogs[1:]
	return log, true
}

// ContextID resolves frameID to its live execution context id, blocking up
// to timeout for executionContextCreated to arrive (spec 4.5).
func (h *Handler) ContextID(frameID string, timeout time.Duration) (int64, error) {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.RLock()
		if cid, ok := h.contextByFrame[frameID]; ok {
			h.mu.RUnlock()
			return cid, nil
		}
		ch := h.changed
		h.mu.RUnlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, protocol.ErrTimeout
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return 0, protocol.ErrTimeout
		}
	}
}

func objectValueToGo(value struct {
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description"`
}) interface{} {
	switch value.Type {
	case "number", "string", "boolean":
		var v interface{}
		_ = json.Unmarshal(value.Value, &v)
		return v
	case "function", "object":
		if value.Description == "" {
			return nil
		}
		return value.Description
	case "undefined":
		return "undefined"
	default:
		return nil
	}
}

// ObjectProperties fetches Runtime.getProperties(objectId) and resolves
// each primitive/function/object property to a plain Go value (spec
// grounding: runtime_handler.py's get_object_properties).
func (h *Handler) ObjectProperties(objectID string) (map[string]interface{}, error) {
	raw, err := h.Send("getProperties", map[string]interface{}{"objectId": objectID})
	if err != nil {
		return nil, err
	}
	var out struct {
		Result []struct {
			Name  string `json:"name"`
			Value *struct {
				Type        string          `json:"type"`
				Value       json.RawMessage `json:"value"`
				Description string          `json:"description"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, protocol.Wrap(err, "decode getProperties result")
	}
	props := make(map[string]interface{}, len(out.Result))
	for _, it := range out.Result {
		if it.Value == nil {
			continue
		}
		props[it.Name] = objectValueToGo(*it.Value)
	}
	return props, nil
}
