// Package page implements the Page namespace handler: a client-side frame
// tree mirror kept in sync from frameAttached/frameNavigated events, dialog
// auto-dismissal, layout metrics, screenshot, and the screencast buffer
// (spec section 4.4).
package page

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/mailru/easyjson"

	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/rpc"
)

// Frame mirrors one entry of the CDP frame tree (spec section 3).
type Frame struct {
	ID       string
	ParentID string
	Name     string
	URL      string
	Children []string
}

// Handler is the Page namespace handler.
type Handler struct {
	rpc.Base

	mu     sync.RWMutex
	frames map[string]*Frame
	rootID string

	screencast    []Sample
	lastFrameWall time.Time
}

// New constructs an unattached Page handler.
func New() *Handler {
	return &Handler{
		Base:   rpc.NewBase("Page"),
		frames: make(map[string]*Frame),
	}
}

// OnAttached enables the Page domain.
func (h *Handler) OnAttached() error {
	_, err := h.Send("enable", nil)
	return err
}

type frameTreeFrame struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Name     string `json:"name"`
	URL      string `json:"url"`
}

type frameAttachedParams struct {
	FrameID       string `json:"frameId"`
	ParentFrameID string `json:"parentFrameId"`
}

type frameNavigatedParams struct {
	Frame frameTreeFrame `json:"frame"`
}

type screencastFrameParams struct {
	Data     string `json:"data"`
	Metadata struct {
		Timestamp float64 `json:"timestamp"`
	} `json:"metadata"`
}

type javascriptDialogOpeningParams struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// OnRecvNotifyMsg implements rpc.Handler.
func (h *Handler) OnRecvNotifyMsg(method string, params easyjson.RawMessage) error {
	switch method {
	case "frameAttached":
		var p frameAttachedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode frameAttached")
		}
		return h.onFrameAttached(p.FrameID, p.ParentFrameID)

	case "frameNavigated":
		var p frameNavigatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode frameNavigated")
		}
		return h.onFrameNavigated(p.Frame)

	case "screencastFrame":
		var p screencastFrameParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode screencastFrame")
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return protocol.Wrap(err, "decode screencastFrame payload")
		}
		h.mu.Lock()
		h.screencast = append(h.screencast, Sample{Timestamp: p.Metadata.Timestamp, Data: data})
		h.lastFrameWall = time.Now()
		h.mu.Unlock()
		return nil

	case "javascriptDialogOpening":
		var p javascriptDialogOpeningParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode javascriptDialogOpening")
		}
		h.Debugger().Logger().Info("[Page] auto-dismissing dialog (%s): %s", p.Type, p.Message)
		_, err := h.Send("handleJavaScriptDialog", map[string]interface{}{"accept": true})
		return err
	}
	return nil
}

// onFrameAttached records the frameId->parentFrameId edge. If the parent
// isn't in the mirror yet, it asks the dispatch loop to retry (spec
// section 8, scenario 5).
func (h *Handler) onFrameAttached(frameID, parentFrameID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if parentFrameID != "" {
		parent, ok := h.frames[parentFrameID]
		if !ok {
			return protocol.ErrMessageNotHandled
		}
		if _, exists := h.frames[frameID]; !exists {
			h.frames[frameID] = &Frame{ID: frameID, ParentID: parentFrameID}
			if !containsStr(parent.Children, frameID) {
				parent.Children = append(parent.Children, frameID)
			}
		}
		return nil
	}

	if _, exists := h.frames[frameID]; !exists {
		h.frames[frameID] = &Frame{ID: frameID}
	}
	return nil
}

// onFrameNavigated installs or replaces a frame's subtree. A frame with no
// parentId is the root: its arrival replaces the entire mirror (spec
// section 3: "Re-navigation of a frame replaces its subtree"). A non-root
// frame whose parent isn't mirrored yet asks for a retry, which is what
// resolves a frameAttached that arrived referencing an unseen parent.
func (h *Handler) onFrameNavigated(f frameTreeFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f.ParentID == "" {
		h.frames = map[string]*Frame{
			f.ID: {ID: f.ID, Name: f.Name, URL: f.URL},
		}
		h.rootID = f.ID
		return nil
	}

	parent, ok := h.frames[f.ParentID]
	if !ok {
		return protocol.ErrMessageNotHandled
	}

	h.evictSubtreeLocked(f.ID)
	h.frames[f.ID] = &Frame{ID: f.ID, ParentID: f.ParentID, Name: f.Name, URL: f.URL}
	if !containsStr(parent.Children, f.ID) {
		parent.Children = append(parent.Children, f.ID)
	}
	return nil
}

// evictSubtreeLocked removes id and every descendant from the mirror, but
// preserves its entry in the parent's Children slice position (the caller
// reinstalls id immediately after).
func (h *Handler) evictSubtreeLocked(id string) {
	f, ok := h.frames[id]
	if !ok {
		return
	}
	for _, child := range f.Children {
		h.evictSubtreeLocked(child)
	}
	delete(h.frames, id)
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// MainFrameID returns the root frame id, querying getResourceTree and
// seeding the mirror if a navigation event hasn't arrived yet.
func (h *Handler) MainFrameID() (string, error) {
	h.mu.RLock()
	root := h.rootID
	h.mu.RUnlock()
	if root != "" {
		return root, nil
	}

	tree, err := h.FrameTree()
	if err != nil {
		return "", err
	}
	return tree.ID, nil
}

// FrameTreeResult is the decoded result of Page.getResourceTree's root
// frame object.
type FrameTreeResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// FrameTree calls Page.getResourceTree and seeds the mirror's root.
func (h *Handler) FrameTree() (FrameTreeResult, error) {
	raw, err := h.Send("getResourceTree", nil)
	if err != nil {
		return FrameTreeResult{}, err
	}
	var out struct {
		FrameTree struct {
			Frame FrameTreeResult `json:"frame"`
		} `json:"frameTree"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return FrameTreeResult{}, protocol.Wrap(err, "decode getResourceTree result")
	}

	h.mu.Lock()
	if _, ok := h.frames[out.FrameTree.Frame.ID]; !ok {
		h.frames[out.FrameTree.Frame.ID] = &Frame{ID: out.FrameTree.Frame.ID, URL: out.FrameTree.Frame.URL}
	}
	if h.rootID == "" {
		h.rootID = out.FrameTree.Frame.ID
	}
	h.mu.Unlock()

	return out.FrameTree.Frame, nil
}

// Frames returns a snapshot of the mirrored frame tree.
func (h *Handler) Frames() map[string]Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Frame, len(h.frames))
	for id, f := range h.frames {
		cp := *f
		cp.Children = append([]string(nil), f.Children...)
		out[id] = cp
	}
	return out
}

// BringToFront asks the browser to focus this page's tab. It tolerates a
// peer too old to support it (spec grounding: page_handler.py's
// bring_to_front swallows MethodNotFoundError).
func (h *Handler) BringToFront() bool {
	_, err := h.Send("bringToFront", nil)
	if err != nil {
		if !protocol.IsMethodNotFound(err) {
			h.Debugger().Logger().Warn("Call bring_to_front failed: %v", err)
		}
		return false
	}
	return true
}

// Screenshot brings the page to front, captures a PNG screenshot, and
// returns the decoded bytes.
func (h *Handler) Screenshot() ([]byte, error) {
	if !h.BringToFront() {
		h.Debugger().Logger().Warn("Call bring_to_front failed")
	}
	raw, err := h.Send("captureScreenshot", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, protocol.Wrap(err, "decode captureScreenshot result")
	}
	return base64.StdEncoding.DecodeString(out.Data)
}

// Cookie mirrors one CDP Network.Cookie object returned by Page.getCookies.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Cookies returns every cookie visible to the page.
func (h *Handler) Cookies() ([]Cookie, error) {
	raw, err := h.Send("getCookies", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, protocol.Wrap(err, "decode getCookies result")
	}
	return out.Cookies, nil
}

// WindowSize returns the browser window's device-scaled width and height
// (spec grounding: page_handler.py's get_window_size).
func (h *Handler) WindowSize() (width, height float64, err error) {
	raw, err := h.Send("getLayoutMetrics", nil)
	if err != nil {
		return 0, 0, err
	}
	var out struct {
		VisualViewport struct {
			Scale       float64 `json:"scale"`
			ClientWidth float64 `json:"clientWidth"`
			ClientHeight float64 `json:"clientHeight"`
		} `json:"visualViewport"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, 0, protocol.Wrap(err, "decode getLayoutMetrics result")
	}
	v := out.VisualViewport
	return v.Scale * v.ClientWidth, v.Scale * v.ClientHeight, nil
}
