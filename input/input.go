// Package input implements the Input namespace handler: synthetic mouse
// and keyboard events dispatched via Input.dispatchMouseEvent and
// Input.dispatchKeyEvent (spec section 4.7).
package input

import (
	"math"
	"time"

	"github.com/qtacore/chromemaster/rpc"
)

// Modifier bits accumulated by SendKeys, matching CDP's dispatchKeyEvent
// modifiers field (spec 4.7: "Alt=1, Ctrl=2, Command=4, Shift=8").
const (
	ModifierAlt     = 1
	ModifierCtrl    = 2
	ModifierCommand = 4
	ModifierShift   = 8
)

var modifierBits = map[int]bool{
	ModifierAlt:     true,
	ModifierCtrl:    true,
	ModifierCommand: true,
	ModifierShift:   true,
}

// Handler is the Input namespace handler. It depends on nothing: every
// call is a bare synthetic event dispatch against whatever frame/context
// currently has focus.
type Handler struct {
	rpc.Base
}

// New constructs an unattached Input handler.
func New() *Handler {
	return &Handler{Base: rpc.NewBase("Input")}
}

// Hover emits a mouseMoved event with no buttons held.
func (h *Handler) Hover(x, y int) error {
	_, err := h.Send("dispatchMouseEvent", map[string]interface{}{
		"type": "mouseMoved", "x": x, "y": y,
	})
	return err
}

// Click emits mousePressed, optionally holds for duration, then
// mouseReleased, both at the given point with the left button (spec 4.7).
func (h *Handler) Click(x, y int, duration time.Duration) error {
	if _, err := h.Send("dispatchMouseEvent", map[string]interface{}{
		"type": "mousePressed", "x": x, "y": y, "button": "left", "clickCount": 1,
	}); err != nil {
		return err
	}
	if duration > 0 {
		time.Sleep(duration)
	}
	_, err := h.Send("dispatchMouseEvent", map[string]interface{}{
		"type": "mouseReleased", "x": x, "y": y, "button": "left", "clickCount": 1,
	})
	return err
}

// Drag moves the mouse from (x1,y1) to (x2,y2), optionally pressing
// before the move and releasing after it. When step > 0, the move is
// linearly interpolated into step_count = length/step + 1 intermediate
// mouseMoved events before the final move to the endpoint (spec 4.7).
func (h *Handler) Drag(x1, y1, x2, y2 int, step int, firePress, fireRelease bool) error {
	if firePress {
		if _, err := h.Send("dispatchMouseEvent", map[string]interface{}{
			"type": "mousePressed", "x": x1, "y": y1, "button": "left", "clickCount": 1,
		}); err != nil {
			return err
		}
	}

	if step > 0 {
		dx, dy := x2-x1, y2-y1
		length := int(math.Sqrt(float64(dx*dx + dy*dy)))
		stepCount := length/step + 1
		xStep, yStep := dx/stepCount, dy/stepCount

		for i := 0; i < stepCount; i++ {
			if _, err := h.Send("dispatchMouseEvent", map[string]interface{}{
				"type": "mouseMoved", "x": x1 + xStep*i, "y": y1 + yStep*i, "button": "left",
			}); err != nil {
				return err
			}
		}
	}

	if _, err := h.Send("dispatchMouseEvent", map[string]interface{}{
		"type": "mouseMoved", "x": x2, "y": y2, "button": "left",
	}); err != nil {
		return err
	}

	if fireRelease {
		if _, err := h.Send("dispatchMouseEvent", map[string]interface{}{
			"type": "mouseReleased", "x": x2, "y": y2, "button": "left", "clickCount": 1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendKeys dispatches one keyDown/keyUp pair per non-modifier code, with
// the accumulated modifier bitmask from any modifier codes seen since the
// last non-modifier code (spec 4.7).
func (h *Handler) SendKeys(codes []int) error {
	modifiers := 0
	for _, code := range codes {
		if modifierBits[code] {
			modifiers |= code
			continue
		}
		if _, err := h.Send("dispatchKeyEvent", map[string]interface{}{
			"type": "keyDown", "nativeVirtualKeyCode": code, "modifiers": modifiers,
		}); err != nil {
			return err
		}
		if _, err := h.Send("dispatchKeyEvent", map[string]interface{}{
			"type": "keyUp", "nativeVirtualKeyCode": code, "modifiers": modifiers,
		}); err != nil {
			return err
		}
		modifiers = 0
	}
	return nil
}

// SendText dispatches one char key event per rune of s (spec 4.7).
func (h *Handler) SendText(s string) error {
	for _, r := range s {
		if _, err := h.Send("dispatchKeyEvent", map[string]interface{}{
			"type": "char", "text": string(r),
		}); err != nil {
			return err
		}
	}
	return nil
}
