package rpc

import "github.com/mailru/easyjson"

// Handler is a namespace handler: Page, Runtime, DOM, Input, Log, Network,
// Target. A namespace appears at most once per Debugger; Dependencies
// defines a partial order, registered transitively before the handler
// itself (spec section 3, 4.2).
type Handler interface {
	// Namespace is the CDP method prefix this handler owns, e.g. "Page".
	Namespace() string

	// Dependencies lists handlers that must be registered (and attached)
	// before this one.
	Dependencies() []Handler

	// Attach gives the handler its back-reference to the owning Debugger.
	// Called once, before OnAttached.
	Attach(d *Debugger)

	// OnAttached runs after registration and dependency resolution; this
	// is where a handler typically sends its own `enable`.
	OnAttached() error

	// OnRecvNotifyMsg handles one event belonging to this namespace.
	// Returning protocol.ErrMessageNotHandled asks the dispatch loop to
	// retry later (spec 4.2).
	OnRecvNotifyMsg(method string, params easyjson.RawMessage) error
}

// Base is embedded by every concrete handler to provide the namespace
// convention, dependency declaration, and the dynamic method-forwarding
// escape hatch (`base.Send(method, params)` sends "<namespace>.<method>"),
// mirroring the original's DebuggerHandler.__getattr__ trick without
// resorting to reflection (DESIGN NOTES section 9: "replace with an
// explicit handler registry ... plus a thin façade per namespace exposing
// typed methods; retain send(namespace, method, params) as the low-level
// escape hatch").
type Base struct {
	namespace string
	deps      []Handler
	dbg       *Debugger
}

// NewBase constructs the embeddable base for a handler in namespace ns,
// depending on deps.
func NewBase(ns string, deps ...Handler) Base {
	return Base{namespace: ns, deps: deps}
}

// Namespace implements Handler.
func (b *Base) Namespace() string { return b.namespace }

// Dependencies implements Handler.
func (b *Base) Dependencies() []Handler { return b.deps }

// Attach implements Handler.
func (b *Base) Attach(d *Debugger) { b.dbg = d }

// Debugger returns the owning Debugger, valid after Attach.
func (b *Base) Debugger() *Debugger { return b.dbg }

// OnAttached is the default no-op; concrete handlers override it.
func (b *Base) OnAttached() error { return nil }

// OnRecvNotifyMsg is the default no-op; concrete handlers override it.
func (b *Base) OnRecvNotifyMsg(method string, params easyjson.RawMessage) error { return nil }

// Send issues "<namespace>.<method>" with no session scoping.
func (b *Base) Send(method string, params interface{}) (easyjson.RawMessage, error) {
	return b.dbg.SendRequest(b.namespace+"."+method, "", params)
}

// SendSession issues "<namespace>.<method>" scoped to sessionID, used once
// a sub-target has attached (spec 4.3, 4.8).
func (b *Base) SendSession(method, sessionID string, params interface{}) (easyjson.RawMessage, error) {
	return b.dbg.SendRequest(b.namespace+"."+method, sessionID, params)
}
