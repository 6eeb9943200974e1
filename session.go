package chromemaster

import (
	"context"
	"fmt"
	"time"

	"github.com/qtacore/chromemaster/cdplog"
	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/dom"
	"github.com/qtacore/chromemaster/input"
	"github.com/qtacore/chromemaster/logx"
	"github.com/qtacore/chromemaster/network"
	"github.com/qtacore/chromemaster/page"
	"github.com/qtacore/chromemaster/rpc"
	"github.com/qtacore/chromemaster/runtime"
	"github.com/qtacore/chromemaster/target"
	"github.com/qtacore/chromemaster/transport"
)

// Session is a fully bootstrapped Debugger: Target, Runtime (and the Page
// it depends on), Log and Network are registered and live; DOM and Input
// are optional and registered lazily by EnableDOM/EnableInput, matching
// the original's bootstrap sequence, which never registers DOMHandler or
// InputHandler by default (spec section 4.9, DESIGN.md open question).
type Session struct {
	Debugger *rpc.Debugger
	Target   *target.Handler
	Runtime  *runtime.Handler
	Page     *page.Handler
	Log      *cdplog.Handler
	Network  *network.Handler
}

// openSession dials wsURL and runs the bootstrap sequence: register
// Target and Runtime (which pulls in Page transitively, since Runtime
// declares Page as its dependency), wait for the main frame's execution
// context to come up, then register Log and Network (spec 4.9: "register
// TargetHandler and RuntimeHandler -> wait ... for
// Runtime.get_main_context_id() to become non-empty -> register
// LogHandler and NetworkHandler").
func openSession(ctx context.Context, wsURL string, socketFactory transport.SocketFactory, cfg config.Config, logger logx.Logger) (*Session, error) {
	d, err := rpc.New(ctx, wsURL, socketFactory, cfg, logger)
	if err != nil {
		return nil, err
	}

	targetHandler := target.New()
	if _, err := d.RegisterHandler(targetHandler); err != nil {
		d.Close()
		return nil, err
	}

	pageHandler := page.New()
	runtimeHandler := runtime.New(pageHandler, cfg)
	if _, err := d.RegisterHandler(runtimeHandler); err != nil {
		d.Close()
		return nil, err
	}

	if err := waitForMainContext(pageHandler, runtimeHandler, cfg); err != nil {
		d.Close()
		return nil, err
	}

	logHandler := cdplog.New()
	if _, err := d.RegisterHandler(logHandler); err != nil {
		d.Close()
		return nil, err
	}
	networkHandler := network.New()
	if _, err := d.RegisterHandler(networkHandler); err != nil {
		d.Close()
		return nil, err
	}

	return &Session{
		Debugger: d,
		Target:   targetHandler,
		Runtime:  runtimeHandler,
		Page:     pageHandler,
		Log:      logHandler,
		Network:  networkHandler,
	}, nil
}

// waitForMainContext short-polls for the main frame's execution context to
// appear, the sentinel the original uses to know the page is actually live
// rather than mid-navigation (spec 4.9: 2s budget, 200ms interval).
func waitForMainContext(pageHandler *page.Handler, runtimeHandler *runtime.Handler, cfg config.Config) error {
	deadline := time.Now().Add(cfg.BootstrapTimeout)
	for {
		frameID, err := pageHandler.MainFrameID()
		if err == nil {
			if _, cerr := runtimeHandler.ContextID(frameID, cfg.BootstrapInterval); cerr == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for the main execution context")
		}
		time.Sleep(cfg.BootstrapInterval)
	}
}

// EnableDOM registers the DOM namespace handler on this session, optional
// because most callers never need the DOM mirror (spec 4.9 bootstrap
// discussion).
func (s *Session) EnableDOM(matcher dom.XPathMatcher) (*dom.Handler, error) {
	h := dom.New(matcher)
	if _, err := s.Debugger.RegisterHandler(h); err != nil {
		return nil, err
	}
	return h, nil
}

// EnableInput registers the Input namespace handler on this session.
func (s *Session) EnableInput() (*input.Handler, error) {
	h := input.New()
	if _, err := s.Debugger.RegisterHandler(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Close tears down the underlying Debugger and its Transport.
func (s *Session) Close() error {
	return s.Debugger.Close()
}
