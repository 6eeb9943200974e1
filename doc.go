// Package chromemaster is a client-side implementation of the Chrome
// DevTools Protocol: it discovers debuggable pages, opens a persistent
// connection to one, multiplexes request/response traffic and events over
// it, and exposes per-namespace handlers (Page, Runtime, DOM, Input, Log,
// Network, Target) on top.
//
// It does not launch or manage a browser process; callers point it at an
// already-running Chromium-family instance's remote debugging port.
package chromemaster
