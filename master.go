package chromemaster

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/qtacore/chromemaster/client"
	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/logx"
	"github.com/qtacore/chromemaster/page"
	"github.com/qtacore/chromemaster/rpc"
	"github.com/qtacore/chromemaster/runtime"
	"github.com/qtacore/chromemaster/transport"
)

// PageDescriptor is one entry of Master.Pages's result: a page.type CDP
// target, resolved and deduplicated (spec section 4.9, 3).
type PageDescriptor struct {
	ID                   string
	Title                string
	URL                  string
	WebSocketDebuggerURL string
	FirstSeenAt          time.Time
}

// Master discovers and tracks the pages exposed by one Chromium-family
// remote-debugging endpoint. Master is a per-address singleton (spec 3, 9:
// "ChromeMaster is a per-address singleton"); obtain one via GetMaster.
type Master struct {
	addr          string
	socketFactory transport.SocketFactory

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Master{}
)

// GetMaster returns the Master for addr ("host:port"), creating one on
// first use. Every later call with the same addr returns the same
// instance, matching the original's `__new__`-keyed singleton.
func GetMaster(addr string, socketFactory transport.SocketFactory) *Master {
	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := registry[addr]; ok {
		return m
	}
	m := &Master{
		addr:          addr,
		socketFactory: socketFactory,
		firstSeen:     make(map[string]time.Time),
	}
	registry[addr] = m
	return m
}

// ResetRegistry discards every cached Master, for test isolation between
// cases that otherwise share the package-level singleton registry.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*Master{}
}

type pageDescription struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Visible *bool   `json:"visible"`
}

// Pages fetches, filters, and resolves the live page list (spec 4.9:
// get_page_list). A page is dropped when: it isn't type="page"; its
// description reports zero width/height or visible=false; it has no
// webSocketDebuggerUrl (another debugger already holds it); or its body is
// empty once resolved. Surviving pages are sorted by first-seen order.
func (m *Master) Pages(ctx context.Context, cfg config.Config, logger logx.Logger) ([]PageDescriptor, error) {
	if logger == nil {
		logger = logx.NewDefault()
	}
	c := client.New("http://"+m.addr, client.WithSocketFactory(m.socketFactory))
	raw, err := c.ListPages(ctx)
	if err != nil {
		return nil, err
	}

	var out []PageDescriptor
	for _, p := range raw {
		if p.Type != "page" {
			continue
		}
		if p.Description != "" {
			var desc pageDescription
			if err := json.Unmarshal([]byte(p.Description), &desc); err == nil {
				if desc.Width == 0 || desc.Height == 0 {
					continue
				}
				if desc.Visible != nil && !*desc.Visible {
					continue
				}
			}
		}
		if p.WebSocketDebuggerURL == "" {
			logger.Warn("[Master] page %s has no debugger url, assuming another debugger holds it", p.ID)
			continue
		}

		title, url, body, err := m.resolvePageInfo(ctx, p.WebSocketDebuggerURL, cfg, logger)
		if err != nil {
			logger.Warn("[Master] resolve page %s info failed: %v", p.ID, err)
			continue
		}
		if body == "" {
			logger.Warn("[Master] page %s body is empty", p.ID)
			continue
		}

		if p.URL == "about:blank" && p.Title == "about:blank" {
			resolved := false
			if url != "" {
				p.URL = url
				resolved = true
			}
			if title != "" {
				p.Title = title
				resolved = true
			}
			if !resolved {
				continue
			}
		}

		m.mu.Lock()
		seenAt, ok := m.firstSeen[p.ID]
		if !ok {
			seenAt = time.Now()
			m.firstSeen[p.ID] = seenAt
		}
		m.mu.Unlock()

		out = append(out, PageDescriptor{
			ID:                   p.ID,
			Title:                p.Title,
			URL:                  p.URL,
			WebSocketDebuggerURL: p.WebSocketDebuggerURL,
			FirstSeenAt:          seenAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

// resolvePageInfo opens a throwaway Debugger registering only Runtime
// (which pulls in Page transitively) and reads document.body.innerText /
// document.title / location.href, exactly as the original's
// ChromeMaster.get_page_info (spec section 1's original_source note).
func (m *Master) resolvePageInfo(ctx context.Context, wsURL string, cfg config.Config, logger logx.Logger) (title, url, body string, err error) {
	d, err := newDebugger(ctx, wsURL, m.socketFactory, cfg, logger)
	if err != nil {
		return "", "", "", err
	}
	defer d.debugger.Close()

	body, err = d.runtime.Eval("", "document.body.innerText")
	if err != nil {
		return "", "", "", err
	}
	if body == "" {
		return "", "", "", nil
	}
	title, _ = d.runtime.Eval("", "document.title")
	url, _ = d.runtime.Eval("", "location.href")
	return title, url, body, nil
}

// minimalDebugger is just enough of a Session to evaluate script: Runtime
// and the Page it depends on (registered transitively), without
// Target/Log/Network (resolvePageInfo never needs auto-attach, console
// logs, or network capture).
type minimalDebugger struct {
	debugger *rpc.Debugger
	runtime  *runtime.Handler
}

func newDebugger(ctx context.Context, wsURL string, socketFactory transport.SocketFactory, cfg config.Config, logger logx.Logger) (*minimalDebugger, error) {
	d, err := rpc.New(ctx, wsURL, socketFactory, cfg, logger)
	if err != nil {
		return nil, err
	}

	runtimeHandler := runtime.New(page.New(), cfg)
	if _, err := d.RegisterHandler(runtimeHandler); err != nil {
		d.Close()
		return nil, err
	}
	return &minimalDebugger{debugger: d, runtime: runtimeHandler}, nil
}

// matchPattern reports whether candidate equals pattern exactly, or
// matches it as an end-anchored regex (spec 4.9: "exact-or-regex-anchored
// match").
func matchPattern(pattern, candidate string) bool {
	if pattern == "" {
		return false
	}
	if pattern == candidate {
		return true
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(candidate)
}

// filterPages keeps pages matching every pattern supplied: when both
// titlePattern and urlPattern are given, a page must satisfy both, not
// either (spec 8, scenario 2: two pages share a title, and the url
// narrows the match down to one of them). A pattern left empty imposes no
// constraint; all-empty matches everything.
func filterPages(pages []PageDescriptor, titlePattern, urlPattern string) []PageDescriptor {
	if titlePattern == "" && urlPattern == "" {
		return pages
	}
	var out []PageDescriptor
	for _, p := range pages {
		if titlePattern != "" && !matchPattern(titlePattern, p.Title) {
			continue
		}
		if urlPattern != "" && !matchPattern(urlPattern, p.URL) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func newestPage(pages []PageDescriptor) PageDescriptor {
	best := pages[0]
	for _, p := range pages[1:] {
		if p.FirstSeenAt.After(best.FirstSeenAt) {
			best = p
		}
	}
	return best
}

// FindPage short-polls Pages for a page matching titlePattern/urlPattern,
// preferring one the caller hasn't seen before (spec 4.9: find_page). An
// empty titlePattern and urlPattern matches every page.
func (m *Master) FindPage(ctx context.Context, titlePattern, urlPattern string, last bool, cfg config.Config, logger logx.Logger) (*Session, error) {
	if logger == nil {
		logger = logx.NewDefault()
	}

	m.mu.Lock()
	alreadySeen := make(map[string]bool, len(m.firstSeen))
	for id := range m.firstSeen {
		alreadySeen[id] = true
	}
	m.mu.Unlock()

	deadline := time.Now().Add(cfg.PageResolveTimeout)
	var lastFiltered []PageDescriptor
	for {
		pages, err := m.Pages(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		filtered := filterPages(pages, titlePattern, urlPattern)
		lastFiltered = filtered

		var fresh []PageDescriptor
		for _, p := range filtered {
			if !alreadySeen[p.ID] {
				fresh = append(fresh, p)
			}
		}
		switch {
		case len(fresh) == 1:
			return openSession(ctx, fresh[0].WebSocketDebuggerURL, m.socketFactory, cfg, logger)
		case len(fresh) > 1:
			if last {
				return openSession(ctx, newestPage(fresh).WebSocketDebuggerURL, m.socketFactory, cfg, logger)
			}
			return nil, fmt.Errorf("multiple new pages match title=%q url=%q", titlePattern, urlPattern)
		}

		if time.Now().After(deadline) {
			break
		}
		time.Sleep(cfg.PageResolveInterval)
	}

	switch len(lastFiltered) {
	case 0:
		return nil, fmt.Errorf("no page found in %s matching title=%q url=%q", m.addr, titlePattern, urlPattern)
	case 1:
		return openSession(ctx, lastFiltered[0].WebSocketDebuggerURL, m.socketFactory, cfg, logger)
	default:
		if last {
			return openSession(ctx, newestPage(lastFiltered).WebSocketDebuggerURL, m.socketFactory, cfg, logger)
		}
		return nil, fmt.Errorf("multiple pages match title=%q url=%q in %s", titlePattern, urlPattern, m.addr)
	}
}
