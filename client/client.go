// Package client is the thin HTTP layer over a Chromium-family instance's
// remote debugging port: GET /json for the page list, with the same
// loopback-IP-resolution quirk chrome requires of its callers since
// Chrome 66 (host must be an IP literal or "localhost").
package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/qtacore/chromemaster/transport"
)

// DefaultEndpoint is the default remote-debugging discovery endpoint.
const DefaultEndpoint = "http://localhost:9222"

// PageTarget is one entry of the /json page list, decoded loosely since
// the wire shape carries fields (description, etc.) this client doesn't
// otherwise interpret (spec section 4.9).
type PageTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client fetches the page list from one remote-debugging endpoint.
type Client struct {
	url           string
	socketFactory transport.SocketFactory
	httpClient    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// New creates a discovery client for urlstr (defaulting to
// DefaultEndpoint), applying the same HTTP-host-must-be-IP-or-localhost
// rewrite as the original CDP clients.
func New(urlstr string, opts ...Option) *Client {
	if urlstr == "" {
		urlstr = DefaultEndpoint
	}
	c := &Client{url: rewriteHost(urlstr), httpClient: &http.Client{Timeout: 60 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithSocketFactory injects a dialer used in place of net/http's default
// transport, for connecting through a tunnel or a test harness (spec 4.9:
// "using the injected socket factory if present").
func WithSocketFactory(f transport.SocketFactory) Option {
	return func(c *Client) {
		c.socketFactory = f
		if f != nil {
			c.httpClient.Transport = &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return f()
				},
			}
		}
	}
}

func rewriteHost(urlstr string) string {
	const prefix = "http://"
	if !strings.HasPrefix(strings.ToLower(urlstr), prefix) {
		return urlstr
	}
	rest := urlstr[len(prefix):]
	host, path := rest, ""
	if i := strings.Index(rest, "/"); i != -1 {
		host, path = rest[:i], rest[i:]
	}
	hostOnly, port := host, ""
	if i := strings.Index(host, ":"); i != -1 {
		hostOnly, port = host[:i], host[i:]
	}
	if addr, err := net.ResolveIPAddr("ip", hostOnly); err == nil {
		return prefix + addr.IP.String() + port + path
	}
	return urlstr
}

// ListPages fetches and decodes the /json page list.
func (c *Client) ListPages(ctx context.Context) ([]PageTarget, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/json", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var pages []PageTarget
	if err := json.Unmarshal(body, &pages); err != nil {
		return nil, err
	}
	return pages, nil
}
