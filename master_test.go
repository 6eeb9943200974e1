package chromemaster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/wire"
)

var testUpgrader = websocket.Upgrader{}

// pageServerScript maps an eval() script substring to the value Eval
// should observe, mimicking one live Chromium page well enough to drive
// resolvePageInfo end to end.
type pageServerScript struct {
	body, title, url string
}

// newDiscoveryServer serves /json with pages whose webSocketDebuggerUrl
// points back at this same server, and answers the small set of CDP calls
// resolvePageInfo needs (Page.enable, Runtime.enable,
// Page.getResourceTree, Runtime.evaluate), firing executionContextCreated
// once per connection so ContextID resolves.
func newDiscoveryServer(t *testing.T, pages []client_jsonPage, scripts map[string]pageServerScript) (addr string, closeFn func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(encodeJSONPages(pages, r.Host)))
	})
	for i := range pages {
		id := pages[i].ID
		mux.HandleFunc("/page/"+id, func(w http.ResponseWriter, r *http.Request) {
			conn, err := testUpgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			defer conn.Close()
			script := scripts[id]
			frameID := "F-" + id
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var m wire.Message
				require.NoError(t, wire.Unmarshal(data, &m))
				switch m.Method {
				case "Page.enable", "Runtime.enable":
					writeResult(t, conn, m.ID, `{}`)
					if m.Method == "Runtime.enable" {
						writeEvent(t, conn, "Runtime.executionContextCreated", fmt.Sprintf(
							`{"context":{"id":1,"frameId":%q}}`, frameID))
					}
				case "Page.getResourceTree":
					writeResult(t, conn, m.ID, fmt.Sprintf(`{"frameTree":{"frame":{"id":%q,"url":"about:blank"}}}`, frameID))
				case "Runtime.evaluate":
					val := evalValueFor(m.Params, script)
					writeResult(t, conn, m.ID, fmt.Sprintf(`{"result":{"value":%q}}`, "S"+val))
				default:
					writeResult(t, conn, m.ID, `{}`)
				}
			}
		})
	}
	srv := httptest.NewServer(mux)
	return strings.TrimPrefix(srv.URL, "http://"), srv.Close
}

func evalValueFor(params easyjson.RawMessage, script pageServerScript) string {
	s := string(params)
	switch {
	case strings.Contains(s, "innerText"):
		return script.body
	case strings.Contains(s, "document.title"):
		return script.title
	case strings.Contains(s, "location.href"):
		return script.url
	}
	return ""
}

func writeResult(t *testing.T, conn *websocket.Conn, id int64, result string) {
	t.Helper()
	data, err := wire.Marshal(&wire.Message{ID: id, Result: easyjson.RawMessage(result)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func writeEvent(t *testing.T, conn *websocket.Conn, method, params string) {
	t.Helper()
	data, err := wire.Marshal(&wire.Message{Method: method, Params: easyjson.RawMessage(params)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

type client_jsonPage struct {
	ID, Type, Title, URL, Description, WSPath string
}

func encodeJSONPages(pages []client_jsonPage, host string) string {
	var b strings.Builder
	b.WriteString("[")
	for i, p := range pages {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id":%q,"type":%q,"title":%q,"url":%q,"description":%q,"webSocketDebuggerUrl":"ws://%s%s"}`,
			p.ID, p.Type, p.Title, p.URL, p.Description, host, p.WSPath)
	}
	b.WriteString("]")
	return b.String()
}

func testMasterConfig() config.Config {
	c := config.Default()
	c.CallTimeout = 2 * time.Second
	c.ContextResolveTimeout = time.Second
	c.EvalRetryTimeout = time.Second
	c.EvalRetryInterval = 10 * time.Millisecond
	c.PageResolveTimeout = 300 * time.Millisecond
	c.PageResolveInterval = 20 * time.Millisecond
	c.BootstrapTimeout = time.Second
	c.BootstrapInterval = 10 * time.Millisecond
	return c
}

func TestMasterPagesFiltersAndSortsByFirstSeen(t *testing.T) {
	pages := []client_jsonPage{
		{ID: "1", Type: "page", Title: "First", URL: "http://a", WSPath: "/page/1"},
		{ID: "2", Type: "iframe", Title: "Skip", URL: "http://b", WSPath: "/page/2"},
		{ID: "3", Type: "page", Title: "Second", URL: "http://c", WSPath: "/page/3"},
	}
	scripts := map[string]pageServerScript{
		"1": {body: "hello", title: "First", url: "http://a"},
		"3": {body: "world", title: "Second", url: "http://c"},
	}
	addr, closeSrv := newDiscoveryServer(t, pages, scripts)
	defer closeSrv()

	ResetRegistry()
	m := GetMaster(addr, nil)
	result, err := m.Pages(context.Background(), testMasterConfig(), nil)
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "1", result[0].ID)
	assert.Equal(t, "3", result[1].ID)
	assert.True(t, result[0].FirstSeenAt.Before(result[1].FirstSeenAt) || result[0].FirstSeenAt.Equal(result[1].FirstSeenAt))
}

func TestMasterPagesDropsEmptyBody(t *testing.T) {
	pages := []client_jsonPage{
		{ID: "1", Type: "page", Title: "Blank", URL: "http://a", WSPath: "/page/1"},
	}
	scripts := map[string]pageServerScript{
		"1": {body: "", title: "Blank", url: "http://a"},
	}
	addr, closeSrv := newDiscoveryServer(t, pages, scripts)
	defer closeSrv()

	ResetRegistry()
	m := GetMaster(addr, nil)
	result, err := m.Pages(context.Background(), testMasterConfig(), nil)
	require.NoError(t, err)
	assert.Len(t, result, 0)
}

func TestMatchPatternExactAndRegexAnchored(t *testing.T) {
	assert.True(t, matchPattern("Home", "Home"))
	assert.True(t, matchPattern("Hom.*", "Home Page"))
	assert.False(t, matchPattern("Home", "Home Page"))
	assert.False(t, matchPattern("", "anything"))
}

func TestFilterPagesEmptyPatternsMatchAll(t *testing.T) {
	pages := []PageDescriptor{{ID: "1", Title: "A"}, {ID: "2", Title: "B"}}
	assert.Len(t, filterPages(pages, "", ""), 2)
}

// TestFilterPagesRequiresBothTitleAndURL covers spec section 8 scenario 2:
// two pages share a title, and supplying both a title and a url pattern
// must narrow the match down to the single page satisfying both, not
// every page satisfying either.
func TestFilterPagesRequiresBothTitleAndURL(t *testing.T) {
	pages := []PageDescriptor{
		{ID: "2", Title: "测试", URL: "http://www.baidu.com/"},
		{ID: "3", Title: "测试", URL: "http://www.qq.com/"},
	}
	result := filterPages(pages, "测试", "http://www.qq.com/")
	require.Len(t, result, 1)
	assert.Equal(t, "3", result[0].ID)
}

func TestNewestPagePicksLatestFirstSeen(t *testing.T) {
	now := time.Now()
	pages := []PageDescriptor{
		{ID: "1", FirstSeenAt: now},
		{ID: "2", FirstSeenAt: now.Add(time.Second)},
	}
	assert.Equal(t, "2", newestPage(pages).ID)
}

