package input

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtacore/chromemaster/config"
	"github.com/qtacore/chromemaster/rpc"
	"github.com/qtacore/chromemaster/wire"
)

var upgrader = websocket.Upgrader{}

type recordedCall struct {
	method string
	params map[string]interface{}
}

func newRecordingServer(t *testing.T) (wsURL string, calls *[]recordedCall, closeFn func()) {
	t.Helper()
	var mu sync.Mutex
	var recorded []recordedCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m wire.Message
			require.NoError(t, wire.Unmarshal(data, &m))

			var params map[string]interface{}
			if len(m.Params) > 0 {
				_ = json.Unmarshal(m.Params, &params)
			}
			mu.Lock()
			recorded = append(recorded, recordedCall{method: m.Method, params: params})
			mu.Unlock()

			out, err := wire.Marshal(&wire.Message{ID: m.ID, Result: easyjson.RawMessage(`{}`)})
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))
		}
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &recorded, srv.Close
}

func testConfig() config.Config {
	c := config.Default()
	c.CallTimeout = time.Second
	c.DispatchIdleInterval = time.Millisecond
	return c
}

func newTestHandler(t *testing.T) (*Handler, *[]recordedCall, func()) {
	t.Helper()
	wsURL, calls, closeSrv := newRecordingServer(t)

	d, err := rpc.New(context.Background(), wsURL, nil, testConfig(), nil)
	require.NoError(t, err)

	h := New()
	_, err = d.RegisterHandler(h)
	require.NoError(t, err)

	return h, calls, func() {
		d.Close()
		closeSrv()
	}
}

func TestClickEmitsPressThenRelease(t *testing.T) {
	h, calls, teardown := newTestHandler(t)
	defer teardown()

	require.NoError(t, h.Click(10, 20, 0))

	methods := methodsOf(*calls)
	assert.Equal(t, []string{"Input.dispatchMouseEvent", "Input.dispatchMouseEvent"}, methods)
}

func TestDragWithStepInterpolatesIntermediateMoves(t *testing.T) {
	h, calls, teardown := newTestHandler(t)
	defer teardown()

	require.NoError(t, h.Drag(0, 0, 100, 0, 25, true, true))

	methods := methodsOf(*calls)
	require.True(t, len(methods) >= 4)
	assert.Equal(t, "Input.dispatchMouseEvent", methods[0])
	assert.Equal(t, "Input.dispatchMouseEvent", methods[len(methods)-1])
}

func TestSendKeysAccumulatesModifiersAndResets(t *testing.T) {
	h, calls, teardown := newTestHandler(t)
	defer teardown()

	require.NoError(t, h.SendKeys([]int{ModifierShift, ModifierCtrl, 65, 66}))

	methods := methodsOf(*calls)
	// two non-modifier codes -> 4 dispatchKeyEvent calls (keyDown+keyUp each)
	assert.Equal(t, 4, len(methods))
	for _, m := range methods {
		assert.Equal(t, "Input.dispatchKeyEvent", m)
	}
	// Shift|Ctrl applies to the first key's pair, then the accumulator resets.
	require.Len(t, *calls, 4)
	assert.EqualValues(t, ModifierShift|ModifierCtrl, (*calls)[0].params["modifiers"])
	assert.EqualValues(t, ModifierShift|ModifierCtrl, (*calls)[1].params["modifiers"])
	assert.EqualValues(t, 0, (*calls)[2].params["modifiers"])
	assert.EqualValues(t, 0, (*calls)[3].params["modifiers"])
}

func TestSendTextEmitsOneEventPerRune(t *testing.T) {
	h, calls, teardown := newTestHandler(t)
	defer teardown()

	require.NoError(t, h.SendText("hi"))

	methods := methodsOf(*calls)
	assert.Equal(t, 2, len(methods))
}

func methodsOf(calls []recordedCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.method
	}
	return out
}
