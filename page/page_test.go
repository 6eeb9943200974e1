package page

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtacore/chromemaster/protocol"
)

func TestFrameAttachedBeforeParentKnownAsksForRetry(t *testing.T) {
	h := New()

	// Root must exist before anything else attaches to it.
	err := h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"ROOT","url":"http://example.com"}}`))
	require.NoError(t, err)

	// frameAttached(parentFrameId=P) arrives before frameNavigated mentions P.
	err = h.OnRecvNotifyMsg("frameAttached", easyjson.RawMessage(`{"frameId":"F","parentFrameId":"P"}`))
	assert.True(t, errors.Is(err, protocol.ErrMessageNotHandled))

	// frameNavigated registers P as a child of ROOT.
	err = h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"P","parentId":"ROOT","url":"http://example.com/p"}}`))
	require.NoError(t, err)

	// Redelivery of the original frameAttached now succeeds.
	err = h.OnRecvNotifyMsg("frameAttached", easyjson.RawMessage(`{"frameId":"F","parentFrameId":"P"}`))
	require.NoError(t, err)

	frames := h.Frames()
	if assert.Contains(t, frames, "F") {
		assert.Equal(t, "P", frames["F"].ParentID)
	}
	if assert.Contains(t, frames, "P") {
		assert.Contains(t, frames["P"].Children, "F")
	}
}

func TestFrameTreeHasUniqueRoot(t *testing.T) {
	h := New()
	require.NoError(t, h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"ROOT","url":"http://a"}}`)))
	require.NoError(t, h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"C1","parentId":"ROOT","url":"http://a/c1"}}`)))

	id, err := h.MainFrameID()
	require.NoError(t, err)
	assert.Equal(t, "ROOT", id)

	frames := h.Frames()
	roots := 0
	for _, f := range frames {
		if f.ParentID == "" {
			roots++
		}
	}
	assert.Equal(t, 1, roots)
}

func TestRenavigationReplacesSubtreeKeepingSiblingsStable(t *testing.T) {
	h := New()
	require.NoError(t, h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"ROOT","url":"http://a"}}`)))
	require.NoError(t, h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"C1","parentId":"ROOT","url":"http://a/c1"}}`)))
	require.NoError(t, h.OnRecvNotifyMsg("frameAttached", easyjson.RawMessage(`{"frameId":"C1-grandchild","parentFrameId":"C1"}`)))
	require.NoError(t, h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"C2","parentId":"ROOT","url":"http://a/c2"}}`)))

	// Re-navigate C1: its old grandchild must be evicted, C2 must survive untouched.
	require.NoError(t, h.OnRecvNotifyMsg("frameNavigated", easyjson.RawMessage(`{"frame":{"id":"C1","parentId":"ROOT","url":"http://a/c1-v2"}}`)))

	frames := h.Frames()
	assert.NotContains(t, frames, "C1-grandchild")
	assert.Contains(t, frames, "C1")
	assert.Equal(t, "http://a/c1-v2", frames["C1"].URL)
	assert.Contains(t, frames, "C2")
	assert.Contains(t, frames["ROOT"].Children, "C1")
	assert.Contains(t, frames["ROOT"].Children, "C2")
}

type fakeEncoder struct {
	frames [][]byte
}

func (e *fakeEncoder) WriteFrame(data []byte) error {
	e.frames = append(e.frames, data)
	return nil
}
func (e *fakeEncoder) Close() error { return nil }

func TestSaveScreenRecordDuplicatesFramesByFPS(t *testing.T) {
	h := New()
	frame1 := []byte("frame1")
	frame2 := []byte("frame2")

	require.NoError(t, h.OnRecvNotifyMsg("screencastFrame", mustMarshalFrame(t, 0.0, frame1)))
	require.NoError(t, h.OnRecvNotifyMsg("screencastFrame", mustMarshalFrame(t, 0.5, frame2)))

	var encoder *fakeEncoder
	factory := func(path string) (VideoEncoder, error) {
		encoder = &fakeEncoder{}
		return encoder, nil
	}

	err := h.SaveScreenRecord(factory, "out.mp4", 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.NotNil(t, encoder)

	// frame1 written once, duplicated floor(0.5*10)-1 = 4 times, then frame2.
	require.Len(t, encoder.frames, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, frame1, encoder.frames[i])
	}
	assert.Equal(t, frame2, encoder.frames[5])
}

func mustMarshalFrame(t *testing.T, ts float64, data []byte) easyjson.RawMessage {
	t.Helper()
	type meta struct {
		Timestamp float64 `json:"timestamp"`
	}
	type payload struct {
		Data     string `json:"data"`
		Metadata meta   `json:"metadata"`
	}
	b, err := json.Marshal(payload{Data: base64.StdEncoding.EncodeToString(data), Metadata: meta{Timestamp: ts}})
	require.NoError(t, err)
	return easyjson.RawMessage(b)
}
