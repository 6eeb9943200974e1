package page

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Sample is one decoded screencast frame: a CDP timestamp (seconds, not
// wall-clock) and the raw decoded image bytes.
type Sample struct {
	Timestamp float64
	Data      []byte
}

// VideoEncoder receives decoded frames in presentation order and muxes
// them into a video container. It is an injected external collaborator
// (spec section 1: "media-encoding of screencast frames to a video
// container" is explicitly out of scope); chromemaster only computes which
// frames to write and how many times to duplicate each one.
type VideoEncoder interface {
	WriteFrame(data []byte) error
	Close() error
}

// VideoEncoderFactory opens path and returns a VideoEncoder ready to
// receive frames.
type VideoEncoderFactory func(path string) (VideoEncoder, error)

// StartScreencast starts the screencast stream.
func (h *Handler) StartScreencast() error {
	_, err := h.Send("startScreencast", nil)
	return err
}

// StopScreencast stops the screencast stream.
func (h *Handler) StopScreencast() error {
	_, err := h.Send("stopScreencast", nil)
	return err
}

// ScreencastFrames returns a snapshot of the captured frame buffer.
func (h *Handler) ScreencastFrames() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.screencast))
	copy(out, h.screencast)
	return out
}

// waitForQuiescence blocks until quiescence has elapsed since the last
// screencastFrame arrived (spec section 4.4, scenario 6: "no further
// frames for >= 5s").
func (h *Handler) waitForQuiescence(quiescence time.Duration) {
	for {
		h.mu.RLock()
		last := h.lastFrameWall
		h.mu.RUnlock()
		if last.IsZero() {
			return
		}
		idle := time.Since(last)
		if idle >= quiescence {
			return
		}
		time.Sleep(quiescence - idle)
	}
}

// SaveScreenRecord waits for frame quiescence, then writes every captured
// frame to enc, duplicating frames to approximate fps playback from CDP's
// irregular screencastFrame timestamps (spec section 4.4, scenario 6):
// frame i is written once, then duplicated floor((t[i+1]-t[i])*fps)-1
// times before frame i+1 is written.
func (h *Handler) SaveScreenRecord(newEncoder VideoEncoderFactory, path string, quiescence time.Duration, fps int) error {
	h.waitForQuiescence(quiescence)

	frames := h.ScreencastFrames()
	if len(frames) == 0 {
		return errors.New("no screencast frames captured")
	}

	enc, err := newEncoder(path)
	if err != nil {
		return errors.Wrapf(err, "open video encoder for %s", path)
	}
	defer enc.Close()

	for i, f := range frames {
		if err := enc.WriteFrame(f.Data); err != nil {
			return errors.Wrapf(err, "write frame %d", i)
		}
		if i+1 >= len(frames) {
			continue
		}
		delta := frames[i+1].Timestamp - f.Timestamp
		dup := int(math.Floor(delta*float64(fps))) - 1
		for j := 0; j < dup; j++ {
			if err := enc.WriteFrame(f.Data); err != nil {
				return errors.Wrapf(err, "write duplicate frame after %d", i)
			}
		}
	}
	return nil
}
