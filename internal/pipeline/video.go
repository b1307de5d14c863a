package pipeline

import (
	"fmt"

	"github.com/zsiec/duet/internal/media"
)

// DefaultFrameRate is used for pacing when the stream does not report a
// frame rate.
const DefaultFrameRate = 25.0

// Picture is a planar YUV 4:2:0 image.
type Picture struct {
	Width   int
	Height  int
	Planes  [3][]byte
	Strides [3]int
}

// NewPicture allocates a YUV420P picture with tightly packed planes.
func NewPicture(width, height int) *Picture {
	cw, ch := (width+1)/2, (height+1)/2
	return &Picture{
		Width:   width,
		Height:  height,
		Planes:  [3][]byte{make([]byte, width*height), make([]byte, cw*ch), make([]byte, cw*ch)},
		Strides: [3]int{width, cw, cw},
	}
}

// Scaler converts decoded video frames into a Picture of the track's
// geometry.
type Scaler interface {
	Scale(f Frame, dst *Picture) error
	Close() error
}

type videoTransform struct {
	sc  Scaler
	pic *Picture
}

func (t *videoTransform) Generate(f Frame) error {
	if err := t.sc.Scale(f, t.pic); err != nil {
		return fmt.Errorf("scale: %w", err)
	}
	return nil
}

func (t *videoTransform) Close() error {
	return t.sc.Close()
}

// VideoTrack is a Pipeline that produces pictures for the renderer.
type VideoTrack struct {
	*Pipeline

	tr        *videoTransform
	frameRate float64
}

// NewVideoTrack builds the video pipeline for desc. The output picture has
// the stream's own dimensions.
func NewVideoTrack(desc media.StreamDescriptor, dec Decoder, sc Scaler, opts Options) *VideoTrack {
	tr := &videoTransform{sc: sc, pic: NewPicture(desc.Width, desc.Height)}
	rate := desc.FrameRate.Float64()
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	return &VideoTrack{
		Pipeline:  New(desc, dec, tr, opts),
		tr:        tr,
		frameRate: rate,
	}
}

// FrameRate returns the nominal frame rate used for pacing.
func (v *VideoTrack) FrameRate() float64 {
	return v.frameRate
}

// Width returns the output picture width.
func (v *VideoTrack) Width() int { return v.tr.pic.Width }

// Height returns the output picture height.
func (v *VideoTrack) Height() int { return v.tr.pic.Height }

// PeekFrame returns the ready picture and its timestamp in milliseconds
// without consuming it, advancing the clock to that timestamp. The picture
// is borrowed until AcknowledgeFrame.
func (v *VideoTrack) PeekFrame() (*Picture, int64, bool) {
	v.mu.Lock()
	if !v.ready {
		v.mu.Unlock()
		return nil, 0, false
	}
	pts := v.readyPTS
	v.mu.Unlock()

	v.advanceClock(pts)
	return v.tr.pic, pts, true
}

// AcknowledgeFrame releases the picture returned by PeekFrame so the
// decode goroutine can produce the next one. It reports whether a picture
// was pending. The producer is woken either way.
func (v *VideoTrack) AcknowledgeFrame() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ready {
		v.cond.Signal()
		return false
	}
	v.consumeLocked()
	v.stats.RecordUnitConsumed(media.KindVideo, v.readyPTS)
	return true
}
