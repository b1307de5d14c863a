// Package media defines the core types that flow through the duet playback
// core, from the demuxer through the per-stream decode pipelines to the
// audio sink and video renderer.
package media

import "fmt"

// Kind classifies an elementary stream.
type Kind int

// Stream kinds recognised by the player. Streams of kind Other are
// discovered but never routed to a pipeline.
const (
	KindOther Kind = iota
	KindAudio
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "other"
	}
}

// Rational is a num/den pair used for stream time bases and frame rates.
type Rational struct {
	Num int
	Den int
}

// Float64 returns num/den, or 0 when the denominator is zero.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// TicksToMillis converts a timestamp in units of r into milliseconds.
// Negative results are clamped to zero since the playback clocks are
// unsigned in practice.
func (r Rational) TicksToMillis(ticks int64) int64 {
	ms := int64(float64(ticks) * r.Float64() * 1000)
	if ms < 0 {
		return 0
	}
	return ms
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Unit is one compressed, still-encoded chunk of an elementary stream (a
// packet). Ownership transfers fully into a queue on push and out again on
// pop. A nil *Unit pushed into a queue is the end-of-stream sentinel.
type Unit struct {
	StreamIndex int
	PTS         int64 // presentation-order hint in stream time-base ticks
	DTS         int64
	Keyframe    bool
	Data        []byte

	// release frees any native resource backing Data. It is set by sources
	// that hand out library-owned packets and is invoked at most once.
	release func()
}

// NewUnit returns a Unit whose Release calls fn. fn may be nil.
func NewUnit(streamIndex int, pts, dts int64, data []byte, fn func()) *Unit {
	return &Unit{
		StreamIndex: streamIndex,
		PTS:         pts,
		DTS:         dts,
		Data:        data,
		release:     fn,
	}
}

// Release frees the resources backing u. It is safe to call on a nil Unit
// and more than once.
func (u *Unit) Release() {
	if u == nil {
		return
	}
	if u.release != nil {
		fn := u.release
		u.release = nil
		fn()
	}
	u.Data = nil
}

// StreamDescriptor describes one elementary stream as reported by the
// demuxer. It is immutable once a pipeline has been built from it.
type StreamDescriptor struct {
	Index      int
	Kind       Kind
	Codec      string
	TimeBase   Rational
	FrameRate  Rational
	Width      int
	Height     int
	SampleRate int
	Channels   int

	// Params is the demuxer's native handle for the stream's decoder
	// parameters. Only the decoder factory that matches the source
	// interprets it.
	Params any
}

func (d StreamDescriptor) String() string {
	switch d.Kind {
	case KindVideo:
		return fmt.Sprintf("#%d video %s %dx%d tb=%s", d.Index, d.Codec, d.Width, d.Height, d.TimeBase)
	case KindAudio:
		return fmt.Sprintf("#%d audio %s %dHz %dch tb=%s", d.Index, d.Codec, d.SampleRate, d.Channels, d.TimeBase)
	default:
		return fmt.Sprintf("#%d %s tb=%s", d.Index, d.Codec, d.TimeBase)
	}
}

// FindFirst returns the first stream of the given kind.
func FindFirst(streams []StreamDescriptor, kind Kind) (StreamDescriptor, bool) {
	for _, s := range streams {
		if s.Kind == kind {
			return s, true
		}
	}
	return StreamDescriptor{}, false
}
