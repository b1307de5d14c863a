package pipeline

import (
	"errors"

	"github.com/zsiec/duet/internal/media"
)

// ErrDecoderFault wraps every hard error reported by a Decoder or
// Transform. A pipeline that returns it from Err is no longer functional.
var ErrDecoderFault = errors.New("decoder fault")

// ErrClosed is returned when starting a pipeline that was already closed.
var ErrClosed = errors.New("pipeline closed")

// ErrNoOutput is returned by a Transform when a decoded frame produced
// nothing to hand to the consumer, such as a resampler still priming.
// The pipeline keeps decoding instead of caching the empty result.
var ErrNoOutput = errors.New("no output")

// FeedResult is the outcome of handing one compressed unit to a Decoder.
type FeedResult int

const (
	// FeedAccepted means the decoder took ownership of the unit's data.
	FeedAccepted FeedResult = iota
	// FeedBusy means output must be drained before the unit can be fed.
	FeedBusy
	// FeedInputExhausted means the decoder is in drain mode and will not
	// accept any further input.
	FeedInputExhausted
	// FeedError is a hard fault; the accompanying error is non-nil.
	FeedError
)

func (r FeedResult) String() string {
	switch r {
	case FeedAccepted:
		return "accepted"
	case FeedBusy:
		return "busy"
	case FeedInputExhausted:
		return "input-exhausted"
	default:
		return "error"
	}
}

// PullResult is the outcome of asking a Decoder for one decoded unit.
type PullResult int

const (
	// PullProduced means a decoded frame was returned.
	PullProduced PullResult = iota
	// PullNeedInput means no output is available until more input is fed.
	PullNeedInput
	// PullFlushed means the decoder is fully drained and will never
	// produce output again.
	PullFlushed
	// PullError is a hard fault; the accompanying error is non-nil.
	PullError
)

func (r PullResult) String() string {
	switch r {
	case PullProduced:
		return "produced"
	case PullNeedInput:
		return "need-input"
	case PullFlushed:
		return "flushed"
	default:
		return "error"
	}
}

// Frame is one decoded unit (sample block or picture) before track
// conversion. Its contents are only meaningful to the Transform paired
// with the Decoder that produced it.
type Frame interface {
	// PTS returns the presentation timestamp in stream time-base ticks.
	PTS() int64
}

// Decoder is the external per-stream decoder. Feed and Pull are only ever
// called from the pipeline's decode goroutine.
//
// Feeding a nil unit signals end of input and puts the decoder in drain
// mode; a decoder that accepts it must eventually report PullFlushed.
type Decoder interface {
	Feed(u *media.Unit) (FeedResult, error)
	// Pull returns the next decoded frame. The frame stays valid until the
	// next call to Pull or Close.
	Pull() (Frame, PullResult, error)
	Close() error
}

// Transform turns a decoded frame into consumer-ready data. It is the only
// behaviour that differs between the audio and video pipelines.
type Transform interface {
	// Generate returns ErrNoOutput when f yields nothing to present.
	Generate(f Frame) error
	Close() error
}

// StatsRecorder receives per-pipeline telemetry. The stats package's
// Playback implements it.
type StatsRecorder interface {
	RecordUnitFed(kind media.Kind)
	RecordUnitDecoded(kind media.Kind, ptsMs int64)
	RecordUnitConsumed(kind media.Kind, ptsMs int64)
	RecordUnderrun(kind media.Kind)
}

type nopStats struct{}

func (nopStats) RecordUnitFed(media.Kind)             {}
func (nopStats) RecordUnitDecoded(media.Kind, int64)  {}
func (nopStats) RecordUnitConsumed(media.Kind, int64) {}
func (nopStats) RecordUnderrun(media.Kind)            {}
