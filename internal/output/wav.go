// Package output provides the sinks playback writes to: a WAV file fed by
// the audio track's fill callback and raw-video renderers for the sync
// controller.
package output

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/zsiec/duet/internal/pipeline"
)

// DefaultNegotiatePoll is how often the sink checks for the first decoded
// block while negotiating its callback period.
const DefaultNegotiatePoll = 5 * time.Millisecond

// wavPCM is the WAVE_FORMAT_PCM format tag.
const wavPCM = 1

// AudioSource is the side of an audio track the sink drives.
type AudioSource interface {
	OutputFormat() pipeline.AudioFormat
	Samples() int
	FillOutput(buf []byte)
	Ready() bool
	Finished() bool
	Done() <-chan struct{}
}

// SinkOptions configures a WAVSink.
type SinkOptions struct {
	Clock         clock.Clock
	Logger        *slog.Logger
	NegotiatePoll time.Duration
}

// WAVSink plays an audio track into a WAV file in real time. It requests
// one block per callback period from its own goroutine, so the track's
// clock advances at the playback rate. With a nil writer the blocks are
// paced and discarded.
type WAVSink struct {
	log   *slog.Logger
	w     io.WriteSeeker
	src   AudioSource
	clock clock.Clock
	poll  time.Duration

	blocks atomic.Int64
}

// NewWAVSink creates a sink writing src to w.
func NewWAVSink(w io.WriteSeeker, src AudioSource, opts SinkOptions) *WAVSink {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	poll := opts.NegotiatePoll
	if poll <= 0 {
		poll = DefaultNegotiatePoll
	}
	return &WAVSink{
		log:   log.With("component", "wav-sink"),
		w:     w,
		src:   src,
		clock: clk,
		poll:  poll,
	}
}

// Blocks returns the number of callback periods written so far.
func (s *WAVSink) Blocks() int64 {
	return s.blocks.Load()
}

// Run waits for the first decoded block to fix the callback period, then
// fills one period per tick until the track is exhausted or ctx is
// cancelled. The WAV header is finalised before Run returns.
func (s *WAVSink) Run(ctx context.Context) (err error) {
	format := s.src.OutputFormat()
	if format.BytesPerSample != 2 {
		return fmt.Errorf("unsupported sample size %d bytes", format.BytesPerSample)
	}

	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		SourceBitDepth: 16,
	}
	var enc *wav.Encoder
	if s.w != nil {
		enc = wav.NewEncoder(s.w, format.SampleRate, 16, format.Channels, wavPCM)
		defer func() {
			if cerr := enc.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("finalise wav: %w", cerr)
			}
		}()
	}

	samples := s.negotiate(ctx)
	if samples == 0 {
		if enc != nil {
			// Header and an empty data chunk.
			if err := enc.Write(ib); err != nil {
				return fmt.Errorf("write wav: %w", err)
			}
		}
		return nil
	}

	period := time.Duration(samples) * time.Second / time.Duration(format.SampleRate)
	buf := make([]byte, samples*format.FrameBytes())
	ib.Data = make([]int, samples*format.Channels)
	s.log.Info("audio output started", "format", format.String(),
		"samples", samples, "period", period)

	ticker := s.clock.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if s.exhausted() {
			s.log.Info("audio output finished", "blocks", s.blocks.Load())
			return nil
		}
		s.src.FillOutput(buf)
		s.blocks.Add(1)
		if enc == nil {
			continue
		}
		for i := range ib.Data {
			ib.Data[i] = int(int16(binary.LittleEndian.Uint16(buf[2*i:])))
		}
		if err := enc.Write(ib); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
	}
}

// negotiate blocks until the track reports its block size. It returns 0
// when the track ends or ctx is cancelled first.
func (s *WAVSink) negotiate(ctx context.Context) int {
	for {
		if n := s.src.Samples(); n > 0 {
			return n
		}
		if s.exhausted() {
			s.log.Warn("audio track ended before producing any samples")
			return 0
		}
		t := s.clock.Timer(s.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0
		case <-t.C:
		}
	}
}

// exhausted reports whether no further block can become ready.
func (s *WAVSink) exhausted() bool {
	if s.src.Ready() {
		return false
	}
	if s.src.Finished() {
		return true
	}
	select {
	case <-s.src.Done():
		return true
	default:
		return false
	}
}
