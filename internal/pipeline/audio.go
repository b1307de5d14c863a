package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/zsiec/duet/internal/media"
)

// DefaultSampleRate is used when the stream does not report one.
const DefaultSampleRate = 48000

// AudioFormat describes the interleaved signed 16-bit PCM the audio track
// hands to its sink.
type AudioFormat struct {
	SampleRate     int
	Channels       int
	BytesPerSample int
}

// DefaultAudioFormat returns stereo S16 at the stream's sample rate.
func DefaultAudioFormat(desc media.StreamDescriptor) AudioFormat {
	rate := desc.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return AudioFormat{SampleRate: rate, Channels: 2, BytesPerSample: 2}
}

// FrameBytes is the size of one sample across all channels.
func (f AudioFormat) FrameBytes() int {
	return f.Channels * f.BytesPerSample
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("s%d %dHz %dch", f.BytesPerSample*8, f.SampleRate, f.Channels)
}

// AudioConfig fixes the output format of an AudioTrack.
type AudioConfig struct {
	Format AudioFormat
	// CallbackBytes sizes the silence buffer up front. It should match the
	// sink's usual request length; larger requests regrow the buffer.
	CallbackBytes int
}

// Resampler converts decoded audio frames to the track's output format.
type Resampler interface {
	// OutputSize returns an upper bound on the bytes Resample will write
	// for f.
	OutputSize(f Frame) int
	// Resample converts f into dst and returns the per-channel sample
	// count and the number of bytes written.
	Resample(f Frame, dst []byte) (samples, n int, err error)
	Close() error
}

type audioTransform struct {
	rs      Resampler
	buf     []byte
	size    int
	samples atomic.Int64
}

func (t *audioTransform) Generate(f Frame) error {
	if need := t.rs.OutputSize(f); need > len(t.buf) {
		t.buf = make([]byte, need)
	}
	samples, n, err := t.rs.Resample(f, t.buf)
	if err != nil {
		return fmt.Errorf("resample: %w", err)
	}
	if samples == 0 || n == 0 {
		return ErrNoOutput
	}
	t.size = n
	t.samples.Store(int64(samples))
	return nil
}

func (t *audioTransform) Close() error {
	t.buf = nil
	return t.rs.Close()
}

// AudioTrack is a Pipeline that produces PCM blocks for a push-pull audio
// sink. FillOutput must only be called from one goroutine at a time.
type AudioTrack struct {
	*Pipeline

	tr      *audioTransform
	format  AudioFormat
	silence []byte
	warned  map[int]bool

	contended atomic.Int64
}

// NewAudioTrack builds the audio pipeline for desc. rs must already be
// configured to produce cfg.Format.
func NewAudioTrack(desc media.StreamDescriptor, dec Decoder, rs Resampler, cfg AudioConfig, opts Options) *AudioTrack {
	if cfg.Format.Channels == 0 {
		cfg.Format = DefaultAudioFormat(desc)
	}
	tr := &audioTransform{rs: rs}
	a := &AudioTrack{
		Pipeline: New(desc, dec, tr, opts),
		tr:       tr,
		format:   cfg.Format,
		silence:  make([]byte, max(cfg.CallbackBytes, 0)),
		warned:   make(map[int]bool),
	}
	a.log = a.log.With("format", cfg.Format.String())
	return a
}

// OutputFormat returns the PCM format FillOutput writes.
func (a *AudioTrack) OutputFormat() AudioFormat {
	return a.format
}

// Samples returns the per-channel sample count of the most recently
// produced block, or 0 before the first block has been decoded.
func (a *AudioTrack) Samples() int {
	return int(a.tr.samples.Load())
}

// FillOutput writes exactly len(buf) bytes into buf. If a block is ready
// it is copied (truncated or zero-padded to fit), the clock advances to its
// timestamp and the block is consumed. Otherwise buf is filled with
// silence. FillOutput never waits for the decode goroutine.
func (a *AudioTrack) FillOutput(buf []byte) {
	if !a.mu.TryLock() {
		a.contended.Add(1)
		a.writeSilence(buf)
		return
	}
	if !a.ready {
		a.mu.Unlock()
		a.writeSilence(buf)
		a.stats.RecordUnderrun(media.KindAudio)
		return
	}

	data := a.tr.buf[:a.tr.size]
	n := copy(buf, data)
	clear(buf[n:])
	pts := a.readyPTS
	a.consumeLocked()
	a.mu.Unlock()

	if len(data) != len(buf) && !a.warned[len(data)] {
		a.warned[len(data)] = true
		a.log.Warn("audio block size differs from sink request",
			"block_bytes", len(data), "request_bytes", len(buf))
	}
	a.advanceClock(pts)
	a.stats.RecordUnitConsumed(media.KindAudio, pts)
}

// Contended returns how many FillOutput calls wrote silence because the
// decode goroutine held the cache lock. These are not counted as underruns.
func (a *AudioTrack) Contended() int64 {
	return a.contended.Load()
}

func (a *AudioTrack) writeSilence(buf []byte) {
	if len(buf) > len(a.silence) {
		a.silence = make([]byte, len(buf))
	}
	copy(buf, a.silence)
}
