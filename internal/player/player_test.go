package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/pipeline"
	"github.com/zsiec/duet/internal/stats"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	videoStream = media.StreamDescriptor{
		Index:     0,
		Kind:      media.KindVideo,
		Codec:     "h264",
		TimeBase:  media.Rational{Num: 1, Den: 1000},
		FrameRate: media.Rational{Num: 25, Den: 1},
		Width:     4,
		Height:    2,
	}
	audioStream = media.StreamDescriptor{
		Index:      1,
		Kind:       media.KindAudio,
		Codec:      "aac",
		TimeBase:   media.Rational{Num: 1, Den: 1000},
		SampleRate: 48000,
		Channels:   2,
	}
)

// fakeSource yields its units in order, then io.EOF. With hang set it
// blocks until ctx is cancelled instead of reporting EOF.
type fakeSource struct {
	streams  []media.StreamDescriptor
	mu       sync.Mutex
	units    []*media.Unit
	hang     bool
	closed   atomic.Int32
	released atomic.Int32
}

func newFakeSource(streams ...media.StreamDescriptor) *fakeSource {
	return &fakeSource{streams: streams}
}

func (s *fakeSource) add(index int, step int64, n int) {
	for i := 0; i < n; i++ {
		pts := int64(i) * step
		s.units = append(s.units, media.NewUnit(index, pts, pts, []byte{byte(i)}, func() { s.released.Add(1) }))
	}
}

func (s *fakeSource) Streams() []media.StreamDescriptor { return s.streams }

func (s *fakeSource) ReadUnit(ctx context.Context) (*media.Unit, error) {
	s.mu.Lock()
	if len(s.units) > 0 {
		u := s.units[0]
		s.units = s.units[1:]
		s.mu.Unlock()
		return u, nil
	}
	s.mu.Unlock()
	if s.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeFrame struct{ pts int64 }

func (f fakeFrame) PTS() int64 { return f.pts }

// passDecoder turns every unit into one frame. failAt > 0 faults on the
// unit with that pts.
type passDecoder struct {
	mu       sync.Mutex
	pending  []int64
	draining bool
	failAt   int64
	closed   atomic.Bool
}

func (d *passDecoder) Feed(u *media.Unit) (pipeline.FeedResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return pipeline.FeedInputExhausted, nil
	}
	if u == nil {
		d.draining = true
		return pipeline.FeedAccepted, nil
	}
	if d.failAt > 0 && u.PTS == d.failAt {
		return pipeline.FeedError, errors.New("bitstream error")
	}
	d.pending = append(d.pending, u.PTS)
	return pipeline.FeedAccepted, nil
}

func (d *passDecoder) Pull() (pipeline.Frame, pipeline.PullResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 {
		pts := d.pending[0]
		d.pending = d.pending[1:]
		return fakeFrame{pts}, pipeline.PullProduced, nil
	}
	if d.draining {
		return nil, pipeline.PullFlushed, nil
	}
	return nil, pipeline.PullNeedInput, nil
}

func (d *passDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

// 20 ms of 48 kHz stereo S16.
const blockSamples = 960

type fakeResampler struct{}

func (fakeResampler) OutputSize(pipeline.Frame) int { return blockSamples * 4 }

func (fakeResampler) Resample(_ pipeline.Frame, dst []byte) (int, int, error) {
	clear(dst[:blockSamples*4])
	return blockSamples, blockSamples * 4, nil
}

func (fakeResampler) Close() error { return nil }

type fakeScaler struct{}

func (fakeScaler) Scale(f pipeline.Frame, pic *pipeline.Picture) error {
	pic.Planes[0][0] = byte(f.PTS())
	return nil
}

func (fakeScaler) Close() error { return nil }

type fakeFactory struct {
	decoders   map[int]*passDecoder
	failVideo  bool
	failAudioR bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{decoders: make(map[int]*passDecoder)}
}

func (f *fakeFactory) NewDecoder(desc media.StreamDescriptor) (pipeline.Decoder, error) {
	if f.failVideo && desc.Kind == media.KindVideo {
		return nil, errors.New("no decoder")
	}
	d, ok := f.decoders[desc.Index]
	if !ok {
		d = &passDecoder{}
		f.decoders[desc.Index] = d
	}
	return d, nil
}

func (f *fakeFactory) NewResampler(pipeline.AudioFormat) (pipeline.Resampler, error) {
	if f.failAudioR {
		return nil, errors.New("bad layout")
	}
	return fakeResampler{}, nil
}

func (f *fakeFactory) NewScaler(media.StreamDescriptor) (pipeline.Scaler, error) {
	return fakeScaler{}, nil
}

type recordingRenderer struct {
	mu  sync.Mutex
	pts []int64
}

func (r *recordingRenderer) Render(_ *pipeline.Picture, ptsMs int64) error {
	r.mu.Lock()
	r.pts = append(r.pts, ptsMs)
	r.mu.Unlock()
	return nil
}

func (r *recordingRenderer) presented() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.pts...)
}

func testConfig(mock *clock.Mock, r *recordingRenderer) Config {
	cfg := Config{
		ReaderPoll: time.Millisecond,
		Clock:      mock,
		Logger:     quietLogger(),
		Captions:   true,
	}
	if r != nil {
		cfg.Renderer = r
	}
	return cfg
}

// play runs p while advancing mock until Run returns.
func play(t *testing.T, p *Player, mock *clock.Mock) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-errc:
			return err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("playback did not finish")
		}
		mock.Add(5 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func TestPlayAudioAndVideo(t *testing.T) {
	t.Parallel()

	src := newFakeSource(videoStream, audioStream)
	src.add(videoStream.Index, 40, 5)
	src.add(audioStream.Index, 20, 10)

	mock := clock.NewMock()
	r := &recordingRenderer{}
	cfg := testConfig(mock, r)
	cfg.Stats = stats.NewPlayback("test")

	p, err := New(src, newFakeFactory(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Audio() == nil || p.Video() == nil {
		t.Fatal("expected both tracks")
	}
	if p.extractor == nil {
		t.Fatal("captions should be extracted from h264 video")
	}

	if err := play(t, p, mock); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := r.presented()
	want := []int64{0, 40, 80, 120, 160}
	if len(got) != len(want) {
		t.Fatalf("presented %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("presented %v, want %v", got, want)
		}
	}
	if n := p.sink.Blocks(); n < 10 {
		t.Fatalf("audio sink wrote %d blocks, want at least 10", n)
	}
	if p.Audio().Clock() != 180 {
		t.Fatalf("audio clock = %d, want 180", p.Audio().Clock())
	}
	if src.closed.Load() != 1 {
		t.Fatalf("source closed %d times", src.closed.Load())
	}
	if !p.Audio().Closed() || !p.Video().Closed() {
		t.Fatal("pipelines should be closed after Run")
	}
	if src.released.Load() != 15 {
		t.Fatalf("released %d of 15 units", src.released.Load())
	}

	snap := cfg.Stats.Snapshot()
	if snap.Video == nil || snap.Audio == nil {
		t.Fatalf("snapshot missing tracks: %+v", snap)
	}
	if snap.Sync.Rendered != 5 {
		t.Fatalf("snapshot rendered = %d", snap.Sync.Rendered)
	}
}

func TestPlayVideoOnly(t *testing.T) {
	t.Parallel()

	src := newFakeSource(videoStream)
	src.add(videoStream.Index, 40, 4)

	mock := clock.NewMock()
	r := &recordingRenderer{}
	p, err := New(src, newFakeFactory(), testConfig(mock, r))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Audio() != nil {
		t.Fatal("unexpected audio track")
	}
	if err := play(t, p, mock); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := r.presented(); len(got) != 4 || got[3] != 120 {
		t.Fatalf("presented %v", got)
	}
	if n := p.controller.Counters(); n.Skipped != 0 || n.CatchUp != 0 {
		t.Fatalf("video-only pacing should never adjust: %+v", n)
	}
}

func TestPlayAudioOnly(t *testing.T) {
	t.Parallel()

	src := newFakeSource(audioStream)
	src.add(audioStream.Index, 20, 6)

	mock := clock.NewMock()
	p, err := New(src, newFakeFactory(), testConfig(mock, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Video() != nil || p.controller != nil {
		t.Fatal("audio-only playback should have no video or controller")
	}
	if err := play(t, p, mock); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.Audio().Clock() != 100 {
		t.Fatalf("audio clock = %d, want 100", p.Audio().Clock())
	}
}

func TestDecoderFaultStopsPlayback(t *testing.T) {
	t.Parallel()

	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()

			src := newFakeSource(videoStream, audioStream)
			src.add(videoStream.Index, 40, 5)
			src.add(audioStream.Index, 20, 10)
			src.hang = true

			f := newFakeFactory()
			idx := videoStream.Index
			if kind == media.KindAudio {
				idx = audioStream.Index
			}
			f.decoders[idx] = &passDecoder{failAt: 40}

			mock := clock.NewMock()
			p, err := New(src, f, testConfig(mock, &recordingRenderer{}))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			err = play(t, p, mock)
			if !errors.Is(err, pipeline.ErrDecoderFault) {
				t.Fatalf("Run = %v, want a decoder fault", err)
			}
			if src.closed.Load() != 1 {
				t.Fatal("source not closed after a fault")
			}
			for _, d := range f.decoders {
				if !d.closed.Load() {
					t.Fatal("decoder not closed after a fault")
				}
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	src := newFakeSource(videoStream, audioStream)
	src.hang = true

	mock := clock.NewMock()
	p, err := New(src, newFakeFactory(), testConfig(mock, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run after cancel = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if src.closed.Load() != 1 {
		t.Fatal("source not closed")
	}
}

func TestNewWithoutStreams(t *testing.T) {
	t.Parallel()

	src := newFakeSource(media.StreamDescriptor{Index: 0, Kind: media.KindOther})
	if _, err := New(src, newFakeFactory(), testConfig(clock.NewMock(), nil)); !errors.Is(err, ErrNoStreams) {
		t.Fatalf("New = %v, want ErrNoStreams", err)
	}
	if src.closed.Load() != 1 {
		t.Fatal("source should be closed when New fails")
	}
}

func TestNewClosesPartialBuild(t *testing.T) {
	t.Parallel()

	src := newFakeSource(videoStream, audioStream)
	f := newFakeFactory()
	f.failVideo = true

	if _, err := New(src, f, testConfig(clock.NewMock(), nil)); err == nil {
		t.Fatal("expected an error when the video decoder cannot be built")
	}
	if d := f.decoders[audioStream.Index]; d == nil || !d.closed.Load() {
		t.Fatal("audio decoder should be closed when video setup fails")
	}
	if src.closed.Load() != 1 {
		t.Fatal("source should be closed when New fails")
	}
}

func TestNewResamplerFailureClosesDecoder(t *testing.T) {
	t.Parallel()

	src := newFakeSource(audioStream)
	f := newFakeFactory()
	f.failAudioR = true

	if _, err := New(src, f, testConfig(clock.NewMock(), nil)); err == nil {
		t.Fatal("expected an error")
	}
	if !f.decoders[audioStream.Index].closed.Load() {
		t.Fatal("decoder leaked after resampler failure")
	}
}

func TestCaptionsOnlyForSupportedCodecs(t *testing.T) {
	t.Parallel()

	vp9 := videoStream
	vp9.Codec = "vp9"
	src := newFakeSource(vp9)
	p, err := New(src, newFakeFactory(), testConfig(clock.NewMock(), nil))
	if err != nil {
		t.Fatal(err)
	}
	defer p.close()
	if p.extractor != nil {
		t.Fatal("vp9 video should not get a caption extractor")
	}
}
