// Package player runs synchronized playback of one opened source: it
// builds an audio and a video pipeline from the source's first streams of
// each kind, routes compressed units into them, drives the audio sink and
// paces the video against the audio clock.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/duet/internal/avsync"
	"github.com/zsiec/duet/internal/captions"
	"github.com/zsiec/duet/internal/demux"
	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/output"
	"github.com/zsiec/duet/internal/pipeline"
	"github.com/zsiec/duet/internal/stats"
)

// ErrNoStreams is returned when the source has neither audio nor video.
var ErrNoStreams = errors.New("source has no audio or video stream")

// Factory builds the decode components for a stream of the source.
type Factory interface {
	NewDecoder(desc media.StreamDescriptor) (pipeline.Decoder, error)
	NewResampler(format pipeline.AudioFormat) (pipeline.Resampler, error)
	NewScaler(desc media.StreamDescriptor) (pipeline.Scaler, error)
}

// Config wires a Player.
type Config struct {
	Pipeline       pipeline.Options
	DriftThreshold time.Duration
	ReaderPoll     time.Duration

	// SampleRate and Channels override the audio output format. Zero
	// keeps the stream's rate and stereo.
	SampleRate int
	Channels   int

	Captions       bool
	CaptionBacklog int

	// AudioOut receives the WAV rendition of the audio track. When nil the
	// audio is paced and discarded.
	AudioOut io.WriteSeeker
	// Renderer presents video pictures. When nil they are discarded.
	Renderer avsync.Renderer

	Clock  clock.Clock
	Logger *slog.Logger
	Stats  *stats.Playback
}

// Player owns the source and both pipelines for one playback.
type Player struct {
	log   *slog.Logger
	src   demux.Source
	stats *stats.Playback

	audio      *pipeline.AudioTrack
	video      *pipeline.VideoTrack
	extractor  *captions.Extractor
	reader     *demux.Reader
	sink       *output.WAVSink
	controller *avsync.Controller
}

// New builds a Player for src. The player takes ownership of src and
// closes it when Run returns or construction fails.
func New(src demux.Source, f Factory, cfg Config) (_ *Player, err error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Pipeline.Logger == nil {
		cfg.Pipeline.Logger = log
	}
	if cfg.Stats != nil {
		cfg.Pipeline.Stats = cfg.Stats
	}

	p := &Player{
		log:   log.With("component", "player"),
		src:   src,
		stats: cfg.Stats,
	}
	defer func() {
		if err != nil {
			p.close()
		}
	}()

	streams := src.Streams()
	audioDesc, hasAudio := media.FindFirst(streams, media.KindAudio)
	videoDesc, hasVideo := media.FindFirst(streams, media.KindVideo)
	if !hasAudio && !hasVideo {
		return nil, ErrNoStreams
	}

	routes := make(map[int]demux.Sink, 2)
	if hasAudio {
		if p.audio, err = buildAudio(audioDesc, f, cfg); err != nil {
			return nil, err
		}
		routes[audioDesc.Index] = p.audio
		p.sink = output.NewWAVSink(cfg.AudioOut, p.audio, output.SinkOptions{Clock: cfg.Clock, Logger: log})
		p.record(audioDesc)
	}

	readerOpts := demux.Options{PollInterval: cfg.ReaderPoll, Logger: log}
	if hasVideo {
		if p.video, err = buildVideo(videoDesc, f, cfg); err != nil {
			return nil, err
		}
		routes[videoDesc.Index] = p.video
		p.record(videoDesc)

		syncCfg := avsync.Config{
			DriftThreshold: cfg.DriftThreshold,
			Clock:          cfg.Clock,
			Logger:         log,
		}
		if cfg.Stats != nil {
			syncCfg.Stats = cfg.Stats
		}
		if cfg.Captions && captions.Supported(videoDesc.Codec) {
			capOpts := captions.Options{Logger: log, MaxPending: cfg.CaptionBacklog}
			if cfg.Stats != nil {
				capOpts.Stats = cfg.Stats
			}
			p.extractor = captions.NewExtractor(videoDesc, capOpts)
			readerOpts.Tap = p.extractor.Observe
			syncCfg.Captions = p.extractor
		}

		renderer := cfg.Renderer
		if renderer == nil {
			renderer = output.NewNullRenderer(log)
		}
		var clk avsync.ClockSource
		if p.audio != nil {
			clk = p.audio
		}
		p.controller = avsync.New(p.video, clk, renderer, syncCfg)
	}

	p.reader = demux.NewReader(src, routes, readerOpts)
	p.log.Info("player ready", "audio", hasAudio, "video", hasVideo, "captions", p.extractor != nil)
	return p, nil
}

func buildAudio(desc media.StreamDescriptor, f Factory, cfg Config) (*pipeline.AudioTrack, error) {
	format := pipeline.DefaultAudioFormat(desc)
	if cfg.SampleRate > 0 {
		format.SampleRate = cfg.SampleRate
	}
	if cfg.Channels > 0 {
		format.Channels = cfg.Channels
	}

	dec, err := f.NewDecoder(desc)
	if err != nil {
		return nil, fmt.Errorf("audio decoder: %w", err)
	}
	rs, err := f.NewResampler(format)
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("audio resampler: %w", err)
	}
	return pipeline.NewAudioTrack(desc, dec, rs, pipeline.AudioConfig{
		Format:        format,
		CallbackBytes: 1024 * format.FrameBytes(),
	}, cfg.Pipeline), nil
}

func buildVideo(desc media.StreamDescriptor, f Factory, cfg Config) (*pipeline.VideoTrack, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("video stream %d has no dimensions", desc.Index)
	}
	dec, err := f.NewDecoder(desc)
	if err != nil {
		return nil, fmt.Errorf("video decoder: %w", err)
	}
	sc, err := f.NewScaler(desc)
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("video scaler: %w", err)
	}
	return pipeline.NewVideoTrack(desc, dec, sc, cfg.Pipeline), nil
}

func (p *Player) record(desc media.StreamDescriptor) {
	if p.stats != nil {
		p.stats.RecordStream(desc)
	}
}

// Audio returns the audio track, or nil when the source has none.
func (p *Player) Audio() *pipeline.AudioTrack { return p.audio }

// Video returns the video track, or nil when the source has none.
func (p *Player) Video() *pipeline.VideoTrack { return p.video }

// Run plays the source to the end. It returns when every present track
// has been fully output, ctx is cancelled, or a component fails; the
// first failure cancels the rest and is returned. Both pipelines and the
// source are closed before Run returns.
func (p *Player) Run(ctx context.Context) error {
	defer p.close()

	for _, t := range p.tracks() {
		if err := t.Start(); err != nil {
			return fmt.Errorf("start %s pipeline: %w", t.Descriptor().Kind, err)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.reader.Run(gctx)
	})
	if p.audio != nil {
		g.Go(func() error {
			return p.sink.Run(gctx)
		})
		g.Go(func() error {
			return watch(gctx, p.audio.Pipeline)
		})
	}
	if p.controller != nil {
		g.Go(func() error {
			return p.controller.Run(gctx)
		})
	}

	err := g.Wait()
	rs := p.reader.Stats()
	attrs := []any{"elapsed", time.Since(start).Round(time.Millisecond),
		"units_routed", rs.Routed, "units_dropped", rs.Dropped}
	if p.controller != nil {
		n := p.controller.Counters()
		attrs = append(attrs, "rendered", n.Rendered, "skipped", n.Skipped,
			"catch_up", n.CatchUp, "holds", n.Holds)
	}
	if p.sink != nil {
		attrs = append(attrs, "audio_blocks", p.sink.Blocks())
	}
	if err != nil {
		p.log.Error("playback failed", append(attrs, "error", err)...)
		return err
	}
	p.log.Info("playback finished", attrs...)
	return nil
}

// watch returns the fault that stops a pipeline, or nil once it finishes
// cleanly or ctx is cancelled.
func watch(ctx context.Context, pl *pipeline.Pipeline) error {
	select {
	case <-ctx.Done():
		return nil
	case <-pl.Done():
		if err := pl.Err(); err != nil {
			return fmt.Errorf("%s pipeline: %w", pl.Descriptor().Kind, err)
		}
		return nil
	}
}

func (p *Player) tracks() []*pipeline.Pipeline {
	var out []*pipeline.Pipeline
	if p.video != nil {
		out = append(out, p.video.Pipeline)
	}
	if p.audio != nil {
		out = append(out, p.audio.Pipeline)
	}
	return out
}

func (p *Player) close() {
	for _, t := range p.tracks() {
		if !t.Close() {
			p.log.Warn("pipeline did not stop in time", "kind", t.Descriptor().Kind.String())
		}
	}
	if err := p.src.Close(); err != nil {
		p.log.Warn("closing source", "error", err)
	}
}
