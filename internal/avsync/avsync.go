// Package avsync paces video presentation against the audio clock.
//
// The Controller ticks at the video frame rate. On every tick it compares
// the video clock (timestamp of the last presented picture) with the audio
// clock (timestamp of the last block handed to the sink) and either skips
// the tick to let audio catch up, renders at double rate to catch up with
// audio, or renders normally.
package avsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zsiec/duet/internal/pipeline"
)

// DefaultDriftThreshold is the tolerated A/V drift before the controller
// intervenes.
const DefaultDriftThreshold = 30 * time.Millisecond

// Decision is the controller's verdict for one tick.
type Decision int

const (
	Normal Decision = iota
	Skip
	CatchUp
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case CatchUp:
		return "catch-up"
	default:
		return "normal"
	}
}

// Decide compares the video and audio clocks (milliseconds). Video more
// than threshold ahead of audio yields Skip, more than threshold behind
// yields CatchUp, anything else Normal.
func Decide(videoMs, audioMs, thresholdMs int64) Decision {
	diff := videoMs - audioMs
	switch {
	case diff > thresholdMs:
		return Skip
	case diff < -thresholdMs:
		return CatchUp
	default:
		return Normal
	}
}

// VideoSource is the consumer side of a video pipeline.
type VideoSource interface {
	PeekFrame() (*pipeline.Picture, int64, bool)
	AcknowledgeFrame() bool
	Ready() bool
	Finished() bool
	Clock() int64
	FrameRate() float64
	Done() <-chan struct{}
	Err() error
}

// ClockSource is the master clock, normally the audio pipeline.
type ClockSource interface {
	Clock() int64
	Finished() bool
}

// Renderer presents pictures.
type Renderer interface {
	Render(pic *pipeline.Picture, ptsMs int64) error
}

// CaptionSource yields caption text due at or before a presentation time.
type CaptionSource interface {
	Due(ptsMs int64) []string
}

// CaptionRenderer is implemented by renderers that can display captions.
type CaptionRenderer interface {
	RenderCaption(ptsMs int64, text string) error
}

// StatsRecorder receives per-tick telemetry.
type StatsRecorder interface {
	RecordTick(d Decision, rendered bool)
	RecordDrift(driftMs int64)
}

// Config tunes a Controller. The zero value selects the defaults.
type Config struct {
	DriftThreshold time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	Stats          StatsRecorder
	Captions       CaptionSource
}

// Counters summarise a run.
type Counters struct {
	Rendered uint64 // frames presented
	Skipped  uint64 // ticks skipped because video ran ahead
	CatchUp  uint64 // frames presented at double rate
	Holds    uint64 // ticks with no picture ready
}

// Controller drives the video renderer against the audio clock.
type Controller struct {
	log       *slog.Logger
	video     VideoSource
	audio     ClockSource
	renderer  Renderer
	clock     clock.Clock
	threshold int64
	stats     StatsRecorder
	captions  CaptionSource
	capRender CaptionRenderer

	catchUp  bool
	rendered atomic.Uint64
	skipped  atomic.Uint64
	caught   atomic.Uint64
	holds    atomic.Uint64
}

// New creates a Controller. audio may be nil for video-only playback.
func New(video VideoSource, audio ClockSource, r Renderer, cfg Config) *Controller {
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = DefaultDriftThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		log:       cfg.Logger.With("component", "avsync"),
		video:     video,
		audio:     audio,
		renderer:  r,
		clock:     cfg.Clock,
		threshold: cfg.DriftThreshold.Milliseconds(),
		stats:     cfg.Stats,
		captions:  cfg.Captions,
	}
	if cr, ok := r.(CaptionRenderer); ok {
		c.capRender = cr
	}
	return c
}

// Counters returns a snapshot of the run counters.
func (c *Controller) Counters() Counters {
	return Counters{
		Rendered: c.rendered.Load(),
		Skipped:  c.skipped.Load(),
		CatchUp:  c.caught.Load(),
		Holds:    c.holds.Load(),
	}
}

// Interval returns the tick period for the video frame rate.
func (c *Controller) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.video.FrameRate())
}

// Run paces the video until it has been fully presented, ctx is cancelled,
// the renderer fails, or the video pipeline faults.
func (c *Controller) Run(ctx context.Context) error {
	base := c.Interval()
	ticker := c.clock.Ticker(base)
	defer ticker.Stop()

	c.log.Info("sync loop started", "interval", base, "threshold_ms", c.threshold, "audio", c.audio != nil)
	defer func() {
		n := c.Counters()
		c.log.Info("sync loop stopped",
			"rendered", n.Rendered, "skipped", n.Skipped, "catch_up", n.CatchUp, "holds", n.Holds)
	}()

	videoDone := c.video.Done()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-videoDone:
			if err := c.video.Err(); err != nil {
				return fmt.Errorf("video pipeline: %w", err)
			}
			// Finished cleanly; keep ticking until the last picture is shown.
			videoDone = nil
			continue
		case <-ticker.C:
		}

		wasCatchUp := c.catchUp
		done, err := c.tick()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if c.catchUp != wasCatchUp {
			interval := base
			if c.catchUp {
				interval = base / 2
			}
			c.log.Debug("pacing changed", "catch_up", c.catchUp, "interval", interval)
			ticker.Reset(interval)
		}
	}
}

// tick runs one pacing step. It reports true once the video is exhausted.
func (c *Controller) tick() (bool, error) {
	if c.video.Finished() && !c.video.Ready() {
		return true, nil
	}

	d := Normal
	if c.audio != nil && !c.audio.Finished() {
		videoMs, audioMs := c.video.Clock(), c.audio.Clock()
		if c.stats != nil {
			c.stats.RecordDrift(videoMs - audioMs)
		}
		d = Decide(videoMs, audioMs, c.threshold)
	}

	switch d {
	case Skip:
		// Catch-up mode is left as is; the next in-range tick clears it.
		c.skipped.Add(1)
		c.record(d, false)
		return false, nil
	case CatchUp:
		c.catchUp = true
	default:
		c.catchUp = false
	}

	rendered, err := c.render()
	if err != nil {
		return false, err
	}
	if rendered && d == CatchUp {
		c.caught.Add(1)
	}
	c.record(d, rendered)
	return false, nil
}

func (c *Controller) record(d Decision, rendered bool) {
	if c.stats != nil {
		c.stats.RecordTick(d, rendered)
	}
}

func (c *Controller) render() (bool, error) {
	pic, pts, ok := c.video.PeekFrame()
	if !ok {
		c.holds.Add(1)
		return false, nil
	}
	err := c.renderer.Render(pic, pts)
	c.video.AcknowledgeFrame()
	if err != nil {
		return false, fmt.Errorf("render frame at %d ms: %w", pts, err)
	}
	c.rendered.Add(1)

	if c.captions != nil && c.capRender != nil {
		for _, text := range c.captions.Due(pts) {
			if err := c.capRender.RenderCaption(pts, text); err != nil && !errors.Is(err, ErrCaptionsUnsupported) {
				c.log.Warn("caption render failed", "pts_ms", pts, "error", err)
			}
		}
	}
	return true, nil
}

// ErrCaptionsUnsupported may be returned by a CaptionRenderer that cannot
// display captions in its current mode.
var ErrCaptionsUnsupported = errors.New("captions unsupported")
