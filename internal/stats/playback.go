// Package stats accumulates playback telemetry from the decode pipelines
// and the sync controller and produces JSON snapshots for the status API.
package stats

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/duet/internal/avsync"
	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/pipeline"
)

// Compile-time interface checks.
var (
	_ pipeline.StatsRecorder = (*Playback)(nil)
	_ avsync.StatsRecorder   = (*Playback)(nil)
)

// TrackStats holds point-in-time metrics for one decode pipeline.
type TrackStats struct {
	Stream        int     `json:"stream"`
	Codec         string  `json:"codec"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	FrameRate     float64 `json:"frameRate,omitempty"`
	SampleRate    int     `json:"sampleRate,omitempty"`
	Channels      int     `json:"channels,omitempty"`
	UnitsFed      int64   `json:"unitsFed"`
	UnitsDecoded  int64   `json:"unitsDecoded"`
	UnitsConsumed int64   `json:"unitsConsumed"`
	Underruns     int64   `json:"underruns"`
	LastDecodedMs int64   `json:"lastDecodedMs"`
	ClockMs       int64   `json:"clockMs"`
}

// SyncStats summarises the sync controller's decisions.
type SyncStats struct {
	Ticks      int64   `json:"ticks"`
	Rendered   int64   `json:"rendered"`
	Skipped    int64   `json:"skipped"`
	CatchUp    int64   `json:"catchUp"`
	Holds      int64   `json:"holds"`
	DriftMs    int64   `json:"driftMs"`
	MaxDriftMs int64   `json:"maxDriftMs"`
	RenderFPS  float64 `json:"renderFps"`
}

// CaptionStats tracks closed-caption activity across all channels.
type CaptionStats struct {
	ActiveChannels []int `json:"activeChannels"`
	TotalFrames    int64 `json:"totalFrames"`
}

// Snapshot is the payload served by the status API.
type Snapshot struct {
	Timestamp int64        `json:"ts"`
	UptimeMs  int64        `json:"uptimeMs"`
	Input     string       `json:"input"`
	Video     *TrackStats  `json:"video,omitempty"`
	Audio     *TrackStats  `json:"audio,omitempty"`
	Sync      SyncStats    `json:"sync"`
	Captions  CaptionStats `json:"captions"`
}

type trackAccum struct {
	desc     media.StreamDescriptor
	fed      atomic.Int64
	decoded  atomic.Int64
	consumed atomic.Int64
	underrun atomic.Int64
	lastPTS  atomic.Int64
	clockMs  atomic.Int64
}

func (a *trackAccum) snapshot() *TrackStats {
	ts := &TrackStats{
		Stream:        a.desc.Index,
		Codec:         a.desc.Codec,
		UnitsFed:      a.fed.Load(),
		UnitsDecoded:  a.decoded.Load(),
		UnitsConsumed: a.consumed.Load(),
		Underruns:     a.underrun.Load(),
		LastDecodedMs: a.lastPTS.Load(),
		ClockMs:       a.clockMs.Load(),
	}
	switch a.desc.Kind {
	case media.KindVideo:
		ts.Width, ts.Height = a.desc.Width, a.desc.Height
		ts.FrameRate = a.desc.FrameRate.Float64()
	case media.KindAudio:
		ts.SampleRate, ts.Channels = a.desc.SampleRate, a.desc.Channels
	}
	return ts
}

// Playback accumulates telemetry in a concurrency-safe manner. Pipelines
// and the sync controller record into it from their own goroutines.
type Playback struct {
	start time.Time
	input string

	video *trackAccum
	audio *trackAccum

	ticks      atomic.Int64
	rendered   atomic.Int64
	skipped    atomic.Int64
	catchUp    atomic.Int64
	holds      atomic.Int64
	driftMs    atomic.Int64
	maxDriftMs atomic.Int64

	captionCount atomic.Int64

	// mu guards captionChans and the track descriptors
	mu           sync.Mutex
	captionChans map[int]bool

	// fpsWindowMu guards fpsWindow
	fpsWindowMu sync.Mutex
	fpsWindow   []time.Time
}

// NewPlayback creates a Playback for the named input.
func NewPlayback(input string) *Playback {
	return &Playback{
		start:        time.Now(),
		input:        input,
		video:        &trackAccum{},
		audio:        &trackAccum{},
		captionChans: make(map[int]bool),
	}
}

// RecordStream registers the stream feeding the audio or video pipeline.
func (p *Playback) RecordStream(desc media.StreamDescriptor) {
	if acc := p.track(desc.Kind); acc != nil {
		p.mu.Lock()
		acc.desc = desc
		p.mu.Unlock()
	}
}

func (p *Playback) track(kind media.Kind) *trackAccum {
	switch kind {
	case media.KindVideo:
		return p.video
	case media.KindAudio:
		return p.audio
	default:
		return nil
	}
}

// RecordUnitFed counts a compressed unit accepted by a decoder.
func (p *Playback) RecordUnitFed(kind media.Kind) {
	if acc := p.track(kind); acc != nil {
		acc.fed.Add(1)
	}
}

// RecordUnitDecoded counts a unit made ready for its consumer.
func (p *Playback) RecordUnitDecoded(kind media.Kind, ptsMs int64) {
	if acc := p.track(kind); acc != nil {
		acc.decoded.Add(1)
		acc.lastPTS.Store(ptsMs)
	}
}

// RecordUnitConsumed counts a unit handed to the sink or renderer.
func (p *Playback) RecordUnitConsumed(kind media.Kind, ptsMs int64) {
	acc := p.track(kind)
	if acc == nil {
		return
	}
	acc.consumed.Add(1)
	for {
		cur := acc.clockMs.Load()
		if ptsMs <= cur || acc.clockMs.CompareAndSwap(cur, ptsMs) {
			break
		}
	}

	if kind != media.KindVideo {
		return
	}
	now := time.Now()
	p.fpsWindowMu.Lock()
	p.fpsWindow = append(p.fpsWindow, now)
	cutoff := now.Add(-2 * time.Second)
	i := 0
	for i < len(p.fpsWindow) && p.fpsWindow[i].Before(cutoff) {
		i++
	}
	p.fpsWindow = p.fpsWindow[i:]
	p.fpsWindowMu.Unlock()
}

// RecordUnderrun counts a consumer request that found nothing ready.
func (p *Playback) RecordUnderrun(kind media.Kind) {
	if acc := p.track(kind); acc != nil {
		acc.underrun.Add(1)
	}
}

// RecordTick counts one sync controller tick.
func (p *Playback) RecordTick(d avsync.Decision, rendered bool) {
	p.ticks.Add(1)
	switch {
	case d == avsync.Skip:
		p.skipped.Add(1)
		return
	case !rendered:
		p.holds.Add(1)
		return
	case d == avsync.CatchUp:
		p.catchUp.Add(1)
	}
	p.rendered.Add(1)
}

// RecordDrift stores the latest video-minus-audio clock difference.
func (p *Playback) RecordDrift(driftMs int64) {
	p.driftMs.Store(driftMs)
	abs := driftMs
	if abs < 0 {
		abs = -abs
	}
	for {
		cur := p.maxDriftMs.Load()
		if abs <= cur || p.maxDriftMs.CompareAndSwap(cur, abs) {
			return
		}
	}
}

// RecordCaption records a caption frame on the given channel.
func (p *Playback) RecordCaption(channel int) {
	p.captionCount.Add(1)
	p.mu.Lock()
	p.captionChans[channel] = true
	p.mu.Unlock()
}

// RenderFPS computes the presentation rate over a 2-second sliding window.
func (p *Playback) RenderFPS() float64 {
	p.fpsWindowMu.Lock()
	defer p.fpsWindowMu.Unlock()

	if len(p.fpsWindow) < 2 {
		return 0
	}
	dur := p.fpsWindow[len(p.fpsWindow)-1].Sub(p.fpsWindow[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(p.fpsWindow)-1) / dur
}

// Snapshot returns the current metrics. Tracks without a registered
// stream are omitted.
func (p *Playback) Snapshot() Snapshot {
	p.mu.Lock()
	chans := make([]int, 0, len(p.captionChans))
	for ch := range p.captionChans {
		chans = append(chans, ch)
	}
	var video, audio *TrackStats
	if p.video.desc.Kind == media.KindVideo {
		video = p.video.snapshot()
	}
	if p.audio.desc.Kind == media.KindAudio {
		audio = p.audio.snapshot()
	}
	p.mu.Unlock()
	slices.Sort(chans)

	now := time.Now()
	return Snapshot{
		Timestamp: now.UnixMilli(),
		UptimeMs:  now.Sub(p.start).Milliseconds(),
		Input:     p.input,
		Video:     video,
		Audio:     audio,
		Sync: SyncStats{
			Ticks:      p.ticks.Load(),
			Rendered:   p.rendered.Load(),
			Skipped:    p.skipped.Load(),
			CatchUp:    p.catchUp.Load(),
			Holds:      p.holds.Load(),
			DriftMs:    p.driftMs.Load(),
			MaxDriftMs: p.maxDriftMs.Load(),
			RenderFPS:  p.RenderFPS(),
		},
		Captions: CaptionStats{
			ActiveChannels: chans,
			TotalFrames:    p.captionCount.Load(),
		},
	}
}
