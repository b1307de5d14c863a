// Package captions extracts CEA-608 and CEA-708 closed captions carried in
// H.264 and H.265 SEI messages and releases them in presentation order as
// the video clock reaches them.
package captions

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/zsiec/ccx"

	"github.com/zsiec/duet/internal/media"
)

// DefaultMaxPending bounds the cues held ahead of the video clock.
const DefaultMaxPending = 64

// Cue is one decoded caption update.
type Cue struct {
	PTSMs   int64
	Channel int // 1-4 for CEA-608 CC1-CC4, 7-12 for CEA-708 services 1-6
	Text    string
}

// Recorder receives caption telemetry.
type Recorder interface {
	RecordCaption(channel int)
}

// Options tunes an Extractor.
type Options struct {
	Logger     *slog.Logger
	Stats      Recorder
	MaxPending int
	// Channel restricts output to one caption channel. Zero keeps all.
	Channel int
}

// Supported reports whether captions can be extracted from a codec.
func Supported(codec string) bool {
	switch codec {
	case "h264", "hevc":
		return true
	}
	return false
}

// Extractor decodes captions from the compressed units of one video
// stream. Observe is called from the demux reader; Due from the sync
// controller.
type Extractor struct {
	log      *slog.Logger
	desc     media.StreamDescriptor
	hevc     bool
	stats    Recorder
	channel  int
	maxCues  int
	dec608   map[int]*ccx.CEA608Decoder
	svc708   map[int]*ccx.CEA708Service
	dtvccBuf []byte
	units    int64

	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64

	// mu guards pending
	mu      sync.Mutex
	pending []Cue
}

// NewExtractor creates an Extractor for the video stream desc.
func NewExtractor(desc media.StreamDescriptor, opts Options) *Extractor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	e := &Extractor{
		log:     opts.Logger.With("component", "captions", "stream", desc.Index),
		desc:    desc,
		hevc:    desc.Codec == "hevc",
		stats:   opts.Stats,
		channel: opts.Channel,
		maxCues: opts.MaxPending,
		dec608:  make(map[int]*ccx.CEA608Decoder, 4),
		svc708:  make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		e.dec608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		e.svc708[svc] = ccx.NewCEA708Service()
	}
	return e
}

// Observe scans u for caption-bearing SEI NAL units. Units of other
// streams are ignored. u is not retained.
func (e *Extractor) Observe(u *media.Unit) {
	if u == nil || u.StreamIndex != e.desc.Index {
		return
	}
	e.units++
	ptsMs := e.desc.TimeBase.TicksToMillis(u.PTS)
	for _, nal := range splitNALUnits(u.Data, e.hevc) {
		if !isSEI(nal.Type, e.hevc) {
			continue
		}
		if e.hevc && len(nal.Data) <= 2 {
			continue
		}
		e.handleSEI(nal.Data, ptsMs)
	}
}

func (e *Extractor) handleSEI(sei []byte, ptsMs int64) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are sent twice for robustness; drop the repeat.
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			gap := e.units - e.lastCCCtrlFrame[f]
			if e.lastCCWasCtrl[f] && e.lastCCCtrl[f] == cp && gap <= 2 {
				e.lastCCWasCtrl[f] = false
				continue
			}
			e.lastCCCtrl[f] = cp
			e.lastCCWasCtrl[f] = true
			e.lastCCCtrlFrame[f] = e.units
		} else {
			e.lastCCWasCtrl[f] = false
		}

		dec := e.dec608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			e.emit(Cue{PTSMs: ptsMs, Channel: pair.Channel, Text: text})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			e.drainDTVCC(ptsMs)
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (e *Extractor) drainDTVCC(ptsMs int64) {
	if len(e.dtvccBuf) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:size]) {
		svc := e.svc708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			e.emit(Cue{PTSMs: ptsMs, Channel: block.ServiceNum + 6, Text: text})
		}
	}
	e.dtvccBuf = e.dtvccBuf[size:]
}

func (e *Extractor) emit(c Cue) {
	if e.stats != nil {
		e.stats.RecordCaption(c.Channel)
	}
	if e.channel != 0 && c.Channel != e.channel {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Units arrive in decode order; keep cues in presentation order.
	i, _ := slices.BinarySearchFunc(e.pending, c.PTSMs, func(p Cue, pts int64) int {
		if p.PTSMs <= pts {
			return -1
		}
		return 1
	})
	e.pending = slices.Insert(e.pending, i, c)
	if len(e.pending) > e.maxCues {
		dropped := len(e.pending) - e.maxCues
		e.pending = slices.Delete(e.pending, 0, dropped)
		e.log.Debug("caption backlog full, dropped oldest cues", "dropped", dropped)
	}
}

// Due removes and returns the text of every cue at or before ptsMs, in
// presentation order.
func (e *Extractor) Due(ptsMs int64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for n < len(e.pending) && e.pending[n].PTSMs <= ptsMs {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range n {
		out[i] = e.pending[i].Text
	}
	e.pending = slices.Delete(e.pending, 0, n)
	return out
}

// Pending returns the number of cues not yet due.
func (e *Extractor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
