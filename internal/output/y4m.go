package output

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/duet/internal/avsync"
	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/pipeline"
)

// Y4MRenderer writes presented pictures as a YUV4MPEG2 stream. Captions
// are written as timestamped lines to a separate writer when one is set.
type Y4MRenderer struct {
	log      *slog.Logger
	w        *bufio.Writer
	captions io.Writer
	rate     media.Rational

	width, height int
	frames        atomic.Int64
}

// NewY4MRenderer creates a renderer writing to w at the given frame rate.
// A zero rate is written as 25 fps. captions may be nil.
func NewY4MRenderer(w io.Writer, rate media.Rational, captions io.Writer, log *slog.Logger) *Y4MRenderer {
	if log == nil {
		log = slog.Default()
	}
	if rate.Num <= 0 || rate.Den <= 0 {
		rate = media.Rational{Num: int(pipeline.DefaultFrameRate), Den: 1}
	}
	return &Y4MRenderer{
		log:      log.With("component", "y4m"),
		w:        bufio.NewWriterSize(w, 1<<20),
		captions: captions,
		rate:     rate,
	}
}

// Frames returns the number of pictures written.
func (r *Y4MRenderer) Frames() int64 {
	return r.frames.Load()
}

// Render writes pic as one FRAME. The stream header is taken from the
// first picture; later pictures must have the same geometry.
func (r *Y4MRenderer) Render(pic *pipeline.Picture, _ int64) error {
	if r.width == 0 {
		r.width, r.height = pic.Width, pic.Height
		if _, err := fmt.Fprintf(r.w, "YUV4MPEG2 W%d H%d F%d:%d Ip A1:1 C420jpeg\n",
			pic.Width, pic.Height, r.rate.Num, r.rate.Den); err != nil {
			return fmt.Errorf("write y4m header: %w", err)
		}
		r.log.Info("y4m stream started", "width", pic.Width, "height", pic.Height, "rate", r.rate.String())
	}
	if pic.Width != r.width || pic.Height != r.height {
		return fmt.Errorf("picture %dx%d does not match stream %dx%d", pic.Width, pic.Height, r.width, r.height)
	}

	if _, err := r.w.WriteString("FRAME\n"); err != nil {
		return fmt.Errorf("write frame marker: %w", err)
	}
	cw, ch := (pic.Width+1)/2, (pic.Height+1)/2
	dims := [3][2]int{{pic.Width, pic.Height}, {cw, ch}, {cw, ch}}
	for i, d := range dims {
		plane, stride := pic.Planes[i], pic.Strides[i]
		for row := 0; row < d[1]; row++ {
			off := row * stride
			if _, err := r.w.Write(plane[off : off+d[0]]); err != nil {
				return fmt.Errorf("write plane %d: %w", i, err)
			}
		}
	}
	r.frames.Add(1)
	return r.w.Flush()
}

// RenderCaption writes "[hh:mm:ss.mmm] text" to the caption writer.
func (r *Y4MRenderer) RenderCaption(ptsMs int64, text string) error {
	if r.captions == nil {
		return avsync.ErrCaptionsUnsupported
	}
	_, err := fmt.Fprintf(r.captions, "[%s] %s\n", formatTimestamp(ptsMs), text)
	return err
}

func formatTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// NullRenderer discards pictures and logs captions at debug level. It is
// used when no video output is requested but pacing should still run.
type NullRenderer struct {
	log    *slog.Logger
	frames atomic.Int64
	lastMs atomic.Int64
}

// NewNullRenderer creates a NullRenderer.
func NewNullRenderer(log *slog.Logger) *NullRenderer {
	if log == nil {
		log = slog.Default()
	}
	return &NullRenderer{log: log.With("component", "null-renderer")}
}

func (r *NullRenderer) Render(_ *pipeline.Picture, ptsMs int64) error {
	r.frames.Add(1)
	r.lastMs.Store(ptsMs)
	return nil
}

func (r *NullRenderer) RenderCaption(ptsMs int64, text string) error {
	r.log.Debug("caption", "pts_ms", ptsMs, "text", text)
	return nil
}

// Frames returns the number of pictures presented.
func (r *NullRenderer) Frames() int64 { return r.frames.Load() }

// LastPTS returns the timestamp of the last presented picture.
func (r *NullRenderer) LastPTS() int64 { return r.lastMs.Load() }

var (
	_ avsync.Renderer        = (*Y4MRenderer)(nil)
	_ avsync.CaptionRenderer = (*Y4MRenderer)(nil)
	_ avsync.Renderer        = (*NullRenderer)(nil)
	_ avsync.CaptionRenderer = (*NullRenderer)(nil)
)
