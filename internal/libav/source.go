// Package libav adapts FFmpeg, through go-astiav, to the playback core:
// container demuxing (Source), per-stream decoding (Decoder), and the
// sample and pixel conversions behind the audio and video tracks.
package libav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/duet/internal/media"
)

const ioBufferSize = 32 * 1024

var logOnce sync.Once

// RouteLogs sends FFmpeg's own log output to log at debug level. Only the
// first call has an effect.
func RouteLogs(log *slog.Logger) {
	logOnce.Do(func() {
		if log == nil {
			log = slog.Default()
		}
		log = log.With("component", "ffmpeg")
		astiav.SetLogLevel(astiav.LogLevelWarning)
		astiav.SetLogCallback(func(_ astiav.Classer, l astiav.LogLevel, _, msg string) {
			msg = strings.TrimSpace(msg)
			if msg == "" {
				return
			}
			if l <= astiav.LogLevelError {
				log.Warn(msg)
				return
			}
			log.Debug(msg)
		})
	})
}

// Source is an opened container. It is not safe for concurrent use; the
// demux reader is its only caller.
type Source struct {
	log     *slog.Logger
	fc      *astiav.FormatContext
	ioc     *astiav.IOContext
	streams []media.StreamDescriptor

	closeOnce sync.Once
}

// Open opens uri (a file path or any URL FFmpeg understands) and probes
// its streams.
func Open(ctx context.Context, uri string, log *slog.Logger) (*Source, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("allocate format context")
	}
	if err := fc.OpenInput(uri, nil, nil); err != nil {
		fc.Free()
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	return newSource(ctx, fc, nil, uri, log)
}

// OpenReader opens a container read sequentially from r. format names the
// FFmpeg demuxer to use (for example "mpegts"); empty lets FFmpeg probe.
func OpenReader(ctx context.Context, r io.Reader, format string, log *slog.Logger) (*Source, error) {
	var inFmt *astiav.InputFormat
	if format != "" {
		if inFmt = astiav.FindInputFormat(format); inFmt == nil {
			return nil, fmt.Errorf("unknown input format %q", format)
		}
	}

	ioc, err := astiav.AllocIOContext(ioBufferSize, false, func(b []byte) (int, error) {
		return r.Read(b)
	}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("allocate io context: %w", err)
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		ioc.Free()
		return nil, errors.New("allocate format context")
	}
	fc.SetPb(ioc)
	if err := fc.OpenInput("", inFmt, nil); err != nil {
		fc.Free()
		ioc.Free()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return newSource(ctx, fc, ioc, "stream:"+format, log)
}

func newSource(ctx context.Context, fc *astiav.FormatContext, ioc *astiav.IOContext, name string, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Source{
		log: log.With("component", "libav-source", "input", name),
		fc:  fc,
		ioc: ioc,
	}
	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		s.Close()
		return nil, fmt.Errorf("find stream info: %w", err)
	}
	for _, st := range fc.Streams() {
		d := describe(st)
		s.streams = append(s.streams, d)
		s.log.Info("stream found", "stream", d.String())
	}
	if len(s.streams) == 0 {
		s.Close()
		return nil, errors.New("input has no streams")
	}
	return s, nil
}

func describe(st *astiav.Stream) media.StreamDescriptor {
	cp := st.CodecParameters()
	d := media.StreamDescriptor{
		Index:     st.Index(),
		Kind:      kindOf(cp.MediaType()),
		Codec:     cp.CodecID().Name(),
		TimeBase:  rational(st.TimeBase()),
		FrameRate: rational(st.AvgFrameRate()),
		Params:    cp,
	}
	switch d.Kind {
	case media.KindVideo:
		d.Width = cp.Width()
		d.Height = cp.Height()
		if d.FrameRate.Num == 0 {
			d.FrameRate = rational(st.RFrameRate())
		}
	case media.KindAudio:
		d.SampleRate = cp.SampleRate()
		d.Channels = cp.ChannelLayout().Channels()
	}
	return d
}

func kindOf(t astiav.MediaType) media.Kind {
	switch t {
	case astiav.MediaTypeAudio:
		return media.KindAudio
	case astiav.MediaTypeVideo:
		return media.KindVideo
	default:
		return media.KindOther
	}
}

func rational(r astiav.Rational) media.Rational {
	return media.Rational{Num: r.Num(), Den: r.Den()}
}

// Streams returns every stream in the container.
func (s *Source) Streams() []media.StreamDescriptor {
	return s.streams
}

// ReadUnit returns the next compressed unit, or io.EOF at end of input.
// The unit owns a native packet freed by Unit.Release.
func (s *Source) ReadUnit(ctx context.Context) (*media.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pkt := astiav.AllocPacket()
	if err := s.fc.ReadFrame(pkt); err != nil {
		pkt.Free()
		if errors.Is(err, astiav.ErrEof) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	u := media.NewUnit(pkt.StreamIndex(), pkt.Pts(), pkt.Dts(), pkt.Data(), pkt.Free)
	u.Keyframe = pkt.Flags().Has(astiav.PacketFlagKey)
	return u, nil
}

// Close releases the container. It is idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.fc.CloseInput()
		s.fc.Free()
		if s.ioc != nil {
			s.ioc.Free()
		}
	})
	return nil
}
