package libav

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/pipeline"
)

// Frame is a decoded FFmpeg frame. It is only valid until the next Pull
// on the decoder that produced it.
type Frame struct {
	f *astiav.Frame
}

// PTS returns the presentation timestamp in stream ticks, or 0 when the
// codec did not set one.
func (f *Frame) PTS() int64 {
	if pts := f.f.Pts(); pts != astiav.NoPtsValue {
		return pts
	}
	return 0
}

// Decoder wraps an FFmpeg codec context behind the pipeline's send and
// receive protocol.
type Decoder struct {
	cc    *astiav.CodecContext
	pkt   *astiav.Packet
	frame *astiav.Frame
	out   Frame
}

// NewDecoder opens the decoder for a stream returned by Source.Streams.
func NewDecoder(desc media.StreamDescriptor) (*Decoder, error) {
	cp, ok := desc.Params.(*astiav.CodecParameters)
	if !ok || cp == nil {
		return nil, fmt.Errorf("stream %d: no codec parameters", desc.Index)
	}
	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("stream %d: no decoder for %s", desc.Index, desc.Codec)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, fmt.Errorf("stream %d: allocate codec context", desc.Index)
	}
	if err := cp.ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("stream %d: codec parameters: %w", desc.Index, err)
	}
	cc.SetTimeBase(astiav.NewRational(desc.TimeBase.Num, desc.TimeBase.Den))
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("stream %d: open %s decoder: %w", desc.Index, desc.Codec, err)
	}

	d := &Decoder{
		cc:    cc,
		pkt:   astiav.AllocPacket(),
		frame: astiav.AllocFrame(),
	}
	d.out.f = d.frame
	return d, nil
}

// Feed sends u to the codec. A nil unit puts the codec in drain mode.
func (d *Decoder) Feed(u *media.Unit) (pipeline.FeedResult, error) {
	var pkt *astiav.Packet
	if u != nil {
		d.pkt.Unref()
		if err := d.pkt.FromData(u.Data); err != nil {
			return pipeline.FeedError, fmt.Errorf("packet from unit: %w", err)
		}
		d.pkt.SetPts(u.PTS)
		d.pkt.SetDts(u.DTS)
		d.pkt.SetStreamIndex(u.StreamIndex)
		if u.Keyframe {
			d.pkt.SetFlags(d.pkt.Flags().Add(astiav.PacketFlagKey))
		}
		pkt = d.pkt
	}

	err := d.cc.SendPacket(pkt)
	switch {
	case err == nil:
		return pipeline.FeedAccepted, nil
	case errors.Is(err, astiav.ErrEagain):
		return pipeline.FeedBusy, nil
	case errors.Is(err, astiav.ErrEof):
		return pipeline.FeedInputExhausted, nil
	default:
		return pipeline.FeedError, fmt.Errorf("send packet: %w", err)
	}
}

// Pull receives the next decoded frame.
func (d *Decoder) Pull() (pipeline.Frame, pipeline.PullResult, error) {
	d.frame.Unref()
	err := d.cc.ReceiveFrame(d.frame)
	switch {
	case err == nil:
		return &d.out, pipeline.PullProduced, nil
	case errors.Is(err, astiav.ErrEagain):
		return nil, pipeline.PullNeedInput, nil
	case errors.Is(err, astiav.ErrEof):
		return nil, pipeline.PullFlushed, nil
	default:
		return nil, pipeline.PullError, fmt.Errorf("receive frame: %w", err)
	}
}

// Close frees the codec context and its buffers.
func (d *Decoder) Close() error {
	d.frame.Free()
	d.pkt.Free()
	d.cc.Free()
	return nil
}

func nativeFrame(f pipeline.Frame) (*astiav.Frame, error) {
	lf, ok := f.(*Frame)
	if !ok {
		return nil, fmt.Errorf("unexpected frame type %T", f)
	}
	return lf.f, nil
}

var (
	_ pipeline.Decoder   = (*Decoder)(nil)
	_ pipeline.Resampler = (*Resampler)(nil)
	_ pipeline.Scaler    = (*Scaler)(nil)
)
