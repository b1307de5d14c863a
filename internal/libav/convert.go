package libav

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/duet/internal/pipeline"
)

// resampleHeadroom covers samples buffered inside the resampler.
const resampleHeadroom = 256

// Resampler converts decoded audio to interleaved S16 with libswresample.
type Resampler struct {
	swr    *astiav.SoftwareResampleContext
	dst    *astiav.Frame
	format pipeline.AudioFormat
	layout astiav.ChannelLayout
}

// NewResampler creates a resampler producing format. Only 16-bit output
// in mono or stereo is supported.
func NewResampler(format pipeline.AudioFormat) (*Resampler, error) {
	if format.BytesPerSample != 2 {
		return nil, fmt.Errorf("unsupported output sample size %d", format.BytesPerSample)
	}
	layout := astiav.ChannelLayoutStereo
	switch format.Channels {
	case 1:
		layout = astiav.ChannelLayoutMono
	case 2:
	default:
		return nil, fmt.Errorf("unsupported output channel count %d", format.Channels)
	}
	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		return nil, errors.New("allocate resample context")
	}
	return &Resampler{
		swr:    swr,
		dst:    astiav.AllocFrame(),
		format: format,
		layout: layout,
	}, nil
}

// OutputSize bounds the converted size of f in bytes.
func (r *Resampler) OutputSize(f pipeline.Frame) int {
	nf, err := nativeFrame(f)
	if err != nil {
		return 0
	}
	rate := nf.SampleRate()
	if rate <= 0 {
		rate = r.format.SampleRate
	}
	samples := nf.NbSamples()*r.format.SampleRate/rate + resampleHeadroom
	return samples * r.format.FrameBytes()
}

// Resample converts f into dst.
func (r *Resampler) Resample(f pipeline.Frame, dst []byte) (int, int, error) {
	nf, err := nativeFrame(f)
	if err != nil {
		return 0, 0, err
	}

	r.dst.Unref()
	r.dst.SetChannelLayout(r.layout)
	r.dst.SetSampleFormat(astiav.SampleFormatS16)
	r.dst.SetSampleRate(r.format.SampleRate)
	if err := r.swr.ConvertFrame(nf, r.dst); err != nil {
		return 0, 0, fmt.Errorf("convert frame: %w", err)
	}
	n, err := r.dst.SamplesCopyToBuffer(dst, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("copy samples: %w", err)
	}
	return r.dst.NbSamples(), n, nil
}

// Close frees the resampler.
func (r *Resampler) Close() error {
	r.dst.Free()
	r.swr.Free()
	return nil
}

// Scaler converts decoded pictures to YUV420P with libswscale. The
// scaling context is rebuilt whenever the source geometry or pixel format
// changes mid-stream.
type Scaler struct {
	ssc    *astiav.SoftwareScaleContext
	dst    *astiav.Frame
	buf    []byte
	srcW   int
	srcH   int
	srcFmt astiav.PixelFormat
}

// NewScaler creates a Scaler. The context is built on the first frame.
func NewScaler() *Scaler {
	return &Scaler{}
}

// Scale converts f into pic.
func (s *Scaler) Scale(f pipeline.Frame, pic *pipeline.Picture) error {
	nf, err := nativeFrame(f)
	if err != nil {
		return err
	}
	if err := s.prepare(nf, pic); err != nil {
		return err
	}
	if err := s.ssc.ScaleFrame(nf, s.dst); err != nil {
		return fmt.Errorf("scale frame: %w", err)
	}

	size, err := s.dst.ImageBufferSize(1)
	if err != nil {
		return fmt.Errorf("image size: %w", err)
	}
	if size > len(s.buf) {
		s.buf = make([]byte, size)
	}
	if _, err := s.dst.ImageCopyToBuffer(s.buf, 1); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}

	off := 0
	for i := range pic.Planes {
		n := copy(pic.Planes[i], s.buf[off:])
		off += n
	}
	return nil
}

func (s *Scaler) prepare(nf *astiav.Frame, pic *pipeline.Picture) error {
	if s.ssc != nil && nf.Width() == s.srcW && nf.Height() == s.srcH && nf.PixelFormat() == s.srcFmt {
		return nil
	}
	s.release()

	ssc, err := astiav.CreateSoftwareScaleContext(
		nf.Width(), nf.Height(), nf.PixelFormat(),
		pic.Width, pic.Height, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return fmt.Errorf("create scale context: %w", err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(pic.Width)
	dst.SetHeight(pic.Height)
	dst.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("allocate picture: %w", err)
	}

	s.ssc, s.dst = ssc, dst
	s.srcW, s.srcH, s.srcFmt = nf.Width(), nf.Height(), nf.PixelFormat()
	return nil
}

func (s *Scaler) release() {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}

// Close frees the scaling context.
func (s *Scaler) Close() error {
	s.release()
	return nil
}
