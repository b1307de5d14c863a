package libav

import (
	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/pipeline"
)

// Factory builds libav-backed pipeline components for streams opened by
// this package's Source.
type Factory struct{}

func (Factory) NewDecoder(desc media.StreamDescriptor) (pipeline.Decoder, error) {
	d, err := NewDecoder(desc)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (Factory) NewResampler(format pipeline.AudioFormat) (pipeline.Resampler, error) {
	r, err := NewResampler(format)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (Factory) NewScaler(media.StreamDescriptor) (pipeline.Scaler, error) {
	return NewScaler(), nil
}
