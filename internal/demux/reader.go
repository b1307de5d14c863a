// Package demux reads compressed units from a media source and routes
// them by stream index into per-stream pipelines, fetching only while a
// pipeline is below its queue watermark.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/duet/internal/media"
)

// DefaultPollInterval is how long the reader sleeps when every route has
// enough queued units.
const DefaultPollInterval = 10 * time.Millisecond

// Source is an opened container. ReadUnit returns io.EOF once the input is
// exhausted.
type Source interface {
	Streams() []media.StreamDescriptor
	ReadUnit(ctx context.Context) (*media.Unit, error)
	Close() error
}

// Sink is the producer side of a decode pipeline.
type Sink interface {
	Push(u *media.Unit)
	NeedUnits() bool
	Closed() bool
}

// Options tunes a Reader. The zero value selects the defaults.
type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger
	// Tap, if set, observes every routed unit before it is pushed. It must
	// not retain the unit.
	Tap func(u *media.Unit)
}

// Stats counts reader activity.
type Stats struct {
	Routed  int64
	Dropped int64
	Bytes   int64
}

// Reader routes units from a Source into Sinks.
type Reader struct {
	log    *slog.Logger
	src    Source
	routes map[int]Sink
	poll   time.Duration
	tap    func(u *media.Unit)

	routed  atomic.Int64
	dropped atomic.Int64
	bytes   atomic.Int64
}

// NewReader creates a Reader. routes maps a stream index to the pipeline
// that consumes it; units of any other stream are discarded.
func NewReader(src Source, routes map[int]Sink, opts Options) *Reader {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reader{
		log:    opts.Logger.With("component", "demux-reader"),
		src:    src,
		routes: routes,
		poll:   opts.PollInterval,
		tap:    opts.Tap,
	}
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Routed:  r.routed.Load(),
		Dropped: r.dropped.Load(),
		Bytes:   r.bytes.Load(),
	}
}

// Run reads until the source is exhausted, any route is closed, or ctx is
// cancelled. At end of input every route receives the end-of-stream
// sentinel. Read errors other than io.EOF are returned.
func (r *Reader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.log.Info("reader started", "routes", len(r.routes))
	for {
		if r.anyClosed() {
			r.log.Info("route closed, reader stopping", "routed", r.routed.Load())
			return nil
		}

		for r.anyNeedsUnits() {
			u, err := r.src.ReadUnit(ctx)
			if errors.Is(err, io.EOF) {
				r.finish()
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read unit: %w", err)
			}
			r.route(u)
			if r.anyClosed() {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reader) route(u *media.Unit) {
	sink, ok := r.routes[u.StreamIndex]
	if !ok {
		r.dropped.Add(1)
		r.log.Debug("discarding unit for unrouted stream", "stream", u.StreamIndex)
		u.Release()
		return
	}
	r.routed.Add(1)
	r.bytes.Add(int64(len(u.Data)))
	if r.tap != nil {
		r.tap(u)
	}
	sink.Push(u)
}

func (r *Reader) finish() {
	for _, sink := range r.routes {
		sink.Push(nil)
	}
	r.log.Info("end of input", "routed", r.routed.Load(), "dropped", r.dropped.Load())
}

func (r *Reader) anyClosed() bool {
	for _, sink := range r.routes {
		if sink.Closed() {
			return true
		}
	}
	return false
}

func (r *Reader) anyNeedsUnits() bool {
	for _, sink := range r.routes {
		if sink.NeedUnits() {
			return true
		}
	}
	return false
}
