// Package pipeline implements the per-stream decode engine: a compressed
// unit queue, one background decode goroutine driving an external Decoder,
// and a single-slot cache holding the next consumer-ready unit. AudioTrack
// and VideoTrack specialise the engine with a Transform and a pull API
// shaped for their consumer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/queue"
)

// State is the lifecycle state of a Pipeline.
type State int32

// Pipeline states. Transitions: NotStarted→Running on Start,
// Running→Draining once the decoder is fully flushed, and any state→Closed
// on Close or on a decoder fault.
const (
	StateNotStarted State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Default shutdown polling: Close waits at most attempts × interval for the
// decode goroutine to exit.
const (
	DefaultClosePollInterval = 20 * time.Millisecond
	DefaultClosePollAttempts = 5
)

// Options tunes a Pipeline. The zero value selects the defaults.
type Options struct {
	Watermark         int
	ClosePollInterval time.Duration
	ClosePollAttempts int
	Logger            *slog.Logger
	Stats             StatsRecorder
}

func (o Options) withDefaults() Options {
	if o.ClosePollInterval <= 0 {
		o.ClosePollInterval = DefaultClosePollInterval
	}
	if o.ClosePollAttempts <= 0 {
		o.ClosePollAttempts = DefaultClosePollAttempts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Stats == nil {
		o.Stats = nopStats{}
	}
	return o
}

// step is the result of one pass through the decode loop.
type step int

const (
	stepProduced step = iota // cache filled
	stepStarved              // queue empty, wait for a push
	stepFinished             // decoder flushed
	stepStopped              // stop requested
)

// Pipeline owns one stream's queue, decode goroutine, and ready-unit cache.
type Pipeline struct {
	log   *slog.Logger
	desc  media.StreamDescriptor
	dec   Decoder
	tr    Transform
	q     *queue.Queue
	opts  Options
	stats StatsRecorder

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards the ready-unit cache and the wake flag. cond is signalled
	// when the cache is consumed, a unit is pushed, or stop is requested.
	mu       sync.Mutex
	cond     *sync.Cond
	ready    bool
	readyPTS int64
	kicked   bool

	state    atomic.Int32
	finished atomic.Bool
	clock    atomic.Int64
	lastPTS  atomic.Int64 // pts of the most recently produced unit

	errMu sync.Mutex
	err   error

	startOnce    sync.Once
	closeOnce    sync.Once
	teardownOnce sync.Once
	exitedInTime bool

	// Owned by the decode goroutine.
	held           *media.Unit
	inputEOS       bool
	drainSent      bool
	inputExhausted bool
}

// New creates a Pipeline for the stream described by desc. The pipeline
// takes exclusive ownership of dec and tr and closes both on Close.
func New(desc media.StreamDescriptor, dec Decoder, tr Transform, opts Options) *Pipeline {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:    opts.Logger.With("component", "pipeline", "stream", desc.Index, "kind", desc.Kind.String()),
		desc:   desc,
		dec:    dec,
		tr:     tr,
		q:      queue.New(opts.Watermark),
		opts:   opts,
		stats:  opts.Stats,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Descriptor returns the stream this pipeline decodes.
func (p *Pipeline) Descriptor() media.StreamDescriptor {
	return p.desc
}

// Start spawns the decode goroutine. Calling Start more than once is a
// no-op; starting a closed pipeline returns ErrClosed.
func (p *Pipeline) Start() error {
	if p.State() == StateClosed {
		return ErrClosed
	}
	p.startOnce.Do(func() {
		p.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning))
		p.log.Info("decode loop started", "stream", p.desc.String())
		go p.run()
	})
	if p.State() == StateClosed {
		return ErrClosed
	}
	return nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Push hands a compressed unit to the pipeline. A nil unit marks end of
// stream. Push never blocks on the decode goroutine.
func (p *Pipeline) Push(u *media.Unit) {
	p.q.Push(u)
	p.mu.Lock()
	p.kicked = true
	p.cond.Signal()
	p.mu.Unlock()
}

// NeedUnits reports whether the reader should fetch more units for this
// stream.
func (p *Pipeline) NeedUnits() bool {
	return p.State() != StateClosed && p.q.LowWatermark()
}

// Finished reports whether the decoder has been fully flushed. No further
// unit will ever become ready once Finished is true and the cache is empty.
func (p *Pipeline) Finished() bool {
	return p.finished.Load()
}

// Closed reports whether the pipeline was closed or failed.
func (p *Pipeline) Closed() bool {
	return p.State() == StateClosed
}

// Clock returns the playback clock in milliseconds: the timestamp of the
// last unit handed to the consumer.
func (p *Pipeline) Clock() int64 {
	return p.clock.Load()
}

// Err returns the fault that stopped the decode loop, if any.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Done returns a channel closed when the decode goroutine exits, whether
// because the stream finished, a fault occurred, or Close was called.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Ready reports whether the cache currently holds a unit.
func (p *Pipeline) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Close stops the decode goroutine and releases every resource the
// pipeline owns. It is idempotent. The stop request is signalled once per
// polling interval for a bounded number of attempts; the return value
// reports whether the goroutine exited within that budget. If it did not,
// teardown runs as soon as it does.
func (p *Pipeline) Close() bool {
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosed))
		p.cancel()

		neverStarted := false
		p.startOnce.Do(func() {
			neverStarted = true
			close(p.done)
		})
		p.exitedInTime = neverStarted || p.awaitExit()
		if p.exitedInTime {
			p.teardown()
		} else {
			p.log.Warn("decode loop did not stop in time, deferring teardown",
				"attempts", p.opts.ClosePollAttempts, "interval", p.opts.ClosePollInterval)
			go func() {
				<-p.done
				p.teardown()
			}()
		}
	})
	return p.exitedInTime
}

func (p *Pipeline) awaitExit() bool {
	timer := time.NewTimer(p.opts.ClosePollInterval)
	defer timer.Stop()
	for i := 0; i < p.opts.ClosePollAttempts; i++ {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()

		select {
		case <-p.done:
			return true
		case <-timer.C:
			timer.Reset(p.opts.ClosePollInterval)
		}
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pipeline) teardown() {
	p.teardownOnce.Do(func() {
		swept := p.q.Drain()
		if p.held != nil {
			p.held.Release()
			p.held = nil
			swept++
		}

		p.mu.Lock()
		p.ready = false
		p.mu.Unlock()

		if err := p.tr.Close(); err != nil {
			p.log.Warn("transform close", "error", err)
		}
		if err := p.dec.Close(); err != nil {
			p.log.Warn("decoder close", "error", err)
		}
		p.log.Info("pipeline closed", "swept_units", swept, "clock_ms", p.Clock())
	})
}

func (p *Pipeline) setErr(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}

// run is the decode goroutine.
func (p *Pipeline) run() {
	defer close(p.done)

	starved := false
	for {
		p.mu.Lock()
		for p.ctx.Err() == nil && (p.ready || (starved && !p.kicked)) {
			p.cond.Wait()
		}
		p.kicked = false
		p.mu.Unlock()

		if p.ctx.Err() != nil {
			p.log.Debug("decode loop stopping")
			return
		}

		s, err := p.decodeNext()
		if err != nil {
			p.setErr(err)
			p.state.Store(int32(StateClosed))
			p.log.Error("decode loop terminated", "error", err)
			return
		}

		switch s {
		case stepProduced:
			starved = false
		case stepStarved:
			starved = true
		case stepFinished:
			p.finished.Store(true)
			p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
			p.log.Info("stream finished", "last_pts_ms", p.lastPTS.Load())
			return
		case stepStopped:
			return
		}
	}
}

// decodeNext feeds held or queued units to the decoder until one decoded
// unit has been transformed into the cache, the queue runs dry, or the
// decoder reports it is flushed.
func (p *Pipeline) decodeNext() (step, error) {
	for p.ctx.Err() == nil {
		if p.held == nil && !p.inputEOS {
			u, ok := p.q.Pop()
			switch {
			case ok:
				p.held = u
			case p.q.EOS():
				p.inputEOS = true
				p.log.Debug("end of compressed input")
			default:
				return stepStarved, nil
			}
		}

		if err := p.feed(); err != nil {
			return 0, err
		}

		f, res, err := p.dec.Pull()
		switch res {
		case PullProduced:
			if err := p.tr.Generate(f); err != nil {
				if errors.Is(err, ErrNoOutput) {
					continue
				}
				return 0, fmt.Errorf("stream %d transform: %w: %w", p.desc.Index, ErrDecoderFault, err)
			}
			p.markReady(p.desc.TimeBase.TicksToMillis(f.PTS()))
			return stepProduced, nil
		case PullNeedInput:
			if p.inputDone() && p.held == nil {
				// Nothing left to feed; a conforming decoder reports
				// flushed here, so treat it as such rather than spin.
				p.log.Debug("decoder wants input after drain, treating as flushed")
				return stepFinished, nil
			}
		case PullFlushed:
			return stepFinished, nil
		default:
			return 0, fmt.Errorf("stream %d pull: %w: %w", p.desc.Index, ErrDecoderFault, err)
		}
	}
	return stepStopped, nil
}

func (p *Pipeline) inputDone() bool {
	return p.inputExhausted || (p.inputEOS && p.drainSent)
}

// feed hands the held unit, or the end-of-input marker, to the decoder.
func (p *Pipeline) feed() error {
	if p.inputExhausted {
		return nil
	}
	if p.held == nil && (!p.inputEOS || p.drainSent) {
		return nil
	}

	res, err := p.dec.Feed(p.held)
	switch res {
	case FeedAccepted:
		if p.held != nil {
			p.held.Release()
			p.held = nil
			p.stats.RecordUnitFed(p.desc.Kind)
		} else {
			p.drainSent = true
		}
	case FeedBusy:
		// Keep the unit and drain output first.
	case FeedInputExhausted:
		p.log.Warn("decoder refuses further input")
		p.inputExhausted = true
		if p.held != nil {
			p.held.Release()
			p.held = nil
		}
	default:
		return fmt.Errorf("stream %d feed: %w: %w", p.desc.Index, ErrDecoderFault, err)
	}
	return nil
}

func (p *Pipeline) markReady(ptsMs int64) {
	p.mu.Lock()
	if p.ready {
		// The loop only decodes into an empty cache.
		p.mu.Unlock()
		p.log.Error("ready-unit cache already full, dropping decoded unit", "pts_ms", ptsMs)
		return
	}
	p.ready = true
	p.readyPTS = ptsMs
	p.mu.Unlock()

	p.lastPTS.Store(ptsMs)
	p.stats.RecordUnitDecoded(p.desc.Kind, ptsMs)
}

// consumeLocked marks the cache empty and wakes the producer. p.mu must be
// held and the cache must be ready.
func (p *Pipeline) consumeLocked() {
	p.ready = false
	p.cond.Signal()
}

// advanceClock moves the playback clock forward to ptsMs. It never moves
// the clock backwards.
func (p *Pipeline) advanceClock(ptsMs int64) {
	for {
		cur := p.clock.Load()
		if ptsMs <= cur {
			return
		}
		if p.clock.CompareAndSwap(cur, ptsMs) {
			return
		}
	}
}
