package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/duet/internal/api"
	"github.com/zsiec/duet/internal/certs"
	"github.com/zsiec/duet/internal/config"
	"github.com/zsiec/duet/internal/demux"
	"github.com/zsiec/duet/internal/ingest"
	srtingest "github.com/zsiec/duet/internal/ingest/srt"
	"github.com/zsiec/duet/internal/libav"
	"github.com/zsiec/duet/internal/media"
	"github.com/zsiec/duet/internal/output"
	"github.com/zsiec/duet/internal/player"
	"github.com/zsiec/duet/internal/stats"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	fs := pflag.NewFlagSet("duet", pflag.ExitOnError)
	config.BindFlags(fs, &cfg)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: duet [flags] [input]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if cfg.Input == "" && fs.NArg() > 0 {
		cfg.Input = fs.Arg(0)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		fs.Usage()
		os.Exit(2)
	}

	libav.RouteLogs(slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("duet starting",
		"version", version,
		"input", cfg.InputName(),
		"audio_out", cfg.AudioOut,
		"video_out", cfg.VideoOut,
		"api", cfg.APIAddr,
	)

	a := &app{
		cfg:      cfg,
		registry: ingest.NewRegistry(),
		playback: stats.NewPlayback(cfg.InputName()),
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.APIAddr != "" {
		cert, err := certs.LoadOrGenerate(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			slog.Error("failed to prepare certificate", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate ready",
			"fingerprint", cert.FingerprintBase64(),
			"self_signed", cert.SelfSigned,
		)
		apiSrv, err := api.NewServer(api.ServerConfig{
			Addr:   cfg.APIAddr,
			Cert:   cert,
			Stats:  a.playback,
			Ingest: a.registry.List,
		})
		if err != nil {
			slog.Error("failed to create API server", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return apiSrv.Start(gctx)
		})
	}

	if cfg.SRTListen != "" {
		srtSrv := srtingest.NewServer(cfg.SRTListen, cfg.StreamKey, cfg.SRTLatency, a.registry, nil)
		g.Go(func() error {
			return srtSrv.Start(gctx)
		})
	}

	g.Go(func() error {
		// Servers only live as long as playback.
		defer cancel()
		return a.play(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("playback error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      config.Config
	registry *ingest.Registry
	playback *stats.Playback
}

func (a *app) play(ctx context.Context) error {
	src, err := a.openSource(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	pcfg := player.Config{
		Pipeline:       a.cfg.PipelineOptions(),
		DriftThreshold: a.cfg.DriftThreshold,
		ReaderPoll:     a.cfg.ReaderPoll,
		SampleRate:     a.cfg.AudioSampleRate,
		Channels:       a.cfg.AudioChannels,
		Captions:       !a.cfg.NoCaptions,
		CaptionBacklog: a.cfg.CaptionBacklog,
		Stats:          a.playback,
	}

	if a.cfg.AudioOut != "" {
		f, err := os.Create(a.cfg.AudioOut)
		if err != nil {
			src.Close()
			return fmt.Errorf("create audio output: %w", err)
		}
		closers = append(closers, f)
		pcfg.AudioOut = f
	}

	if a.cfg.VideoOut != "" {
		var w io.Writer = os.Stdout
		if a.cfg.VideoOut != "-" {
			f, err := os.Create(a.cfg.VideoOut)
			if err != nil {
				src.Close()
				return fmt.Errorf("create video output: %w", err)
			}
			closers = append(closers, f)
			w = f
		}
		var capW io.Writer
		switch a.cfg.CaptionsOut {
		case "":
		case "-":
			capW = os.Stderr
		default:
			f, err := os.Create(a.cfg.CaptionsOut)
			if err != nil {
				src.Close()
				return fmt.Errorf("create captions output: %w", err)
			}
			closers = append(closers, f)
			capW = f
		}
		var rate media.Rational
		if vd, ok := media.FindFirst(src.Streams(), media.KindVideo); ok {
			rate = vd.FrameRate
		}
		pcfg.Renderer = output.NewY4MRenderer(w, rate, capW, nil)
	}

	p, err := player.New(src, libav.Factory{}, pcfg)
	if err != nil {
		return fmt.Errorf("prepare playback: %w", err)
	}
	return p.Run(ctx)
}

// openSource opens the configured input. Live SRT inputs are read through
// a pipe that is closed when ctx is cancelled so a blocked read returns.
func (a *app) openSource(ctx context.Context) (demux.Source, error) {
	switch {
	case a.cfg.SRTListen != "":
		slog.Info("waiting for SRT publisher", "addr", a.cfg.SRTListen, "stream_key", a.cfg.StreamKey)
		stream, err := a.registry.Await(ctx, a.cfg.StreamKey)
		if err != nil {
			return nil, err
		}
		return openLive(ctx, stream)

	case a.cfg.SRTPull != "":
		caller := srtingest.NewCaller(a.registry, a.cfg.SRTLatency, a.cfg.DialTimeout, nil)
		stream, err := caller.Pull(ctx, srtingest.PullRequest{
			Address:   a.cfg.SRTPull,
			StreamKey: a.cfg.StreamKey,
		})
		if err != nil {
			return nil, err
		}
		return openLive(ctx, stream)

	default:
		src, err := libav.Open(ctx, a.cfg.Input, nil)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func openLive(ctx context.Context, stream *ingest.Stream) (demux.Source, error) {
	stop := context.AfterFunc(ctx, func() { stream.CloseRead() })
	src, err := libav.OpenReader(ctx, stream, "mpegts", nil)
	if err != nil {
		stop()
		stream.CloseRead()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open live stream %q: %w", stream.Key, err)
	}
	return &liveSource{Source: src, stream: stream, stop: stop}, nil
}

// liveSource closes the ingest pipe along with the demuxer.
type liveSource struct {
	*libav.Source
	stream *ingest.Stream
	stop   func() bool
}

func (s *liveSource) Close() error {
	s.stop()
	err := s.Source.Close()
	s.stream.CloseRead()
	return err
}
