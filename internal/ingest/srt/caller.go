package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/duet/internal/ingest"
)

// DefaultDialTimeout bounds how long Pull waits for the remote listener.
const DefaultDialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string
	StreamKey string
	StreamID  string // defaults to "live/<StreamKey>"
}

// Caller dials remote SRT listeners and streams their data into the
// ingest registry.
type Caller struct {
	log         *slog.Logger
	registry    *ingest.Registry
	latency     time.Duration
	dialTimeout time.Duration
}

// NewCaller creates a Caller. Zero durations select DefaultLatency and
// DefaultDialTimeout. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, latency, dialTimeout time.Duration, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	if latency <= 0 {
		latency = DefaultLatency
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &Caller{
		log:         log.With("component", "srt-caller"),
		registry:    registry,
		latency:     latency,
		dialTimeout: dialTimeout,
	}
}

// Pull dials the remote listener synchronously, registers the stream and
// returns it. Streaming continues in a background goroutine until the
// remote side disconnects or ctx is cancelled, at which point the stream
// is unregistered and its reader sees io.EOF.
func (c *Caller) Pull(ctx context.Context, req PullRequest) (*ingest.Stream, error) {
	if req.Address == "" {
		return nil, errors.New("address is required")
	}
	if req.StreamKey == "" {
		req.StreamKey = "default"
	}
	streamID := req.StreamID
	if streamID == "" {
		streamID = "live/" + req.StreamKey
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = c.latency
	cfg.StreamID = streamID

	c.log.Info("dialing", "address", req.Address, "stream_id", streamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	// Drain the dial result in the background and close any leaked connection.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(c.dialTimeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		conn = res.conn
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial timed out after %s", c.dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}

	stream, writer, err := c.registry.Register(req.StreamKey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	stream.SetRemoteAddr(req.Address)
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	go func() {
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer func() {
			stop()
			conn.Close()
			stats := stream.Stats()
			c.registry.Unregister(req.StreamKey)
			c.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		receive(c.log, conn, stream, writer)
	}()

	return stream, nil
}
