package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/duet/internal/ingest"
)

// readBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const readBufferSize = 1316 * 10

// DefaultLatency is the SRT receive latency.
const DefaultLatency = 120 * time.Millisecond

// Server accepts incoming SRT publish connections and registers them with
// the ingest registry for playback.
type Server struct {
	log       *slog.Logger
	addr      string
	streamKey string
	latency   time.Duration
	registry  *ingest.Registry
}

// NewServer creates an SRT listener on addr. If streamKey is non-empty,
// publishers announcing any other key are rejected. A latency <= 0 selects
// DefaultLatency. If log is nil, slog.Default() is used.
func NewServer(addr, streamKey string, latency time.Duration, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if latency <= 0 {
		latency = DefaultLatency
	}
	return &Server{
		log:       log.With("component", "srt-server"),
		addr:      addr,
		streamKey: streamKey,
		latency:   latency,
		registry:  registry,
	}
}

// Start accepts SRT publish connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = s.latency

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "stream_key", s.streamKey)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !s.accepts(req.StreamID) {
			s.log.Warn("rejecting publisher", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) accepts(streamID string) bool {
	if streamID == "" {
		return false
	}
	return s.streamKey == "" || extractStreamKey(streamID) == s.streamKey
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	stream, writer, err := s.registry.Register(key)
	if err != nil {
		s.log.Warn("dropping publisher", "stream_key", key, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	receive(s.log, conn, stream, writer)

	stats := stream.Stats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// receive copies SRT payloads into the stream until either side fails.
func receive(log *slog.Logger, conn io.Reader, stream *ingest.Stream, w io.Writer) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return
		}
		stream.RecordRead(buf[:n])
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream_key", stream.Key, "error", err)
			return
		}
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
