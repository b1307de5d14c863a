package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/duet/internal/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := extractStreamKey(tc.streamID); got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestServerAccepts(t *testing.T) {
	t.Parallel()

	open := NewServer(":0", "", 0, ingest.NewRegistry(), nil)
	keyed := NewServer(":0", "cam1", 0, ingest.NewRegistry(), nil)

	tests := []struct {
		s        *Server
		streamID string
		want     bool
	}{
		{open, "", false},
		{open, "anything", true},
		{keyed, "live/cam1", true},
		{keyed, "/cam1", true},
		{keyed, "cam2", false},
		{keyed, "", false},
	}
	for _, tt := range tests {
		if got := tt.s.accepts(tt.streamID); got != tt.want {
			t.Errorf("key %q accepts(%q) = %v, want %v", tt.s.streamKey, tt.streamID, got, tt.want)
		}
	}
	if open.latency != DefaultLatency {
		t.Errorf("latency = %s, want %s", open.latency, DefaultLatency)
	}
}

type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestReceiveCopiesIntoStream(t *testing.T) {
	t.Parallel()

	reg := ingest.NewRegistry()
	stream, w, err := reg.Register("k")
	if err != nil {
		t.Fatal(err)
	}

	conn := &chunkReader{chunks: [][]byte{[]byte("abc"), []byte("def")}, err: io.EOF}
	done := make(chan struct{})
	go func() {
		receive(slog.New(slog.NewTextHandler(io.Discard, nil)), conn, stream, w)
		reg.Unregister("k")
		close(done)
	}()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("stream carried %q", got)
	}
	if st := stream.Stats(); st.BytesReceived != 6 || st.ReadCount != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPullValidatesAddress(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(), 0, 0, nil)
	if _, err := c.Pull(context.Background(), PullRequest{}); err == nil {
		t.Fatal("expected an error for an empty address")
	}
	if c.dialTimeout != DefaultDialTimeout {
		t.Errorf("dialTimeout = %s", c.dialTimeout)
	}
}

func TestPullHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(), 0, 5*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Pull(ctx, PullRequest{Address: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("Pull with a cancelled context should fail")
	}
	if !errors.Is(err, context.Canceled) && !bytes.Contains([]byte(err.Error()), []byte("dial")) {
		t.Fatalf("unexpected error %v", err)
	}
}
