// Package ingest couples live network inputs (SRT publishers and pulls)
// with the player: a receiver registers a Stream and writes the received
// container bytes into it, and the player waits for that Stream and reads
// it as a plain io.Reader.
package ingest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	Key           string `json:"key"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`

	// MPEG-TS framing health of the received bytes.
	TSPackets        int64 `json:"tsPackets"`
	TSSyncErrors     int64 `json:"tsSyncErrors"`
	ContinuityErrors int64 `json:"continuityErrors"`
}

// Stream is one live input. Bytes written by the receiver through the
// writer returned from Registry.Register are read back with Read.
type Stream struct {
	Key       string
	StartedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	ts   *tsProbe

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Read reads received container bytes. It returns io.EOF once the
// publisher disconnects.
func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// CloseRead aborts a pending Read; the receiver's next write fails and it
// drops the connection.
func (s *Stream) CloseRead() error {
	return s.pr.CloseWithError(io.ErrClosedPipe)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// RecordRead accounts for one successful socket read of b, called by the
// receiver before b is written to the stream.
func (s *Stream) RecordRead(b []byte) {
	s.bytesReceived.Add(int64(len(b)))
	s.readCount.Add(1)
	s.ts.observe(b)
}

// SetRemoteAddr stores the remote address of the connection.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,

		TSPackets:        s.ts.packets.Load(),
		TSSyncErrors:     s.ts.syncErrors.Load(),
		ContinuityErrors: s.ts.ccErrors.Load(),
	}
}

// Registry tracks live streams by key. It is the rendezvous point between
// the receivers and the player waiting for input.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	arrived chan struct{} // closed and replaced on every Register
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[string]*Stream),
		arrived: make(chan struct{}),
	}
}

// Register creates a stream for key and returns it together with the
// writer the receiver should copy received bytes into. Registering a key
// that is already live fails.
func (r *Registry) Register(key string) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
		ts:        newTSProbe(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[key]; exists {
		return nil, nil, fmt.Errorf("stream %q already live", key)
	}
	r.streams[key] = stream
	close(r.arrived)
	r.arrived = make(chan struct{})
	return stream, pw, nil
}

// Unregister removes a stream by key, closing its pipe so the reader sees
// io.EOF, and signals Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the Stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns stats for every live stream ordered by key.
func (r *Registry) List() []Stats {
	r.mu.Lock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Await blocks until a stream with key is live, or any stream when key is
// empty, and returns it.
func (r *Registry) Await(ctx context.Context, key string) (*Stream, error) {
	for {
		r.mu.Lock()
		s := r.lookup(key)
		arrived := r.arrived
		r.mu.Unlock()
		if s != nil {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-arrived:
		}
	}
}

func (r *Registry) lookup(key string) *Stream {
	if key != "" {
		return r.streams[key]
	}
	for _, s := range r.streams {
		return s
	}
	return nil
}
