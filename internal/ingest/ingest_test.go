package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stream, w, err := r.Register("test-stream")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if stream.Key != "test-stream" {
		t.Fatalf("got key %q, want %q", stream.Key, "test-stream")
	}
	if w == nil {
		t.Fatal("writer is nil")
	}

	got, ok := r.Get("test-stream")
	if !ok || got != stream {
		t.Fatal("Get did not return the registered stream")
	}
}

func TestRegistryRejectsDuplicateKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, _, err := r.Register("cam"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Register("cam"); err == nil {
		t.Fatal("second publisher on a live key should be rejected")
	}
	r.Unregister("cam")
	if _, _, err := r.Register("cam"); err != nil {
		t.Fatalf("re-register after Unregister: %v", err)
	}
}

func TestRegistryUnregisterMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	// Should not panic.
	r.Unregister("nonexistent")
}

func TestStreamDeliversBytesThenEOF(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stream, w, err := r.Register("s1")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		w.Write([]byte("hello"))
		r.Unregister("s1")
	}()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read %q, want %q", got, "hello")
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
}

func TestStreamCloseReadFailsWriter(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stream, w, err := r.Register("s1")
	if err != nil {
		t.Fatal(err)
	}
	stream.CloseRead()
	if _, err := w.Write([]byte{1}); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("write after CloseRead = %v, want ErrClosedPipe", err)
	}
}

func TestRegistryAwait(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *Stream, 1)
	go func() {
		s, err := r.Await(ctx, "cam2")
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		got <- s
	}()

	time.Sleep(10 * time.Millisecond)
	if _, _, err := r.Register("cam1"); err != nil {
		t.Fatal(err)
	}
	want, _, err := r.Register("cam2")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-got:
		if s != want {
			t.Fatalf("Await returned stream %q", s.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after the stream registered")
	}
}

func TestRegistryAwaitAny(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	want, _, _ := r.Register("whatever")
	s, err := r.Await(context.Background(), "")
	if err != nil || s != want {
		t.Fatalf("Await(\"\") = (%v, %v)", s, err)
	}
}

func TestRegistryAwaitCancel(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Await(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Await after cancel = %v", err)
	}
}

func TestStreamStats(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stream, _, _ := r.Register("s1")
	stream.RecordRead(make([]byte, 100))
	stream.RecordRead(make([]byte, 200))
	stream.SetRemoteAddr("192.168.1.1:5000")
	time.Sleep(10 * time.Millisecond)

	stats := stream.Stats()
	if stats.BytesReceived != 300 || stats.ReadCount != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.RemoteAddr != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q", stats.RemoteAddr)
	}
	if stats.UptimeMs < 10 || stats.ConnectedAt == 0 {
		t.Fatalf("timing = %+v", stats)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "stream-" + string(rune('A'+n%26))
			r.Register(key)
			r.Get(key)
			r.Unregister(key)
		}(i)
	}
	wg.Wait()
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if got := r.List(); len(got) != 0 {
		t.Fatalf("empty registry listed %d streams", len(got))
	}
	b, _, _ := r.Register("b")
	r.Register("a")
	b.RecordRead(make([]byte, 42))

	got := r.List()
	if len(got) != 2 || got[0].Key != "a" || got[1].Key != "b" {
		t.Fatalf("List = %+v", got)
	}
	if got[1].BytesReceived != 42 {
		t.Fatalf("b bytes = %d", got[1].BytesReceived)
	}
}
