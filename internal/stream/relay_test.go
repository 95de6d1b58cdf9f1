package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeSource wraps a reader and records Terminate calls
type fakeSource struct {
	r          io.Reader
	terminated atomic.Int32
	reads      atomic.Int32
	onTerm     func()
	once       sync.Once
}

func (s *fakeSource) Read(p []byte) (int, error) {
	s.reads.Add(1)
	return s.r.Read(p)
}

func (s *fakeSource) Terminate() error {
	s.terminated.Add(1)
	s.once.Do(func() {
		if s.onTerm != nil {
			s.onTerm()
		}
	})
	return nil
}

// chunkRecorder keeps every write separately
type chunkRecorder struct {
	chunks [][]byte
}

func (w *chunkRecorder) Write(p []byte) (int, error) {
	w.chunks = append(w.chunks, append([]byte(nil), p...))
	return len(p), nil
}

// failingWriter accepts limit bytes and then fails
type failingWriter struct {
	limit   int
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, errors.New("connection reset by peer")
	}
	w.written += len(p)
	return len(p), nil
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	return data
}

func TestRelayChunkingIsTransparent(t *testing.T) {
	payload := testPayload(10_000)

	for _, chunkSize := range []int{1, 7, 512, 4096, 10_000, 1 << 20} {
		src := &fakeSource{r: bytes.NewReader(payload)}
		dst := &chunkRecorder{}

		res, err := Relay(context.Background(), src, dst, Config{ChunkSize: chunkSize})
		if err != nil {
			t.Fatalf("chunk size %d: unexpected error %v", chunkSize, err)
		}

		got := bytes.Join(dst.chunks, nil)
		if !bytes.Equal(got, payload) {
			t.Errorf("chunk size %d: output differs from source", chunkSize)
		}
		if res.Bytes != int64(len(payload)) {
			t.Errorf("chunk size %d: expected %d bytes, got %d", chunkSize, len(payload), res.Bytes)
		}
		for i, c := range dst.chunks {
			if len(c) > chunkSize {
				t.Errorf("chunk size %d: chunk %d has %d bytes", chunkSize, i, len(c))
			}
		}
		if src.terminated.Load() != 0 {
			t.Errorf("chunk size %d: source terminated on normal completion", chunkSize)
		}
	}
}

func TestRelayDefaultChunkSize(t *testing.T) {
	payload := testPayload(3*DefaultChunkSize + 10)
	dst := &chunkRecorder{}

	res, err := Relay(context.Background(), &fakeSource{r: bytes.NewReader(payload)}, dst, Config{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	sizes := make([]int, len(dst.chunks))
	for i, c := range dst.chunks {
		sizes[i] = len(c)
	}
	want := []int{DefaultChunkSize, DefaultChunkSize, DefaultChunkSize, 10}
	if diff := cmp.Diff(want, sizes); diff != "" {
		t.Errorf("Chunk sizes mismatch (-want +got):\n%s", diff)
	}
	if res.Chunks != 4 {
		t.Errorf("Expected 4 chunks, got %d", res.Chunks)
	}
}

func TestRelayEmptySource(t *testing.T) {
	dst := &chunkRecorder{}
	res, err := Relay(context.Background(), &fakeSource{r: bytes.NewReader(nil)}, dst, Config{ChunkSize: 16})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Bytes != 0 || len(dst.chunks) != 0 {
		t.Errorf("Expected nothing written, got %d bytes in %d chunks", res.Bytes, len(dst.chunks))
	}
}

func TestRelayDelay(t *testing.T) {
	const chunkSize = 100
	src := &fakeSource{r: bytes.NewReader(testPayload(3 * chunkSize))}
	dst := &chunkRecorder{}

	start := time.Now()
	res, err := Relay(context.Background(), src, dst, Config{ChunkSize: chunkSize, Delay: 50 * time.Millisecond})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Chunks != 3 {
		t.Fatalf("Expected 3 chunks, got %d", res.Chunks)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Expected at least two inter-chunk delays, relay took %v", elapsed)
	}
	if res.Duration < 100*time.Millisecond {
		t.Errorf("Expected reported duration >= 100ms, got %v", res.Duration)
	}
}

func TestRelayWriteFailureTerminatesSource(t *testing.T) {
	src := &fakeSource{r: bytes.NewReader(testPayload(1000))}
	dst := &failingWriter{limit: 250}

	res, err := Relay(context.Background(), src, dst, Config{ChunkSize: 100})
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("Expected ErrWrite, got %v", err)
	}
	if src.terminated.Load() == 0 {
		t.Error("Expected source to be terminated after write failure")
	}
	if res.Bytes != 200 {
		t.Errorf("Expected 200 bytes relayed before failure, got %d", res.Bytes)
	}
}

func TestRelayCancellationDuringBlockedRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	// Nothing is ever written, so Read blocks until Terminate closes the pipe.
	src := &fakeSource{r: pr, onTerm: func() { pr.CloseWithError(io.ErrClosedPipe) }}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := Relay(ctx, src, io.Discard, Config{ChunkSize: 16})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Relay did not return after cancellation")
	}
	if src.terminated.Load() == 0 {
		t.Error("Expected source to be terminated on cancellation")
	}
}

func TestRelayCancellationDuringDelay(t *testing.T) {
	src := &fakeSource{r: bytes.NewReader(testPayload(1000))}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Relay(ctx, src, io.Discard, Config{ChunkSize: 10, Delay: time.Hour})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Delay was not interrupted by cancellation")
	}
	if src.terminated.Load() == 0 {
		t.Error("Expected source to be terminated")
	}
}

func TestRelayReadError(t *testing.T) {
	boom := errors.New("boom")
	src := &fakeSource{r: io.MultiReader(bytes.NewReader([]byte("abc")), errReader{boom})}
	dst := &chunkRecorder{}

	_, err := Relay(context.Background(), src, dst, Config{ChunkSize: 16})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected read error to be wrapped, got %v", err)
	}
	if errors.Is(err, ErrWrite) {
		t.Error("Read error must not be reported as a write failure")
	}
	if src.terminated.Load() == 0 {
		t.Error("Expected source to be terminated after read error")
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// blockingWriter holds each write until released
type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.entered <- struct{}{}
	<-w.release
	return len(p), nil
}

func TestRelayBackpressure(t *testing.T) {
	src := &fakeSource{r: bytes.NewReader(testPayload(1000))}
	dst := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := Relay(context.Background(), src, dst, Config{ChunkSize: 100})
		done <- err
	}()

	<-dst.entered
	time.Sleep(20 * time.Millisecond)
	if reads := src.reads.Load(); reads != 1 {
		t.Errorf("Expected exactly one read while the first write is blocked, got %d", reads)
	}

	go func() {
		for range dst.entered {
		}
	}()
	close(dst.release)

	if err := <-done; err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	close(dst.entered)
}
