package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultChunkSize is the read size used when Config.ChunkSize is unset
const DefaultChunkSize = 64 * 1024

// ErrWrite is returned when the destination rejects a chunk, which for HTTP
// responses almost always means the client went away.
var ErrWrite = errors.New("stream: destination write failed")

// Source is a producer of archive bytes that can be torn down early
type Source interface {
	io.Reader
	Terminate() error
}

// Config controls relay pacing
type Config struct {
	ChunkSize int           // maximum bytes per read
	Delay     time.Duration // pause after each forwarded chunk
}

// Result summarizes a relay run
type Result struct {
	Bytes    int64
	Chunks   int
	Duration time.Duration
}

// Relay copies src to dst one chunk at a time until src reports EOF. The next
// read is not issued until the previous write has returned, so a slow
// destination slows the source down instead of growing a buffer.
//
// On a write failure src is terminated and an error wrapping ErrWrite is
// returned. When ctx is cancelled src is terminated, even if a read is
// blocked, and ctx.Err() is returned as is. Normal completion leaves src
// alone so the caller can inspect how it exited.
func Relay(ctx context.Context, src Source, dst io.Writer, cfg Config) (Result, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	start := time.Now()
	var res Result
	finish := func(err error) (Result, error) {
		res.Duration = time.Since(start)
		return res, err
	}

	stop := context.AfterFunc(ctx, func() { src.Terminate() })
	defer stop()

	buf := make([]byte, cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			src.Terminate()
			return finish(err)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				src.Terminate()
				if err := ctx.Err(); err != nil {
					return finish(err)
				}
				return finish(fmt.Errorf("%w: %w", ErrWrite, werr))
			}
			res.Bytes += int64(n)
			res.Chunks++

			if cfg.Delay > 0 {
				if err := sleep(ctx, cfg.Delay); err != nil {
					src.Terminate()
					return finish(err)
				}
			}
		}

		if rerr != nil {
			// A terminated source surfaces as EOF or a closed pipe, so the
			// context decides what actually happened.
			if err := ctx.Err(); err != nil {
				src.Terminate()
				return finish(err)
			}
			if rerr == io.EOF {
				return finish(nil)
			}
			src.Terminate()
			return finish(fmt.Errorf("stream: failed to read archive output: %w", rerr))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
