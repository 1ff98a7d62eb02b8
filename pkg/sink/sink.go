// Package sink writes PCM into a named pipe created outside the process.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"
)

var ErrReaderGone = errors.New("reader disconnected")

// Check verifies that path exists before any audio is captured. The error
// satisfies errors.Is(err, fs.ErrNotExist) and names the path. A path that
// exists but is not a FIFO is accepted; isFIFO lets the caller warn.
func Check(path string) (isFIFO bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("FIFO %s does not exist (use mkfifo first): %w", path, err)
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return isNamedPipe(path, info), nil
}

// FIFO is the write end of the pipe. Writes go straight to the file
// descriptor with no user-space buffering.
type FIFO struct {
	f    *os.File
	path string

	closeOnce sync.Once
	closeErr  error
}

type openResult struct {
	f   *os.File
	err error
}

// Open opens path for writing. For a FIFO this waits until a reader attaches;
// cancelling ctx abandons the wait.
func Open(ctx context.Context, path string) (*FIFO, error) {
	done := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		done <- openResult{f, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", path, r.err)
		}
		return &FIFO{f: r.f, path: path}, nil

	case <-ctx.Done():
		abandonOpen(path, done)
		return nil, ctx.Err()
	}
}

// abandonOpen releases the goroutine still blocked in open(2). Attaching a
// throwaway non-blocking reader lets the writer open complete; both ends are
// then closed.
func abandonOpen(path string, done <-chan openResult) {
	rd, err := openReaderNonblock(path)
	if err != nil {
		go func() {
			if r := <-done; r.f != nil {
				r.f.Close()
			}
		}()
		return
	}
	if r := <-done; r.f != nil {
		r.f.Close()
	}
	rd.Close()
}

// Path is the pipe path.
func (s *FIFO) Path() string {
	return s.path
}

// Write blocks until every byte of p is accepted by the pipe or ctx is
// cancelled. There is no timeout: a reader that stops reading stalls the
// writer indefinitely.
func (s *FIFO) Write(ctx context.Context, p []byte) error {
	stop := context.AfterFunc(ctx, func() {
		s.f.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := s.f.Write(p); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			return ctxErr
		}
		if errors.Is(err, syscall.EPIPE) {
			return fmt.Errorf("write %s: %w: %w", s.path, ErrReaderGone, err)
		}
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Close releases the handle. Safe to call more than once.
func (s *FIFO) Close() error {
	s.closeOnce.Do(func() {
		if err := s.f.Close(); err != nil {
			s.closeErr = fmt.Errorf("close %s: %w", s.path, err)
		}
	})
	return s.closeErr
}
