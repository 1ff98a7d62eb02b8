//go:build unix

package streamer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/maks112v/micfifo/pkg/audio"
	"github.com/maks112v/micfifo/pkg/capture"
	"github.com/maks112v/micfifo/pkg/config"
	"github.com/maks112v/micfifo/pkg/sink"
)

// fakeSource replays fixed blocks, or produces blocks forever when loop is
// set, from its own goroutine like a real capture thread.
type fakeSource struct {
	params capture.Params
	h      capture.Handler
	blocks [][]float32
	status capture.Status
	every  time.Duration
	loop   bool

	started atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func (f *fakeSource) Start() error {
	f.started.Store(true)
	go func() {
		defer close(f.done)
		format := &goaudio.Format{NumChannels: f.params.Channels, SampleRate: f.params.SampleRate}
		for i := 0; f.loop || i < len(f.blocks); i++ {
			select {
			case <-f.stop:
				return
			default:
			}
			f.h(capture.CopyBlock(format, f.blocks[i%len(f.blocks)]), f.status)
			if f.every > 0 {
				time.Sleep(f.every)
			}
		}
	}()
	return nil
}

func (f *fakeSource) DeviceName() string { return "Fake Microphone" }

func (f *fakeSource) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.stop)
		if f.started.Load() {
			<-f.done
		}
	}
	return nil
}

type fakeOpener struct {
	src    *fakeSource
	calls  atomic.Int32
	params capture.Params
	err    error
}

func (o *fakeOpener) open(params capture.Params, h capture.Handler) (capture.Source, error) {
	o.calls.Add(1)
	o.params = params
	if o.err != nil {
		return nil, o.err
	}
	o.src.params = params
	o.src.h = h
	o.src.stop = make(chan struct{})
	o.src.done = make(chan struct{})
	return o.src, nil
}

func testConfig(path string) *config.Config {
	return &config.Config{
		FIFO:       path,
		SampleRate: 16000,
		Channels:   1,
		ChunkMS:    200,
		LogLevel:   "debug",
		LogFormat:  "json",
	}
}

func mkfifo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.fifo")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	return path
}

func newObserved() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func waitForLog(t *testing.T, logs *observer.ObservedLogs, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if logs.FilterMessage(msg).Len() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log %q never appeared", msg)
}

// lockedBuffer is the streamer's stdout, read by the test while Run writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, out *lockedBuffer, text string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), text) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output %q never appeared, got %q", text, out.String())
}

func runAsync(ctx context.Context, s *Streamer) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// constBlock fills a 3200 frame chunk with v.
func constBlock(v float32) []float32 {
	b := make([]float32, config.FramesPerChunk(16000, 200))
	for i := range b {
		b[i] = v
	}
	return b
}

func TestRunMissingFIFONeverOpensCapture(t *testing.T) {
	logger, _ := newObserved()
	path := filepath.Join(t.TempDir(), "absent.fifo")
	opener := &fakeOpener{src: &fakeSource{}}

	err := New(testConfig(path), opener.open, logger, io.Discard).Run(context.Background())

	if err == nil {
		t.Fatal("expected error for missing FIFO")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
	if !strings.Contains(err.Error(), path) {
		t.Fatalf("error %q does not contain %s", err, path)
	}
	if opener.calls.Load() != 0 {
		t.Fatal("capture opened before the FIFO was validated")
	}
}

func TestRunOpenerError(t *testing.T) {
	logger, _ := newObserved()
	boom := errors.New("no such device")
	opener := &fakeOpener{err: boom}

	err := New(testConfig(mkfifo(t)), opener.open, logger, io.Discard).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestRunWritesBlocksInCaptureOrder(t *testing.T) {
	logger, logs := newObserved()
	path := mkfifo(t)

	var blocks [][]float32
	var want bytes.Buffer
	for i := 0; i < 12; i++ {
		b := constBlock(float32(i+1) / 20)
		blocks = append(blocks, b)
		want.Write(audio.EncodeSamples(b))
	}

	src := &fakeSource{blocks: blocks}
	opener := &fakeOpener{src: src}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &lockedBuffer{}
	s := New(testConfig(path), opener.open, logger, out)
	errCh := runAsync(ctx, s)

	// A slow reader with uneven read sizes.
	rd, err := os.Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer rd.Close()

	got := make([]byte, 0, want.Len())
	buf := make([]byte, 1000)
	for i := 0; len(got) < want.Len(); i++ {
		n, err := rd.Read(buf[:100+(i*337)%900])
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
		if i%7 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !bytes.Equal(got, want.Bytes()) {
		t.Fatal("pipe bytes differ from captured blocks in order")
	}
	if opener.params.FramesPerBuffer != 3200 || opener.params.Channels != 1 || opener.params.SampleRate != 16000 {
		t.Fatalf("capture params = %+v", opener.params)
	}
	if !src.closed.Load() {
		t.Fatal("capture source not closed")
	}
	chunks, n := s.Stats()
	if chunks != 12 || n != uint64(want.Len()) {
		t.Fatalf("Stats = %d chunks %d bytes", chunks, n)
	}
	banner := "Writing microphone audio to " + path + " (16000 Hz, 1 ch, 200 ms chunks)\nCtrl-C to stop.\n"
	if !strings.HasPrefix(out.String(), banner) {
		t.Fatalf("output = %q, want banner %q", out.String(), banner)
	}
	if !strings.HasSuffix(out.String(), "\nStopped.\n") {
		t.Fatalf("output = %q, want stop message", out.String())
	}
	started := logs.FilterMessage("Capture started").All()
	if len(started) != 1 {
		t.Fatalf("%d capture start logs", len(started))
	}
	fields := started[0].ContextMap()
	if fields["device"] != "Fake Microphone" || fields["bytes_per_second"] != int64(32000) {
		t.Fatalf("capture start fields = %v", fields)
	}
	stopped := logs.FilterMessage("Capture stopped").All()
	if len(stopped) != 1 || stopped[0].ContextMap()["chunks_written"] != uint64(12) {
		t.Fatalf("capture stop logs = %v", stopped)
	}
}

func TestRunInterruptStopsCleanly(t *testing.T) {
	logger, logs := newObserved()
	path := mkfifo(t)
	src := &fakeSource{blocks: [][]float32{constBlock(0.1)}, loop: true, every: 10 * time.Millisecond}
	opener := &fakeOpener{src: src}

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	errCh := runAsync(ctx, New(testConfig(path), opener.open, logger, out))

	rd, err := os.Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer rd.Close()
	go io.Copy(io.Discard, rd)

	waitForOutput(t, out, "Ctrl-C to stop.")
	cancel()

	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run after interrupt = %v, want nil", err)
	}
	if n := strings.Count(out.String(), "Stopped."); n != 1 {
		t.Fatalf("stop message printed %d times", n)
	}
	if logs.FilterMessage("Capture stopped").Len() != 1 {
		t.Fatal("stop summary not logged")
	}
	if !src.closed.Load() {
		t.Fatal("capture source not closed")
	}
}

func TestRunInterruptWhileWaitingForReader(t *testing.T) {
	logger, logs := newObserved()
	src := &fakeSource{blocks: [][]float32{constBlock(0.1)}, loop: true, every: 10 * time.Millisecond}
	opener := &fakeOpener{src: src}

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	errCh := runAsync(ctx, New(testConfig(mkfifo(t)), opener.open, logger, out))

	waitForLog(t, logs, "Waiting for a reader")
	time.Sleep(30 * time.Millisecond)
	cancel()

	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if strings.Contains(out.String(), "Ctrl-C to stop.") {
		t.Fatal("banner printed without a reader")
	}
	if !strings.Contains(out.String(), "Stopped.") {
		t.Fatalf("output = %q, want stop message", out.String())
	}
	if !src.closed.Load() {
		t.Fatal("capture source not closed")
	}
}

func TestRunPrintsBannerAndStopAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core).Sugar()
	path := mkfifo(t)
	src := &fakeSource{blocks: [][]float32{constBlock(0.1)}, loop: true, every: 10 * time.Millisecond}
	opener := &fakeOpener{src: src}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &lockedBuffer{}
	errCh := runAsync(ctx, New(testConfig(path), opener.open, logger, out))

	rd, err := os.Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer rd.Close()
	go io.Copy(io.Discard, rd)

	waitForOutput(t, out, "Writing microphone audio to "+path)
	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	for _, want := range []string{"(16000 Hz, 1 ch, 200 ms chunks)", "Ctrl-C to stop.", "Stopped."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q missing %q", out.String(), want)
		}
	}
	if logs.FilterMessage("Capture stopped").Len() != 0 {
		t.Fatal("info summary leaked through a warn level logger")
	}
}

func TestRunReaderDisconnectIsFatal(t *testing.T) {
	logger, _ := newObserved()
	path := mkfifo(t)
	src := &fakeSource{blocks: [][]float32{constBlock(0.2)}, loop: true, every: 2 * time.Millisecond}
	opener := &fakeOpener{src: src}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errCh := runAsync(ctx, New(testConfig(path), opener.open, logger, io.Discard))

	rd, err := os.Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	buf := make([]byte, 6400)
	if _, err := io.ReadFull(rd, buf); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	rd.Close()

	err = waitErr(t, errCh)
	if !errors.Is(err, sink.ErrReaderGone) {
		t.Fatalf("err = %v, want ErrReaderGone", err)
	}
	if !src.closed.Load() {
		t.Fatal("capture source not closed")
	}
}

func TestRunCaptureStatusIsNotFatal(t *testing.T) {
	logger, logs := newObserved()
	path := mkfifo(t)
	blocks := [][]float32{constBlock(0.3), constBlock(0.4), constBlock(0.5)}
	src := &fakeSource{blocks: blocks, status: capture.InputOverflow}
	opener := &fakeOpener{src: src}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, New(testConfig(path), opener.open, logger, io.Discard))

	rd, err := os.Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer rd.Close()

	got := make([]byte, 3*6400)
	if _, err := io.ReadFull(rd, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var want []byte
	for _, b := range blocks {
		want = append(want, audio.EncodeSamples(b)...)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("blocks flagged with a status were not written intact")
	}
	statusLogs := logs.FilterMessage("Capture status").All()
	if len(statusLogs) == 0 {
		t.Fatal("capture status not logged")
	}
	if statusLogs[0].Level != zapcore.WarnLevel {
		t.Fatalf("status logged at %v, want warn", statusLogs[0].Level)
	}
}

func TestHandleCopiesAreQueuedInOrder(t *testing.T) {
	logger, _ := newObserved()
	s := New(testConfig("/unused"), nil, logger, io.Discard)
	format := &goaudio.Format{NumChannels: 1, SampleRate: 16000}

	// The backend reuses one buffer for every callback.
	shared := []float32{0}
	for i := 0; i < 3; i++ {
		shared[0] = float32(i)
		s.handle(capture.CopyBlock(format, shared), 0)
	}

	for want := 0; want < 3; want++ {
		b, err := s.queue.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if b.Data[0] != float32(want) {
			t.Fatalf("block %d holds %v", want, b.Data[0])
		}
	}
}
