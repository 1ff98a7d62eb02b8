// Package streamer runs the capture → queue → encode → pipe loop.
package streamer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maks112v/micfifo/pkg/audio"
	"github.com/maks112v/micfifo/pkg/capture"
	"github.com/maks112v/micfifo/pkg/config"
	"github.com/maks112v/micfifo/pkg/queue"
	"github.com/maks112v/micfifo/pkg/sink"
)

// Status logs: a burst of 5, then one every 2s.
const (
	statusLogRate  = 0.5
	statusLogBurst = 5
)

// Streamer moves microphone audio into the pipe until its context ends.
type Streamer struct {
	cfg    *config.Config
	open   capture.Opener
	logger *zap.SugaredLogger
	out    io.Writer

	proc   *audio.Processor
	queue  *queue.Queue[*goaudio.Float32Buffer]
	status *capture.StatusReporter

	blocksWritten atomic.Uint64
	bytesWritten  atomic.Uint64
}

// New creates a streamer. open is only called once the pipe path has been
// validated. The startup banner and the stop message go to out regardless of
// the log level.
func New(cfg *config.Config, open capture.Opener, logger *zap.SugaredLogger, out io.Writer) *Streamer {
	if out == nil {
		out = io.Discard
	}
	return &Streamer{
		cfg:    cfg,
		open:   open,
		logger: logger,
		out:    out,
		proc:   audio.NewProcessor(cfg.SampleRate, cfg.Channels),
		queue:  queue.New[*goaudio.Float32Buffer](cfg.MaxQueue),
		status: capture.NewStatusReporter(logger.With("module", "capture"), statusLogRate, statusLogBurst),
	}
}

// Run validates the pipe, opens and starts capture, waits for a reader on
// the pipe and then writes every captured block in order. It returns nil
// when ctx is cancelled and an error for startup or write failures. Blocks
// still queued at shutdown are discarded.
func (s *Streamer) Run(ctx context.Context) error {
	isFIFO, err := sink.Check(s.cfg.FIFO)
	if err != nil {
		return err
	}
	if !isFIFO {
		s.logger.Warnw("Output path is not a FIFO, writing anyway", "path", s.cfg.FIFO)
	}

	src, err := s.open(capture.Params{
		SampleRate:      s.cfg.SampleRate,
		Channels:        s.cfg.Channels,
		FramesPerBuffer: s.cfg.FramesPerChunk(),
		Device:          s.cfg.Device,
	}, s.handle)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.logger.Errorf("Failed to close capture: %v", err)
		}
	}()

	if err := src.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	s.logger.Infow("Capture started",
		"device", src.DeviceName(),
		"sample_rate", s.proc.GetSampleRate(),
		"channels", s.proc.GetNumChannels(),
		"bit_depth", s.proc.GetBitDepth(),
		"bytes_per_second", s.proc.BytesPerSecond(),
	)
	s.logger.Debugw("Waiting for a reader", "path", s.cfg.FIFO)
	fifo, err := sink.Open(ctx, s.cfg.FIFO)
	if err != nil {
		if ctx.Err() != nil {
			s.stopped()
			return nil
		}
		return err
	}
	defer func() {
		if err := fifo.Close(); err != nil {
			s.logger.Errorf("Failed to close pipe: %v", err)
		}
	}()

	fmt.Fprintf(s.out, "Writing microphone audio to %s (%d Hz, %d ch, %d ms chunks)\n",
		fifo.Path(), s.proc.GetSampleRate(), s.proc.GetNumChannels(), s.cfg.ChunkMS)
	fmt.Fprintln(s.out, "Ctrl-C to stop.")
	s.logger.Debugw("Reader attached", "path", fifo.Path())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pump(gctx, fifo) })
	g.Go(func() error { return s.watchBacklog(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	s.stopped()
	return nil
}

// handle runs on the capture thread and must not block.
func (s *Streamer) handle(block *goaudio.Float32Buffer, status capture.Status) {
	s.status.Report(status)
	s.queue.Push(block)
}

// pump is the single consumer: dequeue, encode, write.
func (s *Streamer) pump(ctx context.Context, fifo *sink.FIFO) error {
	for {
		block, err := s.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		pcm := s.proc.Encode(block)
		if err := fifo.Write(ctx, pcm); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.blocksWritten.Add(1)
		s.bytesWritten.Add(uint64(len(pcm)))
	}
}

// watchBacklog warns each time the queue doubles past one second of audio,
// and when drop-oldest is enabled, when blocks have been evicted.
func (s *Streamer) watchBacklog(ctx context.Context) error {
	chunk := s.cfg.ChunkDuration()
	base := int((time.Second + chunk - 1) / chunk)
	threshold := base
	var lastDropped uint64

	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		backlog := s.queue.Len()
		switch {
		case backlog >= threshold:
			s.logger.Warnw("Reader is falling behind",
				"backlog_chunks", backlog,
				"backlog", time.Duration(backlog)*chunk,
			)
			for threshold <= backlog {
				threshold *= 2
			}
		case backlog < base && threshold > base:
			s.logger.Infow("Reader caught up", "backlog_chunks", backlog)
			threshold = base
		}

		if dropped := s.queue.Dropped(); dropped > lastDropped {
			s.logger.Warnw("Dropped oldest chunks",
				"dropped", dropped-lastDropped,
				"total_dropped", dropped,
				"max_queue", s.cfg.MaxQueue,
			)
			lastDropped = dropped
		}
	}
}

func (s *Streamer) stopped() {
	chunks, n := s.Stats()
	fmt.Fprintln(s.out, "\nStopped.")
	s.logger.Infow("Capture stopped",
		"chunks_written", chunks,
		"bytes_written", n,
		"chunks_discarded", s.queue.Len(),
		"status_events", s.status.Total(),
	)
}

// Stats reports chunks and bytes written so far.
func (s *Streamer) Stats() (chunks, bytes uint64) {
	return s.blocksWritten.Load(), s.bytesWritten.Load()
}
