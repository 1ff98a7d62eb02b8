// Package capture defines the contract between an audio input backend and
// the rest of the pipeline. Backends call a Handler once per completed
// block from their own thread; handlers must not block.
package capture

import (
	"strings"

	goaudio "github.com/go-audio/audio"
)

// Status carries the condition flags reported with a block. Bit values match
// the PortAudio callback flags.
type Status uint32

const (
	InputUnderflow Status = 1 << iota
	InputOverflow
	OutputUnderflow
	OutputOverflow
	PrimingOutput
)

var statusNames = []struct {
	flag Status
	name string
}{
	{InputUnderflow, "input underflow"},
	{InputOverflow, "input overflow"},
	{OutputUnderflow, "output underflow"},
	{OutputOverflow, "output overflow"},
	{PrimingOutput, "priming output"},
}

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
			s &^= n.flag
		}
	}
	if s != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, ", ")
}

// Handler receives a block the callee owns and the status reported with it.
type Handler func(block *goaudio.Float32Buffer, status Status)

// Params describes the input session to open.
type Params struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	// Device is an index into the backend's device list; nil selects the
	// default input device.
	Device *int
}

// Source is an open capture session.
type Source interface {
	Start() error
	Close() error
	// DeviceName names the input device the session was opened on.
	DeviceName() string
}

// Opener opens a capture session that delivers blocks to h.
type Opener func(params Params, h Handler) (Source, error)

// CopyBlock copies in, which the backend may reuse once the callback
// returns, into a new block.
func CopyBlock(format *goaudio.Format, in []float32) *goaudio.Float32Buffer {
	data := make([]float32, len(in))
	copy(data, in)
	return &goaudio.Float32Buffer{
		Format:         format,
		Data:           data,
		SourceBitDepth: 32,
	}
}
