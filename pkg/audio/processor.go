package audio

import (
	"encoding/binary"
	"math"

	goaudio "github.com/go-audio/audio"
)

// BitDepth of every sample written to the pipe.
const BitDepth = 16

// Processor converts captured float blocks into raw PCM for the pipe
type Processor struct {
	sampleRate  int
	numChannels int
	bitDepth    int
}

// NewProcessor creates a new audio processor
func NewProcessor(sampleRate, numChannels int) *Processor {
	return &Processor{
		sampleRate:  sampleRate,
		numChannels: numChannels,
		bitDepth:    BitDepth,
	}
}

// Encode clips each sample to [-1, 1], scales it by math.MaxInt16 and
// truncates toward zero. The result is native-endian, two bytes per sample,
// channels left interleaved as captured.
func (p *Processor) Encode(block *goaudio.Float32Buffer) []byte {
	if block == nil {
		return nil
	}
	return EncodeSamples(block.Data)
}

// EncodeSamples is Encode on a bare sample slice.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.NativeEndian.PutUint16(out[i*2:], uint16(Quantize(v)))
	}
	return out
}

// Quantize maps one sample to int16. NaN maps to 0.
func Quantize(v float32) int16 {
	switch {
	case math.IsNaN(float64(v)):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(v * math.MaxInt16)
}

// GetSampleRate is the rate of the PCM stream in Hz.
func (p *Processor) GetSampleRate() int {
	return p.sampleRate
}

// GetNumChannels is the interleaved channel count of the PCM stream.
func (p *Processor) GetNumChannels() int {
	return p.numChannels
}

// GetBitDepth is always BitDepth.
func (p *Processor) GetBitDepth() int {
	return p.bitDepth
}

// BytesPerSecond is the pipe throughput at the configured format.
func (p *Processor) BytesPerSecond() int {
	return p.sampleRate * p.numChannels * p.bitDepth / 8
}
