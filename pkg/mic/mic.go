// Package mic captures from an input device through PortAudio.
//
// macos:  brew install portaudio
// debian: sudo apt-get install portaudio19-dev
package mic

import (
	"fmt"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/gordonklaus/portaudio"

	"github.com/maks112v/micfifo/pkg/capture"
)

// Mic is an open PortAudio float32 input stream.
type Mic struct {
	stream *portaudio.Stream
	format *goaudio.Format
	device *portaudio.DeviceInfo
	h      capture.Handler

	closeOnce sync.Once
	closeErr  error
}

// Open initializes PortAudio and opens an input stream delivering blocks of
// params.FramesPerBuffer frames to h. The stream is not started.
func Open(params capture.Params, h capture.Handler) (*Mic, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	device, err := inputDevice(params.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	m := &Mic{
		format: &goaudio.Format{
			NumChannels: params.Channels,
			SampleRate:  params.SampleRate,
		},
		device: device,
		h:      h,
	}

	sp := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: params.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(params.SampleRate),
		FramesPerBuffer: params.FramesPerBuffer,
	}

	stream, err := portaudio.OpenStream(sp, m.callback)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream on %q: %w", device.Name, err)
	}
	m.stream = stream

	return m, nil
}

// Opener adapts Open to capture.Opener.
func Opener(params capture.Params, h capture.Handler) (capture.Source, error) {
	m, err := Open(params, h)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// callback runs on the PortAudio thread. in is reused after return.
func (m *Mic) callback(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	m.h(capture.CopyBlock(m.format, in), capture.Status(flags))
}

// Start begins delivering blocks.
func (m *Mic) Start() error {
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	return nil
}

// DeviceName is the name of the device the stream was opened on.
func (m *Mic) DeviceName() string {
	return m.device.Name
}

// Close stops and closes the stream and releases PortAudio. Safe to call more
// than once.
func (m *Mic) Close() error {
	m.closeOnce.Do(func() {
		var err error
		if stopErr := m.stream.Stop(); stopErr != nil && stopErr != portaudio.StreamIsStopped {
			err = fmt.Errorf("stop input stream: %w", stopErr)
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close input stream: %w", closeErr)
		}
		if termErr := portaudio.Terminate(); termErr != nil && err == nil {
			err = fmt.Errorf("terminate portaudio: %w", termErr)
		}
		m.closeErr = err
	})
	return m.closeErr
}

func inputDevice(index *int) (*portaudio.DeviceInfo, error) {
	if index == nil {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if *index < 0 || *index >= len(devices) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", *index, len(devices))
	}
	return devices[*index], nil
}
