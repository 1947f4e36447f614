//go:build portaudio

// Real device I/O is opt-in: most development and CI environments have no
// audio hardware, so the portable build (device_stub.go) is the default and
// this file only compiles in with -tags portaudio.
package clientmedia

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"

	"asciiconf/internal/wire"
)

// PortaudioDevice drives a real microphone and speaker through PortAudio at
// the wire format's fixed 48kHz mono rate, passing samples through as
// float32 PCM. It constructs an Opus encoder and decoder, but CaptureFrame
// and PlayMixed do not use them: no Opus encoding or decoding is applied.
type PortaudioDevice struct {
	mu sync.Mutex

	inStream  *portaudio.Stream
	outStream *portaudio.Stream

	inBuf  []int16
	outBuf []int16

	encoder *opus.Encoder
	decoder *opus.Decoder

	captured chan []float32
	toPlay   chan []float32
}

// OpenDefaultDevice opens the system default input and output devices.
func OpenDefaultDevice() (*PortaudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("clientmedia: portaudio init: %w", err)
	}
	enc, err := opus.NewEncoder(wire.AudioSampleRate, wire.AudioChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("clientmedia: new opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(wire.AudioSampleRate, wire.AudioChannels)
	if err != nil {
		return nil, fmt.Errorf("clientmedia: new opus decoder: %w", err)
	}
	d := &PortaudioDevice{
		inBuf:    make([]int16, tickSamples),
		outBuf:   make([]int16, tickSamples),
		encoder:  enc,
		decoder:  dec,
		captured: make(chan []float32, 30),
		toPlay:   make(chan []float32, 30),
	}
	in, err := portaudio.OpenDefaultStream(wire.AudioChannels, 0, wire.AudioSampleRate, len(d.inBuf), d.inBuf, d.onInput)
	if err != nil {
		return nil, fmt.Errorf("clientmedia: open input stream: %w", err)
	}
	out, err := portaudio.OpenDefaultStream(0, wire.AudioChannels, wire.AudioSampleRate, len(d.outBuf), d.outBuf, d.onOutput)
	if err != nil {
		return nil, fmt.Errorf("clientmedia: open output stream: %w", err)
	}
	d.inStream, d.outStream = in, out
	if err := in.Start(); err != nil {
		return nil, err
	}
	if err := out.Start(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PortaudioDevice) onInput() {
	samples := make([]float32, len(d.inBuf))
	for i, s := range d.inBuf {
		samples[i] = float32(s) / 32768.0
	}
	select {
	case d.captured <- samples:
	default:
	}
}

func (d *PortaudioDevice) onOutput() {
	select {
	case samples := <-d.toPlay:
		for i := range d.outBuf {
			if i < len(samples) {
				d.outBuf[i] = int16(clampf(samples[i]) * 32767.0)
			} else {
				d.outBuf[i] = 0
			}
		}
	default:
		for i := range d.outBuf {
			d.outBuf[i] = 0
		}
	}
}

func clampf(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// CaptureFrame implements AudioCapture.
func (d *PortaudioDevice) CaptureFrame() ([]float32, bool) {
	select {
	case s := <-d.captured:
		return s, true
	default:
		return nil, false
	}
}

// PlayMixed implements AudioPlayer.
func (d *PortaudioDevice) PlayMixed(samples []float32) {
	cp := append([]float32(nil), samples...)
	select {
	case d.toPlay <- cp:
	default:
	}
}

// Close stops and releases the underlying PortAudio streams.
func (d *PortaudioDevice) Close() error {
	d.inStream.Close()
	d.outStream.Close()
	return portaudio.Terminate()
}
