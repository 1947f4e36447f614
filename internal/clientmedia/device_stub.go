//go:build !portaudio

// Portable default: no real audio device, so capture always reports
// nothing available and playback discards its input. Built without the
// portaudio tag (the default), which is what CI and headless test runs use.
package clientmedia

// NullDevice implements AudioCapture and AudioPlayer as a no-op, for
// environments without real audio hardware or in tests that only care
// about the packet plumbing.
type NullDevice struct{}

// CaptureFrame always reports nothing captured.
func (NullDevice) CaptureFrame() ([]float32, bool) { return nil, false }

// PlayMixed discards the mixed buffer.
func (NullDevice) PlayMixed(_ []float32) {}
