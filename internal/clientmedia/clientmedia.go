// Package clientmedia orchestrates capture, encode, send on the outbound
// side and receive, decode, mix, render on the inbound side. Device and
// codec access are abstracted behind small interfaces — exactly as the
// audio engine this was grown from abstracts PortAudio and Opus — so the
// orchestration logic is unit-testable without real hardware.
package clientmedia

import (
	"log"
	"sync"
	"time"

	"asciiconf/internal/ring"
	"asciiconf/internal/wire"
)

const (
	// TickInterval is the cadence at which the mixer drains every remote
	// source's jitter ring and emits one mixed frame to the audio player.
	TickInterval = 20 * time.Millisecond
	tickSamples  = wire.AudioSampleRate / 50 // samples per 20ms tick, mono
)

// VideoSource captures raw frames for encoding. Render targets (ASCII
// terminal, image pipe) and capture devices (camera, screen) are supplied
// by the caller; this package never touches a device or terminal directly.
type VideoSource interface {
	// CaptureASCII returns the next rendered frame, or ok=false if no frame
	// is ready yet.
	CaptureASCII() (cells []byte, width, height uint16, ok bool)
}

// ASCIIRenderer draws a decoded ASCII frame from a remote participant.
type ASCIIRenderer interface {
	RenderASCII(sourceID uint32, width, height uint16, cells []byte)
}

// AudioCapture abstracts the local microphone pipeline. It returns one
// 20ms frame of PCM samples, or ok=false if nothing was captured this tick
// (e.g. silence suppression).
type AudioCapture interface {
	CaptureFrame() (samples []float32, ok bool)
}

// AudioPlayer abstracts the local speaker/decoder pipeline. PlayMixed receives
// one tick's worth of already-mixed float32 PCM samples.
type AudioPlayer interface {
	PlayMixed(samples []float32)
}

// PacketSender is the narrow outbound interface clientmedia needs from the
// transport layer: encode and enqueue one packet.
type PacketSender interface {
	Send(t wire.Type, body []byte) error
}

// RemoteSource is the per-peer jitter buffer and sequence state needed to
// decode and order one participant's incoming audio stream.
type RemoteSource struct {
	ID   uint32
	ring *ring.Ring

	mu      sync.Mutex
	lastSeq uint64
	hasSeq  bool
}

// NewRemoteSource allocates a jitter ring for one newly-joined participant.
func NewRemoteSource(id uint32) *RemoteSource {
	return &RemoteSource{ID: id, ring: ring.New(ring.MinCapacity, ring.DefaultJitterThreshold)}
}

// Feed decodes an AUDIO_FRAME body and writes its samples into this
// source's jitter ring. A frame whose sequence number is not greater than
// the last accepted one (stale or duplicate) is dropped without error and
// without being written.
func (r *RemoteSource) Feed(body []byte) error {
	frame, err := wire.DecodeAudioFrame(body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.hasSeq && frame.Seq <= r.lastSeq {
		r.mu.Unlock()
		return nil // stale or duplicate; drop silently
	}
	r.lastSeq = frame.Seq
	r.hasSeq = true
	r.mu.Unlock()

	r.ring.Write(frame.Samples)
	return nil
}

// Engine ties together capture/encode/send on egress and the per-source
// mixer on ingress. Construct with New, start the ticker with RunMixer in
// its own goroutine.
type Engine struct {
	sender   PacketSender
	capture  AudioCapture
	player   AudioPlayer
	video    VideoSource
	renderer ASCIIRenderer

	mu      sync.RWMutex
	sources map[uint32]*RemoteSource

	seq uint64

	stopCh chan struct{}
	once   sync.Once
}

// New constructs an Engine. video/renderer may be nil if this side does not
// send or render ASCII video.
func New(sender PacketSender, capture AudioCapture, player AudioPlayer, video VideoSource, renderer ASCIIRenderer) *Engine {
	return &Engine{
		sender:   sender,
		capture:  capture,
		player:   player,
		video:    video,
		renderer: renderer,
		sources:  make(map[uint32]*RemoteSource),
		stopCh:   make(chan struct{}),
	}
}

// AddSource registers a jitter buffer for a newly-joined remote peer.
func (e *Engine) AddSource(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[id] = NewRemoteSource(id)
}

// RemoveSource drops a departed peer's jitter buffer.
func (e *Engine) RemoveSource(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sources, id)
}

// HandleAudioFrame routes an inbound AUDIO_FRAME packet to its source's
// jitter buffer, registering the source on first sight.
func (e *Engine) HandleAudioFrame(sourceID uint32, body []byte) {
	e.mu.RLock()
	src, ok := e.sources[sourceID]
	e.mu.RUnlock()
	if !ok {
		src = NewRemoteSource(sourceID)
		e.mu.Lock()
		e.sources[sourceID] = src
		e.mu.Unlock()
	}
	if err := src.Feed(body); err != nil {
		log.Printf("[clientmedia] source %d: decode audio frame: %v", sourceID, err)
	}
}

// HandleASCIIFrame renders an inbound ASCII video frame from a peer.
func (e *Engine) HandleASCIIFrame(sourceID uint32, body []byte) {
	if e.renderer == nil {
		return
	}
	frame, err := wire.DecodeASCIIFrame(body)
	if err != nil {
		log.Printf("[clientmedia] source %d: decode ascii frame: %v", sourceID, err)
		return
	}
	e.renderer.RenderASCII(sourceID, frame.Width, frame.Height, frame.Payload)
}

// RunCaptureLoop polls the local audio and video capture devices on a 20ms
// tick and sends encoded frames until Stop is called.
func (e *Engine) RunCaptureLoop() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.captureTick()
		}
	}
}

func (e *Engine) captureTick() {
	if e.capture != nil {
		if samples, ok := e.capture.CaptureFrame(); ok {
			e.seq++
			body := wire.EncodeAudioFrame(e.seq, samples)
			if err := e.sender.Send(wire.TypeAudioFrame, body); err != nil {
				log.Printf("[clientmedia] send audio frame: %v", err)
			}
		}
	}
	if e.video != nil {
		if cells, w, h, ok := e.video.CaptureASCII(); ok {
			body := wire.EncodeASCIIFrame(w, h, cells)
			if err := e.sender.Send(wire.TypeASCIIFrame, body); err != nil {
				log.Printf("[clientmedia] send ascii frame: %v", err)
			}
		}
	}
}

// RunMixer drains every remote source's jitter buffer once per tick, sums
// the results with clipping, and hands the mixed buffer to the player.
// Intended to run in its own goroutine alongside RunCaptureLoop.
func (e *Engine) RunMixer() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	scratch := make([]float32, tickSamples)
	mixed := make([]float32, tickSamples)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mixTick(scratch, mixed)
		}
	}
}

func (e *Engine) mixTick(scratch, mixed []float32) {
	for i := range mixed {
		mixed[i] = 0
	}
	e.mu.RLock()
	sources := make([]*RemoteSource, 0, len(e.sources))
	for _, s := range e.sources {
		sources = append(sources, s)
	}
	e.mu.RUnlock()

	for _, s := range sources {
		n := s.ring.Read(scratch)
		for i := 0; i < n; i++ {
			mixed[i] += scratch[i]
		}
	}
	for i := range mixed {
		if mixed[i] > 1.0 {
			mixed[i] = 1.0
		} else if mixed[i] < -1.0 {
			mixed[i] = -1.0
		}
	}
	if e.player != nil {
		e.player.PlayMixed(mixed)
	}
}

// Stop halts RunCaptureLoop and RunMixer. Safe to call more than once.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
}
