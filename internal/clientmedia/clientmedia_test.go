package clientmedia

import (
	"sync"
	"testing"

	"asciiconf/internal/ring"
	"asciiconf/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Type
}

func (f *fakeSender) Send(t wire.Type, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, t)
	return nil
}

func TestRemoteSourceFeedTracksLatestSequence(t *testing.T) {
	rs := NewRemoteSource(1)
	if err := rs.Feed(wire.EncodeAudioFrame(5, []float32{0.1, 0.2})); err != nil {
		t.Fatal(err)
	}
	if err := rs.Feed(wire.EncodeAudioFrame(3, []float32{0.9})); err != nil {
		t.Fatal(err)
	}
	if rs.lastSeq != 5 {
		t.Fatalf("lastSeq = %d, want 5 (stale seq 3 must not regress it)", rs.lastSeq)
	}
}

func TestHandleAudioFrameRegistersSourceOnFirstSight(t *testing.T) {
	e := New(&fakeSender{}, nil, nil, nil, nil)
	body := wire.EncodeAudioFrame(1, []float32{0.1, 0.2, 0.3})
	e.HandleAudioFrame(42, body)

	e.mu.RLock()
	_, ok := e.sources[42]
	e.mu.RUnlock()
	if !ok {
		t.Fatal("expected source 42 to be registered")
	}
}

func TestCaptureTickSendsAudioFrame(t *testing.T) {
	sender := &fakeSender{}
	capture := captureFunc(func() ([]float32, bool) { return []float32{0.1, 0.2}, true })
	e := New(sender, capture, nil, nil, nil)
	e.captureTick()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != wire.TypeAudioFrame {
		t.Fatalf("sent = %v, want one TypeAudioFrame", sender.sent)
	}
}

func TestMixTickClampsOverlappingSources(t *testing.T) {
	e := New(&fakeSender{}, nil, nil, nil, nil)
	a := NewRemoteSource(1)
	b := NewRemoteSource(2)
	// Enough samples to satisfy each ring's jitter pre-fill, so both sources
	// actually contribute to the mix.
	loud := make([]float32, ring.DefaultJitterThreshold)
	for i := range loud {
		loud[i] = 0.9
	}
	a.ring.Write(loud)
	b.ring.Write(loud)
	e.sources[1] = a
	e.sources[2] = b

	scratch := make([]float32, tickSamples)
	mixed := make([]float32, tickSamples)
	e.mixTick(scratch, mixed)
	if mixed[0] != 1.0 {
		t.Fatalf("mixed[0] = %v, want 0.9+0.9 clamped to 1.0", mixed[0])
	}
	for i, v := range mixed {
		if v > 1.0 || v < -1.0 {
			t.Fatalf("mixed[%d] = %v, out of range", i, v)
		}
	}
}

type captureFunc func() ([]float32, bool)

func (f captureFunc) CaptureFrame() ([]float32, bool) { return f() }
