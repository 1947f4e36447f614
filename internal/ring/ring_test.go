package ring

import "testing"

func samplesOf(n int, start float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = start + float32(i)
	}
	return s
}

func TestPreFillUnderflow(t *testing.T) {
	r := New(MinCapacity, 2048)
	out := make([]float32, 1024)
	if n := r.Read(out); n != 0 {
		t.Fatalf("Read before any write = %d, want 0", n)
	}
}

func TestJitterPreFillScenarioS5(t *testing.T) {
	r := New(MinCapacity, 2048)

	out := make([]float32, 1024)
	if n := r.Read(out); n != 0 {
		t.Fatalf("read before write = %d, want 0", n)
	}

	written := samplesOf(2049, 0)
	if n := r.Write(written); n != 2049 {
		t.Fatalf("write = %d, want 2049", n)
	}

	out2 := make([]float32, 2049)
	n := r.Read(out2)
	if n != 2049 {
		t.Fatalf("read = %d, want 2049", n)
	}
	for i := range written {
		if out2[i] != written[i] {
			t.Fatalf("sample[%d] = %v, want %v", i, out2[i], written[i])
		}
	}

	// Buffer now empty: next read returns 0 and pre-fill re-arms.
	if n := r.Read(make([]float32, 1)); n != 0 {
		t.Fatalf("read after drain = %d, want 0", n)
	}

	// A fresh write(J) + read(J) cycle should satisfy pre-fill again.
	r.Write(samplesOf(2048, 100))
	if n := r.Read(make([]float32, 2048)); n != 2048 {
		t.Fatalf("read after re-arm = %d, want 2048", n)
	}
}

func TestOverflowDropsExcessWithoutOverwriting(t *testing.T) {
	r := New(MinCapacity, 0)
	cap := r.Capacity()

	full := samplesOf(cap, 1)
	if n := r.Write(full); n != cap {
		t.Fatalf("initial fill = %d, want %d", n, cap)
	}

	// Buffer is full; further writes must be entirely dropped (short count),
	// and must not clobber what's already queued.
	extra := samplesOf(100, 9999)
	if n := r.Write(extra); n != 0 {
		t.Fatalf("overflow write = %d, want 0", n)
	}

	out := make([]float32, cap)
	n := r.Read(out)
	if n != cap {
		t.Fatalf("read = %d, want %d", n, cap)
	}
	for i := range full {
		if out[i] != full[i] {
			t.Fatalf("sample[%d] = %v, want %v (overwritten by overflow?)", i, out[i], full[i])
		}
	}
}

func TestPartialOverflowReturnsShortCount(t *testing.T) {
	r := New(MinCapacity, 0)
	cap := r.Capacity()
	r.Write(samplesOf(cap-10, 0))

	n := r.Write(samplesOf(50, 1))
	if n != 10 {
		t.Fatalf("short write = %d, want 10", n)
	}
}

func TestZeroLengthReadReturnsZero(t *testing.T) {
	r := New(MinCapacity, 1)
	r.Write(samplesOf(10, 0))
	if n := r.Read(nil); n != 0 {
		t.Fatalf("Read(nil) = %d, want 0", n)
	}
}

func TestWrapAroundCorrectness(t *testing.T) {
	// J=1: the full drain below re-arms pre-fill, and the default J=2048
	// would then hold back the 200-sample read.
	r := New(MinCapacity, 1)
	cap := r.Capacity()

	// Push the write/read cursors most of the way around the buffer first.
	chunk := samplesOf(cap-100, 0)
	r.Write(chunk)
	r.Read(make([]float32, cap-100))

	// Now write spanning the wrap point.
	wrapping := samplesOf(200, 500)
	if n := r.Write(wrapping); n != 200 {
		t.Fatalf("wrap write = %d, want 200", n)
	}
	out := make([]float32, 200)
	if n := r.Read(out); n != 200 {
		t.Fatalf("wrap read = %d, want 200", n)
	}
	for i := range wrapping {
		if out[i] != wrapping[i] {
			t.Fatalf("wrap sample[%d] = %v, want %v", i, out[i], wrapping[i])
		}
	}
}

func TestAvailableInvariants(t *testing.T) {
	r := New(MinCapacity, 0)
	cap := r.Capacity()
	r.Write(samplesOf(500, 0))
	if got, want := r.AvailableRead(), 500; got != want {
		t.Fatalf("AvailableRead = %d, want %d", got, want)
	}
	if got, want := r.AvailableWrite(), cap-500; got != want {
		t.Fatalf("AvailableWrite = %d, want %d", got, want)
	}
}
