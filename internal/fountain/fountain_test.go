package fountain

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomBlock(t *testing.T, size int) []byte {
	block := make([]byte, size)
	if _, err := rand.Read(block); err != nil {
		t.Fatal(err)
	}
	return block
}

// TestFountainTermination exercises spec §8's termination property: feeding
// a decoder combinations from an honest encoder eventually reproduces the
// source block byte-exact.
func TestFountainTermination(t *testing.T) {
	block := randomBlock(t, 12345)

	source := NewSource(block)
	sink := NewSink(source.NumChunks())

	for i := 0; i < 10000 && !sink.IsComplete(); i++ {
		combo, err := source.Generate()
		if err != nil {
			t.Fatal(err)
		}
		sink.Solve(combo)
	}

	if !sink.IsComplete() {
		t.Fatal("sink did not complete")
	}
	if got := sink.Bytes(); !bytes.Equal(got, block) {
		t.Fatalf("decoded %d bytes, want %d bytes, mismatch", len(got), len(block))
	}
}

// TestFountainSingleChunkAlwaysProgresses covers the termination corollary:
// a combination whose only component is nextDecoded always makes progress.
func TestFountainSingleChunkAlwaysProgresses(t *testing.T) {
	block := randomBlock(t, ChunkSize/2)
	source := NewSource(block)
	sink := NewSink(source.NumChunks())

	combo := NewSourceCombination(0, block)
	if !sink.Solve(combo) {
		t.Fatal("expected single-chunk block to complete immediately")
	}
	if got := sink.Bytes(); !bytes.Equal(got, block) {
		t.Fatalf("decoded mismatch")
	}
}

// TestFountainIdempotence covers spec §8: receiving the same combination
// twice leaves the system unchanged after elimination.
func TestFountainIdempotence(t *testing.T) {
	block := randomBlock(t, 4096)
	source := NewSource(block)

	combos := make([]Combination, 0, source.NumChunks()+2)
	for i := 0; i < source.NumChunks()+2; i++ {
		c, err := source.Generate()
		if err != nil {
			t.Fatal(err)
		}
		combos = append(combos, c)
	}

	sinkA := NewSink(source.NumChunks())
	for _, c := range combos {
		sinkA.Solve(c)
	}
	if !sinkA.IsComplete() {
		t.Fatal("sinkA did not complete")
	}

	sinkB := NewSink(source.NumChunks())
	for _, c := range combos {
		sinkB.Solve(c)
		sinkB.Solve(c) // duplicate delivery
	}
	if !sinkB.IsComplete() {
		t.Fatal("sinkB did not complete")
	}

	if !bytes.Equal(sinkA.Bytes(), sinkB.Bytes()) {
		t.Fatal("duplicate delivery changed decoded output")
	}
}

// TestCombinationClosedUnderGF256 covers spec §8: combinations are closed
// under addition and nonzero scalar multiplication, and decoder output is
// independent of combination order.
func TestCombinationClosedUnderGF256(t *testing.T) {
	a := NewSourceCombination(0, []byte("hello, world!!!!"))
	b := NewSourceCombination(1, []byte("goodbye, world!!"))

	sum := a.Add(b)
	if sum.NumComponents() != 2 {
		t.Fatalf("expected 2 components, got %d", sum.NumComponents())
	}

	scaled := sum.Scale(7).Div(7)
	if scaled.Coeff(0) != sum.Coeff(0) || scaled.Coeff(1) != sum.Coeff(1) {
		t.Fatal("scale-then-divide by the same nonzero coefficient did not round-trip")
	}
}

func TestGF256Inverse(t *testing.T) {
	for a := 1; a < 256; a++ {
		inv := gInv(byte(a))
		if gMul(byte(a), inv) != 1 {
			t.Fatalf("gInv(%d) = %d is not a multiplicative inverse", a, inv)
		}
	}
}
