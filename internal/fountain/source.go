package fountain

import (
	"crypto/rand"
)

// Source serves combinations over a single, immutable, locally available
// block, in response to Call messages (spec §4.4).
type Source struct {
	chunks [][]byte
}

// NewSource splits block into ChunkSize chunks, the last one short if the
// block size is not a multiple of ChunkSize.
func NewSource(block []byte) *Source {
	var chunks [][]byte
	for off := 0; off < len(block); off += ChunkSize {
		end := off + ChunkSize
		if end > len(block) {
			end = len(block)
		}
		chunks = append(chunks, block[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return &Source{chunks: chunks}
}

// NumChunks returns the number of chunks the block was divided into.
func (s *Source) NumChunks() int {
	return len(s.chunks)
}

// Generate draws a pseudo-random nonzero coefficient for each of the
// source's chunks and returns their combination, the payload of a Data
// reply to a Call (spec §4.4).
func (s *Source) Generate() (Combination, error) {
	var combo Combination

	for offset, chunk := range s.chunks {
		coeff, err := randomNonzeroByte()
		if err != nil {
			return Combination{}, err
		}
		combo = combo.Add(NewSourceCombination(uint64(offset), chunk).Scale(coeff))
	}

	return combo, nil
}

// randomNonzeroByte draws a uniformly random byte in [1, 255], redrawing on
// the rare 0 per the original fountain's "nonzero coefficient" contract.
func randomNonzeroByte() (byte, error) {
	for {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if b[0] != 0 {
			return b[0], nil
		}
	}
}
