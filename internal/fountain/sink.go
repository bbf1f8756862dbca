package fountain

// Sink is the receiver-side decoder for a single block of known chunk
// count: it accumulates Combinations and applies Gaussian elimination,
// maintaining the decoder invariants of spec §4.4:
//
//   - nextDecoded is the smallest chunk offset not yet written out.
//   - nextSeen >= nextDecoded is the smallest offset whose existence has not
//     yet been observed in any combination.
//
// Sink is not safe for concurrent use; callers serialize calls to Solve.
type Sink struct {
	numChunks   int
	nextDecoded uint64
	nextSeen    uint64

	rows     []Combination
	decoded  [][]byte
	complete bool
}

// NewSink creates a Sink for a block known to have exactly numChunks chunks.
func NewSink(numChunks int) *Sink {
	return &Sink{
		numChunks: numChunks,
		decoded:   make([][]byte, numChunks),
	}
}

// IsComplete reports whether every chunk has been decoded.
func (s *Sink) IsComplete() bool {
	return s.complete
}

// NextSeen returns the smallest offset whose existence has not yet been
// observed in any combination, the feedback a Call(target) retransmission
// decision can use to avoid asking for chunks the sender has no reason to
// think are still missing.
func (s *Sink) NextSeen() uint64 {
	return s.nextSeen
}

// Solve folds combo into the system and advances the decode frontier. It
// returns true exactly when this call completed the block: receiving the
// same combination twice is idempotent and returns false the second time,
// since after the first elimination the duplicate reduces to the null
// vector (spec §8 "Idempotence").
func (s *Sink) Solve(combo Combination) bool {
	if s.complete {
		return false
	}

	// Subtract every source chunk already decoded locally, so a combination
	// that happens to still reference decoded offsets collapses onto the
	// undecoded remainder before elimination (spec §4.4).
	for offset, chunk := range s.decoded {
		if chunk == nil {
			continue
		}
		if c := combo.Coeff(uint64(offset)); c != 0 {
			combo = combo.Add(NewSourceCombination(uint64(offset), chunk).Scale(c))
		}
	}

	if combo.IsZero() {
		return s.scanAndEmit()
	}

	s.rows = append(s.rows, combo)
	s.eliminate()
	return s.scanAndEmit()
}

// eliminate performs Gauss-Jordan elimination over s.rows: pivot on the
// smallest offset present in each row, normalise, and eliminate that offset
// from every other row (spec §4.4).
func (s *Sink) eliminate() {
	used := make(map[uint64]bool)

	for i := range s.rows {
		if s.rows[i].IsZero() {
			continue
		}

		pivotOffset, ok := smallestOffset(s.rows[i])
		if !ok || used[pivotOffset] {
			continue
		}

		if coeff := s.rows[i].Coeff(pivotOffset); coeff != 1 {
			s.rows[i] = s.rows[i].Div(coeff)
		}
		used[pivotOffset] = true

		for j := range s.rows {
			if j == i || s.rows[j].IsZero() {
				continue
			}
			if c := s.rows[j].Coeff(pivotOffset); c != 0 {
				s.rows[j] = s.rows[j].Add(s.rows[i].Scale(c))
			}
		}
	}

	// Remove null vectors: useless equations left behind by elimination.
	compact := s.rows[:0]
	for _, row := range s.rows {
		if !row.IsZero() {
			compact = append(compact, row)
		}
	}
	s.rows = compact
}

// scanAndEmit walks offsets from nextDecoded forward, writing out any row
// that has collapsed to a single component equal to the scan offset, and
// tracks nextSeen across every row currently held (spec §4.4).
func (s *Sink) scanAndEmit() bool {
	madeProgress := false

	for _, row := range s.rows {
		offsets := row.Offsets()
		if n := len(offsets); n > 0 && offsets[n-1] >= s.nextSeen {
			s.nextSeen = offsets[n-1] + 1
		}
	}

	for {
		advanced := false
		remaining := s.rows[:0]

		for _, row := range s.rows {
			if off, ok := row.SoleOffset(); ok && off == s.nextDecoded {
				chunk, ok := row.Decoded()
				if !ok {
					remaining = append(remaining, row)
					continue
				}
				s.decoded[s.nextDecoded] = chunk
				s.nextDecoded++
				advanced = true
				madeProgress = true
				continue
			}
			remaining = append(remaining, row)
		}

		s.rows = remaining

		if !advanced {
			break
		}
		if int(s.nextDecoded) >= s.numChunks {
			s.complete = true
			break
		}
	}

	return madeProgress && s.complete
}

func smallestOffset(c Combination) (uint64, bool) {
	offsets := c.Offsets()
	if len(offsets) == 0 {
		return 0, false
	}
	return offsets[0], true
}

// Bytes returns the fully decoded block. It must only be called once
// IsComplete reports true.
func (s *Sink) Bytes() []byte {
	var out []byte
	for _, chunk := range s.decoded {
		out = append(out, chunk...)
	}
	return out
}
