package fountain

import (
	"io"
	"sort"

	"github.com/dtn7/cboring"
)

// Combination is a GF(256) linear combination of fixed-size chunks: a
// sparse map from chunk offset to nonzero coefficient, plus the payload
// bytes that equal that combination of the referenced source chunks (spec
// §3 "Fountain combination"). A single-component combination with
// coefficient 1 carries an undecoded source chunk verbatim, prefixed by its
// 2-byte true length per spec §4.4.
type Combination struct {
	components map[uint64]byte
	data       []byte
}

// NewSourceCombination builds the trivial combination for a single source
// chunk at offset: coefficient 1, payload the 2-byte length prefix plus the
// chunk bytes.
func NewSourceCombination(offset uint64, chunk []byte) Combination {
	data := make([]byte, 2+len(chunk))
	data[0] = byte(len(chunk) >> 8)
	data[1] = byte(len(chunk))
	copy(data[2:], chunk)

	return Combination{
		components: map[uint64]byte{offset: 1},
		data:       data,
	}
}

// Clone returns a deep copy of c.
func (c Combination) Clone() Combination {
	comps := make(map[uint64]byte, len(c.components))
	for k, v := range c.components {
		comps[k] = v
	}
	data := make([]byte, len(c.data))
	copy(data, c.data)
	return Combination{components: comps, data: data}
}

// IsZero reports whether c has no nonzero components, i.e. it is the null
// vector produced by eliminating a combination against itself.
func (c Combination) IsZero() bool {
	return len(c.components) == 0
}

// NumComponents returns the count of nonzero coefficients in c.
func (c Combination) NumComponents() int {
	return len(c.components)
}

// Coeff returns the coefficient of offset in c, or 0 if offset is not a
// component.
func (c Combination) Coeff(offset uint64) byte {
	return c.components[offset]
}

// Offsets returns the sorted list of offsets with nonzero coefficients.
func (c Combination) Offsets() []uint64 {
	offsets := make([]uint64, 0, len(c.components))
	for k := range c.components {
		offsets = append(offsets, k)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

// SoleOffset returns the single offset of c when NumComponents is exactly 1,
// and whether c is such a row. Used by the decoder's scan-and-emit step.
func (c Combination) SoleOffset() (uint64, bool) {
	if len(c.components) != 1 {
		return 0, false
	}
	for k := range c.components {
		return k, true
	}
	return 0, false
}

// Decoded returns the decoded chunk bytes when c has been fully reduced to a
// single component with coefficient 1: the length-prefixed payload minus its
// 2-byte prefix, truncated to the encoded true length.
func (c Combination) Decoded() ([]byte, bool) {
	offset, ok := c.SoleOffset()
	if !ok || c.components[offset] != 1 {
		return nil, false
	}
	if len(c.data) < 2 {
		return nil, false
	}
	n := int(c.data[0])<<8 | int(c.data[1])
	if n > len(c.data)-2 {
		n = len(c.data) - 2
	}
	return c.data[2 : 2+n], true
}

func (c *Combination) addComponent(offset uint64, coeff byte) {
	if c.components == nil {
		c.components = make(map[uint64]byte)
	}
	existing := c.components[offset]
	sum := gAdd(existing, coeff)
	if sum == 0 {
		delete(c.components, offset)
	} else {
		c.components[offset] = sum
	}
}

// Add returns c + other over GF(256): componentwise XOR of coefficients and
// of the (zero-padded, to the longer vector's length) payload bytes.
func (c Combination) Add(other Combination) Combination {
	result := c.Clone()

	if len(result.data) < len(other.data) {
		padded := make([]byte, len(other.data))
		copy(padded, result.data)
		result.data = padded
	}
	for i, b := range other.data {
		result.data[i] = gAdd(result.data[i], b)
	}

	for offset, coeff := range other.components {
		result.addComponent(offset, coeff)
	}

	return result
}

// Scale returns c multiplied by the nonzero scalar coeff.
func (c Combination) Scale(coeff byte) Combination {
	if coeff == 0 {
		panic("fountain: scale by zero")
	}
	result := c.Clone()
	for i, b := range result.data {
		result.data[i] = gMul(b, coeff)
	}
	for offset, v := range result.components {
		result.components[offset] = gMul(v, coeff)
	}
	return result
}

// Div returns c divided by the nonzero scalar coeff.
func (c Combination) Div(coeff byte) Combination {
	return c.Scale(gInv(coeff))
}

// MarshalCbor encodes c as a CBOR array of [sparse offset/coeff pairs,
// payload bytes], following dtn7-dtn7-gold's CborMarshaler convention used
// throughout pkg/bpv7.
func (c *Combination) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	offsets := c.Offsets()
	if err := cboring.WriteArrayLength(uint64(len(offsets))*2, w); err != nil {
		return err
	}
	for _, offset := range offsets {
		if err := cboring.WriteUInt(offset, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(c.components[offset]), w); err != nil {
			return err
		}
	}

	return cboring.WriteByteString(c.data, w)
}

// UnmarshalCbor decodes a Combination encoded by MarshalCbor.
func (c *Combination) UnmarshalCbor(r io.Reader) error {
	arrLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if arrLen != 2 {
		return io.ErrUnexpectedEOF
	}

	pairsLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	c.components = make(map[uint64]byte, pairsLen/2)
	for i := uint64(0); i < pairsLen; i += 2 {
		offset, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		coeff, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		if coeff != 0 {
			c.components[offset] = byte(coeff)
		}
	}

	data, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	c.data = data

	return nil
}
