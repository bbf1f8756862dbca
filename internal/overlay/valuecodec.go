package overlay

import (
	"encoding/binary"
	"fmt"
)

// encodeStoreContent frames a Store message's payload as
// [keyLen:u16][key][value], the shape dispatch.go's handleStore expects
// (spec §4.4 "storeValue").
func encodeStoreContent(key, value []byte) ([]byte, error) {
	if len(key) > 0xffff {
		return nil, fmt.Errorf("overlay: key too long (%d bytes)", len(key))
	}

	buf := make([]byte, 2+len(key)+len(value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	copy(buf[2+len(key):], value)
	return buf, nil
}

func decodeStoreContent(content []byte) (key, value []byte, err error) {
	if len(content) < 2 {
		return nil, nil, fmt.Errorf("overlay: store content too short")
	}
	keyLen := int(binary.BigEndian.Uint16(content[0:2]))
	if len(content) < 2+keyLen {
		return nil, nil, fmt.Errorf("overlay: store content truncated")
	}
	return content[2 : 2+keyLen], content[2+keyLen:], nil
}

// encodeValues frames a Value message's payload as a sequence of
// [len:u32][bytes] records, one per value known for the retrieved key.
func encodeValues(values [][]byte) []byte {
	size := 0
	for _, v := range values {
		size += 4 + len(v)
	}

	buf := make([]byte, size)
	off := 0
	for _, v := range values {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(v)))
		off += 4
		off += copy(buf[off:], v)
	}
	return buf
}

func decodeValues(content []byte) ([][]byte, error) {
	var values [][]byte
	off := 0
	for off < len(content) {
		if off+4 > len(content) {
			return nil, fmt.Errorf("overlay: value content truncated")
		}
		n := int(binary.BigEndian.Uint32(content[off : off+4]))
		off += 4
		if off+n > len(content) {
			return nil, fmt.Errorf("overlay: value content truncated")
		}
		values = append(values, content[off:off+n])
		off += n
	}
	return values, nil
}
