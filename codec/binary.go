package codec

import (
	"encoding"
	"fmt"
)

var (
	Binary Codec = &binaryCodec{}
)

// binaryCodec passes byte slices through untouched and defers to native
// BinaryMarshaler/BinaryUnmarshaler implementations when present. Used
// for payloads the domain has already encoded.
type binaryCodec struct{}

func (*binaryCodec) Name() string {
	return "binary"
}

func (*binaryCodec) Marshal(v interface{}) ([]byte, error) {
	if m, ok := v.(encoding.BinaryMarshaler); ok {
		return m.MarshalBinary()
	}

	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("value not []byte")
	}
	return b, nil
}

func (*binaryCodec) Unmarshal(b []byte, v interface{}) error {
	if u, ok := v.(encoding.BinaryUnmarshaler); ok {
		return u.UnmarshalBinary(b)
	}

	bp, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("value must be *[]byte")
	}

	// Reset and copy so later writes to b cannot alias into the target.
	*bp = append((*bp)[:0], b...)
	return nil
}
