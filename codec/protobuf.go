package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

var (
	ProtoBuf Codec = &protoBufCodec{}
)

// protoBufCodec serializes generated proto.Message values. Marshaling is
// deterministic so identical payloads produce identical stored bytes;
// values that are not proto messages belong to the other codecs.
type protoBufCodec struct{}

func (*protoBufCodec) Name() string {
	return "protobuf"
}

func (*protoBufCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: %T does not implement proto.Message", v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (*protoBufCodec) Unmarshal(b []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(b, m)
}
