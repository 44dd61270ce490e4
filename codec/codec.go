// Package codec defines the pluggable serialization boundary. Event and
// snapshot payloads are opaque bytes to the core; codecs translate domain
// values at the edges. Snapshot records carry the codec name as a tag so
// stores remain readable after the default changes.
package codec

import (
	"errors"
	"fmt"
)

var (
	ErrNotRegistered = errors.New("sourced: codec not registered")

	// Default is the codec used when none is configured. MsgPack keeps
	// stored payloads compact without requiring generated types.
	Default = MsgPack

	Codecs = []string{
		"msgpack",
		"json",
		"protobuf",
		"binary",
	}

	Registry = &codecRegistry{
		m: map[string]Codec{
			"msgpack":  MsgPack,
			"json":     JSON,
			"protobuf": ProtoBuf,
			"binary":   Binary,
		},
	}
)

type codecRegistry struct {
	m map[string]Codec
}

func (c *codecRegistry) Get(name string) (Codec, error) {
	x, ok := c.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return x, nil
}

type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(b []byte, v interface{}) error
}
