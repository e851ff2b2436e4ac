// Package codec turns envelopes into bytes and back.
//
// Peers treat the codec as opaque and synchronous; both ends must use the same one.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1

	// CodecFlagSnappy marks a codec whose output is snappy-compressed.
	CodecFlagSnappy CodecType = 0x80
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, |0x80 when compressed
}

// Base strips the compression flag.
func (t CodecType) Base() CodecType { return t &^ CodecFlagSnappy }

// Compressed reports whether the snappy flag is set.
func (t CodecType) Compressed() bool { return t&CodecFlagSnappy != 0 }

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	b := t.Base()
	return b == CodecTypeJSON || b == CodecTypeBinary
}

func (t CodecType) String() string {
	name := "unknown"
	switch t.Base() {
	case CodecTypeJSON:
		name = "json"
	case CodecTypeBinary:
		name = "binary"
	}
	if t.Compressed() {
		name += "+snappy"
	}
	return name
}

// GetCodec returns the codec for codecType. Unknown base types fall back to binary.
func GetCodec(codecType CodecType) Codec {
	var c Codec
	if codecType.Base() == CodecTypeJSON {
		c = &JSONCodec{}
	} else {
		c = &BinaryCodec{}
	}
	if codecType.Compressed() {
		return NewSnappyCodec(c)
	}
	return c
}

// ParseCodecType maps a config name ("json", "binary") to a CodecType. It also
// accepts the String form, so "binary+snappy" round-trips.
func ParseCodecType(name string, compress bool) (CodecType, error) {
	if base, ok := strings.CutSuffix(name, "+snappy"); ok {
		name, compress = base, true
	}
	var t CodecType
	switch name {
	case "", "json":
		t = CodecTypeJSON
	case "binary":
		t = CodecTypeBinary
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
	if compress {
		t |= CodecFlagSnappy
	}
	return t, nil
}
