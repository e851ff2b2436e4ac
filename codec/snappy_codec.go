package codec

import (
	"fmt"

	"github.com/golang/snappy"

	"peer-rpc/protocol"
)

// SnappyCodec compresses the output of another codec with snappy block format.
// Worth it for large payloads; small control envelopes grow by a few bytes.
type SnappyCodec struct {
	inner Codec
}

func NewSnappyCodec(inner Codec) *SnappyCodec {
	return &SnappyCodec{inner: inner}
}

func (c *SnappyCodec) Encode(v any) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// Decode refuses bodies that claim to inflate past protocol.MaxBodyLen before
// allocating anything.
func (c *SnappyCodec) Decode(data []byte, v any) error {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return fmt.Errorf("SnappyCodec: %w", err)
	}
	if uint64(n) > uint64(protocol.MaxBodyLen) {
		return fmt.Errorf("SnappyCodec: decoded length %d exceeds %d", n, protocol.MaxBodyLen)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("SnappyCodec: %w", err)
	}
	return c.inner.Decode(raw, v)
}

func (c *SnappyCodec) Type() CodecType {
	return c.inner.Type() | CodecFlagSnappy
}
