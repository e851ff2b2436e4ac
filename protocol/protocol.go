// Package protocol implements the binary frame format used when a Port runs over a byte
// stream (TCP, unix sockets, pipes).
//
// A byte stream has no message boundaries, so every encoded envelope is wrapped in a
// fixed-size 10-byte header followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│ft│ bodyLen │    body ...    │
//	│ mrp  │02│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// Correlation lives inside the envelope (request id), not in the frame.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "mrp".
// Used to quickly reject connections that do not speak this protocol.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x02
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot trigger a huge allocation.
	MaxBodyLen uint32 = 64 << 20
)

// FrameType distinguishes envelope frames from keepalive frames.
type FrameType byte

const (
	FrameTypeData      FrameType = 0 // Body is one codec-encoded envelope
	FrameTypeHeartbeat FrameType = 1 // KeepAlive probe (no body)
)

// Codec bits, mirrored from the codec package to avoid an import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecFlagSnappy byte = 0x80
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte      // Serialization format of the body, see codec.CodecType
	FrameType FrameType // Data or Heartbeat
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// Callers sharing one writer must serialize calls, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("body length %d does not match header %d", len(body), h.BodyLen)
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", h.BodyLen)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)

	// One Write per frame so a partial failure never leaves a header without its body
	// queued behind another writer.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, frame type and body size.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if base := headerBuf[4] &^ CodecFlagSnappy; base != CodecTypeJSON && base != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	frameType := FrameType(headerBuf[5])
	if frameType != FrameTypeData && frameType != FrameTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", frameType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		BodyLen:   bodyLen,
	}, body, nil
}
