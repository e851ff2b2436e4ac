package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeBinary | CodecFlagSnappy,
		FrameType: FrameTypeData,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header, *decodedHeader)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(FrameTypeData), 0x00, 0x00, 0x00, 0x0B})
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{CodecType: CodecTypeJSON, FrameType: FrameTypeHeartbeat}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, nil))

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeHeartbeat, decodedHeader.FrameType)
	assert.Zero(t, decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // wrong version
		CodecTypeJSON,
		byte(FrameTypeData),
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestDecodeRejectsUnknownCodecAndFrame(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, 0x07, byte(FrameTypeData), 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec type")

	frame = []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, 0x09, 0, 0, 0, 0}
	_, _, err = Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported frame type")
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(FrameTypeData), 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEncodeLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Header{BodyLen: 3}, []byte("hello"))
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		FrameType: FrameTypeData,
		BodyLen:   uint32(len(largeBody)),
	}
	require.NoError(t, Encode(&buf, header, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decodedBody, largeBody))
}
