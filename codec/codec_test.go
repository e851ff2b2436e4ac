package codec

import (
	"bytes"
	"peer-rpc/message"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelopes() map[string]*message.Envelope {
	return map[string]*message.Envelope{
		"open":    {Open: true},
		"openAck": {OpenAck: true},
		"request": {Request: &message.Request{
			ID: 42, Method: "ArithService.Add", Payload: []byte(`{"a":1,"b":2}`),
		}},
		"streamRequest": {Request: &message.Request{
			ID: 43, Method: "Feed.Watch", Payload: []byte{}, Stream: true,
		}},
		"payloadResponse": {Response: &message.Response{ID: 42, Payload: []byte(`{"result":3}`)}},
		"emptyResponse":   {Response: &message.Response{ID: 44, Payload: []byte{}}},
		"errorResponse": {Response: &message.Response{ID: 45, Error: &message.ErrorInfo{
			Name: "*errors.fundamental", Message: "My error", Stack: "main.handlerFn\n\tmain.go:12",
		}}},
		"readyResponse": {Response: &message.Response{ID: 46, StreamReady: true}},
		"closeResponse": {Response: &message.Response{ID: 46, Close: true}},
		"streamClose":   {StreamClose: &message.StreamClose{ID: 46}},
	}
}

func assertRoundTrip(t *testing.T, c Codec) {
	for name, env := range sampleEnvelopes() {
		t.Run(name, func(t *testing.T) {
			data, err := c.Encode(env)
			require.NoError(t, err)

			var got message.Envelope
			require.NoError(t, c.Decode(data, &got))
			assert.Equal(t, env, &got)
		})
	}
}

func TestJSONCodec(t *testing.T) {
	assertRoundTrip(t, &JSONCodec{})
}

func TestBinaryCodec(t *testing.T) {
	assertRoundTrip(t, &BinaryCodec{})
}

func TestSnappyCodec(t *testing.T) {
	c := NewSnappyCodec(&BinaryCodec{})
	assert.Equal(t, CodecTypeBinary|CodecFlagSnappy, c.Type())
	assertRoundTrip(t, c)
}

func TestSnappyCompressesLargePayload(t *testing.T) {
	env := &message.Envelope{Response: &message.Response{ID: 1, Payload: bytes.Repeat([]byte("abcd"), 4096)}}
	plain, err := (&BinaryCodec{}).Encode(env)
	require.NoError(t, err)
	packed, err := NewSnappyCodec(&BinaryCodec{}).Encode(env)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain)/4)
}

func TestBinaryCodecRejectsMalformed(t *testing.T) {
	c := &BinaryCodec{}

	_, err := c.Encode(&message.Envelope{})
	assert.Error(t, err, "empty envelope must not encode")

	_, err = c.Encode("not an envelope")
	assert.Error(t, err)

	var env message.Envelope
	assert.Error(t, c.Decode(nil, &env), "empty input")
	assert.Error(t, c.Decode([]byte{0xEE}, &env), "unknown kind")
	assert.Error(t, c.Decode([]byte{byte(message.KindRequest), 0, 0}, &env), "truncated id")

	data, err := c.Encode(&message.Envelope{StreamClose: &message.StreamClose{ID: 9}})
	require.NoError(t, err)
	assert.Error(t, c.Decode(append(data, 0), &env), "trailing bytes")
}

func TestSnappyRejectsOversizedBody(t *testing.T) {
	c := NewSnappyCodec(&JSONCodec{})
	var env message.Envelope

	// Varint length header claiming 1 GiB, no data behind it.
	err := c.Decode([]byte{0x80, 0x80, 0x80, 0x80, 0x04}, &env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")

	assert.Error(t, c.Decode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, &env), "bad length header")
}

func TestGetCodec(t *testing.T) {
	assert.IsType(t, &JSONCodec{}, GetCodec(CodecTypeJSON))
	assert.IsType(t, &BinaryCodec{}, GetCodec(CodecTypeBinary))
	assert.IsType(t, &SnappyCodec{}, GetCodec(CodecTypeJSON|CodecFlagSnappy))
	assert.Equal(t, "binary+snappy", (CodecTypeBinary | CodecFlagSnappy).String())

	ct, err := ParseCodecType("binary", true)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary|CodecFlagSnappy, ct)
	ct, err = ParseCodecType((CodecTypeJSON | CodecFlagSnappy).String(), false)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON|CodecFlagSnappy, ct)
	_, err = ParseCodecType("xml", false)
	assert.Error(t, err)
}
