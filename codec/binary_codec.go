package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"peer-rpc/message"
)

// BinaryCodec packs an Envelope into a compact big-endian layout:
//
//	kind(1) | body
//
//	open, openAck:  (empty)
//	request:        id(4) method(2+n) flags(1) [payload(4+n)]
//	response:       id(4) flags(1) [payload(4+n)] [name(2+n) message(4+n) stack(4+n)]
//	streamClose:    id(4)
type BinaryCodec struct{}

const (
	reqFlagStream  byte = 1 << 0
	reqFlagPayload byte = 1 << 1

	respFlagPayload byte = 1 << 0
	respFlagError   byte = 1 << 1
	respFlagReady   byte = 1 << 2
	respFlagClose   byte = 1 << 3
)

var errNotEnvelope = errors.New("BinaryCodec: v must be *message.Envelope")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	kind, err := env.Kind()
	if err != nil {
		return nil, fmt.Errorf("BinaryCodec: %w", err)
	}

	w := &writer{buf: make([]byte, 0, 64)}
	w.byte(byte(kind))
	switch kind {
	case message.KindRequest:
		req := env.Request
		if len(req.Method) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: method name too long (%d bytes)", len(req.Method))
		}
		var flags byte
		if req.Stream {
			flags |= reqFlagStream
		}
		if req.Payload != nil {
			flags |= reqFlagPayload
		}
		w.u32(req.ID)
		w.str16(req.Method)
		w.byte(flags)
		if req.Payload != nil {
			w.bytes32(req.Payload)
		}
	case message.KindResponse:
		resp := env.Response
		var flags byte
		if resp.Payload != nil {
			flags |= respFlagPayload
		}
		if resp.Error != nil {
			flags |= respFlagError
		}
		if resp.StreamReady {
			flags |= respFlagReady
		}
		if resp.Close {
			flags |= respFlagClose
		}
		w.u32(resp.ID)
		w.byte(flags)
		if resp.Payload != nil {
			w.bytes32(resp.Payload)
		}
		if resp.Error != nil {
			if len(resp.Error.Name) > 0xFFFF {
				return nil, fmt.Errorf("BinaryCodec: error name too long (%d bytes)", len(resp.Error.Name))
			}
			w.str16(resp.Error.Name)
			w.bytes32([]byte(resp.Error.Message))
			w.bytes32([]byte(resp.Error.Stack))
		}
	case message.KindStreamClose:
		w.u32(env.StreamClose.ID)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errNotEnvelope
	}
	*env = message.Envelope{}

	r := &reader{data: data}
	kind := message.Kind(r.byte())
	switch kind {
	case message.KindOpen:
		env.Open = true
	case message.KindOpenAck:
		env.OpenAck = true
	case message.KindRequest:
		req := &message.Request{}
		req.ID = r.u32()
		req.Method = r.str16()
		flags := r.byte()
		req.Stream = flags&reqFlagStream != 0
		if flags&reqFlagPayload != 0 {
			req.Payload = r.bytes32()
		}
		env.Request = req
	case message.KindResponse:
		resp := &message.Response{}
		resp.ID = r.u32()
		flags := r.byte()
		resp.StreamReady = flags&respFlagReady != 0
		resp.Close = flags&respFlagClose != 0
		if flags&respFlagPayload != 0 {
			resp.Payload = r.bytes32()
		}
		if flags&respFlagError != 0 {
			resp.Error = &message.ErrorInfo{
				Name:    r.str16(),
				Message: string(r.bytes32()),
				Stack:   string(r.bytes32()),
			}
		}
		env.Response = resp
	case message.KindStreamClose:
		env.StreamClose = &message.StreamClose{ID: r.u32()}
	default:
		if r.err == nil {
			return fmt.Errorf("BinaryCodec: unknown envelope kind %d", kind)
		}
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) u32(n uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, n) }

func (w *writer) str16(s string) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes32(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader records the first short read in err; later reads return zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("BinaryCodec: truncated message at offset %d (need %d bytes)", r.off, n)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) str16() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *reader) bytes32() []byte {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
