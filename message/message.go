// Package message defines the envelope exchanged between two RPC peers.
//
// An Envelope is a tagged union: exactly one of its fields is populated per message.
// It gets serialized by the codec layer and handed to a Port as opaque bytes.
//
//	open / openAck      liveness handshake
//	request             {id, method, payload, stream}
//	response            {id, payload | error | streamReady | close}
//	streamClose         caller cancels a streaming request
package message

import (
	"errors"
	"fmt"
)

// Kind identifies which union member of an Envelope is populated.
type Kind byte

const (
	KindInvalid Kind = iota
	KindOpen
	KindOpenAck
	KindRequest
	KindResponse
	KindStreamClose
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindOpenAck:
		return "openAck"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStreamClose:
		return "streamClose"
	default:
		return "invalid"
	}
}

// ErrNoVariant and ErrManyVariants describe malformed envelopes.
var (
	ErrNoVariant    = errors.New("envelope has no populated field")
	ErrManyVariants = errors.New("envelope has more than one populated field")
)

// Envelope is the wire message. Payload fields are not omitempty: a present but
// empty payload has to stay distinct from an absent one.
type Envelope struct {
	Open        bool         `json:"open,omitempty"`
	OpenAck     bool         `json:"openAck,omitempty"`
	Request     *Request     `json:"request,omitempty"`
	Response    *Response    `json:"response,omitempty"`
	StreamClose *StreamClose `json:"streamClose,omitempty"`
}

// Request carries a call from the caller to the serving peer.
type Request struct {
	ID      uint32 `json:"id"`
	Method  string `json:"method"`
	Payload []byte `json:"payload"`
	Stream  bool   `json:"stream,omitempty"`
}

// Response answers a Request with the same ID.
//
//   - unary:  exactly one of Payload or Error.
//   - stream: StreamReady, then zero or more Payload, then Close or Error.
type Response struct {
	ID          uint32     `json:"id"`
	Payload     []byte     `json:"payload"`
	Error       *ErrorInfo `json:"error,omitempty"`
	StreamReady bool       `json:"streamReady,omitempty"`
	Close       bool       `json:"close,omitempty"`
}

// StreamClose asks the serving peer to stop producing for request ID.
type StreamClose struct {
	ID uint32 `json:"id"`
}

// ErrorInfo is the diagnostic form of a remote failure. Strings only.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Kind validates the union and reports which member is set.
func (e *Envelope) Kind() (Kind, error) {
	if e == nil {
		return KindInvalid, ErrNoVariant
	}
	kind, n := KindInvalid, 0
	if e.Open {
		kind, n = KindOpen, n+1
	}
	if e.OpenAck {
		kind, n = KindOpenAck, n+1
	}
	if e.Request != nil {
		kind, n = KindRequest, n+1
	}
	if e.Response != nil {
		kind, n = KindResponse, n+1
	}
	if e.StreamClose != nil {
		kind, n = KindStreamClose, n+1
	}
	switch n {
	case 0:
		return KindInvalid, ErrNoVariant
	case 1:
		return kind, nil
	default:
		return KindInvalid, fmt.Errorf("%w (%d fields)", ErrManyVariants, n)
	}
}

// IsTerminal reports whether r ends a streaming request.
func (r *Response) IsTerminal() bool {
	return r.Close || r.Error != nil
}
