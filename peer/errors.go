package peer

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"

	"peer-rpc/message"
)

// Sentinels for errors.Is. Every error a Call or CallStream surfaces is one of
// not-open, closed, timeout, remote (*RemoteError) or malformed.
var (
	ErrNotOpen       = stderrors.New("rpc: peer not open")
	ErrClosed        = stderrors.New("rpc: peer closed")
	ErrTimeout       = stderrors.New("rpc: call timed out")
	ErrMalformed     = stderrors.New("rpc: malformed message")
	ErrNotSupported  = stderrors.New("rpc: streaming not supported")
	ErrInvalidMethod = stderrors.New("rpc: empty method name")
)

// NotOpenError is returned for calls attempted before Open completed.
type NotOpenError struct {
	Method string
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("rpc: peer not open (call %q)", e.Method)
}

func (e *NotOpenError) Is(target error) bool { return target == ErrNotOpen }

// ClosedError is returned for calls that were pending when the peer closed,
// and sent back for requests that arrive while the peer is not open.
type ClosedError struct {
	Method string
	Trace  string // stack of the Close call, when closed locally
}

func (e *ClosedError) Error() string {
	if e.Method == "" {
		return ErrClosed.Error()
	}
	return fmt.Sprintf("rpc: peer closed while calling %q", e.Method)
}

func (e *ClosedError) Is(target error) bool { return target == ErrClosed }

// TimeoutError is returned when no response arrived within the peer timeout.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: call %q timed out after %s", e.Method, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout mirrors net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// MalformedError describes an envelope or response with an unexpected shape.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc: malformed message: %s: %v", e.Reason, e.Err)
	}
	return "rpc: malformed message: " + e.Reason
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func (e *MalformedError) Unwrap() error { return e.Err }

// RemoteError is a failure raised by the remote handler, rebuilt on the caller's side.
// Error() is the remote message verbatim; Stack() shows both sides of the call.
type RemoteError struct {
	Name        string
	Message     string
	Method      string
	RemoteTrace string
	LocalTrace  string
}

func (e *RemoteError) Error() string { return e.Message }

// Stack joins the remote trace and the local call site around a boundary line.
func (e *RemoteError) Stack() string {
	var b strings.Builder
	if e.Name != "" {
		b.WriteString(e.Name)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	b.WriteByte('\n')
	if e.RemoteTrace != "" {
		b.WriteString(strings.TrimRight(e.RemoteTrace, "\n"))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "----- rpc boundary: remote method %q -----\n", e.Method)
	b.WriteString(e.LocalTrace)
	return b.String()
}

// Format prints the merged stack for %+v.
func (e *RemoteError) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		fmt.Fprint(s, e.Stack())
	case verb == 'q':
		fmt.Fprintf(s, "%q", e.Message)
	default:
		fmt.Fprint(s, e.Message)
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// encodeError turns a handler failure into wire form. fallbackStack is used when
// err carries no recorded stack.
func encodeError(err error, fallbackStack string) *message.ErrorInfo {
	info := &message.ErrorInfo{
		Name:    errorName(err),
		Message: err.Error(),
		Stack:   fallbackStack,
	}
	// The deepest recorded stack is closest to where the failure happened.
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			info.Stack = strings.TrimLeft(fmt.Sprintf("%+v", st.StackTrace()), "\n")
		}
	}
	return info
}

// encodePanic handles arbitrary recovered values: errors keep their identity,
// strings become the message, anything else is rendered as JSON.
func encodePanic(v any, stack string) *message.ErrorInfo {
	switch x := v.(type) {
	case error:
		return encodeError(x, stack)
	case string:
		return &message.ErrorInfo{Message: x, Stack: stack}
	default:
		msg, err := json.Marshal(x)
		if err != nil {
			return &message.ErrorInfo{Message: fmt.Sprintf("%v", x), Stack: stack}
		}
		return &message.ErrorInfo{Message: string(msg), Stack: stack}
	}
}

func decodeError(info *message.ErrorInfo, method, localTrace string) *RemoteError {
	return &RemoteError{
		Name:        info.Name,
		Message:     info.Message,
		Method:      method,
		RemoteTrace: info.Stack,
		LocalTrace:  localTrace,
	}
}

// errorName is the type of the outermost error in the chain that is not a plain
// wrapper from errors, fmt or pkg/errors; empty when there is none.
func errorName(err error) string {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		t := reflect.TypeOf(e)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch t.PkgPath() {
		case "errors", "fmt", "github.com/pkg/errors":
			continue
		}
		return fmt.Sprintf("%T", e)
	}
	return ""
}
