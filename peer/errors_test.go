package peer

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-rpc/message"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&NotOpenError{Method: "m"}, ErrNotOpen},
		{&ClosedError{Method: "m"}, ErrClosed},
		{&TimeoutError{Method: "m", After: time.Second}, ErrTimeout},
		{&MalformedError{Reason: "r"}, ErrMalformed},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.sentinel, tc.err.Error())
		assert.ErrorIs(t, fmt.Errorf("wrapped: %w", tc.err), tc.sentinel)
	}
	assert.NotErrorIs(t, &TimeoutError{}, ErrClosed)
	assert.Equal(t, ErrClosed.Error(), (&ClosedError{}).Error())
}

func TestMalformedErrorUnwraps(t *testing.T) {
	cause := stderrors.New("bad byte")
	err := &MalformedError{Reason: "decode", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bad byte")
}

func deepFailure() error {
	return errors.New("disk full")
}

func TestEncodeErrorKeepsDeepestStack(t *testing.T) {
	err := errors.Wrap(deepFailure(), "saving")
	info := encodeError(err, "fallback")

	assert.Equal(t, "saving: disk full", info.Message)
	assert.Contains(t, info.Stack, "deepFailure")
	assert.NotContains(t, info.Stack, "fallback")
	assert.Empty(t, info.Name, "plain pkg/errors values carry no name")
}

type quotaError struct {
	Limit int
}

func (e *quotaError) Error() string { return fmt.Sprintf("quota %d exceeded", e.Limit) }

func TestEncodeErrorNamesOutermostTypedError(t *testing.T) {
	err := errors.Wrap(fmt.Errorf("saving: %w", &quotaError{Limit: 3}), "upload")
	info := encodeError(err, "")
	assert.Equal(t, "*peer.quotaError", info.Name)
	assert.Equal(t, "upload: saving: quota 3 exceeded", info.Message)

	assert.Equal(t, "*peer.ClosedError", encodeError(fmt.Errorf("x: %w", &ClosedError{}), "").Name)
	assert.Empty(t, encodeError(stderrors.Join(stderrors.New("a"), stderrors.New("b")), "").Name)
}

func TestEncodeErrorWithoutStackUsesFallback(t *testing.T) {
	info := encodeError(stderrors.New("plain"), "goroutine 1 [running]")
	assert.Equal(t, "plain", info.Message)
	assert.Equal(t, "goroutine 1 [running]", info.Stack)
	assert.Empty(t, info.Name)
}

func TestEncodePanicValues(t *testing.T) {
	assert.Equal(t, "boom", encodePanic("boom", "st").Message)
	assert.Equal(t, "plain", encodePanic(stderrors.New("plain"), "st").Message)
	assert.Equal(t, `[1,2]`, encodePanic([]int{1, 2}, "st").Message)
	// Channels do not marshal; fall back to %v.
	ch := make(chan int)
	assert.Equal(t, fmt.Sprintf("%v", ch), encodePanic(ch, "st").Message)
}

func TestRemoteErrorStack(t *testing.T) {
	err := decodeError(&message.ErrorInfo{
		Name:    "*errors.fundamental",
		Message: "My error",
		Stack:   "main.handler\n\tserver.go:10\n",
	}, "Svc.Do", "main.caller\n\tclient.go:20\n")

	require.Equal(t, "My error", err.Error())
	st := err.Stack()
	assert.Contains(t, st, "*errors.fundamental: My error")
	assert.Contains(t, st, `----- rpc boundary: remote method "Svc.Do" -----`)
	assert.Less(t, strings.Index(st, "server.go"), strings.Index(st, "client.go"), "remote frames come first")
	assert.Equal(t, st, fmt.Sprintf("%+v", err))
	assert.Equal(t, "My error", fmt.Sprintf("%v", err))
}
