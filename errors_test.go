package sepkern

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "code only",
			err:  NewError("validate", ErrCodeEmptySchedule, ""),
			want: `sepkern: empty schedule (op=validate)`,
		},
		{
			name: "entity",
			err:  NewEntityError("lower", ErrCodeInvalidChannelIdx, "nope", "unknown channel"),
			want: `sepkern: unknown channel (op=lower entity="nope")`,
		},
		{
			name: "idx",
			err:  NewIdxError("validate", ErrCodeInvalidFunctionIdx, 7),
			want: `sepkern: invalid function index (op=validate idx=7)`,
		},
		{
			name: "buffer too small",
			err: &Error{
				Op: "global", Code: ErrCodeBufferTooSmall, Idx: -1,
				Expected: 8, Got: 2, Msg: "window too wide",
			},
			want: `sepkern: window too wide: expected at least 8, got 2 (op=global)`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Error())
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewIdxError("validate", ErrCodeInvalidChannelIdx, 2)

	assert.True(t, errors.Is(err, &Error{Code: ErrCodeInvalidChannelIdx}))
	assert.False(t, errors.Is(err, &Error{Code: ErrCodeInvalidIoIdx}))
}

func TestIsCode(t *testing.T) {
	err := NewError("load", ErrCodeWasmLoad, "boom")

	assert.True(t, IsCode(err, ErrCodeWasmLoad))
	assert.False(t, IsCode(err, ErrCodeDriver))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeWasmLoad))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodeWasmLoad))
}

func TestWrapErrorExtractsErrno(t *testing.T) {
	inner := fmt.Errorf("send: %w", syscall.ECONNREFUSED)
	err := WrapError("push", ErrCodeDriver, inner)

	require.NotNil(t, err)
	assert.Equal(t, syscall.ECONNREFUSED, err.Errno)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError("op", ErrCodeDriver, nil))
}
