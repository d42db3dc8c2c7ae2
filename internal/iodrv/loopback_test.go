package iodrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackPullLeavesBufferWhenEmpty(t *testing.T) {
	l := NewLoopback()

	buf := []byte{9, 9, 9, 9}
	require.NoError(t, l.Pull(buf))
	assert.Equal(t, []byte{9, 9, 9, 9}, buf)
}

func TestLoopbackPullInInjectionOrder(t *testing.T) {
	l := NewLoopback()
	l.Inject([]byte{1, 1})
	l.Inject([]byte{2, 2})

	buf := make([]byte, 2)
	require.NoError(t, l.Pull(buf))
	assert.Equal(t, []byte{1, 1}, buf)

	require.NoError(t, l.Pull(buf))
	assert.Equal(t, []byte{2, 2}, buf)
}

func TestLoopbackPullTruncatesToBuffer(t *testing.T) {
	l := NewLoopback()
	l.Inject([]byte{1, 2, 3, 4})

	buf := make([]byte, 2)
	require.NoError(t, l.Pull(buf))
	assert.Equal(t, []byte{1, 2}, buf)
}

func TestLoopbackPushRecordsCopies(t *testing.T) {
	l := NewLoopback()

	buf := []byte{7, 8}
	require.NoError(t, l.Push(buf))

	// the driver must not retain the caller's buffer
	buf[0] = 0
	sent := l.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{7, 8}, sent[0])
}
