package iodrv

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*UDP, *UDP) {
	t.Helper()

	// a connected pair needs both ports up front, so bind a first, read
	// its port, then point b at it and reconnect a to b.
	a, err := NewUDP("127.0.0.1:0", "127.0.0.1:9", nil)
	require.NoError(t, err)
	aPort, err := a.LocalPort()
	require.NoError(t, err)

	b, err := NewUDP("127.0.0.1:0", fmt.Sprintf("127.0.0.1:%d", aPort), nil)
	require.NoError(t, err)
	bPort, err := b.LocalPort()
	require.NoError(t, err)

	a.Close()
	a, err = NewUDP(fmt.Sprintf("127.0.0.1:%d", aPort), fmt.Sprintf("127.0.0.1:%d", bPort), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestUDPPushPull(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Push([]byte{0xDE, 0xAD}))

	buf := make([]byte, 4)
	got := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, b.Pull(buf))
		if buf[0] == 0xDE && buf[1] == 0xAD {
			got = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, got, "datagram never arrived")
}

func TestUDPPullLeavesBufferWhenIdle(t *testing.T) {
	_, b := newPair(t)

	buf := []byte{1, 2, 3, 4}
	require.NoError(t, b.Pull(buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestUDPRejectsUnresolvableAddress(t *testing.T) {
	_, err := NewUDP("not an address", "127.0.0.1:9", nil)
	require.Error(t, err)
}

func TestUDPLocalPort(t *testing.T) {
	u, err := NewUDP("127.0.0.1:0", "127.0.0.1:9", nil)
	require.NoError(t, err)
	defer u.Close()

	port, err := u.LocalPort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

func TestUDPPullFromPlainSender(t *testing.T) {
	u, err := NewUDP("127.0.0.1:0", "127.0.0.1:9", nil)
	require.NoError(t, err)
	defer u.Close()

	// a connected socket only accepts datagrams from its peer; anything
	// else is dropped and Pull keeps reporting no data
	other, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer other.Close()

	port, err := u.LocalPort()
	require.NoError(t, err)
	_, err = other.WriteToUDP([]byte{1}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	buf := []byte{0xFF}
	require.NoError(t, u.Pull(buf))
	assert.Equal(t, []byte{0xFF}, buf)
}
