package pollhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDP() *UDPSocket {
	return NewUDPSocket(UDPBufferConfig{Slots: 1, Bytes: 64}, UDPBufferConfig{Slots: 1, Bytes: 64})
}

func TestSocketSetHandles(t *testing.T) {
	var set SocketSet
	assert.False(t, Handle{}.IsValid())

	th := set.AddTCP(NewTCPSocket(16, 16))
	uh := set.AddUDP(newUDP())
	require.True(t, th.IsValid())
	require.True(t, uh.IsValid())
	assert.NotEqual(t, th, uh)
	assert.Equal(t, 2, set.Len())

	assert.NotNil(t, set.TCP(th))
	assert.NotNil(t, set.UDP(uh))
	assert.Panics(t, func() { set.UDP(th) }, "wrong kind")
	assert.Panics(t, func() { set.TCP(uh) }, "wrong kind")
	assert.Panics(t, func() { set.TCP(Handle{}) }, "zero handle")

	require.NoError(t, set.Remove(th))
	assert.Equal(t, 1, set.Len())
	assert.ErrorIs(t, set.Remove(th), ErrInvalidState)
	assert.Panics(t, func() { set.TCP(th) }, "stale handle")

	// Slot is reused with a new generation; the old handle stays stale.
	th2 := set.AddTCP(NewTCPSocket(16, 16))
	assert.Equal(t, th.idx, th2.idx)
	assert.NotEqual(t, th, th2)
	assert.Panics(t, func() { set.TCP(th) })
	assert.NotNil(t, set.TCP(th2))
}

func TestSocketSetForeignHandle(t *testing.T) {
	var a, b SocketSet
	ha := a.AddTCP(NewTCPSocket(16, 16))
	b.AddTCP(NewTCPSocket(16, 16))
	assert.Panics(t, func() { b.TCP(ha) })
	assert.ErrorIs(t, b.Remove(ha), ErrInvalidState)
}

func TestSocketSetNilSocket(t *testing.T) {
	var set SocketSet
	assert.Panics(t, func() { set.AddTCP(nil) })
	assert.Panics(t, func() { set.AddUDP(nil) })
}

func TestSocketSetEachOrder(t *testing.T) {
	var set SocketSet
	socks := []*TCPSocket{NewTCPSocket(1, 1), NewTCPSocket(1, 1), NewTCPSocket(1, 1)}
	var handles []Handle
	for _, s := range socks {
		handles = append(handles, set.AddTCP(s))
	}
	require.NoError(t, set.Remove(handles[1]))
	var got []any
	set.each(func(s any) bool {
		got = append(got, s)
		return true
	})
	assert.Equal(t, []any{socks[0], socks[2]}, got)

	n := 0
	set.each(func(any) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}
