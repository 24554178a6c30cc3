package id

import (
	"net"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestDeterministic(t *testing.T) {
	a := NewDigest("127.0.0.1:9001")
	b := NewDigest("127.0.0.1:9001")
	assert.Equal(t, a, b)

	c := NewDigest("127.0.0.1:9002")
	assert.NotEqual(t, a, c)
}

func TestDistanceIdentity(t *testing.T) {
	a := NewPeer(net.ParseIP("127.0.0.1"), 9001)
	b := NewPeer(net.ParseIP("127.0.0.1"), 9002)

	assert.True(t, a.DistanceTo(a).IsZero())
	assert.Equal(t, a.DistanceTo(b), b.DistanceTo(a))
}

func TestDistanceTriangleInequalityBitwise(t *testing.T) {
	a := NewPeer(net.ParseIP("127.0.0.1"), 9001)
	b := NewPeer(net.ParseIP("127.0.0.1"), 9002)
	c := NewPeer(net.ParseIP("127.0.0.1"), 9003)

	ac := a.DistanceTo(c)
	ab := a.DistanceTo(b)
	bc := b.DistanceTo(c)
	bound := new(uint256.Int).Xor(ab, bc)
	assert.True(t, ac.Cmp(bound) <= 0)
}

func TestNewPeerFromAddr(t *testing.T) {
	n, err := NewPeerFromAddr("127.0.0.1:9001")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", n.Key)
	assert.Equal(t, KindPeer, n.Kind)

	_, err = NewPeerFromAddr("not-an-addr")
	assert.Error(t, err)
}

func TestNodeEqualByKey(t *testing.T) {
	a, _ := NewPeerFromAddr("127.0.0.1:9001")
	b, _ := NewPeerFromAddr("127.0.0.1:9001")
	c, _ := NewPeerFromAddr("127.0.0.1:9002")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestIndexNodeDigestMatchesKey(t *testing.T) {
	n := NewIndex("hello", []byte("world"), time.Now())
	assert.Equal(t, NewDigest("hello"), n.Digest)
	assert.Equal(t, KindIndex, n.Kind)
}
