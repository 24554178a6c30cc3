package crawl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aar3/liaa/id"
)

func peerAt(port int) *id.Node {
	return id.NewPeer(net.ParseIP("127.0.0.1"), uint16(port))
}

func TestNodeHeapPushAndNearestOrdersByDistance(t *testing.T) {
	target := peerAt(1)
	h := NewNodeHeap(target, 10)
	for i := 2; i <= 6; i++ {
		h.PushNode(peerAt(i))
	}
	nearest := h.Nearest(0)
	require.Len(t, nearest, 5)
	for i := 1; i < len(nearest); i++ {
		d1 := nearest[i-1].DistanceTo(target)
		d2 := nearest[i].DistanceTo(target)
		assert.True(t, d1.Cmp(d2) <= 0)
	}
}

func TestNodeHeapTrimsToCapacity(t *testing.T) {
	target := peerAt(1)
	h := NewNodeHeap(target, 3)
	for i := 2; i <= 10; i++ {
		h.PushNode(peerAt(i))
	}
	assert.Equal(t, 3, h.Len())
}

func TestNodeHeapContainsAndGet(t *testing.T) {
	target := peerAt(1)
	h := NewNodeHeap(target, 10)
	n := peerAt(2)
	h.PushNode(n)
	assert.True(t, h.Contains(n.Key))
	got, ok := h.Get(n.Key)
	require.True(t, ok)
	assert.Equal(t, n.Key, got.Key)
}

func TestNodeHeapRemove(t *testing.T) {
	target := peerAt(1)
	h := NewNodeHeap(target, 10)
	n := peerAt(2)
	h.PushNode(n)
	h.Remove(n.Key)
	assert.False(t, h.Contains(n.Key))
	assert.Equal(t, 0, h.Len())
}

func TestNodeHeapPushNodeIgnoresDuplicates(t *testing.T) {
	target := peerAt(1)
	h := NewNodeHeap(target, 10)
	n := peerAt(2)
	h.PushNode(n)
	h.PushNode(n)
	assert.Equal(t, 1, h.Len())
}
