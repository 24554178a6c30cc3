package routing

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aar3/liaa/id"
)

func peerAt(port int) *id.Node {
	return id.NewPeer(net.ParseIP("127.0.0.1"), uint16(port))
}

func TestBucketAddFillsMainSetFirst(t *testing.T) {
	b := NewBucket(fullRange().low, fullRange().high, 2)
	assert.True(t, b.Add(peerAt(1)))
	assert.True(t, b.Add(peerAt(2)))
	assert.Equal(t, 2, len(b.Nodes()))
}

func TestBucketAddOverflowsToReplacement(t *testing.T) {
	b := NewBucket(fullRange().low, fullRange().high, 1)
	require.True(t, b.Add(peerAt(1)))
	assert.False(t, b.Add(peerAt(2)))
	assert.Equal(t, 1, len(b.Nodes()))
}

func TestBucketAddExistingMovesToEnd(t *testing.T) {
	b := NewBucket(fullRange().low, fullRange().high, 3)
	a, c := peerAt(1), peerAt(2)
	b.Add(a)
	b.Add(c)
	b.Add(a)
	nodes := b.Nodes()
	assert.Equal(t, c.Key, nodes[0].Key)
	assert.Equal(t, a.Key, nodes[1].Key)
}

func TestBucketRemovePromotesReplacement(t *testing.T) {
	b := NewBucket(fullRange().low, fullRange().high, 1)
	main := peerAt(1)
	replacement := peerAt(2)
	b.Add(main)
	b.Add(replacement)

	b.Remove(main)
	nodes := b.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, replacement.Key, nodes[0].Key)
}

func TestBucketHeadIsLeastRecentlySeen(t *testing.T) {
	b := NewBucket(fullRange().low, fullRange().high, 3)
	b.Add(peerAt(1))
	b.Add(peerAt(2))
	head, ok := b.Head()
	require.True(t, ok)
	assert.Equal(t, peerAt(1).Key, head.Key)
}

func TestBucketHasInRange(t *testing.T) {
	full := fullRange()
	b := NewBucket(full.low, full.high, 3)
	assert.True(t, b.HasInRange(peerAt(1)))
}

func TestBucketSplitPartitionsByMidpoint(t *testing.T) {
	full := fullRange()
	b := NewBucket(full.low, full.high, 10)
	for i := 1; i <= 8; i++ {
		b.Add(peerAt(i))
	}
	lo, hi := b.Split()
	assert.Equal(t, 8, len(lo.Nodes())+len(hi.Nodes()))
	for _, n := range lo.Nodes() {
		assert.True(t, lo.HasInRange(n))
	}
	for _, n := range hi.Nodes() {
		assert.True(t, hi.HasInRange(n))
	}
}

func TestBucketDepthGrowsWithSharedPrefix(t *testing.T) {
	b := NewBucket(fullRange().low, fullRange().high, 10)
	assert.Equal(t, 0, b.Depth())
	b.Add(peerAt(1))
	assert.Equal(t, id.Bits, b.Depth())
}

func addrKey(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
