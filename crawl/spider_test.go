package crawl

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aar3/liaa/id"
	"github.com/aar3/liaa/protocol"
	"github.com/aar3/liaa/transport"
)

// fakeNetwork is a tiny in-process model of a DHT: each node knows a
// fixed neighbor list and, for value lookups, an optional stored value.
type fakeNetwork struct {
	mu         sync.Mutex
	neighbors  map[string][]*id.Node
	values     map[string][]byte
	storeCalls []string
	unreachable map[string]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		neighbors:   make(map[string][]*id.Node),
		values:      make(map[string][]byte),
		unreachable: make(map[string]bool),
	}
}

func (f *fakeNetwork) CallFindNode(peer *id.Node, targetKey string) (transport.Result, []*id.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[peer.Key] {
		return transport.Result{Ok: false}, nil
	}
	return transport.Result{Ok: true}, f.neighbors[peer.Key]
}

func (f *fakeNetwork) CallFindValue(peer *id.Node, targetKey string) (transport.Result, protocol.FindValueResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[peer.Key] {
		return transport.Result{Ok: false}, protocol.FindValueResult{}
	}
	if v, ok := f.values[peer.Key]; ok {
		return transport.Result{Ok: true}, protocol.FindValueResult{Value: v}
	}
	return transport.Result{Ok: true}, protocol.FindValueResult{Neighbors: f.neighbors[peer.Key]}
}

func (f *fakeNetwork) CallStore(peer *id.Node, key string, value []byte) transport.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls = append(f.storeCalls, peer.Key)
	return transport.Result{Ok: true}
}

func TestCrawlNodesDiscoversTransitiveNeighbors(t *testing.T) {
	net := newFakeNetwork()
	a, b, c := peerAt(1), peerAt(2), peerAt(3)
	net.neighbors[a.Key] = []*id.Node{b}
	net.neighbors[b.Key] = []*id.Node{c}
	net.neighbors[c.Key] = nil

	target := peerAt(99)
	result := CrawlNodes(target, []*id.Node{a}, 20, 3, net)

	keys := map[string]bool{}
	for _, n := range result {
		keys[n.Key] = true
	}
	assert.True(t, keys[a.Key])
	assert.True(t, keys[b.Key])
	assert.True(t, keys[c.Key])
}

func TestCrawlNodesRemovesUnreachablePeers(t *testing.T) {
	net := newFakeNetwork()
	a, b := peerAt(1), peerAt(2)
	net.neighbors[a.Key] = []*id.Node{b}
	net.unreachable[b.Key] = true

	target := peerAt(99)
	result := CrawlNodes(target, []*id.Node{a}, 20, 3, net)

	for _, n := range result {
		assert.NotEqual(t, b.Key, n.Key)
	}
}

func TestCrawlValueReturnsStoredValue(t *testing.T) {
	net := newFakeNetwork()
	a, b := peerAt(1), peerAt(2)
	net.neighbors[a.Key] = []*id.Node{b}
	net.values[b.Key] = []byte("answer")

	target := peerAt(99)
	value, found := CrawlValue(target, []*id.Node{a}, 20, 3, net)
	require.True(t, found)
	assert.Equal(t, []byte("answer"), value)
}

func TestCrawlValueNotFoundWhenNoOneHasIt(t *testing.T) {
	net := newFakeNetwork()
	a, b := peerAt(1), peerAt(2)
	net.neighbors[a.Key] = []*id.Node{b}
	net.neighbors[b.Key] = nil

	target := peerAt(99)
	_, found := CrawlValue(target, []*id.Node{a}, 20, 3, net)
	assert.False(t, found)
}

func TestCrawlValueCachesResultAtNearestWithoutValue(t *testing.T) {
	net := newFakeNetwork()
	a, b := peerAt(1), peerAt(2)
	net.neighbors[a.Key] = []*id.Node{b}
	net.values[b.Key] = []byte("answer")

	target := peerAt(99)
	_, found := CrawlValue(target, []*id.Node{a}, 20, 3, net)
	require.True(t, found)
	assert.Contains(t, net.storeCalls, a.Key)
}

func TestPickTopValueCountsDisagreement(t *testing.T) {
	before := ValueDisagreementTotal()
	pickTopValue([][]byte{[]byte("x"), []byte("y"), []byte("x")}, "trace", "key")
	assert.Equal(t, before+1, ValueDisagreementTotal())
}

func TestPickTopValueNoDisagreementDoesNotIncrement(t *testing.T) {
	before := ValueDisagreementTotal()
	pickTopValue([][]byte{[]byte("x"), []byte("x")}, "trace", "key")
	assert.Equal(t, before, ValueDisagreementTotal())
}
