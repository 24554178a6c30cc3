package crawl

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aar3/liaa/id"
	"github.com/aar3/liaa/protocol"
	"github.com/aar3/liaa/transport"
)

var log = logrus.WithField("component", "crawl")

// valueDisagreementTotal counts value crawls whose responders returned
// conflicting values for the same key (SPEC_FULL.md §10.3). No metrics
// client is wired anywhere in the dependency graph, so this is a plain
// atomic counter a caller may sample, not an exported Prometheus
// collector.
var valueDisagreementTotal uint64

// ValueDisagreementTotal returns the number of value-crawl rounds so far
// whose collected values disagreed.
func ValueDisagreementTotal() uint64 {
	return atomic.LoadUint64(&valueDisagreementTotal)
}

// NodeCaller is the subset of Protocol a node crawl needs.
type NodeCaller interface {
	CallFindNode(peer *id.Node, targetKey string) (transport.Result, []*id.Node)
}

// ValueCaller is the subset of Protocol a value crawl needs.
type ValueCaller interface {
	NodeCaller
	CallFindValue(peer *id.Node, targetKey string) (transport.Result, protocol.FindValueResult)
	CallStore(peer *id.Node, key string, value []byte) transport.Result
}

// crawler holds the state shared by both crawl variants: the bounded
// NodeHeap seeded with local neighbors, the contacted-peer set, and the
// last-round snapshot used to detect a stall (spec.md §4.7).
type crawler struct {
	target    *id.Node
	heap      *NodeHeap
	contacted map[string]bool
	lastIDs   map[string]bool
	alpha     int
	ksize     int
	traceID   string
}

func newCrawler(target *id.Node, seed []*id.Node, ksize, alpha int) *crawler {
	h := NewNodeHeap(target, ksize)
	for _, n := range seed {
		h.PushNode(n)
	}
	return &crawler{
		target:    target,
		heap:      h,
		contacted: make(map[string]bool),
		alpha:     alpha,
		ksize:     ksize,
		traceID:   uuid.NewString(),
	}
}

// roundSize implements the stall-detection rule: if the heap's id set
// is unchanged since the last round, fan out to every remaining
// uncontacted peer instead of just alpha of them.
func (c *crawler) roundSize() int {
	ids := c.heap.Keys()
	stalled := mapsEqual(ids, c.lastIDs)
	c.lastIDs = ids
	if stalled {
		return c.heap.Len()
	}
	return c.alpha
}

func (c *crawler) pickUncontacted(n int) []*id.Node {
	var out []*id.Node
	for _, node := range c.heap.Nearest(0) {
		if node.Kind != id.KindPeer || c.contacted[node.Key] {
			continue
		}
		out = append(out, node)
		if len(out) >= n {
			break
		}
	}
	return out
}

func (c *crawler) allContacted() bool {
	for _, n := range c.heap.Nearest(0) {
		if !c.contacted[n.Key] {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// CrawlNodes runs an iterative node lookup for target, seeded with the
// caller's local nearest neighbors, and returns the ksize globally
// closest peers discovered. Grounded on spec.md §4.7's "Node crawl".
func CrawlNodes(target *id.Node, seed []*id.Node, ksize, alpha int, caller NodeCaller) []*id.Node {
	c := newCrawler(target, seed, ksize, alpha)
	for {
		batch := c.pickUncontacted(c.roundSize())
		if len(batch) == 0 {
			return c.heap.Nearest(ksize)
		}
		for _, n := range batch {
			c.contacted[n.Key] = true
		}

		type reply struct {
			key       string
			ok        bool
			neighbors []*id.Node
		}
		ch := make(chan reply, len(batch))
		for _, peer := range batch {
			go func(p *id.Node) {
				result, neighbors := caller.CallFindNode(p, target.Key)
				ch <- reply{key: p.Key, ok: result.Ok, neighbors: neighbors}
			}(peer)
		}
		for range batch {
			r := <-ch
			if !r.ok {
				c.heap.Remove(r.key)
				continue
			}
			for _, n := range r.neighbors {
				c.heap.PushNode(n)
			}
		}

		if c.allContacted() {
			return c.heap.Nearest(ksize)
		}
	}
}

// CrawlValue runs an iterative value lookup for target, returning the
// stored value and true if found, or (nil, false) if exhausted without
// finding it. On success it caches the value one hop closer to the
// target via the nearest contacted peer that did not have it, per
// spec.md §4.7's "Value crawl".
func CrawlValue(target *id.Node, seed []*id.Node, ksize, alpha int, caller ValueCaller) ([]byte, bool) {
	c := newCrawler(target, seed, ksize, alpha)
	var nearestWithoutValue *id.Node

	for {
		batch := c.pickUncontacted(c.roundSize())
		if len(batch) == 0 {
			return nil, false
		}
		for _, n := range batch {
			c.contacted[n.Key] = true
		}

		type reply struct {
			key       string
			ok        bool
			value     []byte
			neighbors []*id.Node
		}
		ch := make(chan reply, len(batch))
		for _, peer := range batch {
			go func(p *id.Node) {
				result, fv := caller.CallFindValue(p, target.Key)
				ch <- reply{key: p.Key, ok: result.Ok, value: fv.Value, neighbors: fv.Neighbors}
			}(peer)
		}

		var values [][]byte
		for range batch {
			r := <-ch
			if !r.ok {
				c.heap.Remove(r.key)
				continue
			}
			peer, _ := c.heap.Get(r.key)
			for _, n := range r.neighbors {
				c.heap.PushNode(n)
			}
			if len(r.value) > 0 {
				values = append(values, r.value)
				continue
			}
			if peer == nil {
				continue
			}
			if nearestWithoutValue == nil || peer.DistanceTo(target).Cmp(nearestWithoutValue.DistanceTo(target)) < 0 {
				nearestWithoutValue = peer
			}
		}

		if len(values) > 0 {
			top := pickTopValue(values, c.traceID, target.Key)
			if nearestWithoutValue != nil {
				caller.CallStore(nearestWithoutValue, target.Key, top)
			}
			return top, true
		}
		if c.allContacted() {
			return nil, false
		}
	}
}

// pickTopValue picks the most common value among responses that
// disagreed, logging and counting the disagreement, per
// SPEC_FULL.md §10.3.
func pickTopValue(values [][]byte, traceID, key string) []byte {
	counts := make(map[string]int, len(values))
	order := make(map[string][]byte, len(values))
	for _, v := range values {
		k := string(v)
		counts[k]++
		order[k] = v
	}
	if len(counts) > 1 {
		atomic.AddUint64(&valueDisagreementTotal, 1)
		log.WithFields(logrus.Fields{"trace": traceID, "key": key, "variants": len(counts)}).
			Warn("crawl: value crawl responders disagreed, using most common value")
	}

	best, bestCount := "", -1
	for k, n := range counts {
		if n > bestCount {
			best, bestCount = k, n
		}
	}
	return order[best]
}
