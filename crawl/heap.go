// Package crawl implements the iterative α-parallel lookup ("spider
// crawl") that both node discovery and value lookup are built on.
package crawl

import (
	"container/heap"

	"github.com/aar3/liaa/id"
)

// NodeHeap is a bounded min-heap of nodes ordered by distance to a fixed
// target, paired with a key index so Contains/Remove/Get run in
// O(log n) instead of a linear scan — the heap-identity design named in
// spec.md §9. Grounded on dht/routing.go's closest-node sort, replacing
// a one-shot sort.Slice with a heap that supports incremental push/pop
// across crawl rounds.
type NodeHeap struct {
	target *id.Node
	cap    int
	items  nodeHeapImpl
	index  map[string]int // key -> position in items, kept in sync by Push/Pop/Swap
}

type nodeHeapImpl []*id.Node

func NewNodeHeap(target *id.Node, capacity int) *NodeHeap {
	h := &NodeHeap{
		target: target,
		cap:    capacity,
		items:  make(nodeHeapImpl, 0, capacity),
		index:  make(map[string]int),
	}
	heap.Init(h)
	return h
}

func (h *NodeHeap) Len() int { return len(h.items) }

func (h *NodeHeap) Less(i, j int) bool {
	di := h.items[i].DistanceTo(h.target)
	dj := h.items[j].DistanceTo(h.target)
	return di.Cmp(dj) < 0
}

func (h *NodeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].Key] = i
	h.index[h.items[j].Key] = j
}

func (h *NodeHeap) Push(x any) {
	n := x.(*id.Node)
	h.index[n.Key] = len(h.items)
	h.items = append(h.items, n)
}

func (h *NodeHeap) Pop() any {
	old := h.items
	n := len(old)
	n0 := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	delete(h.index, n0.Key)
	return n0
}

// Contains reports whether key is already present in the heap.
func (h *NodeHeap) Contains(key string) bool {
	_, ok := h.index[key]
	return ok
}

// Get returns the node with the given key, if present.
func (h *NodeHeap) Get(key string) (*id.Node, bool) {
	i, ok := h.index[key]
	if !ok {
		return nil, false
	}
	return h.items[i], true
}

// PushNode adds node to the heap if it is not already present, then
// trims the heap down to its capacity by evicting the farthest entries.
func (h *NodeHeap) PushNode(node *id.Node) {
	if h.Contains(node.Key) {
		return
	}
	heap.Push(h, node)
	h.trim()
}

// trim evicts farthest-first down to capacity. Since h is a min-heap by
// distance, eviction by "farthest" requires a linear scan; crawl heaps
// are bounded to ksize (tens of entries), so this is cheap in practice.
func (h *NodeHeap) trim() {
	for h.Len() > h.cap {
		worst := 0
		worstDist := h.items[0].DistanceTo(h.target)
		for i := 1; i < h.Len(); i++ {
			d := h.items[i].DistanceTo(h.target)
			if d.Cmp(worstDist) > 0 {
				worst, worstDist = i, d
			}
		}
		h.removeAt(worst)
	}
}

// Remove deletes the node with the given key, if present.
func (h *NodeHeap) Remove(key string) {
	i, ok := h.index[key]
	if !ok {
		return
	}
	h.removeAt(i)
}

func (h *NodeHeap) removeAt(i int) {
	heap.Remove(h, i)
}

// Nearest returns up to n nodes in ascending distance order without
// mutating the heap.
func (h *NodeHeap) Nearest(n int) []*id.Node {
	out := make([]*id.Node, len(h.items))
	copy(out, h.items)
	sortByDistance(out, h.target)
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Keys returns the set of keys currently in the heap, used by the
// stall-detection snapshot comparison in spider.go.
func (h *NodeHeap) Keys() map[string]bool {
	out := make(map[string]bool, len(h.index))
	for k := range h.index {
		out[k] = true
	}
	return out
}

func sortByDistance(nodes []*id.Node, target *id.Node) {
	// insertion sort: crawl heaps are small (bounded by ksize)
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && nodes[j-1].DistanceTo(target).Cmp(nodes[j].DistanceTo(target)) > 0 {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
			j--
		}
	}
}
