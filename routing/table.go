package routing

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/aar3/liaa/id"
)

var log = logrus.WithField("component", "routing")

// accelerationParam (b in spec.md §4.4) forces a bucket split even when
// the new contact's bucket doesn't cover our own id, whenever the
// bucket's shared-prefix depth is not a multiple of b, so far branches of
// the tree still get explored.
const accelerationParam = 5

// Pinger is the liveness-probe collaborator the routing table calls into
// when a full bucket's head needs to be challenged before eviction. The
// protocol package supplies the real implementation; tests supply fakes.
type Pinger interface {
	// Ping attempts to reach node and reports whether it is still alive.
	Ping(node *id.Node) bool
}

// Table is the Kademlia routing table: a dynamically splitting tree of
// Buckets covering the full id space, rooted at a single bucket. Grounded
// on dht/routing.go's RoutingTable, replacing its fixed 256-array layout
// with the split-on-demand tree spec.md §4.4 describes.
type Table struct {
	mu      sync.RWMutex
	buckets []*Bucket
	source  *id.Node
	ksize   int
	pinger  Pinger
}

// NewTable builds a routing table with a single bucket spanning the
// entire id space. source is the local node whose id drives split
// decisions but is never itself added as a contact.
func NewTable(source *id.Node, ksize int, pinger Pinger) *Table {
	full := fullRange()
	return &Table{
		buckets: []*Bucket{NewBucket(full.low, full.high, ksize)},
		source:  source,
		ksize:   ksize,
		pinger:  pinger,
	}
}

// SetPinger installs the liveness-probe collaborator after construction,
// for callers (like the Server) that must build the routing table before
// the protocol object that implements Pinger exists.
func (t *Table) SetPinger(p Pinger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinger = p
}

type idRange struct{ low, high *uint256.Int }

func fullRange() idRange {
	low := new(uint256.Int)
	high := new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), id.Bits), uint256.NewInt(1))
	return idRange{low: low, high: high}
}

// bucketIndexFor locates the unique bucket whose range contains v.
func (t *Table) bucketIndexFor(v *uint256.Int) int {
	for i, b := range t.buckets {
		if v.Cmp(b.Low) >= 0 && v.Cmp(b.High) <= 0 {
			return i
		}
	}
	// The bucket set always partitions the full space; this is unreachable.
	return len(t.buckets) - 1
}

// AddContact implements spec.md §4.4's add_contact, including the
// accelerated-split and ping-the-head replacement policy. attempted
// marks a recursive retry after a split, so a still-full bucket doesn't
// loop forever.
func (t *Table) AddContact(node *id.Node, attempted bool) {
	t.mu.Lock()
	idx := t.bucketIndexFor(node.Digest.Int())
	b := t.buckets[idx]

	if b.Add(node) {
		t.mu.Unlock()
		return
	}

	if !b.Full() {
		t.mu.Unlock()
		return
	}
	if attempted {
		t.mu.Unlock()
		return
	}

	sourceInRange := b.HasInRange(t.source)
	shouldSplit := sourceInRange || b.Depth()%accelerationParam != 0
	if shouldSplit {
		lo, hi := b.Split()
		t.buckets = append(t.buckets[:idx], append([]*Bucket{lo, hi}, t.buckets[idx+1:]...)...)
		t.mu.Unlock()
		t.AddContact(node, true)
		return
	}
	t.mu.Unlock()

	if t.pinger == nil {
		return
	}
	head, ok := b.Head()
	if !ok {
		return
	}
	go func() {
		if t.pinger.Ping(head) {
			log.WithField("head", head.Key).Debug("routing: head alive, dropping new contact")
			return
		}
		log.WithFields(logrus.Fields{"head": head.Key, "new": node.Key}).Debug("routing: head dead, replacing")
		b.Remove(head)
		b.Add(node)
	}()
}

// RemoveContact locates node's bucket and removes it there.
func (t *Table) RemoveContact(node *id.Node) {
	t.mu.RLock()
	idx := t.bucketIndexFor(node.Digest.Int())
	b := t.buckets[idx]
	t.mu.RUnlock()
	b.Remove(node)
}

// IsNewNode reports whether node's target bucket does not already
// contain it in its main set.
func (t *Table) IsNewNode(node *id.Node) bool {
	t.mu.RLock()
	idx := t.bucketIndexFor(node.Digest.Int())
	b := t.buckets[idx]
	t.mu.RUnlock()
	return !b.Contains(node)
}

// heapItem pairs a candidate node with its precomputed distance so the
// bounded max-heap in FindNeighbors can order and trim without
// recomputing XOR on every comparison.
type heapItem struct {
	node     *id.Node
	distance *uint256.Int
}

type nodeMaxHeap []heapItem

func (h nodeMaxHeap) Len() int { return len(h) }
func (h nodeMaxHeap) Less(i, j int) bool {
	return h[i].distance.Cmp(h[j].distance) > 0 // max-heap: farthest at root
}
func (h nodeMaxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeMaxHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *nodeMaxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FindNeighbors returns up to k nodes nearest to target by XOR distance,
// ascending, optionally excluding one key. It ripples outward from the
// bucket containing target, per spec.md §4.4, collecting candidates into
// a bounded max-heap so only the k closest survive regardless of how many
// buckets are scanned.
func (t *Table) FindNeighbors(target *id.Node, k int, exclude string) []*id.Node {
	if k <= 0 {
		k = t.ksize
	}
	t.mu.RLock()
	center := t.bucketIndexFor(target.Digest.Int())
	buckets := make([]*Bucket, len(t.buckets))
	copy(buckets, t.buckets)
	t.mu.RUnlock()

	h := &nodeMaxHeap{}
	heap.Init(h)

	consider := func(n *id.Node) {
		if n.Key == exclude || n.Key == t.source.Key {
			return
		}
		d := n.DistanceTo(target)
		if h.Len() < k {
			heap.Push(h, heapItem{node: n, distance: d})
			return
		}
		if d.Cmp((*h)[0].distance) < 0 {
			heap.Pop(h)
			heap.Push(h, heapItem{node: n, distance: d})
		}
	}

	for _, n := range buckets[center].Nodes() {
		consider(n)
	}
	for left, right := center-1, center+1; left >= 0 || right < len(buckets); left, right = left-1, right+1 {
		if left >= 0 {
			for _, n := range buckets[left].Nodes() {
				consider(n)
			}
		}
		if right < len(buckets) {
			for _, n := range buckets[right].Nodes() {
				consider(n)
			}
		}
	}

	out := make([]*id.Node, h.Len())
	for i := range out {
		out[i] = (*h)[i].node
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DistanceTo(target).Cmp(out[j].DistanceTo(target)) < 0
	})
	return out
}

// LonelyBuckets returns non-empty buckets whose last_seen is older than
// the given age, candidates for the refresh loop's representative pings.
func (t *Table) LonelyBuckets(age time.Duration) []*Bucket {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := time.Now().Add(-age)
	var out []*Bucket
	for _, b := range t.buckets {
		if len(b.Nodes()) == 0 {
			continue
		}
		if b.LastSeen().Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

// Len returns the total number of contacts across all main sets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.Nodes())
	}
	return n
}
