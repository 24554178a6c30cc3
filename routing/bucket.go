// Package routing implements the k-bucket and routing table that let a
// Kademlia node locate its neighbors in the 160-bit id space.
package routing

import (
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/aar3/liaa/id"
)

// Bucket owns an inclusive range [Low, High] of the id space and the
// contacts whose digest falls in it: an ordered main set of up to
// Capacity entries, and a bounded replacement set for contacts that
// arrive once the main set is full. Ordering within each set runs
// least-recently-seen first, so Head always names the next liveness
// probe candidate. Grounded on dht/routing.go's KBucket, generalized
// from a fixed 256-bucket array to the dynamically splitting layout
// spec.md §4.3/§4.4 requires.
type Bucket struct {
	mu sync.Mutex

	Low, High *uint256.Int

	capacity    int
	replaceCap  int
	main        []*id.Node
	replacement []*id.Node
	lastSeen    time.Time
}

// NewBucket builds a bucket covering [low, high] with the given main-set
// capacity. The replacement set is capped at the same capacity, per
// SPEC_FULL.md §10.2.
func NewBucket(low, high *uint256.Int, capacity int) *Bucket {
	return &Bucket{
		Low:        low,
		High:       high,
		capacity:   capacity,
		replaceCap: capacity,
		lastSeen:   time.Now(),
	}
}

// indexOf returns the position of a node with the given key, or -1.
func indexOf(nodes []*id.Node, key string) int {
	for i, n := range nodes {
		if n.Key == key {
			return i
		}
	}
	return -1
}

// moveToEnd removes the entry at i and appends it, marking it most recent.
func moveToEnd(nodes []*id.Node, i int) []*id.Node {
	n := nodes[i]
	nodes = append(nodes[:i], nodes[i+1:]...)
	return append(nodes, n)
}

// Add inserts or refreshes contact per spec.md §4.3. It returns true if
// the node now lives in the main set (newly inserted or already
// present), false if it was only placed in (or kept in) the replacement
// cache.
func (b *Bucket) Add(node *id.Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = time.Now()

	if i := indexOf(b.main, node.Key); i >= 0 {
		b.main = moveToEnd(b.main, i)
		return true
	}
	if len(b.main) < b.capacity {
		b.main = append(b.main, node)
		return true
	}
	if i := indexOf(b.replacement, node.Key); i >= 0 {
		b.replacement = moveToEnd(b.replacement, i)
		return false
	}
	if len(b.replacement) >= b.replaceCap && len(b.replacement) > 0 {
		b.replacement = b.replacement[1:]
	}
	b.replacement = append(b.replacement, node)
	return false
}

// Remove deletes node from whichever set holds it. If the main set loses
// an entry and the replacement cache is non-empty, the most recently
// seen replacement is promoted into the vacated slot.
func (b *Bucket) Remove(node *id.Node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.main, node.Key); i >= 0 {
		b.main = append(b.main[:i], b.main[i+1:]...)
		if len(b.replacement) > 0 {
			last := len(b.replacement) - 1
			b.main = append(b.main, b.replacement[last])
			b.replacement = b.replacement[:last]
		}
		return
	}
	if i := indexOf(b.replacement, node.Key); i >= 0 {
		b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
	}
}

// Head returns the least-recently-seen main-set contact, the candidate
// for a liveness probe when the bucket is full. ok is false if the main
// set is empty.
func (b *Bucket) Head() (node *id.Node, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.main) == 0 {
		return nil, false
	}
	return b.main[0], true
}

// HasInRange reports whether node's digest falls within [Low, High].
func (b *Bucket) HasInRange(node *id.Node) bool {
	v := node.Digest.Int()
	return v.Cmp(b.Low) >= 0 && v.Cmp(b.High) <= 0
}

// Full reports whether the main set has reached capacity.
func (b *Bucket) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.main) >= b.capacity
}

// Contains reports whether node is present in the main set.
func (b *Bucket) Contains(node *id.Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return indexOf(b.main, node.Key) >= 0
}

// Nodes returns a copy of the main-set contacts, least-recent first.
func (b *Bucket) Nodes() []*id.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*id.Node, len(b.main))
	copy(out, b.main)
	return out
}

// LastSeen returns the last time this bucket was touched by Add.
func (b *Bucket) LastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// Depth returns the length of the longest shared bit prefix among the
// digests of the main-set members, used by the routing table to decide
// whether a full bucket should split.
func (b *Bucket) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.main) == 0 {
		return 0
	}
	shared := id.Bits
	first := b.main[0].Digest
	for _, n := range b.main[1:] {
		p := sharedPrefixBits(first, n.Digest)
		if p < shared {
			shared = p
		}
	}
	return shared
}

func sharedPrefixBits(a, b id.Digest) int {
	bits := 0
	for i := 0; i < id.Size; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if x&mask != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}

// Split divides the bucket at its midpoint into two fresh buckets,
// redistributing both main-set and replacement-set members by whether
// their digest falls at or below the midpoint.
func (b *Bucket) Split() (lo, hi *Bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mid := midpoint(b.Low, b.High)
	lo = NewBucket(b.Low, mid, b.capacity)
	hiLow := new(uint256.Int).AddUint64(mid, 1)
	hi = NewBucket(hiLow, b.High, b.capacity)

	for _, n := range b.main {
		if n.Digest.Int().Cmp(mid) <= 0 {
			lo.main = append(lo.main, n)
		} else {
			hi.main = append(hi.main, n)
		}
	}
	for _, n := range b.replacement {
		if n.Digest.Int().Cmp(mid) <= 0 {
			lo.replacement = append(lo.replacement, n)
		} else {
			hi.replacement = append(hi.replacement, n)
		}
	}
	return lo, hi
}

func midpoint(low, high *uint256.Int) *uint256.Int {
	sum := new(uint256.Int).Add(low, high)
	return sum.Rsh(sum, 1)
}
