// Package id implements Kademlia node identity and the XOR distance metric.
//
// Every node in the network — whether a reachable peer or a stored
// key/value pair — is identified by a 160-bit digest derived from a
// string key. Distance between two ids is their XOR, which this package
// represents as a uint256.Int so routing and crawling can compare,
// XOR, add and shift it without hand-rolled big-integer code.
package id

import (
	"crypto/sha1"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/holiman/uint256"
)

// Bits is the width of the id space. Fixed per SPEC_FULL.md §10.1.
const Bits = 160

// Size is the number of bytes a digest occupies.
const Size = Bits / 8

// Digest is the fixed-width id value: SHA-1 of a node's key string.
type Digest [Size]byte

// NewDigest hashes key into a Digest.
func NewDigest(key string) Digest {
	sum := sha1.Sum([]byte(key))
	var d Digest
	copy(d[:], sum[:])
	return d
}

// Int returns the digest as a uint256, suitable for XOR/compare/add/shift.
func (d Digest) Int() *uint256.Int {
	return new(uint256.Int).SetBytes(d[:])
}

// String renders the digest as hex.
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// Kind distinguishes a peer node (reachable endpoint) from an index node
// (a stored key/value pair). See SPEC_FULL.md §9 "Heterogeneous collections".
type Kind uint8

const (
	// KindPeer is a participating process identified by ip:port.
	KindPeer Kind = iota
	// KindIndex is a key/value pair stored in the DHT.
	KindIndex
)

func (k Kind) String() string {
	if k == KindIndex {
		return "index"
	}
	return "peer"
}

// Node is the tagged variant covering both peer and index nodes.
type Node struct {
	Kind Kind

	// Key is the stable string identity: "ip:port" for a peer, the
	// caller-chosen key for an index entry.
	Key string

	Digest Digest

	// IP and Port are populated only for KindPeer nodes.
	IP   net.IP
	Port uint16

	// Value and Birthday are populated only for KindIndex nodes.
	Value    []byte
	Birthday time.Time
}

// NewPeer builds a peer node from its ip:port endpoint. The id is the
// digest of the endpoint string, per spec.md §4.1.
func NewPeer(ip net.IP, port uint16) *Node {
	key := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	return &Node{
		Kind:   KindPeer,
		Key:    key,
		Digest: NewDigest(key),
		IP:     ip,
		Port:   port,
	}
}

// NewPeerFromAddr parses a "host:port" string into a peer node.
func NewPeerFromAddr(addr string) (*Node, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("id: invalid peer address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("id: invalid peer port %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, fmt.Errorf("id: cannot resolve peer host %q: %w", host, err)
		}
		ip = resolved.IP
	}
	return NewPeer(ip, uint16(port)), nil
}

// NewIndex builds an index node for a stored key/value pair.
func NewIndex(key string, value []byte, birthday time.Time) *Node {
	return &Node{
		Kind:     KindIndex,
		Key:      key,
		Digest:   NewDigest(key),
		Value:    value,
		Birthday: birthday,
	}
}

// NewIndexKey builds an index node carrying only the key's identity,
// useful for distance computations against a target that has no value yet
// (e.g. a lookup target).
func NewIndexKey(key string) *Node {
	return &Node{Kind: KindIndex, Key: key, Digest: NewDigest(key)}
}

// Addr renders the peer's endpoint as "ip:port". Only meaningful for
// KindPeer nodes.
func (n *Node) Addr() string {
	return net.JoinHostPort(n.IP.String(), strconv.Itoa(int(n.Port)))
}

// DistanceTo returns the XOR distance between n and other.
func (n *Node) DistanceTo(other *Node) *uint256.Int {
	return new(uint256.Int).Xor(n.Digest.Int(), other.Digest.Int())
}

// Equal compares nodes by key, per spec.md §4.1.
func (n *Node) Equal(other *Node) bool {
	if other == nil {
		return false
	}
	return n.Key == other.Key
}

func (n *Node) String() string {
	if n.Kind == KindPeer {
		return n.Key
	}
	return fmt.Sprintf("index:%s", n.Key)
}
