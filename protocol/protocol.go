// Package protocol implements the five Kademlia RPCs a peer exposes over
// transport.UDP, the client-side wrappers that issue them, and the
// admission policy (welcome_if_new) that replicates local storage to a
// newly discovered peer.
package protocol

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aar3/liaa/id"
	"github.com/aar3/liaa/routing"
	"github.com/aar3/liaa/store"
	"github.com/aar3/liaa/transport"
)

var log = logrus.WithField("component", "protocol")

// Protocol binds the transport, routing table and local storage into the
// handler/wrapper set spec.md §4.6 names. Grounded on toxcore.go's
// pattern of a single struct wiring transport + state + handlers
// together behind an Options-constructed New function.
type Protocol struct {
	Source    *id.Node
	Transport *transport.UDP
	Table     *routing.Table
	Store     store.Store

	// WelcomeAwaitsReplication resolves SPEC_FULL.md §10.4: when false
	// (the default), welcome_if_new's replication call_store fire-and-
	// forgets; when true, it blocks until the replication RPC completes.
	WelcomeAwaitsReplication bool
}

// New builds a Protocol and registers its RPC handlers on t.
func New(source *id.Node, t *transport.UDP, table *routing.Table, st store.Store) *Protocol {
	p := &Protocol{Source: source, Transport: t, Table: table, Store: st}
	t.RegisterHandler("stun", p.rpcSTUN)
	t.RegisterHandler("ping", p.rpcPing)
	t.RegisterHandler("store", p.rpcStore)
	t.RegisterHandler("find_node", p.rpcFindNode)
	t.RegisterHandler("find_value", p.rpcFindValue)
	return p
}

// Ping satisfies routing.Pinger: a synchronous liveness probe used when
// a full bucket's head must be challenged before eviction.
func (p *Protocol) Ping(node *id.Node) bool {
	result := p.Transport.Call(&net.UDPAddr{IP: node.IP, Port: int(node.Port)}, "ping", []any{p.Source.Key})
	return result.Ok
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("protocol: missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("protocol: argument %d is not a string", i)
	}
	return s, nil
}

func argBytes(args []any, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("protocol: missing argument %d", i)
	}
	b, ok := args[i].([]byte)
	if !ok {
		return nil, fmt.Errorf("protocol: argument %d is not bytes", i)
	}
	return b, nil
}

func peerTriples(nodes []*id.Node) []any {
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, []any{n.Key, n.IP.String(), int(n.Port)})
	}
	return out
}

// rpcSTUN returns the observed source address, per spec.md §4.6, encoded
// as a real STUN Binding Success Response (RFC 5389) carrying an
// XOR-MAPPED-ADDRESS attribute, per SPEC_FULL.md §12 — not the bare
// `[ip, port]` tuple a minimal implementation would return.
func (p *Protocol) rpcSTUN(sender *net.UDPAddr, args []any) (any, error) {
	raw, err := transport.BuildSTUNSuccess(sender)
	if err != nil {
		return nil, fmt.Errorf("protocol: build stun response: %w", err)
	}
	return raw, nil
}

// rpcPing acknowledges liveness and welcomes the sender if new.
func (p *Protocol) rpcPing(sender *net.UDPAddr, args []any) (any, error) {
	senderKey, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	p.welcomeIfNew(peerFromKey(senderKey, sender))
	return p.Source.Key, nil
}

// rpcStore places (key, value) in local storage, overwriting any prior
// value, per spec.md §4.6.
func (p *Protocol) rpcStore(sender *net.UDPAddr, args []any) (any, error) {
	senderKey, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	value, err := argBytes(args, 2)
	if err != nil {
		return nil, err
	}
	p.welcomeIfNew(peerFromKey(senderKey, sender))
	p.Store.Set(key, value)
	return true, nil
}

// rpcFindNode returns up to ksize neighbors of target_key, excluding the
// requester, per spec.md §4.6.
func (p *Protocol) rpcFindNode(sender *net.UDPAddr, args []any) (any, error) {
	senderKey, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	targetKey, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	p.welcomeIfNew(peerFromKey(senderKey, sender))

	target := id.NewIndexKey(targetKey)
	neighbors := p.Table.FindNeighbors(target, 0, senderKey)
	return peerTriples(neighbors), nil
}

// rpcFindValue returns the stored value for target_key if present,
// otherwise falls back to rpc_find_node's neighbor list, per spec.md §4.6.
func (p *Protocol) rpcFindValue(sender *net.UDPAddr, args []any) (any, error) {
	senderKey, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	targetKey, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	p.welcomeIfNew(peerFromKey(senderKey, sender))

	if value, ok := p.Store.Get(targetKey); ok {
		return map[string]any{"value": value}, nil
	}
	target := id.NewIndexKey(targetKey)
	neighbors := p.Table.FindNeighbors(target, 0, senderKey)
	return peerTriples(neighbors), nil
}

func peerFromKey(key string, fallback *net.UDPAddr) *id.Node {
	n, err := id.NewPeerFromAddr(key)
	if err != nil {
		return id.NewPeer(fallback.IP, uint16(fallback.Port))
	}
	return n
}

// CallStun sends stun() to peer and decodes its reply into the address
// peer observed us connecting from, per spec.md §4.6's advisory STUN RPC.
// The reply is a real STUN Binding Success Response, so decoding goes
// through transport.ParseSTUNXORMappedAddress rather than a bare tuple
// unmarshal.
func (p *Protocol) CallStun(peer *id.Node) (transport.Result, *net.UDPAddr) {
	r := p.Transport.Call(udpAddr(peer), "stun", []any{})
	p.handleCallResponse(r, peer)
	if !r.Ok {
		return r, nil
	}
	var raw []byte
	if err := msgpack.Unmarshal(r.Body, &raw); err != nil {
		log.WithError(err).Debug("protocol: could not decode stun response body")
		return r, nil
	}
	addr, err := transport.ParseSTUNXORMappedAddress(raw)
	if err != nil {
		log.WithError(err).Debug("protocol: could not parse stun message")
		return r, nil
	}
	return r, addr
}

// CallPing sends ping to peer and applies handle_call_response.
func (p *Protocol) CallPing(peer *id.Node) transport.Result {
	r := p.Transport.Call(udpAddr(peer), "ping", []any{p.Source.Key})
	p.handleCallResponse(r, peer)
	return r
}

// CallStore sends store(key, value) to peer and applies
// handle_call_response.
func (p *Protocol) CallStore(peer *id.Node, key string, value []byte) transport.Result {
	r := p.Transport.Call(udpAddr(peer), "store", []any{p.Source.Key, key, value})
	p.handleCallResponse(r, peer)
	return r
}

// CallFindNode sends find_node(target_key) to peer and applies
// handle_call_response. On success it decodes and returns the neighbor
// triples.
func (p *Protocol) CallFindNode(peer *id.Node, targetKey string) (transport.Result, []*id.Node) {
	r := p.Transport.Call(udpAddr(peer), "find_node", []any{p.Source.Key, targetKey})
	p.handleCallResponse(r, peer)
	if !r.Ok {
		return r, nil
	}
	return r, decodePeerTriples(r.Body)
}

// FindValueResult is the decoded body of a find_value response: either a
// value, or a neighbor list to continue the crawl.
type FindValueResult struct {
	Value     []byte
	Neighbors []*id.Node
}

// CallFindValue sends find_value(target_key) to peer and applies
// handle_call_response.
func (p *Protocol) CallFindValue(peer *id.Node, targetKey string) (transport.Result, FindValueResult) {
	r := p.Transport.Call(udpAddr(peer), "find_value", []any{p.Source.Key, targetKey})
	p.handleCallResponse(r, peer)
	if !r.Ok {
		return r, FindValueResult{}
	}
	return r, decodeFindValueBody(r.Body)
}

// handleCallResponse implements spec.md §4.6: a dead peer is dropped
// from the routing table, a live one is welcomed if new.
func (p *Protocol) handleCallResponse(r transport.Result, peer *id.Node) {
	if !r.Ok {
		p.Table.RemoveContact(peer)
		return
	}
	p.welcomeIfNew(peer)
}

// welcomeIfNew implements spec.md §4.6's welcome_if_new: replicate
// locally-held index entries that peer is a better custodian for, then
// admit peer into the routing table.
func (p *Protocol) welcomeIfNew(peer *id.Node) {
	if peer == nil || peer.Kind != id.KindPeer {
		return
	}
	if !p.Table.IsNewNode(peer) {
		return
	}

	for _, kv := range p.Store.All() {
		keyNode := id.NewIndexKey(kv.Key)
		neighbors := p.Table.FindNeighbors(keyNode, 0, "")

		shouldReplicate := len(neighbors) == 0
		if !shouldReplicate {
			furthest := neighbors[len(neighbors)-1].DistanceTo(keyNode)
			closest := neighbors[0].DistanceTo(keyNode)
			peerDist := peer.DistanceTo(keyNode)
			sourceDist := p.Source.DistanceTo(keyNode)
			shouldReplicate = peerDist.Cmp(furthest) < 0 && sourceDist.Cmp(closest) < 0
		}

		if shouldReplicate {
			key, value := kv.Key, kv.Value
			dst := peer
			if p.WelcomeAwaitsReplication {
				p.CallStore(dst, key, value)
			} else {
				go p.CallStore(dst, key, value)
			}
		}
	}

	p.Table.AddContact(peer, false)
}

// GetRefreshIDs returns one representative node per lonely bucket, used
// by the server's refresh loop to probe stale regions of the id space.
func (p *Protocol) GetRefreshIDs(lonelyAge time.Duration) []*id.Node {
	var out []*id.Node
	for _, b := range p.Table.LonelyBuckets(lonelyAge) {
		nodes := b.Nodes()
		if len(nodes) == 0 {
			continue
		}
		out = append(out, nodes[0])
	}
	return out
}

func udpAddr(n *id.Node) *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
}

func decodePeerTriples(body []byte) []*id.Node {
	var raw []any
	if err := msgpack.Unmarshal(body, &raw); err != nil {
		log.WithError(err).Debug("protocol: could not decode neighbor list")
		return nil
	}
	return triplesToNodes(raw)
}

func decodeFindValueBody(body []byte) FindValueResult {
	var raw any
	if err := msgpack.Unmarshal(body, &raw); err != nil {
		log.WithError(err).Debug("protocol: could not decode find_value response")
		return FindValueResult{}
	}
	switch v := raw.(type) {
	case map[string]any:
		if val, ok := v["value"]; ok {
			if b, ok := val.([]byte); ok {
				return FindValueResult{Value: b}
			}
		}
		return FindValueResult{}
	case []any:
		return FindValueResult{Neighbors: triplesToNodes(v)}
	default:
		return FindValueResult{}
	}
}

func triplesToNodes(raw []any) []*id.Node {
	nodes := make([]*id.Node, 0, len(raw))
	for _, item := range raw {
		triple, ok := item.([]any)
		if !ok || len(triple) != 3 {
			continue
		}
		key, _ := triple[0].(string)
		ipStr, _ := triple[1].(string)
		port, ok := toInt(triple[2])
		if !ok {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		n := id.NewPeer(ip, uint16(port))
		if key != "" {
			n.Key = key
			n.Digest = id.NewDigest(key)
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int8:
		return int(x), true
	case int16:
		return int(x), true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint:
		return int(x), true
	case uint8:
		return int(x), true
	case uint16:
		return int(x), true
	case uint32:
		return int(x), true
	case uint64:
		return int(x), true
	case float32:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}
