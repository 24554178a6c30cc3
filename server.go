package kademlia

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aar3/liaa/crawl"
	"github.com/aar3/liaa/id"
	"github.com/aar3/liaa/protocol"
	"github.com/aar3/liaa/routing"
	"github.com/aar3/liaa/store"
	"github.com/aar3/liaa/transport"
)

var log = logrus.WithField("component", "server")

// Server is a single Kademlia DHT peer: it owns the UDP socket, the
// routing table, local storage, and the periodic maintenance loops.
// Grounded on toxcore.go's Tox struct — a single object wiring every
// subsystem together, constructed from an Options value, with a
// context/cancel pair driving graceful shutdown of its background
// goroutines.
type Server struct {
	options *Options
	source  *id.Node

	transport *transport.UDP
	table     *routing.Table
	protocol  *protocol.Protocol
	storage   store.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds and starts listening a Server per spec.md §4.8's listen().
// If options is nil, NewOptions' defaults are used.
func New(options *Options) (*Server, error) {
	return NewWithID(options, nil)
}

// NewWithID is New, but lets the caller supply a pre-existing local
// identity (used by LoadState to resume a prior peer's id).
func NewWithID(options *Options, source *id.Node) (*Server, error) {
	if options == nil {
		options = NewOptions()
	}

	addr := net.JoinHostPort(options.Interface, fmt.Sprint(options.Port))
	t, err := transport.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("kademlia: listen %s: %w", addr, err)
	}

	if source == nil {
		local := t.LocalAddr().(*net.UDPAddr)
		source = id.NewPeer(local.IP, uint16(local.Port))
	}

	var st store.Store
	if options.DiskStorageDir != "" {
		disk, err := store.NewDisk(options.DiskStorageDir, source.Key, options.StorageTTL)
		if err != nil {
			t.Stop()
			return nil, fmt.Errorf("kademlia: open disk storage: %w", err)
		}
		st = disk
	} else {
		st = store.NewMemory(options.StorageTTL)
	}

	table := routing.NewTable(source, options.Ksize, nil)
	proto := protocol.New(source, t, table, st)
	proto.WelcomeAwaitsReplication = options.WelcomeAwaitsReplication
	table.SetPinger(proto)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		options:   options,
		source:    source,
		transport: t,
		table:     table,
		protocol:  proto,
		storage:   st,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.wg.Add(2)
	go s.refreshLoop()
	go s.saveStateLoop()

	return s, nil
}

// LocalAddr returns the bound UDP address.
func (s *Server) LocalAddr() net.Addr { return s.transport.LocalAddr() }

// ID returns the local peer's identity node.
func (s *Server) ID() *id.Node { return s.source }

// Bootstrap pings every address in addrs, keeps the ones that answer as
// peer nodes, and seeds a node crawl for the local id to populate the
// routing table, per spec.md §4.8.
func (s *Server) Bootstrap(addrs []string) error {
	type pingResult struct {
		peer *id.Node
		ok   bool
	}
	ch := make(chan pingResult, len(addrs))
	for _, addr := range addrs {
		peer, err := id.NewPeerFromAddr(addr)
		if err != nil {
			log.WithError(err).WithField("addr", addr).Warn("kademlia: bad bootstrap address, skipped")
			ch <- pingResult{ok: false}
			continue
		}
		go func(p *id.Node) {
			r := s.protocol.CallPing(p)
			ch <- pingResult{peer: p, ok: r.Ok}
		}(peer)
	}

	var seeds []*id.Node
	for range addrs {
		r := <-ch
		if r.ok {
			seeds = append(seeds, r.peer)
		}
	}
	if len(seeds) == 0 {
		return fmt.Errorf("kademlia: bootstrap failed, no addresses responded")
	}

	crawl.CrawlNodes(s.source, seeds, s.options.Ksize, s.options.Alpha, s.protocol)
	return nil
}

// BootstrapNeighbors re-bootstraps against the routing table's own
// current neighbors. It returns an error if the table holds no contacts;
// LoadState does not fill the table, it returns the saved addresses for
// Bootstrap instead.
func (s *Server) BootstrapNeighbors() error {
	var addrs []string
	for _, n := range s.table.FindNeighbors(s.source, s.options.Ksize, "") {
		addrs = append(addrs, n.Addr())
	}
	if len(addrs) == 0 {
		return fmt.Errorf("kademlia: no neighbors to bootstrap from")
	}
	return s.Bootstrap(addrs)
}

// Get returns the value stored under key. A local hit returns
// immediately; otherwise it runs a value crawl, per spec.md §4.8.
func (s *Server) Get(key string) ([]byte, bool) {
	if value, ok := s.storage.Get(key); ok {
		return value, true
	}

	target := id.NewIndexKey(key)
	neighbors := s.table.FindNeighbors(target, s.options.Ksize, "")
	if len(neighbors) == 0 {
		return nil, false
	}
	return crawl.CrawlValue(target, neighbors, s.options.Ksize, s.options.Alpha, s.protocol)
}

// Set stores (key, value) in the DHT: it locates the ksize globally
// closest peers to key's id, stores locally too if this node is one of
// the closer custodians, and replicates to every peer in the crawl
// result. It returns true iff at least one remote store succeeded, per
// spec.md §4.8.
func (s *Server) Set(key string, value []byte) bool {
	target := id.NewIndex(key, value, time.Now())
	neighbors := s.table.FindNeighbors(target, s.options.Ksize, "")
	if len(neighbors) == 0 {
		return false
	}

	result := crawl.CrawlNodes(target, neighbors, s.options.Ksize, s.options.Alpha, s.protocol)
	if len(result) == 0 {
		return false
	}

	furthest := result[0].DistanceTo(target)
	for _, n := range result {
		if d := n.DistanceTo(target); d.Cmp(furthest) > 0 {
			furthest = d
		}
	}
	if s.source.DistanceTo(target).Cmp(furthest) < 0 {
		s.storage.Set(key, value)
	}

	type storeResult struct{ ok bool }
	ch := make(chan storeResult, len(result))
	for _, peer := range result {
		go func(p *id.Node) {
			r := s.protocol.CallStore(p, key, value)
			ch <- storeResult{ok: r.Ok}
		}(peer)
	}
	anyOk := false
	for range result {
		if r := <-ch; r.ok {
			anyOk = true
		}
	}
	return anyOk
}

// refreshLoop implements spec.md §4.8's refresh_table: every
// RefreshInterval, it crawls for a representative of each lonely
// bucket, then republishes storage entries older than RefreshInterval.
func (s *Server) refreshLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.options.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refreshTable()
		}
	}
}

func (s *Server) refreshTable() {
	for _, representative := range s.protocol.GetRefreshIDs(s.options.LonelyBucketAge) {
		neighbors := s.table.FindNeighbors(representative, s.options.Ksize, "")
		if len(neighbors) == 0 {
			continue
		}
		crawl.CrawlNodes(representative, neighbors, s.options.Ksize, s.options.Alpha, s.protocol)
	}

	for _, kv := range s.storage.IterOlderThan(s.options.RefreshInterval) {
		s.Set(kv.Key, kv.Value)
	}
}

// saveStateLoop implements spec.md §4.8's save_state_regularly.
func (s *Server) saveStateLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.options.SaveStateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveState(); err != nil {
				log.WithError(err).Warn("kademlia: periodic state save failed")
			}
		}
	}
}

// Stop closes the transport and cancels the refresh and save-state
// loops, per spec.md §4.8.
func (s *Server) Stop() {
	s.cancel()
	s.transport.Stop()
	s.wg.Wait()
}
