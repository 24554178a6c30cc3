package kademlia

import (
	"fmt"
	"net"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aar3/liaa/id"
)

// neighborAddr is a bootstrappable contact as persisted to disk.
type neighborAddr struct {
	IP   string `msgpack:"ip"`
	Port uint16 `msgpack:"port"`
}

// state is the on-disk snapshot spec.md §6 names: enough to rejoin the
// network without a fresh bootstrap list.
type state struct {
	Interface string         `msgpack:"interface"`
	Port      uint16         `msgpack:"port"`
	Ksize     int            `msgpack:"ksize"`
	Alpha     int            `msgpack:"alpha"`
	ID        string         `msgpack:"id"`
	Neighbors []neighborAddr `msgpack:"neighbors"`
}

// SaveState serializes the server's configuration and current
// bootstrappable neighbors to Options.StatePath. It is a no-op if no
// path is configured or there are no neighbors to remember, per
// spec.md §4.8's save_state_regularly.
func (s *Server) SaveState() error {
	if s.options.StatePath == "" {
		return nil
	}
	neighbors := s.bootstrappableNeighbors()
	if len(neighbors) == 0 {
		return nil
	}

	snap := state{
		Interface: s.options.Interface,
		Port:      s.options.Port,
		Ksize:     s.options.Ksize,
		Alpha:     s.options.Alpha,
		ID:        s.source.Key,
		Neighbors: neighbors,
	}
	raw, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("kademlia: encode state: %w", err)
	}
	if err := os.WriteFile(s.options.StatePath, raw, 0o600); err != nil {
		return fmt.Errorf("kademlia: write state file %s: %w", s.options.StatePath, err)
	}
	return nil
}

func (s *Server) bootstrappableNeighbors() []neighborAddr {
	var out []neighborAddr
	for _, n := range s.table.FindNeighbors(s.source, s.options.Ksize, "") {
		out = append(out, neighborAddr{IP: n.IP.String(), Port: n.Port})
	}
	return out
}

// LoadState deserializes a state snapshot from path and builds a Server
// configured accordingly. If the snapshot names neighbors, the caller
// should follow up with Bootstrap against them (load_state in spec.md
// §4.8 schedules this automatically; here it is left explicit since Go
// has no implicit event-loop "call soon" primitive).
func LoadState(path string) (*Server, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("kademlia: read state file %s: %w", path, err)
	}
	var snap state
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("kademlia: decode state file %s: %w", path, err)
	}

	opts := NewOptions()
	opts.Interface = snap.Interface
	opts.Port = snap.Port
	opts.Ksize = snap.Ksize
	opts.Alpha = snap.Alpha
	opts.StatePath = path

	srv, err := NewWithID(opts, parseIDOrNew(snap.ID))
	if err != nil {
		return nil, nil, err
	}

	var addrs []string
	for _, n := range snap.Neighbors {
		ip := net.ParseIP(n.IP)
		if ip == nil {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(ip.String(), fmt.Sprint(n.Port)))
	}
	return srv, addrs, nil
}

// parseIDOrNew recreates the local peer identity from its persisted key
// string, falling back to nil (letting NewWithID derive a fresh one from
// the listen address) if the string is unusable.
func parseIDOrNew(key string) *id.Node {
	if key == "" {
		return nil
	}
	n, err := id.NewPeerFromAddr(key)
	if err != nil {
		return nil
	}
	return n
}
