package transport

import (
	"fmt"
	"net"

	"github.com/pion/stun"
)

// BuildSTUNSuccess builds a real STUN Binding Success Response carrying
// sender's address as an XOR-MAPPED-ADDRESS attribute, for the advisory
// rpc_stun handler (spec.md §4.6) that lets a peer learn its own
// externally visible endpoint. This is intentionally a standards-shaped
// STUN message (RFC 5389) rather than the ad hoc `[ip, port]` pair a
// minimal implementation would return, since pion/stun is already in the
// dependency graph for exactly this purpose.
func BuildSTUNSuccess(sender *net.UDPAddr) ([]byte, error) {
	msg, err := stun.Build(
		stun.TransactionID,
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: sender.IP, Port: sender.Port},
		stun.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("transport: build stun response: %w", err)
	}
	return msg.Raw, nil
}

// ParseSTUNXORMappedAddress extracts the XOR-MAPPED-ADDRESS from a raw
// STUN message, the counterpart a caller uses to learn its own address
// from a peer's rpc_stun reply.
func ParseSTUNXORMappedAddress(raw []byte) (*net.UDPAddr, error) {
	msg := &stun.Message{Raw: raw}
	if err := msg.Decode(); err != nil {
		return nil, fmt.Errorf("transport: decode stun message: %w", err)
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(msg); err != nil {
		return nil, fmt.Errorf("transport: no xor-mapped-address in stun message: %w", err)
	}
	return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
}
