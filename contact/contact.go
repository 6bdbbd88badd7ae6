// Package contact implements PeerContact, the identity and reachability
// record the DHT core exchanges for every remote peer.
package contact

import (
	"fmt"
	"net"

	"github.com/libp2p/go-cidranger"
	"github.com/multiformats/go-multiaddr"

	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

// Contact is a remote peer's identity and reachability information.
// node_id may be the zero ID when a contact was learned only by address
// (e.g. an incoming datagram from an unknown sender) — callers must check
// HasNodeID before treating NodeID as meaningful.
type Contact struct {
	NodeID          identifier.ID
	hasNodeID       bool
	Address         net.IP
	UDPPort         uint16
	TCPPort         uint16 // 0 means "not set"
	ProtocolVersion uint16
}

// New validates and constructs a Contact. Construction fails if the
// address does not parse as IPv4, if udpPort is out of the 1..65535
// range, or if tcpPort is nonzero and out of that range.
func New(nodeID identifier.ID, hasNodeID bool, address net.IP, udpPort uint16, tcpPort uint16, protocolVersion uint16) (Contact, error) {
	c := Contact{
		NodeID:          nodeID,
		hasNodeID:       hasNodeID,
		Address:         address,
		UDPPort:         udpPort,
		TCPPort:         tcpPort,
		ProtocolVersion: protocolVersion,
	}
	if err := c.validate(); err != nil {
		return Contact{}, err
	}
	return c, nil
}

// NewFromAddress builds a Contact learned only from an incoming
// datagram's source address, with no known node id yet.
func NewFromAddress(address net.IP, udpPort uint16) (Contact, error) {
	return New(identifier.ID{}, false, address, udpPort, 0, 0)
}

func (c Contact) validate() error {
	if c.UDPPort < 1 {
		return fmt.Errorf("contact: invalid udp port %d", c.UDPPort)
	}
	if c.TCPPort != 0 && c.TCPPort < 1 {
		return fmt.Errorf("contact: invalid tcp port %d", c.TCPPort)
	}
	v4 := c.Address.To4()
	if v4 == nil {
		return fmt.Errorf("contact: address %q is not a valid IPv4 address", c.Address)
	}
	return nil
}

// HasNodeID reports whether the contact's node id is known.
func (c Contact) HasNodeID() bool { return c.hasNodeID }

// WithNodeID returns a copy of c with its node id set, used when a
// previously address-only contact is identified by a reply.
func (c Contact) WithNodeID(id identifier.ID) Contact {
	c.NodeID = id
	c.hasNodeID = true
	return c
}

// WithTCPPort returns a copy of c with its advertised TCP port updated,
// as happens when a store request carries a fresh port for the sender.
func (c Contact) WithTCPPort(port uint16) Contact {
	c.TCPPort = port
	return c
}

// Key identifies a contact by its (address, udp_port) pair, the same key
// space the peer manager's liveness tables are indexed by.
func (c Contact) Key() string {
	return fmt.Sprintf("%s:%d", c.Address.String(), c.UDPPort)
}

// CompactIP returns the 4-byte big-endian IPv4 encoding used as the
// per-peer salt in findValue token derivation.
func (c Contact) CompactIP() []byte {
	return append([]byte(nil), c.Address.To4()...)
}

// CompactAddressUDP returns the 54-byte compact encoding of this contact
// for UDP reachability: 4 bytes IPv4 + 2 bytes port (big-endian) + 48
// bytes node id.
func (c Contact) CompactAddressUDP() []byte {
	return compactAddress(c.Address, c.UDPPort, c.NodeID)
}

// CompactAddressTCP returns the 54-byte compact encoding of this contact
// for TCP reachability (blob transfer), using TCPPort instead of UDPPort.
func (c Contact) CompactAddressTCP() []byte {
	return compactAddress(c.Address, c.TCPPort, c.NodeID)
}

func compactAddress(ip net.IP, port uint16, nodeID identifier.ID) []byte {
	out := make([]byte, 0, 6+dhtconf.HashLength)
	out = append(out, ip.To4()...)
	out = append(out, byte(port>>8), byte(port))
	out = append(out, nodeID.Bytes()...)
	return out
}

// Multiaddr renders the contact's UDP reachability as a multiaddr string
// (e.g. "/ip4/1.2.3.4/udp/4444"), used only for logging and diagnostics —
// the wire protocol itself uses the fixed compact-address encoding above.
func (c Contact) Multiaddr() (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/udp/%d", c.Address.String(), c.UDPPort))
}

// BogonFilter rejects contacts whose address falls within a reserved or
// non-routable IPv4 range (RFC 1918 private space, loopback, link-local,
// documentation ranges, ...). A DHT node has no business routing traffic
// toward such an address, so the RPC layer consults this before inserting
// the sender of an inbound request into the routing table. The request
// itself is still answered, and contacts learned from responses to this
// node's own requests are not filtered.
type BogonFilter struct {
	ranger cidranger.Ranger
}

var bogonCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
}

// NewBogonFilter builds a filter preloaded with the standard IANA
// special-purpose IPv4 ranges.
func NewBogonFilter() (*BogonFilter, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range bogonCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("contact: bogon filter: %w", err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("contact: bogon filter: %w", err)
		}
	}
	return &BogonFilter{ranger: ranger}, nil
}

// IsBogon reports whether ip falls within a reserved/non-routable range.
func (f *BogonFilter) IsBogon(ip net.IP) bool {
	contains, err := f.ranger.Contains(ip)
	if err != nil {
		return false
	}
	return contains
}
