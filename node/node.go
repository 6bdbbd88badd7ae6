// Package node wires the DHT core's collaborators — routing table, peer
// manager, blob store, ping queue, and RPC layer — into a single running
// Node, and drives the background maintenance loops (token rotation,
// blob expiry, peer manager pruning) on top of them.
package node

import (
	"context"
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/lbryio/lbry-sdk-sub003/blobstore"
	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
	"github.com/lbryio/lbry-sdk-sub003/kbucket"
	"github.com/lbryio/lbry-sdk-sub003/lookup"
	"github.com/lbryio/lbry-sdk-sub003/peermanager"
	"github.com/lbryio/lbry-sdk-sub003/pingqueue"
	"github.com/lbryio/lbry-sdk-sub003/rpc"
	"github.com/lbryio/lbry-sdk-sub003/wire"
)

var log = logging.Logger("node")

// Node is a running DHT participant.
type Node struct {
	cfg        dhtconf.Config
	localID    identifier.ID
	tcpPort    uint16
	externalIP net.IP

	conn  *net.UDPConn
	rt    *kbucket.RoutingTable
	pm    *peermanager.PeerManager
	bs    *blobstore.BlobStore
	bogon *contact.BogonFilter
	rpc   *rpc.RPC
	pingQ *pingqueue.PingQueue

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New binds a UDP socket on udpAddr and assembles a Node around it.
// localID identifies this node; tcpPort is advertised to peers as this
// node's blob-transfer reachability, not used by the DHT core itself.
// externalIP is this node's externally-reachable IPv4 address, used only
// to self-announce as a blob holder in findValue responses; it may be nil
// if the host process doesn't know its own reachable address, in which
// case the self-announcement step is skipped.
func New(udpAddr string, externalIP net.IP, localID identifier.ID, tcpPort uint16, cfg dhtconf.Config) (*Node, error) {
	addr, err := net.ResolveUDPAddr("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("node: resolving %q: %w", udpAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("node: listening on %q: %w", udpAddr, err)
	}

	bogon, err := contact.NewBogonFilter()
	if err != nil {
		conn.Close()
		return nil, err
	}
	pm, err := peermanager.New(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	bs := blobstore.New(cfg)

	n := &Node{
		cfg:        cfg,
		localID:    localID,
		tcpPort:    tcpPort,
		externalIP: externalIP,
		conn:       conn,
		pm:         pm,
		bs:         bs,
		bogon:      bogon,
	}
	n.ctx, n.ctxCancel = context.WithCancel(context.Background())

	n.rt = kbucket.New(localID, cfg, n.probePeer)
	n.rpc = rpc.New(conn, localID, externalIP, tcpPort, cfg, n.rt, pm, bs, bogon)
	n.pingQ = pingqueue.New(cfg, n.probePeer, n.isGoodPeer, n.rt.Contains, n.rt.Add)

	n.rt.PeerAdded = func(c contact.Contact) {
		log.Debugf("routing table: added %s", c.Key())
	}
	n.rt.PeerRemoved = func(c contact.Contact) {
		log.Debugf("routing table: removed %s", c.Key())
		bs.RemovePeer(c)
	}

	return n, nil
}

// Start launches the RPC read loop and background maintenance goroutines.
func (n *Node) Start() {
	n.rpc.Start()
	go n.maintain()
}

// Stop tears down every background goroutine and the UDP socket.
func (n *Node) Stop() {
	n.ctxCancel()
	n.pingQ.Close()
	n.rt.Close()
	n.rpc.Stop()
}

func (n *Node) probePeer(ctx context.Context, c contact.Contact) error {
	_, err := n.rpc.Request(ctx, c, wire.MethodPing, nil)
	return err
}

func (n *Node) isGoodPeer(c contact.Contact) bool {
	return n.pm.Status(c) == peermanager.StatusGood
}

func (n *Node) maintain() {
	secretTicker := time.NewTicker(n.cfg.TokenSecretRefreshInterval)
	expireTicker := time.NewTicker(n.cfg.DataExpiration / 4)
	pruneTicker := time.NewTicker(n.cfg.RPCAttemptsPruningWindow / 4)
	defer secretTicker.Stop()
	defer expireTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-secretTicker.C:
			if err := n.pm.RotateSecret(); err != nil {
				log.Warnf("failed to rotate token secret: %v", err)
			}
		case <-expireTicker.C:
			n.bs.RemoveExpired()
		case <-pruneTicker.C:
			n.pm.Prune()
		case <-n.ctx.Done():
			return
		}
	}
}

// Ping probes peer directly, bypassing the ping queue's rate limiting —
// used for liveness checks the caller needs an immediate answer to.
func (n *Node) Ping(ctx context.Context, peer contact.Contact) error {
	return n.probePeer(ctx, peer)
}

// Bootstrap joins the network through a set of well-known peers, learned
// only by address: each is pinged to discover its node id (which seeds
// the routing table as a side effect of Request), and a findNode lookup
// for this node's own id then fills out the rest of the table — the
// standard Kademlia join procedure.
func (n *Node) Bootstrap(ctx context.Context, seeds []contact.Contact) {
	for _, s := range seeds {
		if err := n.probePeer(ctx, s); err != nil {
			log.Debugf("bootstrap ping to %s failed: %v", s.Key(), err)
		}
	}
	seed := n.rt.NearestPeers(n.localID, dhtconf.K)
	if len(seed) == 0 {
		return
	}
	found := lookup.FindNode(ctx, n.localID, seed, n.findNodeRPC)
	for _, c := range found {
		n.rt.Add(c)
	}
}

func (n *Node) findNodeRPC(ctx context.Context, peer contact.Contact, target identifier.ID) ([]contact.Contact, error) {
	resp, err := n.rpc.Request(ctx, peer, wire.MethodFindNode, []interface{}{string(target.Bytes())})
	if err != nil {
		return nil, err
	}
	return decodeTriples(resp.Result)
}

func (n *Node) findValueRPC(ctx context.Context, peer contact.Contact, target identifier.ID) ([]contact.Contact, []contact.Contact, error) {
	resp, err := n.rpc.Request(ctx, peer, wire.MethodFindValue, []interface{}{string(target.Bytes())})
	if err != nil {
		return nil, nil, err
	}
	dict, ok := resp.Result.(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("node: findValue result is not a dict")
	}
	if raw, ok := dict[hexID(target)]; ok {
		holders, err := decodeCompactContacts(raw)
		if err != nil {
			return nil, nil, err
		}
		return nil, holders, nil
	}
	closer, err := decodeTriples(dict["contacts"])
	return closer, nil, err
}

// FindValue returns the peers advertising blobHash, checking this node's
// own blob store first — a store announcement addressed to this node
// never needs a network round trip to discover — and falling back to an
// iterative findValue lookup across the routing table otherwise.
func (n *Node) FindValue(ctx context.Context, blobHash identifier.ID) []contact.Contact {
	if local := n.bs.GetPeersForBlob(blobHash); len(local) > 0 {
		return local
	}
	seed := n.rt.NearestPeers(blobHash, dhtconf.K)
	return lookup.FindValue(ctx, blobHash, seed, n.findValueRPC)
}

// MarkBlobCompleted records that this node itself hosts blobHash, so
// findValue requests for it get this node appended to the holder list.
// Called by the external blob subsystem, never inferred by the DHT core.
func (n *Node) MarkBlobCompleted(blobHash identifier.ID) {
	n.bs.MarkCompleted(blobHash)
}

// UnmarkBlobCompleted reports that this node no longer hosts blobHash.
func (n *Node) UnmarkBlobCompleted(blobHash identifier.ID) {
	n.bs.UnmarkCompleted(blobHash)
}

// StoreBlob announces this node as a holder of blobHash to the K closest
// known peers, fetching a store token from each via findValue first.
func (n *Node) StoreBlob(ctx context.Context, blobHash identifier.ID) {
	peers := n.rt.NearestPeers(blobHash, dhtconf.K)
	for _, peer := range peers {
		resp, err := n.rpc.Request(ctx, peer, wire.MethodFindValue, []interface{}{string(blobHash.Bytes())})
		if err != nil {
			continue
		}
		dict, ok := resp.Result.(map[string]interface{})
		if !ok {
			continue
		}
		token, _ := dict["token"].(string)
		if err := n.rpc.StoreToPeer(ctx, peer, blobHash, []byte(token)); err != nil {
			log.Debugf("store to %s failed: %v", peer.Key(), err)
		}
	}
}

func hexID(id identifier.ID) string {
	return fmt.Sprintf("%x", id.Bytes())
}

func decodeTriples(v interface{}) ([]contact.Contact, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]contact.Contact, 0, len(list))
	for _, item := range list {
		triple, ok := item.([]interface{})
		if !ok || len(triple) != 3 {
			continue
		}
		ipStr, _ := triple[0].(string)
		port, err := asInt(triple[1])
		if err != nil {
			continue
		}
		idStr, _ := triple[2].(string)
		id, err := identifier.FromBytes([]byte(idStr))
		if err != nil {
			continue
		}
		c, err := contact.New(id, true, net.IP([]byte(ipStr)), uint16(port), 0, 0)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeCompactContacts(v interface{}) ([]contact.Contact, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("node: expected compact contact list")
	}
	out := make([]contact.Contact, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok || len(s) != 6+dhtconf.HashLength {
			continue
		}
		b := []byte(s)
		ip := net.IP(b[0:4])
		port := uint16(b[4])<<8 | uint16(b[5])
		id, err := identifier.FromBytes(b[6:])
		if err != nil {
			continue
		}
		// a holder record carries only a TCP port, so the contact is built
		// directly: contact.New would reject its unset UDP port.
		c := contact.Contact{Address: ip, TCPPort: port}.WithNodeID(id)
		out = append(out, c)
	}
	return out, nil
}

func asInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
