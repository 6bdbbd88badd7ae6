// Package kbucket implements the DHT's routing table: a binary trie of
// k-buckets over the 384-bit id space, splitting on demand as peers are
// learned and evicting stale peers via background liveness probes.
package kbucket

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

var log = logging.Logger("kbucket")

// idBits is the width of the id space in bits (384).
const idBits = dhtconf.HashLength * 8

// ProbeFn pings a contact to check liveness before evicting it in favor
// of a fresher candidate. Implemented by the RPC layer's ping call.
type ProbeFn func(ctx context.Context, c contact.Contact) error

type peerEntry struct {
	contact  contact.Contact
	lastSeen time.Time
}

// node is one bucket (leaf) or split point (internal) of the trie. Every
// node, leaf or internal, covers the half-open range [lo, hi) of the id
// space; internal nodes keep no peers of their own.
type node struct {
	lo, hi *big.Int
	depth  int

	peers        []peerEntry // front (index 0) is most recently seen
	replacements []peerEntry // bounded candidates for a full bucket

	left, right *node
}

func (n *node) isLeaf() bool { return n.left == nil }

func (n *node) contains(x *big.Int) bool {
	return x.Cmp(n.lo) >= 0 && x.Cmp(n.hi) < 0
}

func (n *node) mid() *big.Int {
	sum := new(big.Int).Add(n.lo, n.hi)
	return sum.Rsh(sum, 1)
}

// RoutingTable is the DHT's view of the id space around its local id.
type RoutingTable struct {
	mu    sync.RWMutex
	local identifier.ID
	cfg   dhtconf.Config
	root  *node

	probeFn ProbeFn

	// byAddress maps an active peer's (address, udp_port) key to its
	// current node_id, so a rebinding peer (same address, new node_id)
	// can be detected and its stale entry evicted before the new one is
	// inserted.
	byAddress map[string]identifier.ID

	PeerAdded   func(contact.Contact)
	PeerRemoved func(contact.Contact)

	ctx       context.Context
	ctxCancel context.CancelFunc
}

func idToBig(id identifier.ID) *big.Int {
	b := id.Bytes()
	return new(big.Int).SetBytes(b)
}

func fullRange() (*big.Int, *big.Int) {
	lo := big.NewInt(0)
	hi := new(big.Int).Lsh(big.NewInt(1), idBits)
	return lo, hi
}

// New builds an empty routing table around localID and starts its
// background liveness-probing loop. probeFn must be non-nil.
func New(localID identifier.ID, cfg dhtconf.Config, probeFn ProbeFn) *RoutingTable {
	lo, hi := fullRange()
	rt := &RoutingTable{
		local:       localID,
		cfg:         cfg,
		root:        &node{lo: lo, hi: hi},
		probeFn:     probeFn,
		byAddress:   make(map[string]identifier.ID),
		PeerAdded:   func(contact.Contact) {},
		PeerRemoved: func(contact.Contact) {},
	}
	rt.ctx, rt.ctxCancel = context.WithCancel(context.Background())
	go rt.background()
	return rt
}

// Close stops the background refresh loop. Safe to call multiple times.
func (rt *RoutingTable) Close() {
	rt.ctxCancel()
}

// leafFor walks the trie to the leaf bucket that x falls in, following
// only splits already made; it performs no mutation.
func (rt *RoutingTable) leafFor(x *big.Int) *node {
	n := rt.root
	for !n.isLeaf() {
		if x.Cmp(n.mid()) < 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n
}

func (n *node) split() {
	mid := n.mid()
	n.left = &node{lo: n.lo, hi: mid, depth: n.depth + 1}
	n.right = &node{lo: mid, hi: n.hi, depth: n.depth + 1}
	for _, pe := range n.peers {
		child := n.left
		if idToBig(pe.contact.NodeID).Cmp(mid) >= 0 {
			child = n.right
		}
		child.peers = append(child.peers, pe)
	}
	for _, pe := range n.replacements {
		child := n.left
		if idToBig(pe.contact.NodeID).Cmp(mid) >= 0 {
			child = n.right
		}
		child.replacements = append(child.replacements, pe)
	}
	n.peers = nil
	n.replacements = nil
}

// mayForceSplit reports whether a bucket this full should split even
// though it has room to just insert elsewhere: either the local id falls
// within the bucket's own range (the classic Kademlia rule — only the
// bucket containing the local node ever needs finer resolution), or the
// bucket is still shallow enough that SplitBucketsUnderIndex demands
// extra topology richness near the root regardless of local id.
func (rt *RoutingTable) mayForceSplit(n *node) bool {
	if n.contains(idToBig(rt.local)) {
		return true
	}
	return n.depth < rt.cfg.SplitBucketsUnderIndex
}

// Add inserts or refreshes c in the routing table. If a different peer is
// already bound to c's (address, udp_port), that stale entry is evicted
// first, so a rebinding peer (e.g. restarting behind the same address)
// never leaves a duplicate-address entry behind. If c's bucket is full and
// ineligible to split, c is parked in that bucket's replacement cache and
// will be promoted later if a background probe evicts a stale peer.
// Returns true if c is now a live member of some bucket.
func (rt *RoutingTable) Add(c contact.Contact) bool {
	if !c.HasNodeID() || c.NodeID.Equal(rt.local) {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if existingID, ok := rt.byAddress[c.Key()]; ok && !existingID.Equal(c.NodeID) {
		log.Debugf("evicting stale peer %s at %s before adding %s", existingID, c.Key(), c.NodeID)
		rt.removeLocked(existingID)
	}

	return rt.addLocked(c)
}

// addLocked inserts or refreshes c, assuming rt.mu is already held. Used
// directly by Add and re-entered after a forced split.
func (rt *RoutingTable) addLocked(c contact.Contact) bool {
	x := idToBig(c.NodeID)
	n := rt.leafFor(x)

	for i, pe := range n.peers {
		if pe.contact.NodeID.Equal(c.NodeID) {
			n.peers[i].contact = c
			n.peers[i].lastSeen = time.Now()
			moveToFront(n.peers, i)
			rt.byAddress[c.Key()] = c.NodeID
			return true
		}
	}

	if len(n.peers) < dhtconf.K {
		n.peers = append([]peerEntry{{contact: c, lastSeen: time.Now()}}, n.peers...)
		rt.byAddress[c.Key()] = c.NodeID
		rt.PeerAdded(c)
		return true
	}
	if rt.mayForceSplit(n) {
		n.split()
		return rt.addLocked(c)
	}
	rt.pushReplacement(n, c)
	return false
}

func (rt *RoutingTable) pushReplacement(n *node, c contact.Contact) {
	for _, pe := range n.replacements {
		if pe.contact.NodeID.Equal(c.NodeID) {
			return
		}
	}
	n.replacements = append(n.replacements, peerEntry{contact: c, lastSeen: time.Now()})
	if len(n.replacements) > dhtconf.K {
		n.replacements = n.replacements[1:]
	}
}

func moveToFront(peers []peerEntry, i int) {
	pe := peers[i]
	copy(peers[1:i+1], peers[:i])
	peers[0] = pe
}

// Remove evicts id from the routing table, if present.
func (rt *RoutingTable) Remove(id identifier.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeLocked(id)
}

// removeLocked evicts id, assuming rt.mu is already held.
func (rt *RoutingTable) removeLocked(id identifier.ID) {
	n := rt.leafFor(idToBig(id))
	for i, pe := range n.peers {
		if pe.contact.NodeID.Equal(id) {
			removed := pe.contact
			n.peers = append(n.peers[:i], n.peers[i+1:]...)
			delete(rt.byAddress, removed.Key())
			if len(n.replacements) > 0 {
				promoted := n.replacements[len(n.replacements)-1]
				n.replacements = n.replacements[:len(n.replacements)-1]
				n.peers = append(n.peers, promoted)
				rt.byAddress[promoted.contact.Key()] = promoted.contact.NodeID
				rt.PeerAdded(promoted.contact)
			}
			rt.PeerRemoved(removed)
			return
		}
	}
}

// background periodically probes the stalest peer of every bucket and
// evicts it on failure, promoting a replacement in its place — mirroring
// classic Kademlia bucket refresh without blocking Add on network I/O.
func (rt *RoutingTable) background() {
	interval := rt.cfg.CheckRefreshInterval / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rt.refreshStalePeers()
		case <-rt.ctx.Done():
			return
		}
	}
}

func (rt *RoutingTable) refreshStalePeers() {
	rt.mu.RLock()
	var stale []contact.Contact
	walkLeaves(rt.root, func(n *node) {
		if len(n.peers) == 0 {
			return
		}
		oldest := n.peers[len(n.peers)-1]
		if time.Since(oldest.lastSeen) > rt.cfg.CheckRefreshInterval {
			stale = append(stale, oldest.contact)
		}
	})
	rt.mu.RUnlock()

	for _, c := range stale {
		ctx, cancel := context.WithTimeout(rt.ctx, rt.cfg.RPCTimeout)
		err := rt.probeFn(ctx, c)
		cancel()
		if err != nil {
			log.Debugf("evicting stale peer %s after failed probe: %v", c.NodeID, err)
			rt.Remove(c.NodeID)
		} else {
			rt.Add(c)
		}
	}
}

func walkLeaves(n *node, fn func(*node)) {
	if n.isLeaf() {
		fn(n)
		return
	}
	walkLeaves(n.left, fn)
	walkLeaves(n.right, fn)
}

// Contains reports whether id has a live entry in the routing table.
func (rt *RoutingTable) Contains(id identifier.ID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := rt.leafFor(idToBig(id))
	for _, pe := range n.peers {
		if pe.contact.NodeID.Equal(id) {
			return true
		}
	}
	return false
}

// Size returns the total number of live peers across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var total int
	walkLeaves(rt.root, func(n *node) { total += len(n.peers) })
	return total
}

// ListPeers returns every peer currently held in the routing table.
func (rt *RoutingTable) ListPeers() []contact.Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []contact.Contact
	walkLeaves(rt.root, func(n *node) {
		for _, pe := range n.peers {
			out = append(out, pe.contact)
		}
	})
	return out
}

type peerDistance struct {
	c contact.Contact
	d identifier.ID
}

// NearestPeers returns up to count peers ordered by increasing XOR
// distance to id. It ranks every peer of every bucket, not only those of
// the bucket id falls in, so callers doing an iterative lookup get enough
// breadth to converge even when the closest bucket is sparsely populated.
func (rt *RoutingTable) NearestPeers(id identifier.ID, count int) []contact.Contact {
	rt.mu.RLock()
	var all []contact.Contact
	walkLeaves(rt.root, func(n *node) {
		for _, pe := range n.peers {
			all = append(all, pe.contact)
		}
	})
	rt.mu.RUnlock()

	pds := make([]peerDistance, 0, len(all))
	for _, c := range all {
		pds = append(pds, peerDistance{c: c, d: identifier.Distance(id, c.NodeID)})
	}
	sortByDistance(pds)

	limit := count
	if limit > len(pds) {
		limit = len(pds)
	}
	out := make([]contact.Contact, limit)
	for i := 0; i < limit; i++ {
		out[i] = pds[i].c
	}
	return out
}

// sortByDistance orders by increasing XOR distance. math/big and sort are
// stdlib: no dependency in this module's stack offers big-integer id-space
// arithmetic or a general sort, so both are used directly.
func sortByDistance(pds []peerDistance) {
	sort.Slice(pds, func(i, j int) bool {
		return identifier.Less(pds[i].d, pds[j].d)
	})
}
