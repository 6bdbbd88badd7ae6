// Package peermanager tracks per-address liveness bookkeeping, the
// bijective node_id<->address mapping, and findValue token issuance for
// every peer this node has exchanged datagrams with.
package peermanager

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

var log = logging.Logger("peermanager")

// Status is a peer's liveness classification.
type Status int

const (
	StatusUnknown Status = iota
	StatusGood
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

type record struct {
	contact       contact.Contact
	lastSent      time.Time
	lastRequested time.Time
	lastReplied   time.Time
	rpcFailures   []time.Time
}

// PeerManager owns the liveness and token state for every known address.
// All exported methods are safe for concurrent use.
type PeerManager struct {
	mu  sync.RWMutex
	cfg dhtconf.Config

	byKey    *lru.Cache[string, *record]
	byNodeID map[identifier.ID]string

	startedAt      time.Time
	secretCurrent  identifier.ID
	secretPrev     identifier.ID
	haveSecret     bool
	haveSecretPrev bool
	secretIssued   time.Time
}

// New builds a PeerManager, generating its first token secret immediately.
func New(cfg dhtconf.Config) (*PeerManager, error) {
	cache, err := lru.New[string, *record](cfg.ReplacementCacheSize)
	if err != nil {
		return nil, err
	}
	secret, err := identifier.Generate()
	if err != nil {
		return nil, err
	}
	return &PeerManager{
		cfg:           cfg,
		byKey:         cache,
		byNodeID:      make(map[identifier.ID]string),
		startedAt:     time.Now(),
		secretCurrent: secret,
		haveSecret:    true,
		secretIssued:  time.Now(),
	}, nil
}

func (pm *PeerManager) get(key string) (*record, bool) {
	return pm.byKey.Get(key)
}

func (pm *PeerManager) getOrCreate(c contact.Contact) *record {
	key := c.Key()
	if r, ok := pm.byKey.Get(key); ok {
		r.contact = c
		return r
	}
	r := &record{contact: c}
	pm.byKey.Add(key, r)
	return r
}

// OnSend records that a request was just sent to c.
func (pm *PeerManager) OnSend(c contact.Contact) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	r := pm.getOrCreate(c)
	r.lastSent = time.Now()
}

// OnRequestReceived records that c sent this node a request, and resolves
// the bijective node_id<->address mapping, evicting any stale binding of
// the same node id to a different address or of the same address to a
// different node id.
func (pm *PeerManager) OnRequestReceived(c contact.Contact) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.rebind(c)
	r := pm.getOrCreate(c)
	r.lastRequested = time.Now()
}

// OnReplyReceived records a successful response from c and clears its
// recorded RPC failures — a live reply is strong evidence of liveness.
func (pm *PeerManager) OnReplyReceived(c contact.Contact) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.rebind(c)
	r := pm.getOrCreate(c)
	r.lastReplied = time.Now()
	r.rpcFailures = nil
}

// OnRPCFailure records a timed-out or errored outbound RPC to c, keeping
// only the two most recent failure timestamps.
func (pm *PeerManager) OnRPCFailure(c contact.Contact) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	r := pm.getOrCreate(c)
	r.rpcFailures = append(r.rpcFailures, time.Now())
	if len(r.rpcFailures) > 2 {
		r.rpcFailures = r.rpcFailures[len(r.rpcFailures)-2:]
	}
}

func (pm *PeerManager) rebind(c contact.Contact) {
	if !c.HasNodeID() {
		return
	}
	if oldKey, ok := pm.byNodeID[c.NodeID]; ok && oldKey != c.Key() {
		log.Debugf("node id %s rebound from %s to %s", c.NodeID, oldKey, c.Key())
		pm.byKey.Remove(oldKey)
	}
	if r, ok := pm.byKey.Peek(c.Key()); ok && r.contact.HasNodeID() && !r.contact.NodeID.Equal(c.NodeID) {
		if pm.byNodeID[r.contact.NodeID] == c.Key() {
			log.Debugf("address %s rebound from node id %s to %s", c.Key(), r.contact.NodeID, c.NodeID)
			delete(pm.byNodeID, r.contact.NodeID)
		}
	}
	pm.byNodeID[c.NodeID] = c.Key()
}

// Status classifies a peer's liveness against the decision table keyed by
// delay = now - CheckRefreshInterval, taking the first rule that matches:
//   - last_replied present, at or before the most recent failure -> Bad
//   - last_replied present and after delay -> Good
//   - two recorded failures, the most recent after delay -> Bad
//   - last_replied present, after the most recent failure, but at or
//     before delay -> Unknown
//   - only last_requested present and after delay -> Unknown
//   - no information -> Unknown
func (pm *PeerManager) Status(c contact.Contact) Status {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	r, ok := pm.byKey.Peek(c.Key())
	if !ok {
		return StatusUnknown
	}
	now := time.Now()
	delay := now.Add(-pm.cfg.CheckRefreshInterval)

	hasReplied := !r.lastReplied.IsZero()
	hasFailure := len(r.rpcFailures) > 0
	var mostRecentFailure time.Time
	if hasFailure {
		mostRecentFailure = r.rpcFailures[len(r.rpcFailures)-1]
	}

	if hasReplied && hasFailure && !r.lastReplied.After(mostRecentFailure) {
		return StatusBad
	}
	if hasReplied && r.lastReplied.After(delay) {
		return StatusGood
	}
	if len(r.rpcFailures) >= 2 && mostRecentFailure.After(delay) {
		return StatusBad
	}
	if hasReplied {
		return StatusUnknown
	}
	if !r.lastRequested.IsZero() && r.lastRequested.After(delay) {
		return StatusUnknown
	}
	return StatusUnknown
}

// Prune drops recorded RPC failures older than RPCAttemptsPruningWindow.
// Bounded address-table size itself is enforced continuously by the
// underlying LRU cache, so Prune only needs to trim failure history.
func (pm *PeerManager) Prune() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	cutoff := time.Now().Add(-pm.cfg.RPCAttemptsPruningWindow)
	for _, key := range pm.byKey.Keys() {
		r, ok := pm.byKey.Peek(key)
		if !ok {
			continue
		}
		kept := r.rpcFailures[:0]
		for _, t := range r.rpcFailures {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		r.rpcFailures = kept
	}
}

// IssueToken derives a findValue/store anti-spoofing token for the given
// compact IP, bound to the current secret.
func (pm *PeerManager) IssueToken(compactIP []byte) []byte {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return identifier.DigestSHA384(pm.secretCurrent.Bytes(), compactIP).Bytes()
}

// VerifyToken reports whether token is valid for compactIP, accepting a
// match against the current secret or, if AcceptPreviousTokenSecret is
// set and a rotation has actually happened, the previous secret — this is
// the grace period that lets a token fetched just before a rotation still
// be spent right after it. It also tolerates clients that fetched a token
// before this node's listen time: within TokenSecretRefreshInterval of
// startup, any correctly-sized token is accepted outright, since such a
// client has no way to have seen a secret this process ever issued.
func (pm *PeerManager) VerifyToken(compactIP, token []byte) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if len(token) != dhtconf.HashLength {
		return false
	}
	if time.Since(pm.startedAt) < pm.cfg.TokenSecretRefreshInterval {
		return true
	}
	if identifier.DigestSHA384(pm.secretCurrent.Bytes(), compactIP).Equal(mustID(token)) {
		return true
	}
	if pm.cfg.AcceptPreviousTokenSecret && pm.haveSecretPrev {
		if identifier.DigestSHA384(pm.secretPrev.Bytes(), compactIP).Equal(mustID(token)) {
			return true
		}
	}
	return false
}

func mustID(b []byte) identifier.ID {
	id, err := identifier.FromBytes(b)
	if err != nil {
		return identifier.ID{}
	}
	return id
}

// RotateSecret retires the current token secret to "previous" and
// generates a fresh current secret. A background ticker in the node
// package calls this every TokenSecretRefreshInterval.
func (pm *PeerManager) RotateSecret() error {
	fresh, err := identifier.Generate()
	if err != nil {
		return err
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.secretPrev = pm.secretCurrent
	pm.haveSecretPrev = true
	pm.secretCurrent = fresh
	pm.secretIssued = time.Now()
	return nil
}

// Size reports the number of addresses currently tracked.
func (pm *PeerManager) Size() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.byKey.Len()
}
