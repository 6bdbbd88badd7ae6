// Package blobstore holds the DHT's local view of which peers have
// announced which blobs, as gathered by inbound store requests.
package blobstore

import (
	"sync"
	"time"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

type entry struct {
	peer     contact.Contact
	storedAt time.Time
}

// BlobStore maps a blob hash to the set of peers that have announced
// holding it, each advertisement expiring DataExpiration after it was
// made (or refreshed). It also tracks which blobs the local node itself
// hosts — fed by the external blob subsystem, never derived from the
// advertisement map, which only records what *other* peers claim to hold.
type BlobStore struct {
	mu  sync.RWMutex
	cfg dhtconf.Config

	byBlob    map[identifier.ID]map[string]*entry // blob -> peer key -> entry
	completed map[identifier.ID]struct{}
}

// New builds an empty BlobStore.
func New(cfg dhtconf.Config) *BlobStore {
	return &BlobStore{
		cfg:       cfg,
		byBlob:    make(map[identifier.ID]map[string]*entry),
		completed: make(map[identifier.ID]struct{}),
	}
}

// AddPeerForBlob records (or refreshes) that peer holds blob.
func (bs *BlobStore) AddPeerForBlob(blob identifier.ID, peer contact.Contact) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	peers, ok := bs.byBlob[blob]
	if !ok {
		peers = make(map[string]*entry)
		bs.byBlob[blob] = peers
	}
	peers[peer.Key()] = &entry{peer: peer, storedAt: time.Now()}
}

// GetPeersForBlob returns every non-expired peer known to hold blob.
func (bs *BlobStore) GetPeersForBlob(blob identifier.ID) []contact.Contact {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	peers, ok := bs.byBlob[blob]
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-bs.cfg.DataExpiration)
	out := make([]contact.Contact, 0, len(peers))
	for _, e := range peers {
		if e.storedAt.After(cutoff) {
			out = append(out, e.peer)
		}
	}
	return out
}

// RemoveExpired sweeps every blob's peer set for advertisements older
// than DataExpiration, dropping any blob left with no peers.
func (bs *BlobStore) RemoveExpired() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cutoff := time.Now().Add(-bs.cfg.DataExpiration)
	for blob, peers := range bs.byBlob {
		for key, e := range peers {
			if !e.storedAt.After(cutoff) {
				delete(peers, key)
			}
		}
		if len(peers) == 0 {
			delete(bs.byBlob, blob)
		}
	}
}

// RemovePeer drops every advertisement made by peer, used when a peer is
// evicted from the routing table as dead.
func (bs *BlobStore) RemovePeer(peer contact.Contact) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	key := peer.Key()
	for blob, peers := range bs.byBlob {
		delete(peers, key)
		if len(peers) == 0 {
			delete(bs.byBlob, blob)
		}
	}
}

// MarkCompleted records that the local node itself hosts blob. Called by
// the external blob subsystem when it finishes downloading or otherwise
// comes to host a blob; the DHT core never infers this from advertisements.
func (bs *BlobStore) MarkCompleted(blob identifier.ID) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.completed[blob] = struct{}{}
}

// UnmarkCompleted reports that the local node no longer hosts blob.
func (bs *BlobStore) UnmarkCompleted(blob identifier.ID) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.completed, blob)
}

// IsCompleted reports whether the local node hosts blob.
func (bs *BlobStore) IsCompleted(blob identifier.ID) bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	_, ok := bs.completed[blob]
	return ok
}

// CompletedBlobs returns every blob hash the local node itself hosts.
func (bs *BlobStore) CompletedBlobs() []identifier.ID {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]identifier.ID, 0, len(bs.completed))
	for blob := range bs.completed {
		out = append(out, blob)
	}
	return out
}

// Size returns the number of distinct blobs with at least one tracked
// advertisement, expired or not.
func (bs *BlobStore) Size() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return len(bs.byBlob)
}
