// Package lookup implements the iterative findNode/findValue lookup
// driver: alpha-concurrent rounds over a shortlist that converges on the
// closest known peers to a target id.
package lookup

import (
	"context"
	"encoding/hex"
	"sync"

	logging "github.com/ipfs/go-log"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

var log = logging.Logger("lookup")

// FindNodeFn issues a single findNode RPC and returns the peers it named.
type FindNodeFn func(ctx context.Context, peer contact.Contact, target identifier.ID) ([]contact.Contact, error)

// FindValueFn issues a single findValue RPC. It returns (peers, nil, nil)
// when the queried peer had no value and named closer nodes instead, or
// (nil, holders, nil) when it returned a non-empty holder list for target.
type FindValueFn func(ctx context.Context, peer contact.Contact, target identifier.ID) (closer []contact.Contact, holders []contact.Contact, err error)

type shortlistEntry struct {
	c       contact.Contact
	queried bool
}

// FindNode runs an iterative findNode lookup for target, returning up to
// K peers ordered by proximity. seed is normally rt.NearestPeers(target, K).
func FindNode(ctx context.Context, target identifier.ID, seed []contact.Contact, findNodeFn FindNodeFn) []contact.Contact {
	sl := newShortlist(target, seed)

	for {
		batch := sl.nextBatch(dhtconf.Alpha)
		if len(batch) == 0 {
			break
		}
		results := queryBatch(ctx, batch, func(ctx context.Context, c contact.Contact) ([]contact.Contact, error) {
			return findNodeFn(ctx, c, target)
		})
		progressed := sl.absorb(results)
		if !progressed && sl.allQueried() {
			break
		}
	}

	return sl.closest(dhtconf.K)
}

// FindValue runs an iterative findValue lookup. It returns as soon as any
// queried peer reports holders for target, short-circuiting further
// rounds — the whole point of findValue is to stop at the first answer
// rather than keep converging on topology like FindNode does.
func FindValue(ctx context.Context, target identifier.ID, seed []contact.Contact, findValueFn FindValueFn) []contact.Contact {
	sl := newShortlist(target, seed)

	for {
		batch := sl.nextBatch(dhtconf.Alpha)
		if len(batch) == 0 {
			return nil
		}

		type outcome struct {
			closer  []contact.Contact
			holders []contact.Contact
		}
		raw := queryBatchRaw(ctx, batch, func(ctx context.Context, c contact.Contact) (outcome, error) {
			closer, holders, err := findValueFn(ctx, c, target)
			return outcome{closer: closer, holders: holders}, err
		})

		var allCloser []contact.Contact
		for _, o := range raw {
			if o == nil {
				continue
			}
			if len(o.holders) > 0 {
				return o.holders
			}
			allCloser = append(allCloser, o.closer...)
		}

		progressed := sl.absorb(allCloser)
		if !progressed && sl.allQueried() {
			return nil
		}
	}
}

type shortlist struct {
	mu     sync.Mutex
	target identifier.ID
	seen   map[identifier.ID]*shortlistEntry
	order  []identifier.ID // kept sorted by distance to target
}

func newShortlist(target identifier.ID, seed []contact.Contact) *shortlist {
	sl := &shortlist{target: target, seen: make(map[identifier.ID]*shortlistEntry)}
	sl.absorb(seed)
	return sl
}

// absorb merges newly-learned contacts in, returning true if any of them
// were not already known (i.e. the lookup made progress this round).
func (sl *shortlist) absorb(contacts []contact.Contact) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	progressed := false
	for _, c := range contacts {
		if !c.HasNodeID() {
			continue
		}
		if _, ok := sl.seen[c.NodeID]; ok {
			continue
		}
		sl.seen[c.NodeID] = &shortlistEntry{c: c}
		sl.order = append(sl.order, c.NodeID)
		progressed = true
	}
	sl.sortOrder()
	return progressed
}

func (sl *shortlist) sortOrder() {
	for i := 1; i < len(sl.order); i++ {
		for j := i; j > 0 && identifier.Closer(sl.target, sl.order[j], sl.order[j-1]); j-- {
			sl.order[j], sl.order[j-1] = sl.order[j-1], sl.order[j]
		}
	}
}

func (sl *shortlist) nextBatch(n int) []contact.Contact {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var batch []contact.Contact
	for _, id := range sl.order {
		if len(batch) >= n {
			break
		}
		e := sl.seen[id]
		if e.queried {
			continue
		}
		e.queried = true
		batch = append(batch, e.c)
	}
	return batch
}

func (sl *shortlist) allQueried() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, e := range sl.seen {
		if !e.queried {
			return false
		}
	}
	return true
}

func (sl *shortlist) closest(n int) []contact.Contact {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	limit := n
	if limit > len(sl.order) {
		limit = len(sl.order)
	}
	out := make([]contact.Contact, limit)
	for i := 0; i < limit; i++ {
		out[i] = sl.seen[sl.order[i]].c
	}
	return out
}

func queryBatch(ctx context.Context, batch []contact.Contact, fn func(context.Context, contact.Contact) ([]contact.Contact, error)) []contact.Contact {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []contact.Contact
	for _, c := range batch {
		wg.Add(1)
		go func(c contact.Contact) {
			defer wg.Done()
			peers, err := fn(ctx, c)
			if err != nil {
				log.Debugf("findNode to %s failed: %v", c.Key(), err)
				return
			}
			mu.Lock()
			all = append(all, peers...)
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return all
}

func queryBatchRaw[T any](ctx context.Context, batch []contact.Contact, fn func(context.Context, contact.Contact) (T, error)) []*T {
	var wg sync.WaitGroup
	out := make([]*T, len(batch))
	for i, c := range batch {
		wg.Add(1)
		go func(i int, c contact.Contact) {
			defer wg.Done()
			res, err := fn(ctx, c)
			if err != nil {
				log.Debugf("findValue to %s failed: %v", c.Key(), err)
				return
			}
			out[i] = &res
		}(i, c)
	}
	wg.Wait()
	return out
}

// BlobHashHex renders id as lowercase hex, the form under which a
// findValue response keys its holder list.
func BlobHashHex(id identifier.ID) string {
	b := id.Bytes()
	return hex.EncodeToString(b)
}
