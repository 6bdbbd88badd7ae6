// Package pingqueue defers and rate-limits liveness probes of candidate
// peers, so a burst of newly-learned contacts doesn't flood the network
// with simultaneous pings.
package pingqueue

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"golang.org/x/time/rate"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

var log = logging.Logger("pingqueue")

// PingFn performs the actual ping RPC.
type PingFn func(ctx context.Context, c contact.Contact) error

// IsGoodFn reports whether c is already classified as a live, responsive
// peer by the peer manager, without sending any RPC.
type IsGoodFn func(c contact.Contact) bool

// ContainsFn reports whether id already has a live entry in the routing
// table.
type ContainsFn func(id identifier.ID) bool

// AddFn inserts c into the routing table directly, bypassing a probe.
type AddFn func(c contact.Contact) bool

type pending struct {
	contact contact.Contact
	dueAt   time.Time
}

// PingQueue holds contacts awaiting a liveness probe and drains them at
// no more than one new probe per second.
type PingQueue struct {
	mu      sync.Mutex
	pending map[string]*pending

	cfg        dhtconf.Config
	limiter    *rate.Limiter
	pingFn     PingFn
	isGoodFn   IsGoodFn
	containsFn ContainsFn
	addFn      AddFn

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New builds a PingQueue and starts its drain loop. pingFn must be
// non-nil; ping failures and timeouts are logged and otherwise ignored —
// the caller that wanted the liveness answer already timed its own wait.
// Before probing a due contact, isGoodFn and containsFn are consulted: a
// peer already known Good but missing from the routing table is added
// directly via addFn, skipping the network round trip.
func New(cfg dhtconf.Config, pingFn PingFn, isGoodFn IsGoodFn, containsFn ContainsFn, addFn AddFn) *PingQueue {
	pq := &PingQueue{
		pending:    make(map[string]*pending),
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		pingFn:     pingFn,
		isGoodFn:   isGoodFn,
		containsFn: containsFn,
		addFn:      addFn,
	}
	pq.ctx, pq.ctxCancel = context.WithCancel(context.Background())
	go pq.run()
	return pq
}

// Close stops the drain loop. Safe to call multiple times.
func (pq *PingQueue) Close() {
	pq.ctxCancel()
}

// EnqueueMaybePing schedules c to be probed after delay, inserting a new
// entry or advancing an existing one's due time to whichever is sooner.
func (pq *PingQueue) EnqueueMaybePing(c contact.Contact, delay time.Duration) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	key := c.Key()
	due := time.Now().Add(delay)
	if existing, ok := pq.pending[key]; ok {
		if due.Before(existing.dueAt) {
			existing.dueAt = due
			existing.contact = c
		}
		return
	}
	pq.pending[key] = &pending{contact: c, dueAt: due}
}

func (pq *PingQueue) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pq.drainDue()
		case <-pq.ctx.Done():
			return
		}
	}
}

func (pq *PingQueue) drainDue() {
	now := time.Now()
	pq.mu.Lock()
	var due []*pending
	for key, p := range pq.pending {
		if !p.dueAt.After(now) {
			due = append(due, p)
			delete(pq.pending, key)
		}
	}
	pq.mu.Unlock()

	for _, p := range due {
		if err := pq.limiter.Wait(pq.ctx); err != nil {
			return
		}
		go pq.probe(p.contact)
	}
}

// probe pings c to confirm liveness before it re-enters the routing table,
// unless the peer manager already classifies c as Good and the routing
// table doesn't yet hold it — in that case it's added directly, since a
// round trip would only confirm what's already known.
func (pq *PingQueue) probe(c contact.Contact) {
	if pq.isGoodFn != nil && pq.containsFn != nil && pq.addFn != nil {
		if pq.isGoodFn(c) && !pq.containsFn(c.NodeID) {
			pq.addFn(c)
			return
		}
	}

	ctx, cancel := context.WithTimeout(pq.ctx, pq.cfg.RPCTimeout)
	defer cancel()
	if err := pq.pingFn(ctx, c); err != nil {
		log.Debugf("ping queue probe of %s failed, discarding: %v", c.Key(), err)
	}
}
