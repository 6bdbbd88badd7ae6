package pingqueue

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

func newPeer(t *testing.T) contact.Contact {
	t.Helper()
	id, err := identifier.Generate()
	require.NoError(t, err)
	c, err := contact.New(id, true, net.ParseIP("198.51.100.20"), 4444, 0, 1)
	require.NoError(t, err)
	return c
}

func TestEnqueuedPeerIsEventuallyProbed(t *testing.T) {
	var calls int32
	pq := New(dhtconf.Default(), func(ctx context.Context, c contact.Contact) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil, nil, nil)
	defer pq.Close()

	pq.EnqueueMaybePing(newPeer(t), 0)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDuplicateEnqueueKeepsEarliestDueTime(t *testing.T) {
	pq := New(dhtconf.Default(), func(ctx context.Context, c contact.Contact) error { return nil }, nil, nil, nil)
	defer pq.Close()

	p := newPeer(t)
	pq.EnqueueMaybePing(p, 0)
	pq.EnqueueMaybePing(p, time.Hour)

	pq.mu.Lock()
	due := pq.pending[p.Key()].dueAt
	pq.mu.Unlock()
	assert.True(t, due.Before(time.Now().Add(time.Minute)))
}

func TestDuplicateEnqueueAdvancesToSoonerDueTime(t *testing.T) {
	pq := New(dhtconf.Default(), func(ctx context.Context, c contact.Contact) error { return nil }, nil, nil, nil)
	defer pq.Close()

	p := newPeer(t)
	pq.EnqueueMaybePing(p, time.Hour)
	pq.EnqueueMaybePing(p, 0)

	pq.mu.Lock()
	due := pq.pending[p.Key()].dueAt
	pq.mu.Unlock()
	assert.True(t, due.Before(time.Now().Add(time.Minute)), "a later enqueue with a shorter delay must advance the due time")
}

func TestPingFailureIsSwallowed(t *testing.T) {
	pq := New(dhtconf.Default(), func(ctx context.Context, c contact.Contact) error {
		return assert.AnError
	}, nil, nil, nil)
	defer pq.Close()

	assert.NotPanics(t, func() {
		pq.EnqueueMaybePing(newPeer(t), 0)
		time.Sleep(1200 * time.Millisecond)
	})
}

func TestProbeAddsDirectlyWhenAlreadyGoodAndAbsentFromRoutingTable(t *testing.T) {
	var pingCalls, addCalls int32
	pq := New(dhtconf.Default(), func(ctx context.Context, c contact.Contact) error {
		atomic.AddInt32(&pingCalls, 1)
		return nil
	},
		func(c contact.Contact) bool { return true },
		func(id identifier.ID) bool { return false },
		func(c contact.Contact) bool {
			atomic.AddInt32(&addCalls, 1)
			return true
		},
	)
	defer pq.Close()

	pq.EnqueueMaybePing(newPeer(t), 0)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&addCalls) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&pingCalls), "a known-Good peer missing from the routing table should be added directly, not pinged")
}

func TestProbePingsWhenNotAlreadyGood(t *testing.T) {
	var pingCalls int32
	pq := New(dhtconf.Default(), func(ctx context.Context, c contact.Contact) error {
		atomic.AddInt32(&pingCalls, 1)
		return nil
	},
		func(c contact.Contact) bool { return false },
		func(id identifier.ID) bool { return false },
		func(c contact.Contact) bool { return true },
	)
	defer pq.Close()

	pq.EnqueueMaybePing(newPeer(t), 0)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&pingCalls) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
