package kbucket

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

func alwaysAlive(ctx context.Context, c contact.Contact) error { return nil }

func newTestContact(t *testing.T, lastByte byte) contact.Contact {
	t.Helper()
	var id identifier.ID
	id[dhtconf.HashLength-1] = lastByte
	id[0] = lastByte // vary the high byte too so distances spread out
	// a distinct port per peer: Add evicts a different node id at the same address
	c, err := contact.New(id, true, net.ParseIP("127.0.0.1"), uint16(4000+int(lastByte)), 0, 1)
	require.NoError(t, err)
	return c
}

func TestAddAndSize(t *testing.T) {
	var local identifier.ID
	rt := New(local, dhtconf.Default(), alwaysAlive)
	defer rt.Close()

	for i := 1; i <= 5; i++ {
		added := rt.Add(newTestContact(t, byte(i)))
		assert.True(t, added)
	}
	assert.Equal(t, 5, rt.Size())
}

func TestAddIgnoresLocalIDAndAddressOnlyContacts(t *testing.T) {
	var local identifier.ID
	rt := New(local, dhtconf.Default(), alwaysAlive)
	defer rt.Close()

	self, err := contact.New(local, true, net.ParseIP("127.0.0.1"), 4444, 0, 1)
	require.NoError(t, err)
	assert.False(t, rt.Add(self))

	addressOnly, err := contact.NewFromAddress(net.ParseIP("127.0.0.2"), 4444)
	require.NoError(t, err)
	assert.False(t, rt.Add(addressOnly))

	assert.Equal(t, 0, rt.Size())
}

func TestAddIsIdempotentForSameNodeID(t *testing.T) {
	var local identifier.ID
	rt := New(local, dhtconf.Default(), alwaysAlive)
	defer rt.Close()

	c := newTestContact(t, 7)
	assert.True(t, rt.Add(c))
	assert.True(t, rt.Add(c))
	assert.Equal(t, 1, rt.Size())
}

func TestBucketSplitsWhenLocalSharesItsRange(t *testing.T) {
	var local identifier.ID // local id = all zero bytes

	cfg := dhtconf.Default()
	cfg.SplitBucketsUnderIndex = 0
	rt := New(local, cfg, alwaysAlive)
	defer rt.Close()

	// More than K contacts that all share the top bit with local (high bit
	// 0 of their first byte) force the bucket containing local to split
	// rather than silently reject the overflow, so every one of them ends
	// up live instead of just the first K.
	want := 0
	for i := 0; i <= dhtconf.K+1; i++ {
		var id identifier.ID
		id[0] = byte(i) // 0..K+1, all with high bit clear, i.e. in local's half
		if id.Equal(local) {
			continue
		}
		c, err := contact.New(id, true, net.ParseIP("127.0.0.1"), uint16(4000+i), 0, 1)
		require.NoError(t, err)
		rt.Add(c)
		want++
	}

	assert.Greater(t, want, dhtconf.K, "test setup must actually exceed one bucket's capacity")
	assert.Equal(t, want, rt.Size(), "splitting must make room instead of dropping the overflow")
}

func TestNearestPeersOrdersByXORDistance(t *testing.T) {
	var local identifier.ID
	rt := New(local, dhtconf.Default(), alwaysAlive)
	defer rt.Close()

	far := newTestContact(t, 0xF0)
	near := newTestContact(t, 0x01)
	rt.Add(far)
	rt.Add(near)

	out := rt.NearestPeers(local, 2)
	require.Len(t, out, 2)
	assert.True(t, out[0].NodeID.Equal(near.NodeID))
	assert.True(t, out[1].NodeID.Equal(far.NodeID))
}

func TestRemovePromotesReplacement(t *testing.T) {
	var local identifier.ID
	cfg := dhtconf.Default()
	cfg.SplitBucketsUnderIndex = 0
	rt := New(local, cfg, alwaysAlive)
	defer rt.Close()

	// Force the root to split into a local-side and opposite-side bucket
	// before testing the opposite side's eviction behavior, since a
	// never-yet-split root trivially "contains" local and would just keep
	// splitting instead of ever parking a peer as a replacement.
	for i := 1; i <= dhtconf.K+1; i++ {
		var id identifier.ID
		id[0] = byte(i) // local's half (high bit clear)
		c, err := contact.New(id, true, net.ParseIP("127.0.0.1"), uint16(4000+i), 0, 1)
		require.NoError(t, err)
		rt.Add(c)
	}

	var fullSideID identifier.ID
	fullSideID[0] = 0x80 // opposite half from local, so this bucket never splits

	var filled []contact.Contact
	for i := 0; i < dhtconf.K; i++ {
		id := fullSideID
		id[dhtconf.HashLength-1] = byte(i + 1)
		c, err := contact.New(id, true, net.ParseIP("127.0.0.1"), uint16(5000+i), 0, 1)
		require.NoError(t, err)
		require.True(t, rt.Add(c))
		filled = append(filled, c)
	}

	var extraID identifier.ID
	extraID[0] = 0x80
	extraID[dhtconf.HashLength-1] = 0xFE
	extra, err := contact.New(extraID, true, net.ParseIP("127.0.0.1"), 6000, 0, 1)
	require.NoError(t, err)
	assert.False(t, rt.Add(extra), "bucket is full and ineligible to split, so extra is parked as a replacement")

	rt.Remove(filled[0].NodeID)

	peers := rt.ListPeers()
	var sawExtra, sawRemoved bool
	for _, p := range peers {
		if p.NodeID.Equal(extra.NodeID) {
			sawExtra = true
		}
		if p.NodeID.Equal(filled[0].NodeID) {
			sawRemoved = true
		}
	}
	assert.True(t, sawExtra, "removal should promote the parked replacement into the bucket")
	assert.False(t, sawRemoved, "the removed peer must no longer be present")
}

func TestAddEvictsStalePeerAtSameAddress(t *testing.T) {
	var local identifier.ID
	rt := New(local, dhtconf.Default(), alwaysAlive)
	defer rt.Close()

	var oldID identifier.ID
	oldID[0] = 1
	oldID[dhtconf.HashLength-1] = 1
	oldContact, err := contact.New(oldID, true, net.ParseIP("127.0.0.3"), 5555, 0, 1)
	require.NoError(t, err)
	require.True(t, rt.Add(oldContact))

	var newID identifier.ID
	newID[0] = 2
	newID[dhtconf.HashLength-1] = 2
	rebinding, err := contact.New(newID, true, net.ParseIP("127.0.0.3"), 5555, 0, 1)
	require.NoError(t, err)
	require.True(t, rt.Add(rebinding))

	assert.Equal(t, 1, rt.Size(), "the rebinding peer must replace, not coexist with, the stale node id at its address")
	peers := rt.ListPeers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].NodeID.Equal(rebinding.NodeID))
}
