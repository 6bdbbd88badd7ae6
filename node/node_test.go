package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	id, err := identifier.Generate()
	require.NoError(t, err)
	n, err := New("127.0.0.1:0", net.ParseIP("127.0.0.1"), id, 3333, dhtconf.Default())
	require.NoError(t, err)
	n.Start()
	t.Cleanup(n.Stop)
	return n
}

func contactFor(t *testing.T, n *Node) contact.Contact {
	t.Helper()
	addr := n.conn.LocalAddr().(*net.UDPAddr)
	c, err := contact.New(n.localID, true, net.ParseIP("127.0.0.1"), uint16(addr.Port), 0, 1)
	require.NoError(t, err)
	return c
}

func TestPingRoundTripBetweenTwoNodes(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	bContact := contactFor(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.Ping(ctx, bContact)
	assert.NoError(t, err)

	assert.Equal(t, 1, a.rt.Size(), "a successful ping should learn b's contact")
}

func TestStoreThenFindValueRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	bContact := contactFor(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Ping(ctx, bContact))

	blobHash, err := identifier.Generate()
	require.NoError(t, err)
	a.StoreBlob(ctx, blobHash)

	holders := b.FindValue(ctx, blobHash)
	require.NotEmpty(t, holders, "b should know a as a holder after a's store")
}
