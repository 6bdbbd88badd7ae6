package peermanager

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
)

func newTestPeer(t *testing.T) contact.Contact {
	t.Helper()
	id, err := identifier.Generate()
	require.NoError(t, err)
	c, err := contact.New(id, true, net.ParseIP("198.51.100.7"), 4444, 0, 1)
	require.NoError(t, err)
	return c
}

func TestUnknownPeerHasUnknownStatus(t *testing.T) {
	pm, err := New(dhtconf.Default())
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, pm.Status(newTestPeer(t)))
}

func TestReplyMakesAPeerGood(t *testing.T) {
	pm, err := New(dhtconf.Default())
	require.NoError(t, err)
	p := newTestPeer(t)

	pm.OnSend(p)
	pm.OnReplyReceived(p)
	assert.Equal(t, StatusGood, pm.Status(p))
}

func TestTwoConsecutiveFailuresMakeAPeerBad(t *testing.T) {
	pm, err := New(dhtconf.Default())
	require.NoError(t, err)
	p := newTestPeer(t)

	pm.OnSend(p)
	pm.OnReplyReceived(p)
	require.Equal(t, StatusGood, pm.Status(p))

	pm.OnRPCFailure(p)
	pm.OnRPCFailure(p)
	assert.Equal(t, StatusBad, pm.Status(p))
}

func TestIssuedTokenVerifiesAgainstCurrentSecret(t *testing.T) {
	pm, err := New(dhtconf.Default())
	require.NoError(t, err)
	p := newTestPeer(t)

	token := pm.IssueToken(p.CompactIP())
	assert.True(t, pm.VerifyToken(p.CompactIP(), token))
}

func TestTokenRotationAcceptsPreviousSecretDuringGrace(t *testing.T) {
	cfg := dhtconf.Default()
	cfg.AcceptPreviousTokenSecret = true
	cfg.TokenSecretRefreshInterval = 10 * time.Millisecond
	pm, err := New(cfg)
	require.NoError(t, err)
	p := newTestPeer(t)
	time.Sleep(20 * time.Millisecond) // clear the startup grace window

	oldToken := pm.IssueToken(p.CompactIP())
	require.NoError(t, pm.RotateSecret())

	assert.True(t, pm.VerifyToken(p.CompactIP(), oldToken), "previous secret must still verify right after rotation")

	require.NoError(t, pm.RotateSecret())
	assert.False(t, pm.VerifyToken(p.CompactIP(), oldToken), "a token from two rotations ago must no longer verify")
}

func TestVerifyTokenAcceptsAnyCorrectlySizedTokenDuringStartupGrace(t *testing.T) {
	pm, err := New(dhtconf.Default())
	require.NoError(t, err)
	p := newTestPeer(t)

	fake := make([]byte, dhtconf.HashLength)
	assert.True(t, pm.VerifyToken(p.CompactIP(), fake), "a fresh node must tolerate clients that obtained tokens before its listen time")

	wrongSize := make([]byte, dhtconf.HashLength-1)
	assert.False(t, pm.VerifyToken(p.CompactIP(), wrongSize), "an incorrectly-sized token must never verify, grace window or not")
}

func TestVerifyTokenRejectsForeignToken(t *testing.T) {
	cfg := dhtconf.Default()
	cfg.TokenSecretRefreshInterval = time.Millisecond
	pm, err := New(cfg)
	require.NoError(t, err)
	p := newTestPeer(t)
	time.Sleep(5 * time.Millisecond)

	fake := make([]byte, dhtconf.HashLength)
	assert.False(t, pm.VerifyToken(p.CompactIP(), fake))
}

func TestPruneDropsOldFailures(t *testing.T) {
	cfg := dhtconf.Default()
	cfg.RPCAttemptsPruningWindow = time.Millisecond
	pm, err := New(cfg)
	require.NoError(t, err)
	p := newTestPeer(t)

	pm.OnRPCFailure(p)
	time.Sleep(5 * time.Millisecond)
	pm.Prune()

	pm.mu.RLock()
	rec, ok := pm.byKey.Peek(p.Key())
	pm.mu.RUnlock()
	require.True(t, ok)
	assert.Empty(t, rec.rpcFailures)
}
