// Package dhtconf holds the tunables of the DHT core. The core itself does
// not read files or environment variables — the host process is expected
// to build a Config (or accept the defaults) and pass it to node.New, the
// way the rest of this module's collaborators (wallet, JSON-RPC API,
// blob transfer) are wired in by the host rather than by the DHT itself.
package dhtconf

import "time"

const (
	// HashLength is the width, in bytes, of a NodeId and a blob hash (384 bits).
	HashLength = 48

	// RPCIDLength is the width, in bytes, of an rpc_id (160 bits).
	RPCIDLength = 20

	// K is the Kademlia bucket replication factor.
	K = 8

	// Alpha is the iterative lookup concurrency parameter.
	Alpha = 3

	// MsgSizeLimit is the maximum size, in bytes, of an encoded datagram.
	MsgSizeLimit = 1400

	// ProtocolVersion is advertised in findValue responses.
	ProtocolVersion = 1
)

// Config bundles every timing and structural knob the DHT core needs.
// Zero value is not useful; use Default() and override individual fields.
type Config struct {
	// RPCTimeout bounds how long an outbound request waits for a response.
	RPCTimeout time.Duration

	// TokenSecretRefreshInterval is how often the token secret rotates.
	// It also bounds the startup grace window during which a node
	// accepts any correctly-sized token regardless of secret, since a
	// client may have obtained a token from this peer shortly before it
	// restarted.
	TokenSecretRefreshInterval time.Duration

	// MaybePingDelay is a due-delay for ping queue entries. The ping queue
	// does not read it: EnqueueMaybePing takes its delay as an argument.
	MaybePingDelay time.Duration

	// CheckRefreshInterval is the freshness window used by peer
	// good/unknown/bad classification.
	CheckRefreshInterval time.Duration

	// DataExpiration is how long a blob store advertisement is kept.
	DataExpiration time.Duration

	// SplitBucketsUnderIndex forces extra splitting near the root of the
	// routing table for topology richness, independent of whether the
	// local node's id falls in the bucket's range.
	SplitBucketsUnderIndex int

	// RPCAttemptsPruningWindow bounds how long a recorded RPC failure is
	// kept before PeerManager.Prune drops it.
	RPCAttemptsPruningWindow time.Duration

	// AcceptPreviousTokenSecret gates the grace period that lets a store
	// request verify against the previous (not just current) token
	// secret, so a token fetched just before a rotation still works.
	AcceptPreviousTokenSecret bool

	// ReplacementCacheSize bounds the per-address liveness table kept by
	// the peer manager.
	ReplacementCacheSize int
}

// Default returns the tunables used throughout the DHT core's own tests
// and examples.
func Default() Config {
	return Config{
		RPCTimeout:                 5 * time.Second,
		TokenSecretRefreshInterval: 5 * time.Minute,
		MaybePingDelay:             5 * time.Minute,
		CheckRefreshInterval:       15 * time.Minute,
		DataExpiration:             time.Hour,
		SplitBucketsUnderIndex:     1,
		RPCAttemptsPruningWindow:   time.Hour,
		AcceptPreviousTokenSecret:  true,
		ReplacementCacheSize:       8192,
	}
}
