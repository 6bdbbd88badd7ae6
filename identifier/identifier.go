// Package identifier implements the 384-bit identifiers shared by peer
// node ids and blob hashes, and the XOR distance metric used to order
// closeness between them.
package identifier

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/multiformats/go-multihash"

	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
)

// ID is an opaque 384-bit value. Equality and ordering are byte-wise.
type ID [dhtconf.HashLength]byte

// Generate returns a cryptographically random ID, suitable for a node id,
// an rpc_id padded out to this width, or a token secret.
func Generate() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("identifier: generate: %w", err)
	}
	return id, nil
}

// FromBytes copies b into an ID, failing if the length does not match
// dhtconf.HashLength.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != dhtconf.HashLength {
		return id, fmt.Errorf("identifier: invalid length %d, want %d", len(b), dhtconf.HashLength)
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the ID's underlying bytes as a fresh slice.
func (id ID) Bytes() []byte {
	out := make([]byte, dhtconf.HashLength)
	copy(out, id[:])
	return out
}

// String renders the ID as lowercase hex, truncated the way DHT logs
// usually render identifiers (first 16 hex chars, i.e. the first 8 bytes)
// to keep log lines short.
func (id ID) String() string {
	full := hex.EncodeToString(id[:])
	return full[:16]
}

// IsZero reports whether every byte of the ID is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Equal reports whether two IDs are byte-wise identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Distance returns the XOR distance between a and b as a 384-bit
// big-endian value, represented as an ID so it can be compared byte-wise
// like any other ID (XOR distance preserves magnitude ordering under a
// byte-wise, most-significant-byte-first comparison).
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 is strictly less than d2, comparing
// most-significant byte first.
func Less(d1, d2 ID) bool {
	return bytes.Compare(d1[:], d2[:]) < 0
}

// Closer reports whether a is closer to target than b is, i.e. whether
// Distance(target, a) < Distance(target, b).
func Closer(target, a, b ID) bool {
	return Less(Distance(target, a), Distance(target, b))
}

// CommonPrefixBits returns the number of leading bits shared by a and b,
// out of the full 384. Two identical IDs share all 384 bits.
func CommonPrefixBits(a, b ID) uint16 {
	var shared uint16
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			shared += 8
			continue
		}
		// count leading zero bits in this differing byte
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				break
			}
			shared++
		}
		break
	}
	return shared
}

// Multihash wraps id in a self-describing multihash using the identity
// codec, giving callers crossing a log or debug boundary a standard
// encoding instead of bare hex, the way other components of this
// ecosystem represent content-addressed identifiers.
func (id ID) Multihash() (multihash.Multihash, error) {
	return multihash.Encode(id[:], multihash.IDENTITY)
}

// DigestSHA384 computes a SHA-384 digest of the concatenated parts,
// producing a 48-byte (384-bit) value directly comparable as an ID. Used
// by the RPC layer to derive and verify findValue tokens. No dependency
// in this module's stack supplies an accelerated SHA-384 implementation
// (sha256-simd, the pack's accelerated hasher, covers only the SHA-256
// family), so this one digest uses the standard library.
func DigestSHA384(parts ...[]byte) ID {
	h := sha512.New384()
	for _, p := range parts {
		h.Write(p)
	}
	var out ID
	copy(out[:], h.Sum(nil))
	return out
}
