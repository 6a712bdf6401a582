// Package portal provides the content-addressing helpers an artifact
// publisher uses to advertise a required block state artifact on a
// Portal-style content-addressed overlay: the overlay itself (peer
// routing, gossip, wire messages) is an external collaborator this
// repository does not implement; only the key and distance derivations
// it calls against live here.
package portal

import (
	"errors"
	"math/big"

	"github.com/blockwitness/prestate/crypto"
	"github.com/blockwitness/prestate/types"
)

// Content key type selectors.
const (
	ContentKeyBlockPrestate byte = 0x00
)

var ErrInvalidContentKey = errors.New("portal: invalid content key")

// ContentID is a 32-byte identifier derived from a content key. It
// determines where content lives in the overlay's key space.
type ContentID [32]byte

func (c ContentID) Bytes() []byte { return c[:] }

func (c ContentID) IsZero() bool { return c == ContentID{} }

// BlockPrestateKey identifies a required block state artifact by the
// hash of the block it was assembled for.
type BlockPrestateKey struct {
	BlockHash types.Hash
}

// Encode serializes the content key as its type selector followed by
// the 32-byte block hash: 0x00 || block_hash.
func (k BlockPrestateKey) Encode() []byte {
	buf := make([]byte, 1+types.HashLength)
	buf[0] = ContentKeyBlockPrestate
	copy(buf[1:], k.BlockHash[:])
	return buf
}

// DecodeBlockPrestateKey parses a content key produced by Encode.
func DecodeBlockPrestateKey(data []byte) (BlockPrestateKey, error) {
	if len(data) != 1+types.HashLength || data[0] != ContentKeyBlockPrestate {
		return BlockPrestateKey{}, ErrInvalidContentKey
	}
	var h types.Hash
	copy(h[:], data[1:])
	return BlockPrestateKey{BlockHash: h}, nil
}

// ComputeContentID derives the content ID from an encoded content key:
// content_id = keccak256(content_key).
func ComputeContentID(contentKey []byte) ContentID {
	return ContentID(crypto.Keccak256Hash(contentKey))
}

// ringModulus is 2**256, the size of the overlay's key space.
var ringModulus = new(big.Int).Lsh(big.NewInt(1), 256)

// Distance computes the wrap-around ring distance between two 32-byte
// identifiers: min(|a-b|, 2**256-|a-b|), the metric used to decide
// which peers a piece of content is gossiped toward.
func Distance(a, b [32]byte) *big.Int {
	av := new(big.Int).SetBytes(a[:])
	bv := new(big.Int).SetBytes(b[:])
	diff := new(big.Int).Sub(av, bv)
	diff.Abs(diff)
	complement := new(big.Int).Sub(ringModulus, diff)
	if complement.Cmp(diff) < 0 {
		return complement
	}
	return diff
}

// LogDistance returns the bit length of the ring distance between a
// and b, i.e. floor(log2(Distance(a, b))) + 1. Returns 0 when a == b.
func LogDistance(a, b [32]byte) int {
	d := Distance(a, b)
	if d.Sign() == 0 {
		return 0
	}
	return d.BitLen()
}
