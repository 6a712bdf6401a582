// Package artifact defines the "required block state" container: the
// self-contained serialized proof bundle a producer builds for one
// block and a consumer decodes back into node tables before building
// a multiproof.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/blockwitness/prestate/types"
)

// Size bounds for the serialized artifact's lists and their elements.
const (
	MaxAccountProofs        = 8192
	MaxContracts            = 2048
	MaxContractSize         = 32768
	MaxAccountNodes         = 32768
	MaxAccountNodeSize      = 32768
	MaxStorageNodes         = 32768
	MaxStorageNodeSize      = 32768
	MaxBlockHashes          = 256
	MaxNodeIndicesPerEntry  = 64
	MaxStorageProofsPerAcct = 8192
)

// ErrSizeBound is returned when a decoded or constructed artifact
// violates one of the list bounds above.
var ErrSizeBound = errors.New("artifact: size-bound violation")

// StorageProofEntry is one storage key's single-key proof, rewritten
// as an ordered list of indices into the artifact's shared storage
// node table (root-most first).
type StorageProofEntry struct {
	Key         types.Hash
	Value       []byte // big-endian, leading zeros trimmed, at most 8 bytes
	NodeIndices []uint16
}

// AccountProofEntry is one address's single-key account proof plus
// every requested storage key's proof for that address.
type AccountProofEntry struct {
	Address       types.Address
	Balance       []byte // big-endian, leading zeros trimmed, at most 32 bytes
	CodeHash      types.Hash
	Nonce         []byte // big-endian, leading zeros trimmed, at most 8 bytes
	StorageHash   types.Hash
	NodeIndices   []uint16
	StorageProofs []StorageProofEntry
}

// BlockHashEntry is one BLOCKHASH witness: a block number paired with
// its hash.
type BlockHashEntry struct {
	Number uint64
	Hash   types.Hash
}

// Artifact is the decoded form of a required block state container:
// sorted lists sharing two node tables (account and storage)
// referenced by index from the account/storage proof entries.
//
// DeletionOracleProofs carries the exclusion proofs the deletion
// oracle needs: one entry per to-be-deleted address or slot, proven
// against the block's post-state root rather than its pre-state root.
// Its entries reuse AccountProofEntry/StorageProofEntry and dedup into
// the same AccountNodes/StorageNodes tables as the primary proofs --
// only the root they verify against differs, which is why they can't
// simply be folded into AccountProofs.
type Artifact struct {
	AccountProofs        []AccountProofEntry
	Contracts            [][]byte
	AccountNodes         [][]byte
	StorageNodes         [][]byte
	BlockHashes          []BlockHashEntry
	DeletionOracleProofs []AccountProofEntry
}

// Validate checks every size bound. It is run unconditionally at
// decode, and may also be run by a producer before encoding.
func (a *Artifact) Validate() error {
	if len(a.AccountProofs) > MaxAccountProofs {
		return fmt.Errorf("%w: %d account proofs exceeds max %d", ErrSizeBound, len(a.AccountProofs), MaxAccountProofs)
	}
	if len(a.Contracts) > MaxContracts {
		return fmt.Errorf("%w: %d contracts exceeds max %d", ErrSizeBound, len(a.Contracts), MaxContracts)
	}
	for i, c := range a.Contracts {
		if len(c) > MaxContractSize {
			return fmt.Errorf("%w: contract %d is %d bytes, exceeds max %d", ErrSizeBound, i, len(c), MaxContractSize)
		}
	}
	if len(a.AccountNodes) > MaxAccountNodes {
		return fmt.Errorf("%w: %d account nodes exceeds max %d", ErrSizeBound, len(a.AccountNodes), MaxAccountNodes)
	}
	for i, n := range a.AccountNodes {
		if len(n) > MaxAccountNodeSize {
			return fmt.Errorf("%w: account node %d is %d bytes, exceeds max %d", ErrSizeBound, i, len(n), MaxAccountNodeSize)
		}
	}
	if len(a.StorageNodes) > MaxStorageNodes {
		return fmt.Errorf("%w: %d storage nodes exceeds max %d", ErrSizeBound, len(a.StorageNodes), MaxStorageNodes)
	}
	for i, n := range a.StorageNodes {
		if len(n) > MaxStorageNodeSize {
			return fmt.Errorf("%w: storage node %d is %d bytes, exceeds max %d", ErrSizeBound, i, len(n), MaxStorageNodeSize)
		}
	}
	if len(a.BlockHashes) > MaxBlockHashes {
		return fmt.Errorf("%w: %d block hashes exceeds max %d", ErrSizeBound, len(a.BlockHashes), MaxBlockHashes)
	}
	if err := validateAccountProofEntries(a.AccountProofs, "account proof"); err != nil {
		return err
	}
	if len(a.DeletionOracleProofs) > MaxAccountProofs {
		return fmt.Errorf("%w: %d deletion oracle proofs exceeds max %d", ErrSizeBound, len(a.DeletionOracleProofs), MaxAccountProofs)
	}
	if err := validateAccountProofEntries(a.DeletionOracleProofs, "deletion oracle proof"); err != nil {
		return err
	}
	return nil
}

func validateAccountProofEntries(entries []AccountProofEntry, label string) error {
	for i, e := range entries {
		if len(e.NodeIndices) > MaxNodeIndicesPerEntry {
			return fmt.Errorf("%w: %s %d has %d node indices, exceeds max %d", ErrSizeBound, label, i, len(e.NodeIndices), MaxNodeIndicesPerEntry)
		}
		if len(e.Balance) > 32 {
			return fmt.Errorf("%w: %s %d balance is %d bytes, exceeds max 32", ErrSizeBound, label, i, len(e.Balance))
		}
		if len(e.Nonce) > 8 {
			return fmt.Errorf("%w: %s %d nonce is %d bytes, exceeds max 8", ErrSizeBound, label, i, len(e.Nonce))
		}
		if len(e.StorageProofs) > MaxStorageProofsPerAcct {
			return fmt.Errorf("%w: %s %d has %d storage proofs, exceeds max %d", ErrSizeBound, label, i, len(e.StorageProofs), MaxStorageProofsPerAcct)
		}
		for j, sp := range e.StorageProofs {
			if len(sp.NodeIndices) > MaxNodeIndicesPerEntry {
				return fmt.Errorf("%w: %s %d storage proof %d has %d node indices, exceeds max %d", ErrSizeBound, label, i, j, len(sp.NodeIndices), MaxNodeIndicesPerEntry)
			}
			if len(sp.Value) > 8 {
				return fmt.Errorf("%w: %s %d storage proof %d value is %d bytes, exceeds max 8", ErrSizeBound, label, i, j, len(sp.Value))
			}
		}
	}
	return nil
}

// SortForDeterminism sorts every top-level list by its first field
// compared as big-endian byte sequences, so two producers given
// the same inputs emit byte-identical artifacts.
func (a *Artifact) SortForDeterminism() {
	sortSlice(a.AccountProofs, func(x, y AccountProofEntry) bool {
		return bytes.Compare(x.Address[:], y.Address[:]) < 0
	})
	sortSlice(a.Contracts, func(x, y []byte) bool {
		return bytes.Compare(x, y) < 0
	})
	sortSlice(a.AccountNodes, func(x, y []byte) bool {
		return bytes.Compare(x, y) < 0
	})
	sortSlice(a.StorageNodes, func(x, y []byte) bool {
		return bytes.Compare(x, y) < 0
	})
	sortSlice(a.BlockHashes, func(x, y BlockHashEntry) bool {
		return x.Number < y.Number
	})
	sortSlice(a.DeletionOracleProofs, func(x, y AccountProofEntry) bool {
		return bytes.Compare(x.Address[:], y.Address[:]) < 0
	})
	for _, entries := range [][]AccountProofEntry{a.AccountProofs, a.DeletionOracleProofs} {
		for i := range entries {
			sortSlice(entries[i].StorageProofs, func(x, y StorageProofEntry) bool {
				return bytes.Compare(x.Key[:], y.Key[:]) < 0
			})
		}
	}
}

// sortSlice sorts s in place by less. AccountNodes and StorageNodes can
// each hold up to MaxAccountNodes/MaxStorageNodes (32768) entries
// arriving in arbitrary fetch order, so this goes through sort.Slice
// rather than an insertion sort.
func sortSlice[T any](s []T, less func(a, b T) bool) {
	sort.Slice(s, func(i, j int) bool { return less(s[i], s[j]) })
}

// trimBigEndian strips leading zero bytes from a big-endian integer
// encoding. A value of zero trims to an empty slice.
func trimBigEndian(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

// BalanceBytes trims a 32-byte big-endian balance to its minimal
// big-endian form for the artifact's account proof entry.
func BalanceBytes(b [32]byte) []byte {
	return trimBigEndian(b[:])
}

// NonceBytes trims an 8-byte big-endian nonce to its minimal
// big-endian form.
func NonceBytes(n uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return trimBigEndian(b[:])
}

// Uint64FromBytes pads a trimmed big-endian byte slice back up to 8
// bytes and decodes it as a uint64. Used for nonce.
func Uint64FromBytes(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, fmt.Errorf("%w: value is %d bytes, exceeds 8", ErrSizeBound, len(b))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
