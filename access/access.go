// Package access discovers, for one block, every address and storage
// slot a transaction touched, the code hash of every account with
// code present in the prestate, and the set of BLOCKHASH observations
// the block's transactions made -- the input list the proof assembler
// fetches proofs for.
package access

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/blockwitness/prestate/crypto"
	"github.com/blockwitness/prestate/rpcsource"
	"github.com/blockwitness/prestate/types"
)

// maxBlockHashObservations bounds the number of distinct block numbers
// a single block's BLOCKHASH usage may reference.
const maxBlockHashObservations = 256

var (
	ErrTooManyBlockHashes   = errors.New("access: too many distinct BLOCKHASH observations")
	ErrBlockHashOutOfWindow = errors.New("access: BLOCKHASH observation outside the valid window")
	ErrConflictingBlockHash = errors.New("access: conflicting BLOCKHASH observations for the same block number")
)

// AddressAccess is one address first observed during the block, along
// with every storage slot first observed under it, in first-observed
// order. CodeHash is the zero hash unless the prestate recorded the
// account's code (it is recorded once, the first time code for this
// address appears).
type AddressAccess struct {
	Address     types.Address
	StorageKeys []types.Hash
	CodeHash    types.Hash
}

// BlockHashObservation is one (number, hash) pair a BLOCKHASH opcode
// returned during block execution.
type BlockHashObservation struct {
	Number uint64
	Hash   types.Hash
}

// Discovery is the set of accesses discovered for one block: every
// address and slot a proof must be fetched for, and every BLOCKHASH
// witness a proof must supply.
type Discovery struct {
	Addresses   []AddressAccess
	BlockHashes []BlockHashObservation
}

// Discover walks a block's per-transaction prestate in transaction
// order, recording the first observation of every address, every
// storage slot under it, and every distinct code hash, and validates
// the accompanying BLOCKHASH observations against the block's
// constant window of prior block numbers.
//
// Within a single transaction's prestate map, addresses and slots are
// visited in address/slot-byte order rather than Go's randomized map
// iteration order, so two runs over identical input produce an
// identical Discovery -- though final ordering within the artifact
// itself is decided later by the artifact's own sort step, not by
// this package.
func Discover(blockNumber uint64, prestate rpcsource.BlockPrestate, blockHashObservations []BlockHashObservation) (*Discovery, error) {
	var order []types.Address
	seen := make(map[types.Address]bool)
	slotOrder := make(map[types.Address][]types.Hash)
	slotSeen := make(map[types.Address]map[types.Hash]bool)
	codeHashes := make(map[types.Address]types.Hash)

	for _, txResult := range prestate {
		addrs := make([]types.Address, 0, len(txResult))
		for addr := range txResult {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool {
			return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
		})

		for _, addr := range addrs {
			acct := txResult[addr]
			if !seen[addr] {
				seen[addr] = true
				order = append(order, addr)
				slotSeen[addr] = make(map[types.Hash]bool)
			}
			if len(acct.Code) > 0 {
				if _, ok := codeHashes[addr]; !ok {
					codeHashes[addr] = crypto.Keccak256Hash(acct.Code)
				}
			}

			slots := make([]types.Hash, 0, len(acct.Storage))
			for slot := range acct.Storage {
				slots = append(slots, slot)
			}
			sort.Slice(slots, func(i, j int) bool {
				return bytes.Compare(slots[i][:], slots[j][:]) < 0
			})
			for _, slot := range slots {
				if !slotSeen[addr][slot] {
					slotSeen[addr][slot] = true
					slotOrder[addr] = append(slotOrder[addr], slot)
				}
			}
		}
	}

	addresses := make([]AddressAccess, len(order))
	for i, addr := range order {
		addresses[i] = AddressAccess{
			Address:     addr,
			StorageKeys: slotOrder[addr],
			CodeHash:    codeHashes[addr],
		}
	}

	blockHashes, err := validateBlockHashes(blockNumber, blockHashObservations)
	if err != nil {
		return nil, err
	}

	return &Discovery{Addresses: addresses, BlockHashes: blockHashes}, nil
}

func validateBlockHashes(blockNumber uint64, observations []BlockHashObservation) ([]BlockHashObservation, error) {
	seenHash := make(map[uint64]types.Hash)
	out := make([]BlockHashObservation, 0, len(observations))
	for _, obs := range observations {
		// Valid window is [blockNumber-256, blockNumber-1]; written as
		// an addition so it never underflows for small block numbers.
		if obs.Number >= blockNumber || obs.Number+maxBlockHashObservations < blockNumber {
			return nil, fmt.Errorf("%w: block %d observed from block %d", ErrBlockHashOutOfWindow, obs.Number, blockNumber)
		}
		if prior, ok := seenHash[obs.Number]; ok {
			if prior != obs.Hash {
				return nil, fmt.Errorf("%w: block number %d", ErrConflictingBlockHash, obs.Number)
			}
			continue
		}
		seenHash[obs.Number] = obs.Hash
		out = append(out, obs)
	}
	if len(seenHash) > maxBlockHashObservations {
		return nil, fmt.Errorf("%w: %d distinct numbers exceeds max %d", ErrTooManyBlockHashes, len(seenHash), maxBlockHashObservations)
	}
	return out, nil
}
