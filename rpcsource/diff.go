package rpcsource

import (
	"context"
	"encoding/json"
	"fmt"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/blockwitness/prestate/types"
)

// DeletionSet records which addresses and storage slots a block
// removed entirely: SELFDESTRUCTed accounts, and slots an account
// zeroed out without destroying itself. The assembler consults this
// to know which keys need a post-state exclusion proof from the
// deletion oracle rather than an inclusion proof from the pre-state.
type DeletionSet struct {
	Accounts     map[types.Address]bool
	StorageSlots map[types.Address]map[types.Hash]bool
}

func newDeletionSet() DeletionSet {
	return DeletionSet{
		Accounts:     make(map[types.Address]bool),
		StorageSlots: make(map[types.Address]map[types.Hash]bool),
	}
}

// AccountDeleted reports whether address was removed by the block.
func (d DeletionSet) AccountDeleted(addr types.Address) bool {
	return d.Accounts[addr]
}

// SlotDeleted reports whether a storage slot was cleared by the block
// (without the owning account itself being destroyed).
func (d DeletionSet) SlotDeleted(addr types.Address, slot types.Hash) bool {
	return d.StorageSlots[addr][slot]
}

// diffModeTracerConfig requests the prestate tracer's diff mode,
// which reports both the pre- and post-transaction account states --
// the only shape that can reveal an account or slot being deleted
// rather than merely left unread.
var diffModeTracerConfig = map[string]interface{}{
	"tracer": "prestateTracer",
	"tracerConfig": map[string]interface{}{
		"diffMode": true,
	},
}

type gethDiffResult struct {
	Pre  map[gethcommon.Address]gethPrestateAccount `json:"pre"`
	Post map[gethcommon.Address]gethPrestateAccount `json:"post"`
}

// BlockDeletions runs the prestate tracer in diff mode over every
// transaction in the block and folds the per-transaction pre/post
// pairs into one set of addresses and slots the block deleted.
func (c *EthClient) BlockDeletions(ctx context.Context, number uint64) (DeletionSet, error) {
	var raw []gethTxTraceResult
	blockNum := hexutil.EncodeUint64(number)
	if err := c.rpc.CallContext(ctx, &raw, "debug_traceBlockByNumber", blockNum, diffModeTracerConfig); err != nil {
		return DeletionSet{}, fmt.Errorf("rpcsource: traceBlock diff %d: %w", number, err)
	}

	deletions := newDeletionSet()
	for i, txResult := range raw {
		var diff gethDiffResult
		if err := json.Unmarshal(txResult.Result, &diff); err != nil {
			return DeletionSet{}, fmt.Errorf("rpcsource: decode diff for tx %d: %w", i, err)
		}
		for gethAddr, preAcct := range diff.Pre {
			addr := FromGethAddress(gethAddr)
			postAcct, stillExists := diff.Post[gethAddr]
			if !stillExists {
				deletions.Accounts[addr] = true
				continue
			}
			for slot := range preAcct.Storage {
				postValue, changed := postAcct.Storage[slot]
				if !changed || postValue != (gethcommon.Hash{}) {
					continue
				}
				if deletions.StorageSlots[addr] == nil {
					deletions.StorageSlots[addr] = make(map[types.Hash]bool)
				}
				deletions.StorageSlots[addr][FromGethHash(slot)] = true
			}
		}
	}
	return deletions, nil
}
