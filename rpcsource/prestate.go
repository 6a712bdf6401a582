package rpcsource

import (
	"math/big"

	"github.com/blockwitness/prestate/types"
)

// PrestateAccount is the per-address entry of a debug_traceBlockByNumber
// call with tracer:"prestate", diffMode:false: the account's state as it
// was immediately before the block executed.
type PrestateAccount struct {
	Balance *big.Int                `json:"balance,omitempty"`
	Nonce   uint64                  `json:"nonce,omitempty"`
	Code    []byte                  `json:"code,omitempty"`
	Storage map[types.Hash]types.Hash `json:"storage,omitempty"`
}

// PrestateResult is one transaction's prestate tracer output: the set of
// accounts and slots that transaction read or wrote, keyed by address.
type PrestateResult map[types.Address]PrestateAccount

// BlockPrestate is the per-transaction list returned by
// debug_traceBlockByNumber for an entire block.
type BlockPrestate []PrestateResult

// Merge folds every transaction's prestate into a single per-address,
// per-slot access map: whichever transaction touched an address or slot first establishes
// that the value recorded here is the pre-block value.
func (b BlockPrestate) Merge() PrestateResult {
	merged := make(PrestateResult)
	for _, txResult := range b {
		for addr, acct := range txResult {
			existing, ok := merged[addr]
			if !ok {
				cp := acct
				if acct.Storage != nil {
					cp.Storage = make(map[types.Hash]types.Hash, len(acct.Storage))
					for k, v := range acct.Storage {
						cp.Storage[k] = v
					}
				}
				merged[addr] = cp
				continue
			}
			if existing.Storage == nil && acct.Storage != nil {
				existing.Storage = make(map[types.Hash]types.Hash)
			}
			for k, v := range acct.Storage {
				if _, seen := existing.Storage[k]; !seen {
					existing.Storage[k] = v
				}
			}
			merged[addr] = existing
		}
	}
	return merged
}

// ProofResponse mirrors the EIP-1186 eth_getProof JSON response: an
// account's Merkle proof plus a proof for each requested storage slot.
type ProofResponse struct {
	Address      types.Address       `json:"address"`
	AccountProof []HexBytes          `json:"accountProof"`
	Balance      *big.Int            `json:"balance"`
	CodeHash     types.Hash          `json:"codeHash"`
	Nonce        uint64              `json:"nonce"`
	StorageHash  types.Hash          `json:"storageHash"`
	StorageProof []StorageProofEntry `json:"storageProof"`
}

// StorageProofEntry is a single requested slot's proof within a
// ProofResponse.
type StorageProofEntry struct {
	Key   types.Hash `json:"key"`
	Value *big.Int   `json:"value"`
	Proof []HexBytes `json:"proof"`
}

// HexBytes is an RLP-encoded trie node as returned by eth_getProof: a
// JSON hex string that decodes to raw bytes.
type HexBytes []byte

// BlockHeaderResult is the subset of eth_getBlockByNumber's response
// this repository needs: the fields that anchor a multiproof to a
// specific pre-state and post-state root, plus the parent hash used to
// satisfy BLOCKHASH access-window accounting.
type BlockHeaderResult struct {
	Number     uint64
	Hash       types.Hash
	ParentHash types.Hash
	StateRoot  types.Hash
	Time       uint64
}
