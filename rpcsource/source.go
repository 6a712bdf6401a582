package rpcsource

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/blockwitness/prestate/types"
)

// Source is the external collaborator this repository calls against
// to build one block's required state artifact: a block's header, its
// per-transaction prestate results, account and storage proofs at a
// given state root, contract code, and the block's deletions. It
// reports no BLOCKHASH observations. EthClient, the implementation in
// this package, opens its connection through DialContext and does no
// retries or batching.
type Source interface {
	// BlockHeader fetches the header for the given block number.
	BlockHeader(ctx context.Context, number uint64) (BlockHeaderResult, error)

	// BlockPrestate runs the prestate tracer (diff mode off) over every
	// transaction in the block, in order. The results hold account and
	// storage pre-state only; BLOCKHASH opcode uses are not reported.
	BlockPrestate(ctx context.Context, number uint64) (BlockPrestate, error)

	// GetProof fetches an eth_getProof-style account and storage
	// multiproof for one address at a given block number.
	GetProof(ctx context.Context, address types.Address, storageKeys []types.Hash, blockNumber uint64) (ProofResponse, error)

	// GetCode fetches the deployed bytecode for one code hash's owning
	// address at a given block number.
	GetCode(ctx context.Context, address types.Address, blockNumber uint64) ([]byte, error)

	// BlockDeletions reports which accounts and storage slots the
	// block removed entirely, so the assembler knows which keys need
	// a post-state exclusion proof rather than a pre-state inclusion
	// proof.
	BlockDeletions(ctx context.Context, number uint64) (DeletionSet, error)
}

// EthClient is a Source backed by a live go-ethereum JSON-RPC
// connection. The standard namespace calls (header fetch) go through
// ethclient; debug_traceBlockByNumber and eth_getProof have no typed
// helpers in go-ethereum's client, so they are issued as raw calls via
// the underlying *rpc.Client, the same pattern go-ethereum's own
// tooling uses for namespaces it doesn't wrap.
type EthClient struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// DialContext connects to a JSON-RPC endpoint and returns a Source
// backed by it.
func DialContext(ctx context.Context, url string) (*EthClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rpcsource: dial %s: %w", url, err)
	}
	return &EthClient{eth: ethclient.NewClient(c), rpc: c}, nil
}

func (c *EthClient) Close() {
	c.eth.Close()
}

func (c *EthClient) BlockHeader(ctx context.Context, number uint64) (BlockHeaderResult, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return BlockHeaderResult{}, fmt.Errorf("rpcsource: header %d: %w", number, err)
	}
	return BlockHeaderResult{
		Number:     header.Number.Uint64(),
		Hash:       FromGethHash(header.Hash()),
		ParentHash: FromGethHash(header.ParentHash),
		StateRoot:  FromGethHash(header.Root),
		Time:       header.Time,
	}, nil
}

// prestateTracerConfig requests the prestate (diff-mode-off) tracer,
// the default config go-ethereum's debug_traceBlockByNumber accepts for
// the "prestateTracer". It enables no BLOCKHASH capture, so each
// transaction's result holds account and storage pre-state only.
var prestateTracerConfig = map[string]interface{}{
	"tracer": "prestateTracer",
	"tracerConfig": map[string]interface{}{
		"diffMode": false,
	},
}

// gethTxTraceResult mirrors the per-transaction envelope
// debug_traceBlockByNumber wraps each transaction's tracer result in.
type gethTxTraceResult struct {
	Result json.RawMessage `json:"result"`
}

func (c *EthClient) BlockPrestate(ctx context.Context, number uint64) (BlockPrestate, error) {
	var raw []gethTxTraceResult
	blockNum := hexutil.EncodeUint64(number)
	if err := c.rpc.CallContext(ctx, &raw, "debug_traceBlockByNumber", blockNum, prestateTracerConfig); err != nil {
		return nil, fmt.Errorf("rpcsource: traceBlock %d: %w", number, err)
	}

	prestate := make(BlockPrestate, len(raw))
	for i, txResult := range raw {
		var gethResult map[gethcommon.Address]gethPrestateAccount
		if err := json.Unmarshal(txResult.Result, &gethResult); err != nil {
			return nil, fmt.Errorf("rpcsource: decode prestate for tx %d: %w", i, err)
		}
		pr := make(PrestateResult, len(gethResult))
		for addr, acct := range gethResult {
			pa := PrestateAccount{
				Balance: acct.Balance.ToInt(),
				Nonce:   uint64(acct.Nonce),
				Code:    acct.Code,
				Storage: make(map[types.Hash]types.Hash, len(acct.Storage)),
			}
			for k, v := range acct.Storage {
				pa.Storage[FromGethHash(k)] = FromGethHash(v)
			}
			pr[FromGethAddress(addr)] = pa
		}
		prestate[i] = pr
	}
	return prestate, nil
}

// gethPrestateAccount is the per-address shape the prestateTracer
// emits for each touched account.
type gethPrestateAccount struct {
	Balance *hexutil.Big                       `json:"balance"`
	Nonce   hexutil.Uint64                     `json:"nonce"`
	Code    hexutil.Bytes                      `json:"code"`
	Storage map[gethcommon.Hash]gethcommon.Hash `json:"storage"`
}

func (c *EthClient) GetProof(ctx context.Context, address types.Address, storageKeys []types.Hash, blockNumber uint64) (ProofResponse, error) {
	gethKeys := make([]string, len(storageKeys))
	for i, k := range storageKeys {
		gethKeys[i] = k.Hex()
	}

	var raw gethAccountResult
	blockNum := hexutil.EncodeUint64(blockNumber)
	if err := c.rpc.CallContext(ctx, &raw, "eth_getProof", ToGethAddress(address), gethKeys, blockNum); err != nil {
		return ProofResponse{}, fmt.Errorf("rpcsource: getProof %s @ %d: %w", address.Hex(), blockNumber, err)
	}

	resp := ProofResponse{
		Address:      address,
		AccountProof: hexStringsToBytes(raw.AccountProof),
		Balance:      raw.Balance.ToInt(),
		CodeHash:     FromGethHash(raw.CodeHash),
		Nonce:        uint64(raw.Nonce),
		StorageHash:  FromGethHash(raw.StorageHash),
		StorageProof: make([]StorageProofEntry, len(raw.StorageProof)),
	}
	for i, sp := range raw.StorageProof {
		key, err := types.HexToHash(sp.Key)
		if err != nil {
			return ProofResponse{}, fmt.Errorf("rpcsource: storage proof key %q: %w", sp.Key, err)
		}
		resp.StorageProof[i] = StorageProofEntry{
			Key:   key,
			Value: sp.Value.ToInt(),
			Proof: hexStringsToBytes(sp.Proof),
		}
	}
	return resp, nil
}

type gethAccountResult struct {
	AccountProof []string                `json:"accountProof"`
	Balance      *hexutil.Big            `json:"balance"`
	CodeHash     gethcommon.Hash         `json:"codeHash"`
	Nonce        hexutil.Uint64          `json:"nonce"`
	StorageHash  gethcommon.Hash         `json:"storageHash"`
	StorageProof []gethStorageProofEntry `json:"storageProof"`
}

type gethStorageProofEntry struct {
	Key   string       `json:"key"`
	Value *hexutil.Big `json:"value"`
	Proof []string     `json:"proof"`
}

func hexStringsToBytes(hexes []string) []HexBytes {
	out := make([]HexBytes, len(hexes))
	for i, h := range hexes {
		b, err := hexutil.Decode(h)
		if err != nil {
			continue
		}
		out[i] = b
	}
	return out
}

func (c *EthClient) GetCode(ctx context.Context, address types.Address, blockNumber uint64) ([]byte, error) {
	code, err := c.eth.CodeAt(ctx, ToGethAddress(address), new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return nil, fmt.Errorf("rpcsource: getCode %s @ %d: %w", address.Hex(), blockNumber, err)
	}
	return code, nil
}
