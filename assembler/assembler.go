// Package assembler builds a serializable artifact.Artifact for one
// block: it fetches a proof for every address and storage key access
// discovery identified, verifies each proof against the right root,
// dedups the raw trie nodes into the artifact's two shared node
// tables, and fetches contract bytecode once per distinct code hash.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/blockwitness/prestate/access"
	"github.com/blockwitness/prestate/artifact"
	"github.com/blockwitness/prestate/crypto"
	"github.com/blockwitness/prestate/metrics"
	"github.com/blockwitness/prestate/p2p/portal"
	"github.com/blockwitness/prestate/rpcsource"
	"github.com/blockwitness/prestate/trie"
	"github.com/blockwitness/prestate/types"
)

// accessFetch is one discovered address's verified proof response,
// held until the shared node tables are finalized and indices can be
// computed.
type accessFetch struct {
	addr     types.Address
	codeHash types.Hash
	resp     rpcsource.ProofResponse
}

// Assemble fetches and verifies every proof access.Discover identified
// for one block, plus a post-state exclusion proof for every address
// or slot deletions reports as removed, and packs the result into an
// artifact.Artifact ready for artifact.Encode.
//
// parent is the block immediately before the one being proven -- its
// StateRoot anchors every AccountProofs entry. block is the block
// itself -- its StateRoot anchors every DeletionOracleProofs entry,
// since a deleted key can only be proven absent against the state
// that already reflects its removal.
//
// collector, if non-nil, receives gauges describing the shape of the
// assembled artifact (address count, shared node table sizes, proof
// construction latency) for whatever monitoring a producer run wants.
// A nil collector is a valid no-op choice for tests and one-off runs.
func Assemble(ctx context.Context, source rpcsource.Source, parent, block rpcsource.BlockHeaderResult, discovery *access.Discovery, deletions rpcsource.DeletionSet, collector *metrics.MetricsCollector) (*artifact.Artifact, error) {
	start := time.Now()
	accountNodes := newNodeSet()
	storageNodes := newNodeSet()
	recordGauge(collector, "assembler.addresses_discovered", float64(len(discovery.Addresses)), nil)

	fetched := make([]accessFetch, 0, len(discovery.Addresses))
	for _, aa := range discovery.Addresses {
		resp, err := source.GetProof(ctx, aa.Address, aa.StorageKeys, parent.Number)
		if err != nil {
			return nil, fmt.Errorf("assembler: get proof for %s: %w", aa.Address.Hex(), err)
		}
		if err := verifyAccountProof(parent.StateRoot, aa.Address, resp); err != nil {
			return nil, err
		}
		accountNodes.addAll(resp.AccountProof)
		for _, sp := range resp.StorageProof {
			storageNodes.addAll(sp.Proof)
		}
		fetched = append(fetched, accessFetch{addr: aa.Address, codeHash: aa.CodeHash, resp: resp})
	}

	contracts, err := fetchContracts(ctx, source, parent.Number, fetched)
	if err != nil {
		return nil, err
	}

	deletionFetched := make([]accessFetch, 0, len(deletions.Accounts)+len(deletions.StorageSlots))
	for _, addr := range unionDeletedAddresses(deletions) {
		keys := deletedSlotKeys(deletions, addr)
		resp, err := source.GetProof(ctx, addr, keys, block.Number)
		if err != nil {
			return nil, fmt.Errorf("assembler: get deletion proof for %s: %w", addr.Hex(), err)
		}
		if err := verifyAccountProof(block.StateRoot, addr, resp); err != nil {
			return nil, fmt.Errorf("assembler: deletion proof: %w", err)
		}
		accountNodes.addAll(resp.AccountProof)
		for _, sp := range resp.StorageProof {
			storageNodes.addAll(sp.Proof)
		}
		deletionFetched = append(deletionFetched, accessFetch{addr: addr, resp: resp})
	}

	// Node indices are assigned against each table's final sorted
	// order, not first-seen order -- the artifact's own node tables
	// are themselves sorted for determinism, and an index computed
	// before that sort would point at the wrong element afterward.
	if err := accountNodes.finalize(); err != nil {
		return nil, fmt.Errorf("assembler: account node table: %w", err)
	}
	if err := storageNodes.finalize(); err != nil {
		return nil, fmt.Errorf("assembler: storage node table: %w", err)
	}

	accountProofs := make([]artifact.AccountProofEntry, 0, len(fetched))
	for _, f := range fetched {
		entry, err := buildAccountEntry(f.addr, f.resp, accountNodes, storageNodes)
		if err != nil {
			return nil, err
		}
		accountProofs = append(accountProofs, entry)
	}

	deletionOracleProofs := make([]artifact.AccountProofEntry, 0, len(deletionFetched))
	for _, f := range deletionFetched {
		entry, err := buildAccountEntry(f.addr, f.resp, accountNodes, storageNodes)
		if err != nil {
			return nil, err
		}
		deletionOracleProofs = append(deletionOracleProofs, entry)
	}

	blockHashes := make([]artifact.BlockHashEntry, len(discovery.BlockHashes))
	for i, bh := range discovery.BlockHashes {
		blockHashes[i] = artifact.BlockHashEntry{Number: bh.Number, Hash: bh.Hash}
	}

	a := &artifact.Artifact{
		AccountProofs:        accountProofs,
		Contracts:            contracts,
		AccountNodes:         accountNodes.nodes,
		StorageNodes:         storageNodes.nodes,
		BlockHashes:          blockHashes,
		DeletionOracleProofs: deletionOracleProofs,
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("assembler: assembled artifact: %w", err)
	}

	recordGauge(collector, "assembler.account_nodes", float64(len(accountNodes.nodes)), nil)
	recordGauge(collector, "assembler.storage_nodes", float64(len(storageNodes.nodes)), nil)
	recordGauge(collector, "assembler.contracts", float64(len(contracts)), nil)
	recordGauge(collector, "assembler.deletion_proofs", float64(len(deletionOracleProofs)), nil)
	if collector != nil {
		collector.RecordHistogram("assembler.duration_seconds", time.Since(start).Seconds())
	}
	return a, nil
}

// recordGauge is a nil-safe wrapper around MetricsCollector.Record --
// Assemble is usable without a collector at all, so every call site
// would otherwise need its own nil check.
func recordGauge(collector *metrics.MetricsCollector, name string, value float64, tags map[string]string) {
	if collector == nil {
		return
	}
	collector.Record(name, value, tags)
}

// PublishKey derives the Portal-style content key and content ID a
// producer advertises an assembled block's artifact under, keyed by
// the hash of the block it was assembled for.
func PublishKey(blockHash types.Hash) ([]byte, portal.ContentID) {
	key := portal.BlockPrestateKey{BlockHash: blockHash}.Encode()
	return key, portal.ComputeContentID(key)
}

// verifyAccountProof checks an account's single-key proof against root,
// and each of its requested storage slots' proofs against the account's
// own storage root -- both keyed by the secure-trie convention of
// hashing the raw key with Keccak-256 before the trie lookup.
func verifyAccountProof(root types.Hash, addr types.Address, resp rpcsource.ProofResponse) error {
	addrHash := crypto.Keccak256(addr[:])
	if _, err := trie.VerifyProof(root, addrHash, toRawNodes(resp.AccountProof)); err != nil {
		return fmt.Errorf("assembler: invalid account proof for %s: %w", addr.Hex(), err)
	}
	for _, sp := range resp.StorageProof {
		slotHash := crypto.Keccak256(sp.Key[:])
		if _, err := trie.VerifyProof(resp.StorageHash, slotHash, toRawNodes(sp.Proof)); err != nil {
			return fmt.Errorf("assembler: invalid storage proof for %s slot %s: %w", addr.Hex(), sp.Key.Hex(), err)
		}
	}
	return nil
}

func toRawNodes(hb []rpcsource.HexBytes) [][]byte {
	out := make([][]byte, len(hb))
	for i, b := range hb {
		out[i] = []byte(b)
	}
	return out
}

// fetchContracts retrieves code once per distinct non-empty code hash
// discovery reported, checking the returned bytes hash to the expected
// value before trusting them.
func fetchContracts(ctx context.Context, source rpcsource.Source, blockNumber uint64, fetched []accessFetch) ([][]byte, error) {
	seen := make(map[types.Hash]bool)
	var contracts [][]byte
	for _, f := range fetched {
		if f.codeHash.IsZero() || f.codeHash == types.EmptyCodeHash || seen[f.codeHash] {
			continue
		}
		seen[f.codeHash] = true
		code, err := source.GetCode(ctx, f.addr, blockNumber)
		if err != nil {
			return nil, fmt.Errorf("assembler: get code for %s: %w", f.addr.Hex(), err)
		}
		if got := crypto.Keccak256Hash(code); got != f.codeHash {
			return nil, fmt.Errorf("assembler: code hash mismatch for %s: expected %s, got %s", f.addr.Hex(), f.codeHash.Hex(), got.Hex())
		}
		contracts = append(contracts, code)
	}
	return contracts, nil
}

// unionDeletedAddresses returns every address deletions names, whether
// the account itself was destroyed or only one of its slots was
// cleared, sorted so fetch order is deterministic.
func unionDeletedAddresses(deletions rpcsource.DeletionSet) []types.Address {
	seen := make(map[types.Address]bool)
	var out []types.Address
	for addr := range deletions.Accounts {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for addr := range deletions.StorageSlots {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func deletedSlotKeys(deletions rpcsource.DeletionSet, addr types.Address) []types.Hash {
	slots := deletions.StorageSlots[addr]
	keys := make([]types.Hash, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}

// buildAccountEntry packs one verified proof response into the
// artifact's wire shape, replacing each raw proof node with its index
// into the (already finalized) shared node table.
func buildAccountEntry(addr types.Address, resp rpcsource.ProofResponse, accountNodes, storageNodes *nodeSet) (artifact.AccountProofEntry, error) {
	nodeIndices, err := accountNodes.indices(resp.AccountProof)
	if err != nil {
		return artifact.AccountProofEntry{}, fmt.Errorf("assembler: %s account nodes: %w", addr.Hex(), err)
	}
	balanceBytes, err := bigIntToTrimmedBytes(resp.Balance, 32)
	if err != nil {
		return artifact.AccountProofEntry{}, fmt.Errorf("assembler: %s balance: %w", addr.Hex(), err)
	}

	entry := artifact.AccountProofEntry{
		Address:     addr,
		Balance:     balanceBytes,
		CodeHash:    resp.CodeHash,
		Nonce:       artifact.NonceBytes(resp.Nonce),
		StorageHash: resp.StorageHash,
		NodeIndices: nodeIndices,
	}
	for _, sp := range resp.StorageProof {
		spIndices, err := storageNodes.indices(sp.Proof)
		if err != nil {
			return artifact.AccountProofEntry{}, fmt.Errorf("assembler: %s slot %s nodes: %w", addr.Hex(), sp.Key.Hex(), err)
		}
		valueBytes, err := bigIntToTrimmedBytes(sp.Value, 8)
		if err != nil {
			return artifact.AccountProofEntry{}, fmt.Errorf("assembler: %s slot %s value: %w", addr.Hex(), sp.Key.Hex(), err)
		}
		entry.StorageProofs = append(entry.StorageProofs, artifact.StorageProofEntry{
			Key:         sp.Key,
			Value:       valueBytes,
			NodeIndices: spIndices,
		})
	}
	return entry, nil
}

// bigIntToTrimmedBytes renders a non-negative integer as minimal
// big-endian bytes, at most maxBytes of them -- 32 for a balance, 8 for
// a storage value, matching the artifact's own per-field bounds. A nil
// value (an absent account's zero balance, or an unset slot) renders
// as empty.
func bigIntToTrimmedBytes(v *big.Int, maxBytes int) ([]byte, error) {
	if v == nil || v.Sign() == 0 {
		return nil, nil
	}
	if v.Sign() < 0 || v.BitLen() > maxBytes*8 {
		return nil, fmt.Errorf("value %s does not fit in %d bytes", v.String(), maxBytes)
	}
	var buf [32]byte
	v.FillBytes(buf[32-maxBytes:])
	return artifact.BalanceBytes(buf), nil
}

// nodeSet dedups raw RLP trie nodes and, once finalize is called,
// assigns each its index in the byte-sorted order the artifact
// serializes node tables in.
type nodeSet struct {
	index map[string]uint16
	nodes [][]byte
}

func newNodeSet() *nodeSet {
	return &nodeSet{index: make(map[string]uint16)}
}

func (ns *nodeSet) addAll(raw []rpcsource.HexBytes) {
	for _, n := range raw {
		key := string(n)
		if _, ok := ns.index[key]; ok {
			continue
		}
		ns.index[key] = 0
		ns.nodes = append(ns.nodes, []byte(n))
	}
}

func (ns *nodeSet) finalize() error {
	if len(ns.nodes) > math.MaxUint16+1 {
		return fmt.Errorf("%d distinct nodes exceeds the 16-bit index space", len(ns.nodes))
	}
	sort.Slice(ns.nodes, func(i, j int) bool { return bytes.Compare(ns.nodes[i], ns.nodes[j]) < 0 })
	for i, n := range ns.nodes {
		ns.index[string(n)] = uint16(i)
	}
	return nil
}

func (ns *nodeSet) indices(raw []rpcsource.HexBytes) ([]uint16, error) {
	out := make([]uint16, len(raw))
	for i, n := range raw {
		idx, ok := ns.index[string(n)]
		if !ok {
			return nil, fmt.Errorf("node not registered in shared table")
		}
		out[i] = idx
	}
	return out, nil
}
