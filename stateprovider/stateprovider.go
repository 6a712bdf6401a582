// Package stateprovider is the EVM-facing façade over one block's
// multiproof: account and storage reads are served from, and writes
// are ultimately committed back into, the account and per-account
// storage tries the assembler's artifact carried proofs for.
//
// A StateProvider never talks to an RPC endpoint or decodes a
// serialized artifact itself -- it is built directly from an already
// decoded artifact.Artifact plus the two state roots (parent and
// target block) the embedded proofs were taken against.
package stateprovider

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/blockwitness/prestate/artifact"
	"github.com/blockwitness/prestate/crypto"
	"github.com/blockwitness/prestate/trie"
	"github.com/blockwitness/prestate/types"
)

var (
	// ErrUnprovenAddress is returned by GetAccount when the address
	// has no account multiproof entry at all: the artifact never
	// carried a proof for it, so there is nothing in the trie to read.
	// SetAccount, SetStorage, GetStorage and DeleteAccount treat such
	// an address as a new account instead.
	ErrUnprovenAddress = errors.New("stateprovider: address has no proof in this block's artifact")

	// ErrCodeNotFound is returned by get_code when the requested
	// hash is neither the empty-code hash nor present in the
	// artifact's contract table.
	ErrCodeNotFound = errors.New("stateprovider: code hash not present in artifact")

	// ErrBlockHashNotFound is returned by block_hash when the
	// requested block number has no witness entry.
	ErrBlockHashNotFound = errors.New("stateprovider: block number not present in block-hash witnesses")

	// ErrRootMismatch is returned by RootMatches when the account-trie
	// root Finalize produces does not equal the expected post-state root.
	ErrRootMismatch = errors.New("stateprovider: finalized root does not match the block's post-state root")
)

// AccountFields is the subset of account state get_account and
// set_account exchange with the EVM driver. StorageRoot is informative
// on get_account and ignored on set_account -- storage is mutated only
// through SetStorage, and Finalize recomputes StorageRoot itself from
// whatever slots were actually written.
type AccountFields struct {
	Balance     *uint256.Int
	Nonce       uint64
	CodeHash    types.Hash
	StorageRoot types.Hash
}

func emptyAccountFields() AccountFields {
	return AccountFields{Balance: uint256.NewInt(0), CodeHash: types.EmptyCodeHash, StorageRoot: types.EmptyRootHash}
}

// cachedAccount is the in-memory overlay for one address: its current
// field values (whether from the artifact or a later set_account) and
// any storage slots set_storage has written, keyed by slot rather than
// its Keccak hash so Finalize can recover the plain key.
type cachedAccount struct {
	fields  AccountFields
	exists  bool
	touched bool // true once set_account has run at least once
	storage map[types.Hash]types.Hash
}

// StateProvider is the EVM-facing façade described above.
type StateProvider struct {
	postStateRoot types.Hash

	accountProof *trie.MultiProof

	// accountEntries gives O(1) access to the artifact's own decoded
	// view of an account, used to serve reads before any write has
	// been cached. storageNodes backs lazy per-account storage
	// multiproof construction.
	accountEntries map[types.Address]artifact.AccountProofEntry
	storageNodes   [][]byte

	// storageProof is built lazily, one multiproof per address,
	// the first time a slot under it is read or written.
	storageProof map[types.Address]*trie.MultiProof

	codes       map[types.Hash][]byte
	blockHashes map[uint64]types.Hash

	accounts map[types.Address]*cachedAccount
}

// New reconstructs a StateProvider from a decoded artifact: the
// account multiproof is built against parentStateRoot and, if the
// artifact carries any, the deletion oracle's exclusion proofs are
// attached against postStateRoot for the account trie's delete path.
// Per-account storage multiproofs are built lazily by GetStorage and
// SetStorage rather than all up front, since most discovered accounts
// in a block never have every one of their storage keys touched by
// every transaction and an account with zero requested storage keys
// but a non-empty storage root would otherwise fail to construct.
func New(a *artifact.Artifact, parentStateRoot, postStateRoot types.Hash) (*StateProvider, error) {
	accountEntries := make(map[types.Address]artifact.AccountProofEntry, len(a.AccountProofs))
	accountItems := make([]trie.MultiProofItem, len(a.AccountProofs))
	for i, e := range a.AccountProofs {
		nodes, err := resolveNodes(a.AccountNodes, e.NodeIndices)
		if err != nil {
			return nil, fmt.Errorf("stateprovider: account %s: %w", e.Address.Hex(), err)
		}
		accountItems[i] = trie.MultiProofItem{Key: crypto.Keccak256(e.Address[:]), Proof: nodes}
		accountEntries[e.Address] = e
	}

	accountProof, err := trie.Construct(parentStateRoot, accountItems)
	if err != nil {
		return nil, fmt.Errorf("stateprovider: construct account multiproof: %w", err)
	}

	if len(a.DeletionOracleProofs) > 0 {
		oracleItems := make([]trie.MultiProofItem, len(a.DeletionOracleProofs))
		for i, e := range a.DeletionOracleProofs {
			nodes, err := resolveNodes(a.AccountNodes, e.NodeIndices)
			if err != nil {
				return nil, fmt.Errorf("stateprovider: deletion oracle %s: %w", e.Address.Hex(), err)
			}
			oracleItems[i] = trie.MultiProofItem{Key: crypto.Keccak256(e.Address[:]), Proof: nodes}
		}
		if err := accountProof.AddDeletionOracle(postStateRoot, oracleItems); err != nil {
			return nil, fmt.Errorf("stateprovider: deletion oracle: %w", err)
		}
	}

	codes := make(map[types.Hash][]byte, len(a.Contracts))
	for _, c := range a.Contracts {
		codes[crypto.Keccak256Hash(c)] = c
	}

	blockHashes := make(map[uint64]types.Hash, len(a.BlockHashes))
	for _, bh := range a.BlockHashes {
		blockHashes[bh.Number] = bh.Hash
	}

	return &StateProvider{
		postStateRoot:  postStateRoot,
		accountProof:   accountProof,
		accountEntries: accountEntries,
		storageNodes:   a.StorageNodes,
		storageProof:   make(map[types.Address]*trie.MultiProof, len(a.AccountProofs)),
		codes:          codes,
		blockHashes:    blockHashes,
		accounts:       make(map[types.Address]*cachedAccount),
	}, nil
}

// GetAccount returns address's current fields. A provable exclusion --
// the account does not exist in the pre-state -- returns the empty
// account and exists=false rather than an error.
func (s *StateProvider) GetAccount(addr types.Address) (AccountFields, bool, error) {
	if obj := s.accounts[addr]; obj != nil {
		return obj.fields, obj.exists, nil
	}
	obj, err := s.loadAccount(addr)
	if err != nil {
		return AccountFields{}, false, err
	}
	return obj.fields, obj.exists, nil
}

// loadAccount materializes the cached overlay for addr from the
// artifact's decoded entry (or the empty account, for a proven
// exclusion), the first time the address is touched.
func (s *StateProvider) loadAccount(addr types.Address) (*cachedAccount, error) {
	if obj := s.accounts[addr]; obj != nil {
		return obj, nil
	}
	entry, known := s.accountEntries[addr]
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnprovenAddress, addr.Hex())
	}
	proven, ok := s.accountProof.Proven(crypto.Keccak256(addr[:]))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnprovenAddress, addr.Hex())
	}

	obj := &cachedAccount{storage: make(map[types.Hash]types.Hash)}
	if !proven.Exists {
		obj.fields = emptyAccountFields()
		obj.exists = false
	} else {
		nonce, err := artifact.Uint64FromBytes(entry.Nonce)
		if err != nil {
			return nil, fmt.Errorf("stateprovider: %s: %w", addr.Hex(), err)
		}
		obj.fields = AccountFields{
			Balance:     new(uint256.Int).SetBytes(entry.Balance),
			Nonce:       nonce,
			CodeHash:    entry.CodeHash,
			StorageRoot: entry.StorageHash,
		}
		obj.exists = true
	}
	s.accounts[addr] = obj
	return obj, nil
}

// SetAccount overwrites address's cached balance, nonce and code hash.
// The write is held in memory only; it reaches the account trie when
// Finalize runs.
func (s *StateProvider) SetAccount(addr types.Address, fields AccountFields) error {
	obj, err := s.ensureCached(addr)
	if err != nil {
		return err
	}
	obj.fields.Balance = fields.Balance
	obj.fields.Nonce = fields.Nonce
	obj.fields.CodeHash = fields.CodeHash
	obj.exists = true
	obj.touched = true
	return nil
}

// ensureCached returns addr's cached overlay, creating an empty one
// (for a brand new account -- e.g. a CREATE target never before
// observed) if the artifact never proved anything about this address
// and no prior write has touched it either.
func (s *StateProvider) ensureCached(addr types.Address) (*cachedAccount, error) {
	if obj := s.accounts[addr]; obj != nil {
		return obj, nil
	}
	if _, known := s.accountEntries[addr]; known {
		return s.loadAccount(addr)
	}
	obj := &cachedAccount{fields: emptyAccountFields(), storage: make(map[types.Hash]types.Hash)}
	s.accounts[addr] = obj
	return obj, nil
}

// DeleteAccount marks address as no longer existing. finalize's own
// description names Delete as one of the three operations it may run
// against the account multiproof, but set_account's contract as
// written only ever updates fields -- SELFDESTRUCT needs a distinct
// entry point rather than an implicit "zero fields means gone"
// reading of set_account, which would make an ordinary zeroed-out
// account indistinguishable from a deleted one.
func (s *StateProvider) DeleteAccount(addr types.Address) error {
	obj, err := s.ensureCached(addr)
	if err != nil {
		return err
	}
	obj.exists = false
	obj.touched = true
	delete(s.storageProof, addr)
	obj.storage = make(map[types.Hash]types.Hash)
	return nil
}

// GetCode returns the bytecode for codeHash. The empty-code hash
// always resolves to nil, nil regardless of whether the artifact
// carries an entry for it.
func (s *StateProvider) GetCode(codeHash types.Hash) ([]byte, error) {
	if codeHash == types.EmptyCodeHash {
		return nil, nil
	}
	code, ok := s.codes[codeHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCodeNotFound, codeHash.Hex())
	}
	return code, nil
}

// GetStorage returns the 32-byte value at key under addr. A provable
// exclusion -- the slot is absent -- returns the zero hash and no
// error, matching an EVM SLOAD of an unset slot.
func (s *StateProvider) GetStorage(addr types.Address, key types.Hash) (types.Hash, error) {
	if obj := s.accounts[addr]; obj != nil {
		if v, ok := obj.storage[key]; ok {
			return v, nil
		}
	}
	sp, err := s.ensureStorageProof(addr)
	if err != nil {
		return types.Hash{}, err
	}
	raw, ok := sp.Get(crypto.Keccak256(key[:]))
	if !ok {
		return types.Hash{}, nil
	}
	return types.BytesToHash(raw), nil
}

// SetStorage caches a write of value at key under addr. A zero value
// marks the slot for deletion when Finalize runs.
func (s *StateProvider) SetStorage(addr types.Address, key, value types.Hash) error {
	if _, err := s.ensureStorageProof(addr); err != nil {
		return err
	}
	obj, err := s.ensureCached(addr)
	if err != nil {
		return err
	}
	obj.storage[key] = value
	return nil
}

// ensureStorageProof builds addr's storage multiproof the first time
// it is needed, from that account's own StorageProofs entry in the
// artifact. Every discovered address is proof-fetched regardless of
// whether it has any storage keys, so an address absent from
// accountEntries can only be one the EVM is allocating fresh (a
// CREATE target) -- it starts from an empty storage trie.
func (s *StateProvider) ensureStorageProof(addr types.Address) (*trie.MultiProof, error) {
	if sp := s.storageProof[addr]; sp != nil {
		return sp, nil
	}
	entry, known := s.accountEntries[addr]
	if !known {
		sp, err := trie.Construct(types.EmptyRootHash, nil)
		if err != nil {
			return nil, err
		}
		s.storageProof[addr] = sp
		return sp, nil
	}

	items := make([]trie.MultiProofItem, len(entry.StorageProofs))
	for i, sp := range entry.StorageProofs {
		nodes, err := resolveNodes(s.storageNodes, sp.NodeIndices)
		if err != nil {
			return nil, fmt.Errorf("stateprovider: %s slot %s: %w", addr.Hex(), sp.Key.Hex(), err)
		}
		items[i] = trie.MultiProofItem{Key: crypto.Keccak256(sp.Key[:]), Proof: nodes}
	}
	mp, err := trie.Construct(entry.StorageHash, items)
	if err != nil {
		return nil, fmt.Errorf("stateprovider: construct storage multiproof for %s: %w", addr.Hex(), err)
	}
	s.storageProof[addr] = mp
	return mp, nil
}

// BlockHash returns the witnessed hash for number, looked up from the
// block-hash witness table the artifact carries.
func (s *StateProvider) BlockHash(number uint64) (types.Hash, error) {
	h, ok := s.blockHashes[number]
	if !ok {
		return types.Hash{}, fmt.Errorf("%w: %d", ErrBlockHashNotFound, number)
	}
	return h, nil
}

// Finalize flushes every cached write: for each touched account, its
// dirty storage slots are applied to that account's storage
// multiproof, the resulting storage root folded into the account
// body, and the re-encoded account applied to the account multiproof.
// It returns the resulting account-trie root, which the caller should
// compare against the block's expected post-state root (RootMatches
// does this in one step).
func (s *StateProvider) Finalize() (types.Hash, error) {
	for addr, obj := range s.accounts {
		if !obj.touched && len(obj.storage) == 0 {
			continue
		}
		storageRoot := obj.fields.StorageRoot
		if len(obj.storage) > 0 {
			sp, err := s.ensureStorageProof(addr)
			if err != nil {
				return types.Hash{}, err
			}
			for slot, value := range obj.storage {
				if err := applyStorageWrite(sp, slot, value); err != nil {
					return types.Hash{}, fmt.Errorf("stateprovider: %s slot %s: %w", addr.Hex(), slot.Hex(), err)
				}
			}
			storageRoot = sp.Root()
		}

		if err := s.applyAccountWrite(addr, obj, storageRoot); err != nil {
			return types.Hash{}, err
		}
	}
	return s.accountProof.Root(), nil
}

// applyStorageWrite mutates one slot of a storage multiproof: a zero
// value deletes an existing slot (or is a no-op against an already
// absent one); otherwise the trimmed big-endian value is inserted or
// updated depending on whether the slot previously proved present.
func applyStorageWrite(sp *trie.MultiProof, slot, value types.Hash) error {
	slotKey := crypto.Keccak256(slot[:])
	proven, known := sp.Proven(slotKey)
	exists := known && proven.Exists
	if value.IsZero() {
		if exists {
			return sp.Delete(slotKey)
		}
		return nil
	}
	trimmed := artifact.BalanceBytes(value)
	if exists {
		return sp.Update(slotKey, trimmed)
	}
	return sp.Insert(slotKey, trimmed)
}

// applyAccountWrite mutates the account multiproof for addr: deletes
// the leaf if the account no longer exists (e.g. SELFDESTRUCT),
// otherwise re-encodes the account body with storageRoot folded in
// and inserts or updates depending on whether the address previously
// proved present.
func (s *StateProvider) applyAccountWrite(addr types.Address, obj *cachedAccount, storageRoot types.Hash) error {
	addrKey := crypto.Keccak256(addr[:])
	proven, known := s.accountProof.Proven(addrKey)
	existedBefore := known && proven.Exists

	if !obj.exists {
		if existedBefore {
			return s.accountProof.Delete(addrKey)
		}
		return nil
	}

	balance := obj.fields.Balance
	if balance == nil {
		balance = uint256.NewInt(0)
	}
	encoded, err := trie.EncodeAccount(&types.Account{
		Nonce:    obj.fields.Nonce,
		Balance:  balance,
		Root:     storageRoot,
		CodeHash: obj.fields.CodeHash,
	})
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	if existedBefore {
		return s.accountProof.Update(addrKey, encoded)
	}
	return s.accountProof.Insert(addrKey, encoded)
}

// RootMatches runs Finalize and checks the result against the state
// root New was built with as postStateRoot.
func (s *StateProvider) RootMatches() (types.Hash, error) {
	root, err := s.Finalize()
	if err != nil {
		return root, err
	}
	if root != s.postStateRoot {
		return root, fmt.Errorf("%w: got %s, want %s", ErrRootMismatch, root.Hex(), s.postStateRoot.Hex())
	}
	return root, nil
}

// resolveNodes resolves a shared node table's index list into the raw
// node bytes a trie.MultiProofItem expects, root-most first.
func resolveNodes(table [][]byte, indices []uint16) ([][]byte, error) {
	nodes := make([][]byte, len(indices))
	for i, idx := range indices {
		if int(idx) >= len(table) {
			return nil, fmt.Errorf("node index %d out of range (table has %d entries)", idx, len(table))
		}
		nodes[i] = table[idx]
	}
	return nodes, nil
}
