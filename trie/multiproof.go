package trie

import (
	"bytes"
	"errors"

	"github.com/blockwitness/prestate/crypto"
	"github.com/blockwitness/prestate/types"
)

// Errors returned by multiproof operations.
var (
	// ErrInsufficientProof is returned by Update, Insert, and Delete when
	// a mutation needs to resolve a node (including an inline one) that
	// is neither in the node store nor supplied by the deletion oracle.
	ErrInsufficientProof = errors.New("trie: insufficient proof for mutation")

	// ErrConflictingNode is returned when two different byte encodings
	// are inserted under the same node hash -- a violation of the
	// multiproof's dedup invariant.
	ErrConflictingNode = errors.New("trie: conflicting node content under same hash")
)

// NodeStore holds decoded-on-demand trie nodes keyed by their Keccak-256
// hash. It backs one multiproof's root; nodes reachable only by inline
// embedding in a parent never get an entry here, matching how decodeRef
// treats sub-32-byte references.
type NodeStore struct {
	nodes map[types.Hash][]byte
}

func newNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[types.Hash][]byte)}
}

// insert records the raw RLP of a node, computing its hash. A second
// insertion under the same hash is only accepted if byte-identical to
// the first.
func (s *NodeStore) insert(raw []byte) (types.Hash, error) {
	hash := types.BytesToHash(crypto.Keccak256(raw))
	if existing, ok := s.nodes[hash]; ok {
		if !bytes.Equal(existing, raw) {
			return types.Hash{}, ErrConflictingNode
		}
		return hash, nil
	}
	s.nodes[hash] = raw
	return hash, nil
}

func (s *NodeStore) get(hash types.Hash) ([]byte, bool) {
	raw, ok := s.nodes[hash]
	return raw, ok
}

// ProvenEntry records what Construct (or a subsequent mutation) proved
// about one key: its value, or that it is excluded.
type ProvenEntry struct {
	Value  []byte
	Exists bool
}

// MultiProof owns, for one root, the node store and the set of proven
// keys (§4.5). It is mutated in place by Update/Insert/Delete as a
// block's transactions execute; the store is append-only, so obsolete
// nodes from before a mutation remain reachable by their old hash.
type MultiProof struct {
	root     types.Hash
	rootNode node
	store    *NodeStore
	oracle   *NodeStore
	proven   map[string]ProvenEntry
}

// Construct verifies every proof in items end-to-end against root and
// merges their nodes into one shared store. Every proof must verify;
// duplicate node insertions across proofs must be byte-identical.
func Construct(root types.Hash, items []MultiProofItem) (*MultiProof, error) {
	mp := &MultiProof{
		root:   root,
		store:  newNodeStore(),
		proven: make(map[string]ProvenEntry, len(items)),
	}

	for _, item := range items {
		if item.Key == nil {
			return nil, ErrProofNilInput
		}
		val, err := verifyAndCollect(root, item.Key, item.Proof, mp.store)
		if err != nil {
			return nil, err
		}
		if item.Value != nil && val != nil && !bytes.Equal(item.Value, val) {
			return nil, ErrMultiProofInvalid
		}
		mp.proven[string(item.Key)] = ProvenEntry{Value: val, Exists: val != nil}
	}

	if root == emptyRoot {
		return mp, nil
	}
	raw, ok := mp.store.get(root)
	if !ok {
		return nil, ErrInsufficientProof
	}
	rootNode, err := decodeNode(hashNode(root[:]), raw)
	if err != nil {
		return nil, err
	}
	mp.rootNode = rootNode
	return mp, nil
}

// AddDeletionOracle verifies and merges a set of exclusion proofs taken
// against the block's post-state root into a second, read-only node
// table. The engine consults this table only when a Delete's upward
// collapse needs a sibling's full node content that the pre-state
// proofs never carried (§4.5, §9).
func (mp *MultiProof) AddDeletionOracle(postStateRoot types.Hash, items []MultiProofItem) error {
	if mp.oracle == nil {
		mp.oracle = newNodeStore()
	}
	for _, item := range items {
		if item.Key == nil {
			return ErrProofNilInput
		}
		if _, err := verifyAndCollect(postStateRoot, item.Key, item.Proof, mp.oracle); err != nil {
			return err
		}
	}
	return nil
}

// Root returns the hash of the current root node.
func (mp *MultiProof) Root() types.Hash {
	return mp.root
}

// Proven reports what Construct or a prior mutation proved about key.
func (mp *MultiProof) Proven(key []byte) (ProvenEntry, bool) {
	e, ok := mp.proven[string(key)]
	return e, ok
}

// Get walks the store from the root along key's nibbles exactly as the
// standalone verifier does. It never fails: an unresolvable reference
// or a path that dead-ends is reported as absent.
func (mp *MultiProof) Get(key []byte) ([]byte, bool) {
	return mp.get(mp.rootNode, keybytesToHex(key))
}

func (mp *MultiProof) get(n node, key []byte) ([]byte, bool) {
	n, err := mp.resolve(n)
	if err != nil {
		return nil, false
	}
	switch nd := n.(type) {
	case nil:
		return nil, false
	case valueNode:
		return []byte(nd), true
	case *shortNode:
		if len(key) < len(nd.Key) || !keysEqual(nd.Key, key[:len(nd.Key)]) {
			return nil, false
		}
		return mp.get(nd.Val, key[len(nd.Key):])
	case *fullNode:
		if len(key) == 0 {
			return mp.get(nd.Children[16], key)
		}
		return mp.get(nd.Children[key[0]], key[1:])
	default:
		return nil, false
	}
}

// resolve decodes a hashNode reference by looking its hash up in the
// primary store, falling back to the deletion oracle. Any other node
// kind (already decoded, possibly inline) passes through unchanged.
func (mp *MultiProof) resolve(n node) (node, error) {
	hn, ok := n.(hashNode)
	if !ok {
		return n, nil
	}
	h := types.BytesToHash(hn)
	if raw, ok := mp.store.get(h); ok {
		return decodeNode(hn, raw)
	}
	if mp.oracle != nil {
		if raw, ok := mp.oracle.get(h); ok {
			return decodeNode(hn, raw)
		}
	}
	return nil, ErrInsufficientProof
}

// Update mutates the leaf at key in place, re-encoding every ancestor
// on the way back to the root (§4.5). key must have been previously
// proven present; otherwise ErrInsufficientProof (or a structural
// error) is returned.
func (mp *MultiProof) Update(key []byte, newValue []byte) error {
	if e, ok := mp.proven[string(key)]; !ok || !e.Exists {
		return ErrInsufficientProof
	}
	newRoot, err := mp.doUpdate(mp.rootNode, keybytesToHex(key), newValue)
	if err != nil {
		return err
	}
	mp.rootNode = newRoot
	mp.commitRoot()
	mp.proven[string(key)] = ProvenEntry{Value: newValue, Exists: true}
	return nil
}

func (mp *MultiProof) doUpdate(n node, key []byte, newValue []byte) (node, error) {
	n, err := mp.resolve(n)
	if err != nil {
		return nil, err
	}
	switch nd := n.(type) {
	case nil:
		return nil, ErrInsufficientProof
	case valueNode:
		return valueNode(newValue), nil
	case *shortNode:
		if len(key) < len(nd.Key) || !keysEqual(nd.Key, key[:len(nd.Key)]) {
			return nil, ErrInsufficientProof
		}
		child, err := mp.doUpdate(nd.Val, key[len(nd.Key):], newValue)
		if err != nil {
			return nil, err
		}
		return &shortNode{Key: nd.Key, Val: child, flags: nodeFlag{dirty: true}}, nil
	case *fullNode:
		nn := nd.copy()
		nn.flags = nodeFlag{dirty: true}
		if len(key) == 0 {
			nn.Children[16] = valueNode(newValue)
			return nn, nil
		}
		child, err := mp.doUpdate(nd.Children[key[0]], key[1:], newValue)
		if err != nil {
			return nil, err
		}
		nn.Children[key[0]] = child
		return nn, nil
	default:
		return nil, ErrProofInvalid
	}
}

// freshInsert builds the node for a key/value pair inserted into what
// was, at this point in the tree, an empty slot: if no nibbles remain
// the value is the node itself, otherwise it is wrapped in a leaf or
// extension carrying the remaining path.
func freshInsert(key []byte, value node) node {
	if len(key) == 0 {
		return value
	}
	return &shortNode{Key: key, Val: value, flags: nodeFlag{dirty: true}}
}

// Insert fills in a key that was previously proven absent (§4.5). The
// four sub-cases -- empty branch slot, extension split, leaf split,
// and the malformed dead-end extension -- are driven by where the
// exclusion walk terminates.
func (mp *MultiProof) Insert(key []byte, value []byte) error {
	newRoot, err := mp.doInsert(mp.rootNode, keybytesToHex(key), value)
	if err != nil {
		return err
	}
	mp.rootNode = newRoot
	mp.commitRoot()
	mp.proven[string(key)] = ProvenEntry{Value: value, Exists: true}
	return nil
}

func (mp *MultiProof) doInsert(n node, key []byte, value []byte) (node, error) {
	n, err := mp.resolve(n)
	if err != nil {
		return nil, err
	}
	switch nd := n.(type) {
	case nil:
		// Exclusion terminated at an empty slot: fill it directly.
		return &shortNode{Key: key, Val: valueNode(value), flags: nodeFlag{dirty: true}}, nil

	case *shortNode:
		matchLen := prefixLen(key, nd.Key)
		if matchLen == len(nd.Key) {
			if hasTerm(nd.Key) {
				// A leaf already answers this exact path: the key
				// was not actually absent.
				return nil, ErrProofInvalid
			}
			if matchLen == len(key) {
				// Extension whose full prefix matches with no
				// nibbles left to descend on: not a valid
				// exclusion shape.
				return nil, ErrProofInvalid
			}
			child, err := mp.doInsert(nd.Val, key[matchLen:], value)
			if err != nil {
				return nil, err
			}
			return &shortNode{Key: nd.Key, Val: child, flags: nodeFlag{dirty: true}}, nil
		}

		// Partial match: split at the common prefix and introduce a
		// branch holding the shortened original node and a fresh
		// leaf for the inserted key.
		branch := &fullNode{flags: nodeFlag{dirty: true}}
		branch.Children[nd.Key[matchLen]] = freshInsert(nd.Key[matchLen+1:], nd.Val)
		branch.Children[key[matchLen]] = freshInsert(key[matchLen+1:], valueNode(value))
		if matchLen > 0 {
			return &shortNode{Key: key[:matchLen], Val: branch, flags: nodeFlag{dirty: true}}, nil
		}
		return branch, nil

	case *fullNode:
		nn := nd.copy()
		nn.flags = nodeFlag{dirty: true}
		if len(key) == 0 {
			if nn.Children[16] != nil {
				return nil, ErrProofInvalid
			}
			nn.Children[16] = valueNode(value)
			return nn, nil
		}
		nibble := key[0]
		if nn.Children[nibble] == nil {
			nn.Children[nibble] = freshInsert(key[1:], valueNode(value))
			return nn, nil
		}
		child, err := mp.doInsert(nn.Children[nibble], key[1:], value)
		if err != nil {
			return nil, err
		}
		nn.Children[nibble] = child
		return nn, nil

	default:
		return nil, ErrProofInvalid
	}
}

// Delete removes key and collapses the upward path (§4.5). The six
// branch-reduces-to-one-child shapes (EBE->E, EBL->L, BBE->BE, BBL->BL,
// EBB->EB, BBB->BEB) all fall out of the same two generic rules: a
// shortNode merges its key with a collapsed shortNode child, and a
// fullNode left with one child becomes a shortNode keyed by that
// child's nibble, merged with the child's own key when the child is a
// shortNode.
//
// The deferred-collapse treatment of an oracle-based grandparent that
// is revisited by a later mutation (§9) is not implemented: a second
// collapse through the same oracle-resolved sibling is treated like
// any other resolution and will fail with ErrInsufficientProof only if
// the oracle does not also cover that later path.
func (mp *MultiProof) Delete(key []byte) error {
	newRoot, err := mp.doDelete(mp.rootNode, keybytesToHex(key))
	if err != nil {
		return err
	}
	mp.rootNode = newRoot
	mp.commitRoot()
	mp.proven[string(key)] = ProvenEntry{Exists: false}
	return nil
}

func (mp *MultiProof) doDelete(n node, key []byte) (node, error) {
	n, err := mp.resolve(n)
	if err != nil {
		return nil, err
	}
	switch nd := n.(type) {
	case nil:
		return nil, nil

	case valueNode:
		if len(key) == 0 {
			return nil, nil
		}
		return nd, nil

	case *shortNode:
		matchLen := prefixLen(key, nd.Key)
		if matchLen < len(nd.Key) {
			// Key not present under this path; nothing to delete.
			return nd, nil
		}
		child, err := mp.doDelete(nd.Val, key[len(nd.Key):])
		if err != nil {
			return nil, err
		}
		switch c := child.(type) {
		case nil:
			return nil, nil
		case *shortNode:
			merged := concat(nd.Key, c.Key)
			return &shortNode{Key: merged, Val: c.Val, flags: nodeFlag{dirty: true}}, nil
		default:
			return &shortNode{Key: nd.Key, Val: child, flags: nodeFlag{dirty: true}}, nil
		}

	case *fullNode:
		nn := nd.copy()
		nn.flags = nodeFlag{dirty: true}
		if len(key) == 0 {
			nn.Children[16] = nil
		} else {
			child, err := mp.doDelete(nn.Children[key[0]], key[1:])
			if err != nil {
				return nil, err
			}
			nn.Children[key[0]] = child
		}
		return mp.collapseFullNode(nn)

	default:
		return nil, ErrProofInvalid
	}
}

// collapseFullNode applies the branch-reduces-to-one-child rule after
// a child slot has been cleared or replaced.
func (mp *MultiProof) collapseFullNode(nn *fullNode) (node, error) {
	remaining := -1
	for i := 0; i < 17; i++ {
		if nn.Children[i] != nil {
			if remaining >= 0 {
				return nn, nil
			}
			remaining = i
		}
	}
	if remaining < 0 {
		return nil, nil
	}
	if remaining == 16 {
		return &shortNode{Key: []byte{terminatorByte}, Val: nn.Children[16], flags: nodeFlag{dirty: true}}, nil
	}

	child, err := mp.resolve(nn.Children[remaining])
	if err != nil {
		return nil, err
	}
	switch c := child.(type) {
	case *shortNode:
		merged := concat([]byte{byte(remaining)}, c.Key)
		return &shortNode{Key: merged, Val: c.Val, flags: nodeFlag{dirty: true}}, nil
	default:
		return &shortNode{Key: []byte{byte(remaining)}, Val: child, flags: nodeFlag{dirty: true}}, nil
	}
}

// commitRoot re-encodes every dirty node on the path to the root,
// storing each one under its new hash (the store is append-only: old
// hashes from before the mutation stay reachable), and updates mp.root.
func (mp *MultiProof) commitRoot() {
	if mp.rootNode == nil {
		mp.root = emptyRoot
		return
	}
	hashed, cached := mp.storeNode(mp.rootNode, true)
	mp.rootNode = cached
	switch h := hashed.(type) {
	case hashNode:
		mp.root = types.BytesToHash(h)
	default:
		enc, _ := encodeNode(hashed)
		mp.root = crypto.Keccak256Hash(enc)
	}
}

// storeNode recursively encodes a node, replacing dirty children with
// their hash (or leaving them inline when the encoding is under 32
// bytes), and records every ≥32-byte encoding in the node store keyed
// by its hash. force hashes the node regardless of its encoded size,
// used for the root.
func (mp *MultiProof) storeNode(n node, force bool) (node, node) {
	switch nd := n.(type) {
	case nil:
		return nil, nil
	case valueNode:
		return nd, nd
	case hashNode:
		return nd, nd
	case *shortNode:
		collapsed := nd.copy()
		collapsed.Key = hexToCompact(nd.Key)
		cached := nd.copy()
		if _, ok := nd.Val.(valueNode); !ok {
			childH, childC := mp.storeNode(nd.Val, false)
			collapsed.Val = childH
			cached.Val = childC
		}
		return mp.finishStore(collapsed, cached, force)
	case *fullNode:
		collapsed := nd.copy()
		cached := nd.copy()
		for i := 0; i < 16; i++ {
			if nd.Children[i] != nil {
				childH, childC := mp.storeNode(nd.Children[i], false)
				collapsed.Children[i] = childH
				cached.Children[i] = childC
			}
		}
		return mp.finishStore(collapsed, cached, force)
	default:
		return n, n
	}
}

func (mp *MultiProof) finishStore(collapsed, cached node, force bool) (node, node) {
	enc, err := encodeNode(collapsed)
	if err != nil {
		return collapsed, cached
	}
	if len(enc) < 32 && !force {
		return collapsed, cached
	}
	hash, _ := mp.store.insert(enc)
	hn := hashNode(hash[:])
	switch c := cached.(type) {
	case *shortNode:
		c.flags.hash = hn
		c.flags.dirty = false
	case *fullNode:
		c.flags.hash = hn
		c.flags.dirty = false
	}
	return hn, cached
}

// verifyAndCollect walks a single-key proof against root exactly as
// VerifyProof does, additionally recording every node reached by hash
// reference (not inline) into store. It is kept separate from
// VerifyProof because the read-only verifier has no reason to collect
// anything; go-ethereum's own trie package keeps proof verification and
// proof-backed trie construction as distinct code paths for the same
// reason.
func verifyAndCollect(root types.Hash, key []byte, proof [][]byte, store *NodeStore) ([]byte, error) {
	if len(proof) == 0 {
		if root == emptyRoot {
			return nil, nil
		}
		return nil, ErrProofInvalid
	}

	hexKey := keybytesToHex(key)
	wantHash := root[:]
	var wantInline []byte

	pos := 0
	for i, encoded := range proof {
		if wantInline != nil {
			if !bytes.Equal(encoded, wantInline) {
				return nil, ErrProofInvalid
			}
			wantInline = nil
		} else {
			nodeHash := crypto.Keccak256(encoded)
			if !bytes.Equal(nodeHash, wantHash) {
				return nil, ErrProofInvalid
			}
			if _, err := store.insert(encoded); err != nil {
				return nil, err
			}
		}

		items, err := decodeRLPList(encoded)
		if err != nil {
			return nil, ErrProofInvalid
		}

		switch len(items) {
		case 2:
			hexNibbles := compactToHex(items[0])
			matchLen := 0
			for matchLen < len(hexNibbles) && pos+matchLen < len(hexKey) {
				if hexNibbles[matchLen] != hexKey[pos+matchLen] {
					break
				}
				matchLen++
			}
			if matchLen < len(hexNibbles) {
				if i == len(proof)-1 {
					return nil, nil
				}
				return nil, ErrProofInvalid
			}
			pos += len(hexNibbles)

			if hasTerm(hexNibbles) {
				if i == len(proof)-1 {
					return items[1], nil
				}
				return nil, ErrProofInvalid
			}
			if i == len(proof)-1 {
				return nil, ErrProofInvalid
			}
			childRef := items[1]
			if len(childRef) == 32 {
				wantHash, wantInline = childRef, nil
			} else {
				wantHash, wantInline = nil, childRef
			}

		case 17:
			if pos >= len(hexKey) {
				return nil, ErrProofInvalid
			}
			nibble := hexKey[pos]
			pos++
			if nibble == terminatorByte {
				val := items[16]
				if len(val) == 0 {
					return nil, nil
				}
				return val, nil
			}
			childRef := items[nibble]
			if len(childRef) == 0 {
				if i == len(proof)-1 {
					return nil, nil
				}
				return nil, ErrProofInvalid
			}
			if i == len(proof)-1 {
				return nil, ErrProofInvalid
			}
			if len(childRef) == 32 {
				wantHash, wantInline = childRef, nil
			} else {
				wantHash, wantInline = nil, childRef
			}

		default:
			return nil, ErrProofInvalid
		}
	}

	return nil, ErrProofInvalid
}
