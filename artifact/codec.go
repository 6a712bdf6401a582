package artifact

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"

	"github.com/blockwitness/prestate/ssz"
	"github.com/blockwitness/prestate/types"
)

// blockHashEntrySize is the encoded size of one fixed BlockHashEntry:
// an 8-byte big-endian block number followed by a 32-byte hash.
const blockHashEntrySize = 8 + types.HashLength

// Encode serializes an artifact as an SSZ container compressed with
// Snappy's block format (snappy.Encode); the Snappy framing format is
// not used. The six top-level lists are sorted first so two producers
// given the same inputs emit identical bytes.
func Encode(a *Artifact) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	a.SortForDeterminism()

	accountProofsField, err := marshalVariableList(marshalAll(a.AccountProofs, marshalAccountProofEntry))
	if err != nil {
		return nil, err
	}
	contractsField := marshalVariableListBytes(a.Contracts)
	accountNodesField := marshalVariableListBytes(a.AccountNodes)
	storageNodesField := marshalVariableListBytes(a.StorageNodes)
	blockHashesField := marshalBlockHashes(a.BlockHashes)
	deletionOracleField, err := marshalVariableList(marshalAll(a.DeletionOracleProofs, marshalAccountProofEntry))
	if err != nil {
		return nil, err
	}

	fixedParts := make([][]byte, 6)
	variableParts := [][]byte{accountProofsField, contractsField, accountNodesField, storageNodesField, blockHashesField, deletionOracleField}
	variableIndices := []int{0, 1, 2, 3, 4, 5}

	encoded := ssz.MarshalVariableContainer(fixedParts, variableParts, variableIndices)
	return snappy.Encode(nil, encoded), nil
}

// Decode reverses Encode: it decompresses the Snappy block, parses the SSZ
// container, and validates every size bound before returning.
func Decode(data []byte) (*Artifact, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("artifact: snappy decode: %w", err)
	}

	fields, err := ssz.UnmarshalVariableContainer(raw, 6, []int{0, 0, 0, 0, 0, 0})
	if err != nil {
		return nil, fmt.Errorf("artifact: top-level container: %w", err)
	}

	accountProofBytes, err := unmarshalVariableList(fields[0])
	if err != nil {
		return nil, fmt.Errorf("artifact: account proofs: %w", err)
	}
	accountProofs := make([]AccountProofEntry, len(accountProofBytes))
	for i, b := range accountProofBytes {
		e, err := unmarshalAccountProofEntry(b)
		if err != nil {
			return nil, fmt.Errorf("artifact: account proof %d: %w", i, err)
		}
		accountProofs[i] = e
	}

	contracts, err := unmarshalVariableList(fields[1])
	if err != nil {
		return nil, fmt.Errorf("artifact: contracts: %w", err)
	}
	accountNodes, err := unmarshalVariableList(fields[2])
	if err != nil {
		return nil, fmt.Errorf("artifact: account nodes: %w", err)
	}
	storageNodes, err := unmarshalVariableList(fields[3])
	if err != nil {
		return nil, fmt.Errorf("artifact: storage nodes: %w", err)
	}
	blockHashes, err := unmarshalBlockHashes(fields[4])
	if err != nil {
		return nil, fmt.Errorf("artifact: block hashes: %w", err)
	}

	deletionOracleBytes, err := unmarshalVariableList(fields[5])
	if err != nil {
		return nil, fmt.Errorf("artifact: deletion oracle proofs: %w", err)
	}
	deletionOracleProofs := make([]AccountProofEntry, len(deletionOracleBytes))
	for i, b := range deletionOracleBytes {
		e, err := unmarshalAccountProofEntry(b)
		if err != nil {
			return nil, fmt.Errorf("artifact: deletion oracle proof %d: %w", i, err)
		}
		deletionOracleProofs[i] = e
	}

	a := &Artifact{
		AccountProofs:        accountProofs,
		Contracts:            contracts,
		AccountNodes:         accountNodes,
		StorageNodes:         storageNodes,
		BlockHashes:          blockHashes,
		DeletionOracleProofs: deletionOracleProofs,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func marshalAll[T any](items []T, f func(T) []byte) [][]byte {
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = f(it)
	}
	return out
}

func marshalAccountProofEntry(e AccountProofEntry) []byte {
	indices := marshalIndices(e.NodeIndices)
	storageProofs, _ := marshalVariableList(marshalAll(e.StorageProofs, marshalStorageProofEntry))

	fixedParts := [][]byte{
		e.Address[:],
		nil,
		e.CodeHash[:],
		nil,
		e.StorageHash[:],
		nil,
		nil,
	}
	variableParts := [][]byte{e.Balance, e.Nonce, indices, storageProofs}
	variableIndices := []int{1, 3, 5, 6}
	return ssz.MarshalVariableContainer(fixedParts, variableParts, variableIndices)
}

func unmarshalAccountProofEntry(data []byte) (AccountProofEntry, error) {
	fields, err := ssz.UnmarshalVariableContainer(data, 7, []int{types.AddressLength, 0, types.HashLength, 0, types.HashLength, 0, 0})
	if err != nil {
		return AccountProofEntry{}, err
	}
	var e AccountProofEntry
	copy(e.Address[:], fields[0])
	e.Balance = append([]byte(nil), fields[1]...)
	copy(e.CodeHash[:], fields[2])
	e.Nonce = append([]byte(nil), fields[3]...)
	copy(e.StorageHash[:], fields[4])

	e.NodeIndices, err = unmarshalIndices(fields[5])
	if err != nil {
		return AccountProofEntry{}, err
	}

	spBytes, err := unmarshalVariableList(fields[6])
	if err != nil {
		return AccountProofEntry{}, err
	}
	e.StorageProofs = make([]StorageProofEntry, len(spBytes))
	for i, b := range spBytes {
		sp, err := unmarshalStorageProofEntry(b)
		if err != nil {
			return AccountProofEntry{}, fmt.Errorf("storage proof %d: %w", i, err)
		}
		e.StorageProofs[i] = sp
	}
	return e, nil
}

func marshalStorageProofEntry(e StorageProofEntry) []byte {
	fixedParts := [][]byte{e.Key[:], nil, nil}
	variableParts := [][]byte{e.Value, marshalIndices(e.NodeIndices)}
	variableIndices := []int{1, 2}
	return ssz.MarshalVariableContainer(fixedParts, variableParts, variableIndices)
}

func unmarshalStorageProofEntry(data []byte) (StorageProofEntry, error) {
	fields, err := ssz.UnmarshalVariableContainer(data, 3, []int{types.HashLength, 0, 0})
	if err != nil {
		return StorageProofEntry{}, err
	}
	var sp StorageProofEntry
	copy(sp.Key[:], fields[0])
	sp.Value = append([]byte(nil), fields[1]...)
	sp.NodeIndices, err = unmarshalIndices(fields[2])
	if err != nil {
		return StorageProofEntry{}, err
	}
	return sp, nil
}

func marshalBlockHashes(entries []BlockHashEntry) []byte {
	elems := make([][]byte, len(entries))
	for i, e := range entries {
		buf := make([]byte, blockHashEntrySize)
		binary.BigEndian.PutUint64(buf[:8], e.Number)
		copy(buf[8:], e.Hash[:])
		elems[i] = buf
	}
	return ssz.MarshalList(elems)
}

func unmarshalBlockHashes(data []byte) ([]BlockHashEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	elems, err := ssz.UnmarshalList(data, blockHashEntrySize)
	if err != nil {
		return nil, err
	}
	out := make([]BlockHashEntry, len(elems))
	for i, e := range elems {
		out[i].Number = binary.BigEndian.Uint64(e[:8])
		copy(out[i].Hash[:], e[8:])
	}
	return out, nil
}

// marshalIndices encodes a node-index list as big-endian uint16s -- a
// deliberate departure from the little-endian integers the rest of
// the ssz package's primitives use for consensus-layer SSZ types.
func marshalIndices(indices []uint16) []byte {
	buf := make([]byte, 2*len(indices))
	for i, idx := range indices {
		binary.BigEndian.PutUint16(buf[2*i:2*i+2], idx)
	}
	return buf
}

func unmarshalIndices(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, ssz.ErrSize
	}
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return out, nil
}

// marshalVariableListBytes is marshalVariableList specialized for raw
// byte slices (contracts, account nodes, storage nodes), which never
// fails.
func marshalVariableListBytes(items [][]byte) []byte {
	out, _ := marshalVariableList(items)
	return out
}

// marshalVariableList encodes a List[VariableSizeType, N] the way SSZ
// treats it: structurally identical to a container whose every field
// is variable-size, one offset per element. The teacher's ssz package
// provides MarshalVariableContainer for mixed fixed/variable
// containers but no named helper for this "all-variable list" shape,
// so this adapts it by marking every index as variable.
func marshalVariableList(items [][]byte) ([]byte, error) {
	fixedParts := make([][]byte, len(items))
	variableIndices := make([]int, len(items))
	for i := range items {
		variableIndices[i] = i
	}
	return ssz.MarshalVariableContainer(fixedParts, items, variableIndices), nil
}

// unmarshalVariableList reverses marshalVariableList. The element
// count is not stored explicitly -- as in SSZ, it is recovered from
// the first offset, since every element contributes exactly one
// 4-byte offset.
func unmarshalVariableList(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < ssz.BytesPerLengthOffset {
		return nil, ssz.ErrBufferTooSmall
	}
	firstOffset := binary.LittleEndian.Uint32(data[:ssz.BytesPerLengthOffset])
	if firstOffset%ssz.BytesPerLengthOffset != 0 {
		return nil, ssz.ErrOffset
	}
	n := int(firstOffset) / ssz.BytesPerLengthOffset
	if n*ssz.BytesPerLengthOffset > len(data) {
		return nil, ssz.ErrBufferTooSmall
	}
	offsets := make([]uint32, n)
	for i := 0; i < n; i++ {
		offsets[i] = binary.LittleEndian.Uint32(data[i*ssz.BytesPerLengthOffset : (i+1)*ssz.BytesPerLengthOffset])
	}
	elements := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := int(offsets[i])
		end := len(data)
		if i+1 < n {
			end = int(offsets[i+1])
		}
		if start > end || end > len(data) {
			return nil, ssz.ErrOffset
		}
		elements[i] = data[start:end]
	}
	return elements, nil
}
