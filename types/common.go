// Package types defines the fixed-size value types shared across the
// prestate proof pipeline: hashes, addresses, and the account body
// that trie nodes and proof entries are built from.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	HashLength    = 32
	AddressLength = 20
)

// Hash is a 32-byte Keccak-256 digest.
type Hash [HashLength]byte

// Address is a 20-byte account address.
type Address [AddressLength]byte

func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func HexToHash(s string) (Hash, error) {
	b, err := decodeHex(s)
	if err != nil {
		return Hash{}, err
	}
	return BytesToHash(b), nil
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h *Hash) SetBytes(b []byte) { *h = BytesToHash(b) }

func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

func HexToAddress(s string) (Address, error) {
	b, err := decodeHex(s)
	if err != nil {
		return Address{}, err
	}
	return BytesToAddress(b), nil
}

func (a Address) Bytes() []byte { return a[:] }

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == Address{} }

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("types: invalid hex string: %w", err)
	}
	return b, nil
}

// Account is the Merkle-Patricia account body: nonce, unsigned 256-bit
// balance, storage root, and code hash. Balance is a *uint256.Int
// rather than *big.Int because account balances are bounded and
// unsigned (see DESIGN.md).
type Account struct {
	Nonce    uint64
	Balance  *uint256.Int
	Root     Hash
	CodeHash Hash
}

// NewAccount returns an empty account with a zero balance, the empty
// storage root, and the empty-code hash.
func NewAccount() *Account {
	return &Account{
		Balance:  uint256.NewInt(0),
		Root:     EmptyRootHash,
		CodeHash: EmptyCodeHash,
	}
}

var (
	// EmptyRootHash is the root hash of an empty Merkle-Patricia trie:
	// keccak256(rlp("")).
	EmptyRootHash = mustHash("56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")

	// EmptyCodeHash is keccak256(""), the code hash of an account with
	// no associated bytecode.
	EmptyCodeHash = mustHash("c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")
)

func mustHash(s string) Hash {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return BytesToHash(b)
}

var ErrAccountNotFound = errors.New("types: account not found")

// BlockHeader is the subset of header fields this repository needs:
// the pre-state and post-state roots used to check a constructed
// multiproof against, and the fields needed to validate a BLOCKHASH
// access window.
type BlockHeader struct {
	Number     uint64
	ParentHash Hash
	StateRoot  Hash
	Time       uint64
}
