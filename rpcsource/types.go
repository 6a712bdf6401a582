// Package rpcsource is the only package in this repository that imports
// go-ethereum directly. It adapts go-ethereum's wire types to this
// repository's own fixed-size value types, and defines the boundary
// this repository calls against for eth_getBlockByNumber,
// debug_traceBlockByNumber (prestate tracer), and eth_getProof.
// DialContext opens the JSON-RPC connection; retries and batching are
// not implemented here.
package rpcsource

import (
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/blockwitness/prestate/types"
)

// ToGethAddress converts this repository's Address to a go-ethereum Address.
func ToGethAddress(a types.Address) gethcommon.Address {
	return gethcommon.Address(a)
}

// FromGethAddress converts a go-ethereum Address to this repository's Address.
func FromGethAddress(a gethcommon.Address) types.Address {
	return types.Address(a)
}

// ToGethHash converts this repository's Hash to a go-ethereum Hash.
func ToGethHash(h types.Hash) gethcommon.Hash {
	return gethcommon.Hash(h)
}

// FromGethHash converts a go-ethereum Hash to this repository's Hash.
func FromGethHash(h gethcommon.Hash) types.Hash {
	return types.Hash(h)
}

// ToUint256 converts *big.Int to *uint256.Int for balance fields read
// back from go-ethereum's JSON-RPC types.
func ToUint256(b *big.Int) *uint256.Int {
	if b == nil {
		return new(uint256.Int)
	}
	u, _ := uint256.FromBig(b)
	return u
}

// FromUint256 converts *uint256.Int to *big.Int, for building requests
// that go-ethereum's client expects in big.Int form.
func FromUint256(u *uint256.Int) *big.Int {
	if u == nil {
		return new(big.Int)
	}
	return u.ToBig()
}
