package access

import (
	"math/big"
	"testing"

	"github.com/blockwitness/prestate/rpcsource"
	"github.com/blockwitness/prestate/types"
)

func mustAddr(t *testing.T, s string) types.Address {
	t.Helper()
	a, err := types.HexToAddress(s)
	if err != nil {
		t.Fatalf("HexToAddress(%q): %v", s, err)
	}
	return a
}

func mustHash(t *testing.T, s string) types.Hash {
	t.Helper()
	h, err := types.HexToHash(s)
	if err != nil {
		t.Fatalf("HexToHash(%q): %v", s, err)
	}
	return h
}

func TestDiscoverFirstObservationWins(t *testing.T) {
	addr := mustAddr(t, "0x1111")
	slot := mustHash(t, "0x01")

	prestate := rpcsource.BlockPrestate{
		{
			addr: rpcsource.PrestateAccount{
				Balance: big.NewInt(100),
				Storage: map[types.Hash]types.Hash{slot: mustHash(t, "0xaa")},
			},
		},
		{
			addr: rpcsource.PrestateAccount{
				Balance: big.NewInt(999), // later tx touches the same address again
				Storage: map[types.Hash]types.Hash{slot: mustHash(t, "0xbb")},
			},
		},
	}

	d, err := Discover(100, prestate, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(d.Addresses) != 1 {
		t.Fatalf("expected 1 discovered address, got %d", len(d.Addresses))
	}
	if d.Addresses[0].Address != addr {
		t.Fatalf("address mismatch")
	}
	if len(d.Addresses[0].StorageKeys) != 1 || d.Addresses[0].StorageKeys[0] != slot {
		t.Fatalf("expected single storage key %x, got %v", slot, d.Addresses[0].StorageKeys)
	}
}

func TestDiscoverRecordsCodeHashOnce(t *testing.T) {
	addr := mustAddr(t, "0x2222")
	code := []byte{0x60, 0x00, 0x60, 0x00}

	prestate := rpcsource.BlockPrestate{
		{addr: rpcsource.PrestateAccount{Code: code}},
	}

	d, err := Discover(50, prestate, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.Addresses[0].CodeHash.IsZero() {
		t.Fatal("expected code hash to be recorded")
	}
}

func TestDiscoverBlockHashWindow(t *testing.T) {
	// block 300's valid BLOCKHASH window is [44, 299].
	_, err := Discover(300, nil, []BlockHashObservation{
		{Number: 43, Hash: mustHash(t, "0x01")},
	})
	if err == nil {
		t.Fatal("expected error for out-of-window block number")
	}

	_, err = Discover(300, nil, []BlockHashObservation{
		{Number: 300, Hash: mustHash(t, "0x01")},
	})
	if err == nil {
		t.Fatal("expected error for current block number (must be strictly before)")
	}

	d, err := Discover(300, nil, []BlockHashObservation{
		{Number: 44, Hash: mustHash(t, "0x01")},
		{Number: 299, Hash: mustHash(t, "0x02")},
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(d.BlockHashes) != 2 {
		t.Fatalf("expected 2 block hash observations, got %d", len(d.BlockHashes))
	}
}

func TestDiscoverBlockHashConflict(t *testing.T) {
	_, err := Discover(300, nil, []BlockHashObservation{
		{Number: 44, Hash: mustHash(t, "0x01")},
		{Number: 44, Hash: mustHash(t, "0x02")},
	})
	if err == nil {
		t.Fatal("expected error for conflicting observations of the same block number")
	}
}

func TestDiscoverBlockHashDedup(t *testing.T) {
	d, err := Discover(300, nil, []BlockHashObservation{
		{Number: 44, Hash: mustHash(t, "0x01")},
		{Number: 44, Hash: mustHash(t, "0x01")},
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(d.BlockHashes) != 1 {
		t.Fatalf("expected repeated identical observation to dedup, got %d", len(d.BlockHashes))
	}
}
