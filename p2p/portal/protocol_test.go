package portal

import (
	"testing"

	"github.com/blockwitness/prestate/types"
)

func TestBlockPrestateKeyRoundTrip(t *testing.T) {
	h, _ := types.HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	key := BlockPrestateKey{BlockHash: h}

	enc := key.Encode()
	if len(enc) != 33 {
		t.Fatalf("encoded key length = %d, want 33", len(enc))
	}
	if enc[0] != ContentKeyBlockPrestate {
		t.Fatalf("selector byte = %x, want %x", enc[0], ContentKeyBlockPrestate)
	}

	decoded, err := DecodeBlockPrestateKey(enc)
	if err != nil {
		t.Fatalf("DecodeBlockPrestateKey: %v", err)
	}
	if decoded.BlockHash != h {
		t.Fatalf("decoded hash = %s, want %s", decoded.BlockHash, h)
	}
}

func TestDecodeBlockPrestateKeyErrors(t *testing.T) {
	if _, err := DecodeBlockPrestateKey(nil); err != ErrInvalidContentKey {
		t.Fatalf("expected ErrInvalidContentKey for empty input, got %v", err)
	}
	bad := make([]byte, 33)
	bad[0] = 0x01
	if _, err := DecodeBlockPrestateKey(bad); err != ErrInvalidContentKey {
		t.Fatalf("expected ErrInvalidContentKey for wrong selector, got %v", err)
	}
}

func TestComputeContentIDDeterministic(t *testing.T) {
	h, _ := types.HexToHash("0xaa")
	key := BlockPrestateKey{BlockHash: h}.Encode()

	id1 := ComputeContentID(key)
	id2 := ComputeContentID(key)
	if id1 != id2 {
		t.Fatalf("ComputeContentID is not deterministic: %x != %x", id1, id2)
	}
	if id1.IsZero() {
		t.Fatalf("content id should not be zero")
	}
}

func TestDistanceSelfIsZero(t *testing.T) {
	var a [32]byte
	a[0] = 0xff
	if d := Distance(a, a); d.Sign() != 0 {
		t.Fatalf("Distance(a, a) = %v, want 0", d)
	}
	if ld := LogDistance(a, a); ld != 0 {
		t.Fatalf("LogDistance(a, a) = %d, want 0", ld)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	var a, b [32]byte
	a[0], a[31] = 0x12, 0x34
	b[0], b[31] = 0x56, 0x78

	if Distance(a, b).Cmp(Distance(b, a)) != 0 {
		t.Fatalf("Distance is not symmetric")
	}
}

func TestLogDistanceMonotonic(t *testing.T) {
	var a, near, far [32]byte
	a[31] = 0x01
	near[31] = 0x00
	far[0] = 0xff

	if LogDistance(a, near) >= LogDistance(a, far) {
		t.Fatalf("expected a flipped high byte to be a larger log-distance than a flipped low bit")
	}
}
