package chain

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestDoubleSha256(t *testing.T) {
	got := hex.EncodeToString(DoubleSha256([]byte("hello")))
	want := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"
	if got != want {
		t.Errorf("DoubleSha256() = %s, want %s", got, want)
	}
}

func TestReverseBytes(t *testing.T) {
	original := []byte{1, 2, 3, 4}
	reversed := ReverseBytes(original)

	if !bytes.Equal(reversed, []byte{4, 3, 2, 1}) {
		t.Errorf("ReverseBytes() = %v", reversed)
	}
	if !bytes.Equal(original, []byte{1, 2, 3, 4}) {
		t.Error("ReverseBytes() modified its input")
	}
}

func TestMerkleTreeCoinbaseOnly(t *testing.T) {
	// With no other transactions the merkle root is the coinbase hash.
	tree := NewMerkleTree([][]byte{nil})

	if len(tree.Steps()) != 0 {
		t.Fatalf("expected no steps, got %d", len(tree.Steps()))
	}

	coinbaseHash := DoubleSha256([]byte("coinbase"))
	root := tree.WithFirst(coinbaseHash)
	if !bytes.Equal(root, coinbaseHash) {
		t.Error("single-leaf root should equal the coinbase hash")
	}
}

func TestMerkleTreeWithFirst(t *testing.T) {
	txHash := DoubleSha256([]byte("tx1"))
	tree := NewMerkleTree([][]byte{nil, txHash})

	if len(tree.Steps()) != 1 {
		t.Fatalf("expected 1 step, got %d", len(tree.Steps()))
	}

	coinbaseHash := DoubleSha256([]byte("coinbase"))
	root := tree.WithFirst(coinbaseHash)

	want := DoubleSha256(append(append([]byte{}, coinbaseHash...), txHash...))
	if !bytes.Equal(root, want) {
		t.Errorf("root = %x, want %x", root, want)
	}
}

// buildMerkleRoot computes the root of a full tree bottom-up, duplicating
// the last hash on odd levels. Reference for the cached-steps fold.
func buildMerkleRoot(leaves [][]byte) []byte {
	level := append([][]byte{}, leaves...)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, DoubleSha256(append(append([]byte{}, level[i]...), level[i+1]...)))
		}
		level = next
	}
	return level[0]
}

func TestMerkleTreeMatchesFullRebuild(t *testing.T) {
	coinbaseHash := DoubleSha256([]byte("coinbase"))

	for _, txCount := range []int{1, 2, 3, 6, 13} {
		leaves := [][]byte{nil}
		full := [][]byte{coinbaseHash}
		for i := 1; i <= txCount; i++ {
			h := DoubleSha256([]byte{byte(i)})
			leaves = append(leaves, h)
			full = append(full, h)
		}

		root := NewMerkleTree(leaves).WithFirst(coinbaseHash)
		want := buildMerkleRoot(full)
		if !bytes.Equal(root, want) {
			t.Errorf("%d txs: steps-based root = %x, full rebuild = %x", txCount, root, want)
		}
	}
}

func TestMerkleTreeStepCounts(t *testing.T) {
	tests := []struct {
		name      string
		leafCount int // including the nil coinbase placeholder
		wantSteps int
	}{
		{"coinbase only", 1, 0},
		{"one tx", 2, 1},
		{"two txs", 3, 2},
		{"three txs", 4, 2},
		{"six txs", 7, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaves := [][]byte{nil}
			for i := 1; i < tt.leafCount; i++ {
				leaves = append(leaves, DoubleSha256([]byte{byte(i)}))
			}

			tree := NewMerkleTree(leaves)
			if got := len(tree.Steps()); got != tt.wantSteps {
				t.Errorf("steps = %d, want %d", got, tt.wantSteps)
			}

			root := tree.WithFirst(DoubleSha256([]byte("coinbase")))
			if len(root) != 32 {
				t.Errorf("root length = %d, want 32", len(root))
			}
		})
	}
}
