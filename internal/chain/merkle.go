package chain

// MerkleTree precomputes the branch hashes ("steps") needed to fold a
// coinbase transaction hash into the merkle root of a block template.
// Leaves are little-endian transaction hashes with a nil placeholder at
// index 0 standing in for the not-yet-known coinbase hash.
type MerkleTree struct {
	steps [][]byte
}

// NewMerkleTree builds the step list for the given leaves.
func NewMerkleTree(leaves [][]byte) *MerkleTree {
	return &MerkleTree{steps: calculateSteps(leaves)}
}

// Steps returns the precomputed branch hashes.
func (t *MerkleTree) Steps() [][]byte {
	return t.steps
}

// WithFirst folds first (the coinbase hash) through the precomputed steps
// and returns the merkle root in little-endian order.
func (t *MerkleTree) WithFirst(first []byte) []byte {
	root := first
	for _, step := range t.steps {
		combined := make([]byte, 0, len(root)+len(step))
		combined = append(combined, root...)
		combined = append(combined, step...)
		root = DoubleSha256(combined)
	}
	return root
}

func merkleJoin(h1, h2 []byte) []byte {
	joined := make([]byte, 0, len(h1)+len(h2))
	joined = append(joined, h1...)
	joined = append(joined, h2...)
	return DoubleSha256(joined)
}

func calculateSteps(leaves [][]byte) [][]byte {
	var steps [][]byte

	level := leaves
	for len(level) > 1 {
		steps = append(steps, level[1])

		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		// Index 0 carries the placeholder down to the next level; the
		// real first element of each level only exists once WithFirst
		// supplies the coinbase hash.
		next := [][]byte{nil}
		for i := 2; i < len(level); i += 2 {
			next = append(next, merkleJoin(level[i], level[i+1]))
		}
		level = next
	}

	return steps
}
