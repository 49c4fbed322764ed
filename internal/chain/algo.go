package chain

import "math/big"

// Diff1 is the difficulty-1 proof-of-work target
// (0x00000000ffff0000000000000000000000000000000000000000000000000000).
var Diff1 = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// Diff1Float is Diff1 as a float64, used for share difficulty ratios.
var Diff1Float, _ = new(big.Float).SetInt(Diff1).Float64()

// Algorithm bundles the hashing capabilities of a coin. PowHash is the
// authoritative proof-of-work function applied to the 140-byte header.
// BlockHash produces the display hash of a solved block. Multiplier scales
// share difficulty relative to the sha256d difficulty-1 target.
type Algorithm struct {
	Name       string
	Multiplier float64
	PowHash    func(header []byte) []byte
	BlockHash  func(header []byte) []byte
}

// Sha256dAlgorithm returns the double-SHA256 algorithm definition.
func Sha256dAlgorithm() *Algorithm {
	return &Algorithm{
		Name:       "sha256d",
		Multiplier: 1,
		PowHash:    DoubleSha256,
		BlockHash: func(header []byte) []byte {
			return ReverseBytes(DoubleSha256(header))
		},
	}
}
