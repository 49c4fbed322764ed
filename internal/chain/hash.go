// Package chain implements block templates, coinbase construction and the
// hashing primitives for the Ulord chain.
package chain

import (
	"math/big"

	sha256 "github.com/minio/sha256-simd"
)

// DoubleSha256 computes SHA256(SHA256(data)).
func DoubleSha256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns a new slice with the bytes of b in reverse order.
// Used to flip between display (big-endian) and wire (little-endian) order.
func ReverseBytes(b []byte) []byte {
	reversed := make([]byte, len(b))
	for i, v := range b {
		reversed[len(b)-1-i] = v
	}
	return reversed
}

// LittleEndianToBig interprets b as a little-endian unsigned integer.
func LittleEndianToBig(b []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytes(b))
}
