package chain

import (
	"encoding/hex"
	"math/big"

	"github.com/ulordpool/gusp/pkg/errors"
)

// TargetFromBits decodes a compact-encoded ("bits") difficulty target.
func TargetFromBits(bitsHex string) (*big.Int, error) {
	raw, err := hex.DecodeString(bitsHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "target_from_bits",
			"invalid bits hex").WithContext("bits", bitsHex)
	}
	if len(raw) != 4 {
		return nil, errors.New(errors.ErrorTypeValidation, "target_from_bits",
			"bits must be 4 bytes").WithContext("bits", bitsHex)
	}

	exponent := int(raw[0])
	mantissa := new(big.Int).SetBytes(raw[1:])

	if exponent <= 3 {
		return mantissa.Rsh(mantissa, uint(8*(3-exponent))), nil
	}
	return mantissa.Lsh(mantissa, uint(8*(exponent-3))), nil
}

// TargetFromHex decodes a full 256-bit target from its hex representation.
func TargetFromHex(targetHex string) (*big.Int, error) {
	target, ok := new(big.Int).SetString(targetHex, 16)
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "target_from_hex",
			"invalid target hex").WithContext("target", targetHex)
	}
	return target, nil
}

// DifficultyFromTarget returns the difficulty corresponding to a target,
// relative to the difficulty-1 target.
func DifficultyFromTarget(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	diff, _ := new(big.Float).Quo(
		new(big.Float).SetInt(Diff1),
		new(big.Float).SetInt(target),
	).Float64()
	return diff
}
