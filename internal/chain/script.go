package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/wire"

	"github.com/ulordpool/gusp/pkg/errors"
)

// AddressToScript converts a base58check P2PKH address into its output script.
func AddressToScript(addr string) ([]byte, error) {
	decoded := base58.Decode(addr)
	if len(decoded) < 25 {
		return nil, errors.New(errors.ErrorTypeValidation, "address_to_script",
			"address decodes to fewer than 25 bytes").WithContext("address", addr)
	}

	pubKeyHash := decoded[1:21]
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14) // OP_DUP OP_HASH160 push20
	script = append(script, pubKeyHash...)
	script = append(script, 0x88, 0xac) // OP_EQUALVERIFY OP_CHECKSIG
	return script, nil
}

// MiningKeyToScript converts a 20-byte hash160 hex string into a P2PKH script.
func MiningKeyToScript(keyHex string) ([]byte, error) {
	keyHash, err := hex.DecodeString(keyHex)
	if err != nil || len(keyHash) != 20 {
		return nil, errors.New(errors.ErrorTypeValidation, "mining_key_to_script",
			"mining key must be 20 bytes of hex").WithContext("key", keyHex)
	}

	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, keyHash...)
	script = append(script, 0x88, 0xac)
	return script, nil
}

// PubKeyToScript converts a compressed public key hex string into a
// pay-to-pubkey script. POS coinbase payouts require this form.
func PubKeyToScript(pubKeyHex string) ([]byte, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubKey) != 33 {
		return nil, errors.New(errors.ErrorTypeValidation, "pubkey_to_script",
			"public key must be 33 bytes of hex").WithContext("pubkey", pubKeyHex)
	}

	script := make([]byte, 0, 35)
	script = append(script, 0x21)
	script = append(script, pubKey...)
	script = append(script, 0xac)
	return script, nil
}

// SerializeNumber encodes a number for use in a coinbase scriptSig.
// Values 1-16 use the small-integer opcodes, everything else is a
// length-prefixed little-endian payload.
func SerializeNumber(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{0x50 + byte(n)}
	}

	buf := make([]byte, 9)
	l := 1
	for n > 0x7f {
		buf[l] = byte(n & 0xff)
		l++
		n >>= 8
	}
	buf[0] = byte(l)
	buf[l] = byte(n)
	l++
	return buf[:l]
}

// SerializeString encodes a varint-length-prefixed string.
func SerializeString(s string) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarInt(&buf, 0, uint64(len(s)))
	buf.WriteString(s)
	return buf.Bytes()
}

// VarIntBytes encodes n as a Bitcoin-style variable length integer.
func VarIntBytes(n uint64) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarInt(&buf, 0, n)
	return buf.Bytes()
}

// PackUint32LE encodes n as 4 little-endian bytes.
func PackUint32LE(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// PackInt32LE encodes n as 4 little-endian bytes.
func PackInt32LE(n int32) []byte {
	return PackUint32LE(uint32(n))
}

// PackInt64LE encodes n as 8 little-endian bytes.
func PackInt64LE(n int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n))
	return b
}
