package chain

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestAddressToScript(t *testing.T) {
	script, err := AddressToScript("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err != nil {
		t.Fatalf("AddressToScript() error = %v", err)
	}

	if len(script) != 25 {
		t.Errorf("script length = %d, want 25", len(script))
	}
	if !bytes.Equal(script[:3], []byte{0x76, 0xa9, 0x14}) {
		t.Errorf("script prefix = %x", script[:3])
	}
	if !bytes.Equal(script[23:], []byte{0x88, 0xac}) {
		t.Errorf("script suffix = %x", script[23:])
	}
}

func TestAddressToScriptInvalid(t *testing.T) {
	if _, err := AddressToScript("short"); err == nil {
		t.Error("expected error for undecodable address")
	}
}

func TestMiningKeyToScript(t *testing.T) {
	key := "62e907b15cbf27d5425399ebf6f0fb50ebb88f18"
	script, err := MiningKeyToScript(key)
	if err != nil {
		t.Fatalf("MiningKeyToScript() error = %v", err)
	}

	keyHash, _ := hex.DecodeString(key)
	if !bytes.Equal(script[3:23], keyHash) {
		t.Errorf("script does not embed key hash: %x", script)
	}
}

func TestPubKeyToScript(t *testing.T) {
	pubKey := "02" + "aa" + "bb" // wrong length on purpose
	if _, err := PubKeyToScript(pubKey); err == nil {
		t.Error("expected error for short public key")
	}

	valid := "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	script, err := PubKeyToScript(valid)
	if err != nil {
		t.Fatalf("PubKeyToScript() error = %v", err)
	}
	if len(script) != 35 || script[0] != 0x21 || script[34] != 0xac {
		t.Errorf("unexpected script: %x", script)
	}
}

func TestSerializeNumber(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		want []byte
	}{
		{"small integer opcode", 5, []byte{0x55}},
		{"sixteen", 16, []byte{0x60}},
		{"single byte", 100, []byte{0x01, 0x64}},
		{"two bytes", 0x1234, []byte{0x02, 0x34, 0x12}},
		{"block height", 500000, []byte{0x03, 0x20, 0xa1, 0x07}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SerializeNumber(tt.n); !bytes.Equal(got, tt.want) {
				t.Errorf("SerializeNumber(%d) = %x, want %x", tt.n, got, tt.want)
			}
		})
	}
}

func TestSerializeString(t *testing.T) {
	got := SerializeString("/pool/")
	want := append([]byte{6}, []byte("/pool/")...)
	if !bytes.Equal(got, want) {
		t.Errorf("SerializeString() = %x, want %x", got, want)
	}
}

func TestVarIntBytes(t *testing.T) {
	tests := []struct {
		n    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{252, []byte{0xfc}},
		{253, []byte{0xfd, 0xfd, 0x00}},
		{0x10000, []byte{0xfe, 0x00, 0x00, 0x01, 0x00}},
	}

	for _, tt := range tests {
		if got := VarIntBytes(tt.n); !bytes.Equal(got, tt.want) {
			t.Errorf("VarIntBytes(%d) = %x, want %x", tt.n, got, tt.want)
		}
	}
}

func TestPackLittleEndian(t *testing.T) {
	if got := PackUint32LE(0xdeadbeef); !bytes.Equal(got, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("PackUint32LE() = %x", got)
	}
	if got := PackInt64LE(1); !bytes.Equal(got, []byte{1, 0, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("PackInt64LE() = %x", got)
	}
}
