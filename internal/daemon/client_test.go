package daemon

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ulordpool/gusp/internal/chain"
)

func TestCheckSubmitResult(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		wantErr bool
	}{
		{name: "null is accepted", result: `null`},
		{name: "empty is accepted", result: ``},
		{name: "rejected", result: `"rejected"`, wantErr: true},
		{name: "high-hash", result: `"high-hash"`, wantErr: true},
		{name: "empty string is accepted", result: `""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkSubmitResult(json.RawMessage(tt.result))
			if (err != nil) != tt.wantErr {
				t.Errorf("checkSubmitResult(%s) error = %v, wantErr %v", tt.result, err, tt.wantErr)
			}
		})
	}
}

func TestParseHashBlockMessage(t *testing.T) {
	hash := make([]byte, 32)
	hash[0] = 0xab // becomes the last byte once reversed

	got, err := parseHashBlockMessage([][]byte{[]byte("hashblock"), hash})
	if err != nil {
		t.Fatalf("parseHashBlockMessage() error = %v", err)
	}
	if !strings.HasSuffix(got, "ab") || len(got) != 64 {
		t.Errorf("hash = %s", got)
	}
	if got != hex.EncodeToString(chain.ReverseBytes(hash)) {
		t.Errorf("hash not byte-reversed: %s", got)
	}
}

func TestParseHashBlockMessageRejects(t *testing.T) {
	tests := []struct {
		name string
		msg  [][]byte
	}{
		{name: "too few parts", msg: [][]byte{[]byte("hashblock")}},
		{name: "wrong topic", msg: [][]byte{[]byte("hashtx"), make([]byte, 32)}},
		{name: "short hash", msg: [][]byte{[]byte("hashblock"), make([]byte, 16)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseHashBlockMessage(tt.msg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestHasSubmitMethodDefaultsTrue(t *testing.T) {
	c := &Client{}
	if !c.HasSubmitMethod() {
		t.Error("unprobed client must default to submitblock")
	}

	c.submitMu.Lock()
	c.submitProbed = true
	c.hasSubmitMethod = false
	c.submitMu.Unlock()

	if c.HasSubmitMethod() {
		t.Error("probe result ignored")
	}
}
