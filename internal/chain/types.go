package chain

import (
	"github.com/ulordpool/gusp/pkg/errors"
)

// RewardKind selects proof-of-work or proof-of-stake coinbase rules.
type RewardKind string

const (
	// RewardPOW is the standard proof-of-work reward scheme
	RewardPOW RewardKind = "POW"
	// RewardPOS requires a transaction timestamp and a trailing zero
	// signature byte on serialized blocks
	RewardPOS RewardKind = "POS"
)

// Recipient is a fee recipient paid a fraction of the remaining block reward.
type Recipient struct {
	Script   []byte
	Fraction float64
}

// CoinbaseAux carries the aux flags the daemon wants in the coinbase scriptSig.
type CoinbaseAux struct {
	Flags string `json:"flags"`
}

// TemplateTx is one pending transaction in a block template.
type TemplateTx struct {
	Data string `json:"data"`
	TxID string `json:"txid,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// PayeeOutput is a daemon-mandated payout (masternode or superblock).
type PayeeOutput struct {
	Payee  string `json:"payee"`
	Amount int64  `json:"amount"`
	Script string `json:"script,omitempty"`
}

// FounderOutput is the founder payout carried in Ulord block templates.
type FounderOutput struct {
	Payee  string `json:"foundpayee"`
	Amount int64  `json:"foundamount"`
	Script string `json:"foundscript,omitempty"`
}

// RawTemplate is the daemon's getblocktemplate response.
type RawTemplate struct {
	Version                  int32         `json:"version"`
	PreviousBlockHash        string        `json:"previousblockhash"`
	Height                   int64         `json:"height"`
	Bits                     string        `json:"bits"`
	Target                   string        `json:"target,omitempty"`
	CurTime                  uint32        `json:"curtime"`
	CoinbaseValue            int64         `json:"coinbasevalue"`
	CoinbaseAux              CoinbaseAux   `json:"coinbaseaux"`
	ClaimTrie                string        `json:"claimtrie"`
	Transactions             []TemplateTx  `json:"transactions"`
	DefaultWitnessCommitment string        `json:"default_witness_commitment,omitempty"`
	Founder                  FounderOutput `json:"Foundnode"`
	Masternode               PayeeOutput   `json:"masternode"`
	Superblock               []PayeeOutput `json:"superblock"`
}

// Validate checks the template fields required to build a job.
func (t *RawTemplate) Validate() error {
	op := "validate_template"
	switch {
	case len(t.PreviousBlockHash) != 64:
		return errors.New(errors.ErrorTypeValidation, op,
			"previousblockhash must be 32 bytes of hex")
	case len(t.ClaimTrie) != 64:
		return errors.New(errors.ErrorTypeValidation, op,
			"claimtrie must be 32 bytes of hex")
	case t.Height <= 0:
		return errors.New(errors.ErrorTypeValidation, op, "height must be positive")
	case t.Bits == "" && t.Target == "":
		return errors.New(errors.ErrorTypeValidation, op, "template has no target or bits")
	case t.CurTime == 0:
		return errors.New(errors.ErrorTypeValidation, op, "curtime is zero")
	case t.CoinbaseValue <= 0:
		return errors.New(errors.ErrorTypeValidation, op, "coinbasevalue must be positive")
	}
	return nil
}
