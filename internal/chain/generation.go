package chain

import (
	"bytes"
	"encoding/hex"
	"math"
	"time"

	"github.com/ulordpool/gusp/pkg/errors"
)

// GenerationParams configures coinbase transaction construction.
type GenerationParams struct {
	// PoolScript receives the remaining block reward.
	PoolScript []byte
	// Reward selects POW or POS coinbase rules.
	Reward RewardKind
	// TxMessages enables the transaction comment (tx version 2).
	TxMessages bool
	// CoinbaseTag is embedded in the second scriptSig half.
	CoinbaseTag string
	// CoinbaseComment is the transaction comment when TxMessages is set.
	CoinbaseComment string
	// Recipients are paid a fraction of the reward remaining after
	// daemon-mandated payouts.
	Recipients []Recipient
	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// GenerationTx is a coinbase transaction split at the extranonce region
// inside its scriptSig. Miners supply unique extranonces that join the two
// halves into a complete transaction.
type GenerationTx struct {
	Part1 []byte
	Part2 []byte
}

// Bytes returns the fully joined transaction.
func (tx *GenerationTx) Bytes() []byte {
	joined := make([]byte, 0, len(tx.Part1)+len(tx.Part2))
	joined = append(joined, tx.Part1...)
	joined = append(joined, tx.Part2...)
	return joined
}

// CreateGenerationTx builds the coinbase transaction for a block template.
func CreateGenerationTx(tpl *RawTemplate, p GenerationParams) (*GenerationTx, error) {
	if len(p.PoolScript) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "create_generation",
			"pool script is empty")
	}

	auxFlags, err := hex.DecodeString(tpl.CoinbaseAux.Flags)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_generation",
			"invalid coinbaseaux flags")
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	txVersion := uint32(1)
	if p.TxMessages {
		txVersion = 2
	}

	// POS coins carry the block time in the transaction itself.
	var txTimestamp []byte
	if p.Reward == RewardPOS {
		txTimestamp = PackUint32LE(tpl.CurTime)
	}

	var txComment []byte
	if p.TxMessages {
		txComment = SerializeString(p.CoinbaseComment)
	}

	scriptSig1 := bytes.Join([][]byte{
		SerializeNumber(tpl.Height),
		auxFlags,
		SerializeNumber(now().Unix()),
	}, nil)
	scriptSig2 := SerializeString(p.CoinbaseTag)

	outputs, err := generationOutputs(tpl, p.PoolScript, p.Recipients)
	if err != nil {
		return nil, err
	}

	var p1 bytes.Buffer
	p1.Write(PackUint32LE(txVersion))
	p1.Write(txTimestamp)
	p1.Write(VarIntBytes(1))          // input count
	p1.Write(make([]byte, 32))        // null prevout hash
	p1.Write(PackUint32LE(0xffffffff)) // prevout index
	p1.Write(VarIntBytes(uint64(len(scriptSig1) + len(scriptSig2))))
	p1.Write(scriptSig1)

	var p2 bytes.Buffer
	p2.Write(scriptSig2)
	p2.Write(PackUint32LE(0)) // input sequence
	p2.Write(outputs)
	p2.Write(PackUint32LE(0)) // locktime
	p2.Write(txComment)

	return &GenerationTx{Part1: p1.Bytes(), Part2: p2.Bytes()}, nil
}

// generationOutputs serializes the coinbase outputs. Daemon-mandated payouts
// (founder, masternode, superblock) are deducted from the reward before fee
// recipients take their fractions; the pool output receives the remainder and
// is placed first, behind the witness commitment when one is present.
func generationOutputs(tpl *RawTemplate, poolScript []byte, recipients []Recipient) ([]byte, error) {
	reward := tpl.CoinbaseValue
	rewardToPool := reward

	var outputs [][]byte
	appendOutput := func(amount int64, script []byte) {
		out := make([]byte, 0, 8+9+len(script))
		out = append(out, PackInt64LE(amount)...)
		out = append(out, VarIntBytes(uint64(len(script)))...)
		out = append(out, script...)
		outputs = append(outputs, out)
	}

	if tpl.Founder.Payee != "" {
		script, err := AddressToScript(tpl.Founder.Payee)
		if err != nil {
			return nil, err
		}
		reward -= tpl.Founder.Amount
		rewardToPool -= tpl.Founder.Amount
		appendOutput(tpl.Founder.Amount, script)
	}

	if tpl.Masternode.Payee != "" {
		script, err := AddressToScript(tpl.Masternode.Payee)
		if err != nil {
			return nil, err
		}
		reward -= tpl.Masternode.Amount
		rewardToPool -= tpl.Masternode.Amount
		appendOutput(tpl.Masternode.Amount, script)
	}

	for _, sb := range tpl.Superblock {
		script, err := AddressToScript(sb.Payee)
		if err != nil {
			return nil, err
		}
		reward -= sb.Amount
		rewardToPool -= sb.Amount
		appendOutput(sb.Amount, script)
	}

	for _, r := range recipients {
		recipientReward := int64(math.Floor(r.Fraction * float64(reward)))
		rewardToPool -= recipientReward
		appendOutput(recipientReward, r.Script)
	}

	// Pool output goes first so the remainder is always at a known index.
	poolOut := make([]byte, 0, 8+9+len(poolScript))
	poolOut = append(poolOut, PackInt64LE(rewardToPool)...)
	poolOut = append(poolOut, VarIntBytes(uint64(len(poolScript)))...)
	poolOut = append(poolOut, poolScript...)
	outputs = append([][]byte{poolOut}, outputs...)

	if tpl.DefaultWitnessCommitment != "" {
		commitment, err := hex.DecodeString(tpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "generation_outputs",
				"invalid default_witness_commitment")
		}
		witnessOut := make([]byte, 0, 8+9+len(commitment))
		witnessOut = append(witnessOut, PackInt64LE(0)...)
		witnessOut = append(witnessOut, VarIntBytes(uint64(len(commitment)))...)
		witnessOut = append(witnessOut, commitment...)
		outputs = append([][]byte{witnessOut}, outputs...)
	}

	var buf bytes.Buffer
	buf.Write(VarIntBytes(uint64(len(outputs))))
	for _, out := range outputs {
		buf.Write(out)
	}
	return buf.Bytes(), nil
}
