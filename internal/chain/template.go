package chain

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ulordpool/gusp/pkg/errors"
)

const (
	// IncompleteHeaderSize is version + prevhash + merkle + claimtrie +
	// curtime + bits.
	IncompleteHeaderSize = 108
	// HeaderSize is the incomplete header plus the 32-byte nonce field.
	HeaderSize = 140
	// NonceOffset is where the nonce field begins inside the full header.
	NonceOffset = 108
)

// JobParams is the tuple broadcast to miners for one job.
type JobParams struct {
	JobID     string
	Header    string // incomplete header, hex
	Height    int64
	CleanJobs bool
}

// BlockTemplate holds a single mining job derived from a daemon template,
// with everything precomputed that share validation needs.
type BlockTemplate struct {
	JobID      string
	Raw        *RawTemplate
	Target     *big.Int
	Difficulty float64

	CoinbaseTx   *GenerationTx
	CoinbaseHash []byte

	PrevHashReversed  []byte
	MerkleRoot        []byte
	ClaimTrieReversed []byte

	coinbaseBytes    []byte
	transactionData  []byte
	reward           RewardKind
	incompleteHeader []byte
	headerHex        string

	mu      sync.Mutex
	submits map[string]struct{}
}

// NewBlockTemplate builds a job from a validated daemon template.
func NewBlockTemplate(jobID string, raw *RawTemplate, p GenerationParams) (*BlockTemplate, error) {
	op := "new_block_template"

	var target *big.Int
	var err error
	if raw.Target != "" {
		target, err = TargetFromHex(raw.Target)
	} else {
		target, err = TargetFromBits(raw.Bits)
	}
	if err != nil {
		return nil, err
	}

	genTx, err := CreateGenerationTx(raw, p)
	if err != nil {
		return nil, err
	}
	coinbaseBytes := genTx.Bytes()
	coinbaseHash := DoubleSha256(coinbaseBytes)

	var txData bytes.Buffer
	leaves := [][]byte{nil}
	for _, tx := range raw.Transactions {
		txBytes, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, op,
				"invalid transaction data").WithContext("txid", tx.TxID)
		}
		txData.Write(txBytes)

		id := tx.TxID
		if id == "" {
			id = tx.Hash
		}
		txHash, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, op,
				"invalid transaction hash").WithContext("txid", id)
		}
		leaves = append(leaves, txHash[:])
	}

	prevHash, err := hex.DecodeString(raw.PreviousBlockHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, op,
			"invalid previousblockhash")
	}
	claimTrie, err := hex.DecodeString(raw.ClaimTrie)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, op,
			"invalid claimtrie hash")
	}

	bits, err := strconv.ParseUint(raw.Bits, 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, op,
			"invalid bits").WithContext("bits", raw.Bits)
	}

	t := &BlockTemplate{
		JobID:             jobID,
		Raw:               raw,
		Target:            target,
		Difficulty:        DifficultyFromTarget(target),
		CoinbaseTx:        genTx,
		CoinbaseHash:      coinbaseHash,
		PrevHashReversed:  ReverseBytes(prevHash),
		ClaimTrieReversed: ReverseBytes(claimTrie),
		coinbaseBytes:     coinbaseBytes,
		transactionData:   txData.Bytes(),
		reward:            p.Reward,
		submits:           make(map[string]struct{}),
	}
	t.MerkleRoot = NewMerkleTree(leaves).WithFirst(coinbaseHash)

	header := make([]byte, IncompleteHeaderSize)
	copy(header[0:4], PackInt32LE(raw.Version))
	copy(header[4:36], t.PrevHashReversed)
	copy(header[36:68], t.MerkleRoot)
	copy(header[68:100], t.ClaimTrieReversed)
	copy(header[100:104], PackUint32LE(raw.CurTime))
	copy(header[104:108], PackUint32LE(uint32(bits)))
	t.incompleteHeader = header
	t.headerHex = hex.EncodeToString(header)

	return t, nil
}

// SerializeIncompleteHeader returns the cached 108-byte header prefix.
func (t *BlockTemplate) SerializeIncompleteHeader() []byte {
	return t.incompleteHeader
}

// SerializeCoinbase returns the joined coinbase transaction bytes.
func (t *BlockTemplate) SerializeCoinbase() []byte {
	return t.coinbaseBytes
}

// SerializeHeader assembles the 140-byte header. The nonce field is
// extraNonce2 followed by extraNonce1; raw-nonce submissions pass the whole
// field as extraNonce2 with an empty extraNonce1. Short nonces are
// zero-padded on the right.
func (t *BlockTemplate) SerializeHeader(extraNonce1, extraNonce2 string) ([]byte, error) {
	nonce := extraNonce2
	if extraNonce1 != "" {
		nonce += extraNonce1
	}

	nonceBytes, err := hex.DecodeString(nonce)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "serialize_header",
			"nonce is not valid hex")
	}
	if len(nonceBytes) > HeaderSize-NonceOffset {
		return nil, errors.New(errors.ErrorTypeValidation, "serialize_header",
			"nonce exceeds 32 bytes")
	}

	header := make([]byte, HeaderSize)
	copy(header, t.incompleteHeader)
	copy(header[NonceOffset:], nonceBytes)
	return header, nil
}

// SerializeBlock assembles the full block for submission.
func (t *BlockTemplate) SerializeBlock(header []byte) []byte {
	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(VarIntBytes(uint64(len(t.Raw.Transactions) + 1)))
	buf.Write(t.coinbaseBytes)
	buf.Write(t.transactionData)
	if t.reward == RewardPOS {
		// The daemon replaces this zero byte with the block signature.
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// RegisterSubmit records a nonce pair, returning false if it was seen
// before. The extranonce2 half is canonicalized to lower case.
func (t *BlockTemplate) RegisterSubmit(extraNonce1, extraNonce2 string) bool {
	key := strings.ToLower(extraNonce2) + extraNonce1

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.submits[key]; seen {
		return false
	}
	t.submits[key] = struct{}{}
	return true
}

// JobParams returns the broadcast tuple for this job. CleanJobs is true;
// refresh broadcasts flip it off on their copy.
func (t *BlockTemplate) JobParams() JobParams {
	return JobParams{
		JobID:     t.JobID,
		Header:    t.headerHex,
		Height:    t.Raw.Height,
		CleanJobs: true,
	}
}
