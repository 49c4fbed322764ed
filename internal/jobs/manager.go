package jobs

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/pkg/log"
)

// Share rejection codes reported back over the stratum connection.
const (
	ErrCodeMalformed      = 20
	ErrCodeJobNotFound    = 21
	ErrCodeDuplicateShare = 22
	ErrCodeLowDifficulty  = 23
	// ErrCodeHashMismatch is logged only; mismatching miners still
	// produce usable proofs of work.
	ErrCodeHashMismatch = 31
)

// ShareError is a rejection with its stratum error code.
type ShareError struct {
	Code    int
	Message string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("share rejected (%d): %s", e.Code, e.Message)
}

// Snapshot is an immutable view of the active job registry. A new snapshot
// replaces the old one atomically whenever the chain tip moves or the current
// job is refreshed, so share validation never takes the writer lock.
type Snapshot struct {
	TipHash string
	Height  int64
	Current *chain.BlockTemplate
	Jobs    map[string]*chain.BlockTemplate
}

// Config configures a job manager.
type Config struct {
	Algorithm  *chain.Algorithm
	Generation chain.GenerationParams
	// EmitInvalidBlockHashes includes the would-be block hash on shares
	// that missed the network target.
	EmitInvalidBlockHashes bool
	Logger                 *log.Logger
}

// Manager builds jobs from daemon templates and validates shares against them.
type Manager struct {
	algo              *chain.Algorithm
	gen               chain.GenerationParams
	emitInvalidHashes bool
	logger            *log.Logger

	// ExtraNonce hands out per-session extranonces.
	ExtraNonce ExtraNonceCounter

	jobCounter JobCounter

	mu       sync.Mutex // serializes template processing
	snapshot atomic.Pointer[Snapshot]
}

// NewManager creates a job manager.
func NewManager(cfg *Config) *Manager {
	m := &Manager{
		algo:              cfg.Algorithm,
		gen:               cfg.Generation,
		emitInvalidHashes: cfg.EmitInvalidBlockHashes,
		logger:            cfg.Logger.WithComponent("jobs"),
	}
	m.snapshot.Store(&Snapshot{Jobs: make(map[string]*chain.BlockTemplate)})
	return m
}

// CurrentJob returns the job miners should work on, or nil before the first
// template arrives.
func (m *Manager) CurrentJob() *chain.BlockTemplate {
	return m.snapshot.Load().Current
}

// Job looks up an active job by id.
func (m *Manager) Job(id string) *chain.BlockTemplate {
	return m.snapshot.Load().Jobs[id]
}

// TipHash returns the previous-block hash of the active snapshot.
func (m *Manager) TipHash() string {
	return m.snapshot.Load().TipHash
}

// ProcessTemplate inspects a polled template. When it extends a new chain tip
// the whole registry is replaced and true is returned; templates for an
// already-known tip or for a stale height are ignored.
func (m *Manager) ProcessTemplate(raw *chain.RawTemplate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot.Load()

	isNewBlock := snap.Current == nil
	if !isNewBlock && snap.TipHash != raw.PreviousBlockHash {
		// An out-of-sync daemon can hand us templates for older tips.
		if raw.Height < snap.Height {
			return false, nil
		}
		isNewBlock = true
	}
	if !isNewBlock {
		return false, nil
	}

	tpl, err := chain.NewBlockTemplate(m.jobCounter.Next(), raw, m.gen)
	if err != nil {
		return false, err
	}

	m.snapshot.Store(&Snapshot{
		TipHash: raw.PreviousBlockHash,
		Height:  raw.Height,
		Current: tpl,
		Jobs:    map[string]*chain.BlockTemplate{tpl.JobID: tpl},
	})

	m.logger.WithJob(tpl.JobID, raw.Height).Info("new block job",
		"prev_hash", raw.PreviousBlockHash,
		"difficulty", tpl.Difficulty,
		"transactions", len(raw.Transactions),
	)
	return true, nil
}

// UpdateCurrentJob rebuilds the current job from a refreshed template at the
// same tip, picking up new transactions. Previously issued jobs stay valid.
func (m *Manager) UpdateCurrentJob(raw *chain.RawTemplate) (*chain.BlockTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, err := chain.NewBlockTemplate(m.jobCounter.Next(), raw, m.gen)
	if err != nil {
		return nil, err
	}

	snap := m.snapshot.Load()
	jobsCopy := make(map[string]*chain.BlockTemplate, len(snap.Jobs)+1)
	for id, job := range snap.Jobs {
		jobsCopy[id] = job
	}
	jobsCopy[tpl.JobID] = tpl

	m.snapshot.Store(&Snapshot{
		TipHash: raw.PreviousBlockHash,
		Height:  raw.Height,
		Current: tpl,
		Jobs:    jobsCopy,
	})

	m.logger.WithJob(tpl.JobID, raw.Height).Info("refreshed current job",
		"transactions", len(raw.Transactions))
	return tpl, nil
}

// Submission carries one submitted share.
type Submission struct {
	JobID string
	// ExtraNonce1 is the session extranonce. Empty for raw-nonce
	// submissions, where Nonce carries the whole 32-byte field.
	ExtraNonce1 string
	// Nonce is the wire nonce parameter: 8 hex chars of extranonce2, or
	// 64 hex chars of raw nonce.
	Nonce string
	// NTime is only present on raw-nonce submissions.
	NTime string
	// ReportedHash is the pow hash the miner claims, hex encoded.
	ReportedHash string
	// SubmitTime is the unix time the share arrived.
	SubmitTime int64

	WorkerName string
	RemoteAddr string
	Port       int
}

// ShareRecord describes a processed share. One is produced for every
// submission that reaches validation, accepted or not.
type ShareRecord struct {
	JobID            string
	RemoteAddr       string
	Port             int
	WorkerName       string
	Height           int64
	BlockReward      int64
	Difficulty       float64
	ShareDiff        float64
	BlockDiff        float64
	BlockDiffActual  float64
	BlockHash        string
	BlockHashInvalid string
	ErrorCode        int
	ErrorMessage     string
}

// ShareResult is the outcome of processing a submission.
type ShareResult struct {
	OK     bool
	Err    *ShareError
	Record ShareRecord

	// BlockHex and BlockHash are set when the share solved a block.
	BlockHex  string
	BlockHash string
}

// IsBlockCandidate reports whether the share met the network target.
func (r *ShareResult) IsBlockCandidate() bool {
	return r.BlockHex != ""
}

// ProcessShare validates a submission against its job. previousDifficulty is
// the session difficulty before the last retarget, difficulty the currently
// assigned one.
func (m *Manager) ProcessShare(sub Submission, previousDifficulty, difficulty float64) ShareResult {
	rejected := func(code int, msg string) ShareResult {
		return ShareResult{
			Err: &ShareError{Code: code, Message: msg},
			Record: ShareRecord{
				JobID:        sub.JobID,
				RemoteAddr:   sub.RemoteAddr,
				Port:         sub.Port,
				WorkerName:   sub.WorkerName,
				Difficulty:   difficulty,
				ErrorCode:    code,
				ErrorMessage: msg,
			},
		}
	}

	job := m.Job(sub.JobID)
	if job == nil {
		return rejected(ErrCodeJobNotFound, "job not found")
	}

	var header []byte
	var err error
	if sub.ExtraNonce1 == "" {
		// Raw-nonce path: the miner fills the whole nonce field itself.
		if sub.NTime != "" {
			if len(sub.NTime) != 8 {
				return rejected(ErrCodeMalformed, "incorrect size of ntime")
			}
			nTime, parseErr := strconv.ParseUint(sub.NTime, 16, 32)
			if parseErr != nil {
				return rejected(ErrCodeMalformed, "malformed ntime")
			}
			if nTime < uint64(job.Raw.CurTime) || int64(nTime) > sub.SubmitTime+7200 {
				return rejected(ErrCodeMalformed, "ntime out of range")
			}
		}
		if len(sub.Nonce) != 64 {
			return rejected(ErrCodeMalformed, "incorrect size of nonce")
		}
		if !job.RegisterSubmit("", sub.Nonce) {
			return rejected(ErrCodeDuplicateShare, "duplicate share")
		}
		header, err = job.SerializeHeader("", sub.Nonce)
	} else {
		if len(sub.Nonce) != 8 {
			return rejected(ErrCodeMalformed, "incorrect size of nonce")
		}
		if !job.RegisterSubmit(sub.ExtraNonce1, sub.Nonce) {
			return rejected(ErrCodeDuplicateShare, "duplicate share")
		}
		header, err = job.SerializeHeader(sub.ExtraNonce1, sub.Nonce)
	}
	if err != nil {
		return rejected(ErrCodeMalformed, "malformed nonce")
	}

	headerHash := m.algo.PowHash(header)
	headerValue := chain.LittleEndianToBig(headerHash)

	if sub.ReportedHash != "" && hex.EncodeToString(headerHash) != strings.ToLower(sub.ReportedHash) {
		// Code 31: logged only. The proof of work stands on its own.
		m.logger.Warn("share hash mismatch",
			"code", ErrCodeHashMismatch,
			"worker", sub.WorkerName,
			"submitted", sub.ReportedHash,
			"computed", hex.EncodeToString(headerHash),
		)
	}

	headerValueFloat, _ := new(big.Float).SetInt(headerValue).Float64()
	shareDiff := chain.Diff1Float / headerValueFloat * m.algo.Multiplier
	blockDiffAdjusted := job.Difficulty * m.algo.Multiplier

	var blockHex, blockHash, blockHashInvalid string
	if job.Target.Cmp(headerValue) >= 0 {
		blockHex = hex.EncodeToString(job.SerializeBlock(header))
		blockHash = hex.EncodeToString(m.algo.BlockHash(header))
	} else {
		if m.emitInvalidHashes {
			blockHashInvalid = hex.EncodeToString(chain.ReverseBytes(chain.DoubleSha256(header)))
		}

		if shareDiff/difficulty < 0.99 {
			// A share computed against the pre-retarget difficulty is
			// still credited at that difficulty.
			if previousDifficulty > 0 && shareDiff >= previousDifficulty {
				difficulty = previousDifficulty
			} else {
				return rejected(ErrCodeLowDifficulty,
					fmt.Sprintf("low difficulty share of %g", shareDiff))
			}
		}
	}

	return ShareResult{
		OK: true,
		Record: ShareRecord{
			JobID:            sub.JobID,
			RemoteAddr:       sub.RemoteAddr,
			Port:             sub.Port,
			WorkerName:       sub.WorkerName,
			Height:           job.Raw.Height,
			BlockReward:      job.Raw.CoinbaseValue,
			Difficulty:       difficulty,
			ShareDiff:        shareDiff,
			BlockDiff:        blockDiffAdjusted,
			BlockDiffActual:  job.Difficulty,
			BlockHash:        blockHash,
			BlockHashInvalid: blockHashInvalid,
		},
		BlockHex:  blockHex,
		BlockHash: blockHash,
	}
}
