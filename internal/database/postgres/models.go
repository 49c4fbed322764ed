package postgres

import (
	"time"
)

// Share is one processed share, accepted or rejected. Shares are keyed by
// the miner's payout address rather than an account id; the pool has no
// user registration step.
type Share struct {
	ID                int64     `db:"id"`
	MinerAddress      string    `db:"miner_address"`
	WorkerName        string    `db:"worker_name"`
	JobID             string    `db:"job_id"`
	BlockHeight       int64     `db:"block_height"`
	BlockReward       int64     `db:"block_reward"`
	Difficulty        float64   `db:"difficulty"`
	ShareDiff         float64   `db:"share_diff"`
	NetworkDifficulty float64   `db:"network_difficulty"`
	IsValid           bool      `db:"is_valid"`
	IsBlockCandidate  bool      `db:"is_block_candidate"`
	BlockHash         string    `db:"block_hash"`
	ErrorCode         int       `db:"error_code"`
	ErrorMessage      string    `db:"error_message"`
	RemoteAddr        string    `db:"remote_addr"`
	Port              int       `db:"port"`
	SubmittedAt       time.Time `db:"submitted_at"`
}

// Block is a block the pool submitted to the daemon.
type Block struct {
	ID            int64      `db:"id"`
	Height        int64      `db:"height"`
	Hash          string     `db:"hash"`
	PrevHash      string     `db:"prev_hash"`
	CoinbaseTxID  string     `db:"coinbase_txid"`
	MinerAddress  string     `db:"miner_address"`
	WorkerName    string     `db:"worker_name"`
	Reward        int64      `db:"reward"`
	Difficulty    float64    `db:"difficulty"`
	Status        string     `db:"status"` // pending, confirmed, orphaned
	Confirmations int64      `db:"confirmations"`
	FoundAt       time.Time  `db:"found_at"`
	ConfirmedAt   *time.Time `db:"confirmed_at"`
}
