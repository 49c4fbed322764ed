package messaging

import "time"

// ShareMessage is the event emitted for every processed share, accepted or
// rejected. Downstream consumers aggregate these into hashrate and payout
// figures.
type ShareMessage struct {
	ShareID      string    `json:"share_id"`
	JobID        string    `json:"job_id"`
	MinerAddress string    `json:"miner_address"`
	WorkerName   string    `json:"worker_name"`
	SessionID    string    `json:"session_id"`
	RemoteAddr   string    `json:"remote_addr"`
	Port         int       `json:"port"`
	BlockHeight  int64     `json:"block_height"`
	BlockReward  int64     `json:"block_reward"`
	Difficulty   float64   `json:"difficulty"`
	ShareDiff    float64   `json:"share_diff"`
	BlockDiff    float64   `json:"block_diff"`
	Valid        bool      `json:"valid"`
	ErrorCode    int       `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// BlockCandidateMessage announces a share that met the network target and
// was handed to the daemon.
type BlockCandidateMessage struct {
	ShareID      string    `json:"share_id"`
	JobID        string    `json:"job_id"`
	BlockHash    string    `json:"block_hash"`
	BlockHeight  int64     `json:"block_height"`
	BlockReward  int64     `json:"block_reward"`
	MinerAddress string    `json:"miner_address"`
	WorkerName   string    `json:"worker_name"`
	ShareDiff    float64   `json:"share_diff"`
	FoundAt      time.Time `json:"found_at"`
}

// BlockResultMessage reports the daemon's verdict on a submitted block.
type BlockResultMessage struct {
	ShareID      string    `json:"share_id"`
	BlockHash    string    `json:"block_hash"`
	BlockHeight  int64     `json:"block_height"`
	CoinbaseTxID string    `json:"coinbase_txid,omitempty"`
	Accepted     bool      `json:"accepted"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}
