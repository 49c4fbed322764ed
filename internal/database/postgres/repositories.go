package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository persists processed shares.
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a share repository.
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// InsertShare records one processed share.
func (r *ShareRepository) InsertShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (miner_address, worker_name, job_id, block_height, block_reward,
		                   difficulty, share_diff, network_difficulty, is_valid, is_block_candidate,
		                   block_hash, error_code, error_message, remote_addr, port, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.MinerAddress, share.WorkerName, share.JobID, share.BlockHeight, share.BlockReward,
		share.Difficulty, share.ShareDiff, share.NetworkDifficulty, share.IsValid, share.IsBlockCandidate,
		share.BlockHash, share.ErrorCode, share.ErrorMessage, share.RemoteAddr, share.Port, share.SubmittedAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}

	return nil
}

// GetSharesByMiner retrieves recent shares for a payout address.
func (r *ShareRepository) GetSharesByMiner(ctx context.Context, address string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, miner_address, worker_name, job_id, block_height, block_reward,
		       difficulty, share_diff, network_difficulty, is_valid, is_block_candidate,
		       block_hash, error_code, error_message, remote_addr, port, submitted_at
		FROM shares
		WHERE miner_address = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		err := rows.Scan(
			&share.ID, &share.MinerAddress, &share.WorkerName, &share.JobID,
			&share.BlockHeight, &share.BlockReward, &share.Difficulty, &share.ShareDiff,
			&share.NetworkDifficulty, &share.IsValid, &share.IsBlockCandidate,
			&share.BlockHash, &share.ErrorCode, &share.ErrorMessage,
			&share.RemoteAddr, &share.Port, &share.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// CountValidSharesSince returns the valid-share difficulty sum for an
// address since the given time. Payout accounting reads this.
func (r *ShareRepository) CountValidSharesSince(ctx context.Context, address string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(difficulty), 0)
		FROM shares
		WHERE miner_address = $1 AND is_valid AND submitted_at >= $2`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, address, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum shares: %w", err)
	}
	return total, nil
}

// BlockRepository persists submitted blocks.
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a block repository.
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// InsertBlock records a submitted block.
func (r *BlockRepository) InsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (height, hash, prev_hash, coinbase_txid, miner_address, worker_name,
		                   reward, difficulty, status, confirmations, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Height, block.Hash, block.PrevHash, block.CoinbaseTxID,
		block.MinerAddress, block.WorkerName, block.Reward, block.Difficulty,
		block.Status, block.Confirmations, block.FoundAt,
	).Scan(&block.ID)

	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	return nil
}

// UpdateBlockStatus updates the status and confirmations of a block.
func (r *BlockRepository) UpdateBlockStatus(ctx context.Context, blockID int64, status string, confirmations int64) error {
	query := `UPDATE blocks SET status = $1, confirmations = $2`
	args := []any{status, confirmations}

	if status == "confirmed" {
		query += `, confirmed_at = $3`
		args = append(args, time.Now())
	}

	query += ` WHERE id = $` + fmt.Sprintf("%d", len(args)+1)
	args = append(args, blockID)

	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}

	return nil
}

// GetPendingBlocks retrieves blocks awaiting confirmation.
func (r *BlockRepository) GetPendingBlocks(ctx context.Context) ([]*Block, error) {
	query := `
		SELECT id, height, hash, prev_hash, coinbase_txid, miner_address, worker_name,
		       reward, difficulty, status, confirmations, found_at, confirmed_at
		FROM blocks
		WHERE status = 'pending'
		ORDER BY height`

	return r.queryBlocks(ctx, query)
}

// GetRecentBlocks retrieves recent blocks with pagination.
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT id, height, hash, prev_hash, coinbase_txid, miner_address, worker_name,
		       reward, difficulty, status, confirmations, found_at, confirmed_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	return r.queryBlocks(ctx, query, limit, offset)
}

func (r *BlockRepository) queryBlocks(ctx context.Context, query string, args ...any) ([]*Block, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		err := rows.Scan(
			&block.ID, &block.Height, &block.Hash, &block.PrevHash, &block.CoinbaseTxID,
			&block.MinerAddress, &block.WorkerName, &block.Reward, &block.Difficulty,
			&block.Status, &block.Confirmations, &block.FoundAt, &block.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}
