// Package pool wires the job manager, stratum server, coin daemon, and
// downstream sinks into a running mining pool.
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/internal/config"
	"github.com/ulordpool/gusp/internal/daemon"
	"github.com/ulordpool/gusp/internal/database"
	"github.com/ulordpool/gusp/internal/database/postgres"
	"github.com/ulordpool/gusp/internal/jobs"
	"github.com/ulordpool/gusp/internal/messaging"
	"github.com/ulordpool/gusp/internal/stratum"
	"github.com/ulordpool/gusp/pkg/errors"
	"github.com/ulordpool/gusp/pkg/log"
)

// rpcTimeout bounds daemon calls made outside a caller-supplied context.
const rpcTimeout = 30 * time.Second

// publishTimeout bounds Kafka and database writes on the share path.
const publishTimeout = 5 * time.Second

// AuthorizeFunc decides whether a worker may mine.
type AuthorizeFunc func(remoteAddr string, port int, workerName, password string) stratum.AuthResult

// Options collects everything a pool needs. Kafka, DB, and Notifier are
// optional; the pool degrades to serving shares without them. Authorize
// defaults to accepting every login.
type Options struct {
	Config    *config.PoolConfig
	Algorithm *chain.Algorithm
	Daemon    *daemon.Client
	Notifier  *daemon.BlockNotifier
	Kafka     *messaging.KafkaClient
	DB        *database.Manager
	Authorize AuthorizeFunc
	Logger    *log.Logger
}

// Pool is the orchestrator. It polls the daemon for work, distributes jobs
// over stratum, validates shares, submits solved blocks, and fans records out
// to Kafka and the databases.
type Pool struct {
	cfg      *config.PoolConfig
	daemon   *daemon.Client
	notifier *daemon.BlockNotifier
	kafka    *messaging.KafkaClient
	db       *database.Manager
	logger   *log.Logger

	jobs      *jobs.Manager
	server    *stratum.Server
	authorize AuthorizeFunc

	shareSeq      atomic.Int64
	validShares   atomic.Int64
	invalidShares atomic.Int64
}

// New assembles a pool from its parts.
func New(opts *Options) (*Pool, error) {
	cfg := opts.Config
	logger := opts.Logger.WithComponent("pool")

	gen, err := generationParams(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:       cfg,
		daemon:    opts.Daemon,
		notifier:  opts.Notifier,
		kafka:     opts.Kafka,
		db:        opts.DB,
		authorize: opts.Authorize,
		logger:    logger,
	}
	if p.authorize == nil {
		p.authorize = func(string, int, string, string) stratum.AuthResult {
			return stratum.AuthResult{Authorized: true}
		}
	}

	p.jobs = jobs.NewManager(&jobs.Config{
		Algorithm:              opts.Algorithm,
		Generation:             gen,
		EmitInvalidBlockHashes: cfg.EmitInvalidBlockHashes,
		Logger:                 opts.Logger,
	})

	ports := make([]stratum.PortConfig, 0, len(cfg.Ports))
	for _, pc := range cfg.Ports {
		ports = append(ports, stratum.PortConfig{Port: pc.Port, Difficulty: pc.Difficulty})
	}

	p.server = stratum.NewServer(&stratum.ServerConfig{
		Ports:                 ports,
		ConnectionTimeout:     cfg.ConnectionTimeout(),
		JobRebroadcastTimeout: cfg.JobRebroadcastTimeout(),
		Banning: stratum.BanConfig{
			Enabled:        cfg.Banning.Enabled,
			Time:           cfg.Banning.BanTime(),
			InvalidPercent: cfg.Banning.InvalidPercent,
			CheckThreshold: cfg.Banning.CheckThreshold,
			PurgeInterval:  cfg.Banning.PurgeInterval(),
		},
	}, &stratum.Hooks{
		Authorize:         p.authorizeWorker,
		AssignExtraNonce:  p.jobs.ExtraNonce.Next,
		InitialDifficulty: func(int) float64 { return 0 },
		CurrentJob:        p.currentJob,
		SubmitShare:       p.handleSubmit,
		OnEvent:           p.handleEvent,
	}, opts.Logger)
	p.server.OnRebroadcastTimeout = p.rebroadcastJob

	return p, nil
}

// generationParams translates the pool file into coinbase construction
// parameters. A 40-character recipient address is a raw public key hash.
func generationParams(cfg *config.PoolConfig) (chain.GenerationParams, error) {
	poolScript, err := scriptForAddress(cfg.Address)
	if err != nil {
		return chain.GenerationParams{}, err
	}

	recipients := make([]chain.Recipient, 0, len(cfg.Rewards))
	for _, r := range cfg.Rewards {
		script, err := scriptForAddress(r.Address)
		if err != nil {
			return chain.GenerationParams{}, err
		}
		recipients = append(recipients, chain.Recipient{
			Script:   script,
			Fraction: r.Percent / 100,
		})
	}

	reward := chain.RewardPOW
	if cfg.Coin.Reward == string(chain.RewardPOS) {
		reward = chain.RewardPOS
	}

	return chain.GenerationParams{
		PoolScript:      poolScript,
		Reward:          reward,
		TxMessages:      cfg.Coin.TxMessages,
		CoinbaseTag:     cfg.CoinbaseTag,
		CoinbaseComment: cfg.CoinbaseComment,
		Recipients:      recipients,
	}, nil
}

func scriptForAddress(addr string) ([]byte, error) {
	if len(addr) == 40 {
		return chain.MiningKeyToScript(addr)
	}
	return chain.AddressToScript(addr)
}

// Server exposes the stratum server, mainly for shutdown.
func (p *Pool) Server() *stratum.Server {
	return p.server
}

// Jobs exposes the job manager.
func (p *Pool) Jobs() *jobs.Manager {
	return p.jobs
}

// Run brings the pool up and blocks until the context is cancelled. The
// stratum ports only open once the first job exists.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.daemon.DetectSubmitMethod(ctx); err != nil {
		p.logger.WithError(err).Warn("could not probe block submission method")
	}

	raw, err := p.daemon.GetBlockTemplate(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDaemon, "pool_start",
			"failed to fetch the initial block template")
	}
	if _, err := p.jobs.ProcessTemplate(raw); err != nil {
		return err
	}

	go p.pollLoop(ctx)
	if p.notifier != nil {
		go func() {
			if err := p.notifier.Listen(ctx, p.onBlockNotify); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("block notification listener stopped")
			}
		}()
	}
	if p.db != nil {
		go p.statsLoop(ctx)
	}

	return p.server.Start(ctx)
}

// pollLoop polls getblocktemplate to catch blocks the notifier misses.
func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BlockRefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshTemplate(ctx)
		}
	}
}

// refreshTemplate fetches a template and broadcasts when it starts a new
// chain tip.
func (p *Pool) refreshTemplate(ctx context.Context) {
	raw, err := p.daemon.GetBlockTemplate(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("block template fetch failed")
		return
	}

	isNew, err := p.jobs.ProcessTemplate(raw)
	if err != nil {
		p.logger.WithError(err).Error("block template rejected")
		return
	}
	if isNew {
		p.broadcastCurrent(true)
	}
}

// rebroadcastJob fires when no job went out for the rebroadcast timeout.
// The current job is rebuilt at the same tip so it picks up new transactions.
func (p *Pool) rebroadcastJob() {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	raw, err := p.daemon.GetBlockTemplate(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("rebroadcast template fetch failed")
		return
	}

	isNew, err := p.jobs.ProcessTemplate(raw)
	if err != nil {
		p.logger.WithError(err).Error("rebroadcast template rejected")
		return
	}
	if isNew {
		p.broadcastCurrent(true)
		return
	}

	if _, err := p.jobs.UpdateCurrentJob(raw); err != nil {
		p.logger.WithError(err).Error("job refresh failed")
		return
	}
	p.broadcastCurrent(false)
}

// onBlockNotify handles a hashblock notification from the daemon.
func (p *Pool) onBlockNotify(blockHash string) {
	if blockHash == p.jobs.TipHash() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	p.logger.Info("block notification", "hash", blockHash)
	p.refreshTemplate(ctx)
}

func (p *Pool) broadcastCurrent(cleanJobs bool) {
	tpl := p.jobs.CurrentJob()
	if tpl == nil {
		return
	}
	params := tpl.JobParams()
	params.CleanJobs = cleanJobs
	p.server.BroadcastMiningJobs(params)
}

func (p *Pool) currentJob() (chain.JobParams, bool) {
	tpl := p.jobs.CurrentJob()
	if tpl == nil {
		return chain.JobParams{}, false
	}
	return tpl.JobParams(), true
}

// authorizeWorker runs the configured authorization callback.
func (p *Pool) authorizeWorker(remoteAddr string, port int, workerName, password string) stratum.AuthResult {
	res := p.authorize(remoteAddr, port, workerName, password)
	if !res.Authorized {
		p.logger.Warn("login rejected",
			"worker", workerName, "remote_addr", remoteAddr, "port", port)
	}
	return res
}

// handleSubmit validates one share and fans the outcome out to Kafka and the
// databases. Solved blocks are submitted to the daemon asynchronously.
func (p *Pool) handleSubmit(sess *stratum.Session, params *stratum.SubmitParams) stratum.SubmitOutcome {
	sub := jobs.Submission{
		JobID:        params.JobID,
		ExtraNonce1:  sess.ExtraNonce1(),
		Nonce:        params.Nonce,
		ReportedHash: params.Result,
		SubmitTime:   time.Now().Unix(),
		WorkerName:   sess.FullName(),
		RemoteAddr:   sess.RemoteAddr(),
		Port:         sess.Port(),
	}
	if len(params.Nonce) == 64 {
		// The miner filled the whole 32-byte nonce field itself.
		sub.ExtraNonce1 = ""
	}

	result := p.jobs.ProcessShare(sub, sess.PreviousDifficulty(), sess.Difficulty())

	address, rig := splitLogin(sess.FullName())
	shareID := fmt.Sprintf("%s-%d", sess.ID(), p.shareSeq.Add(1))

	if result.OK {
		p.validShares.Add(1)
		p.logger.LogShareSubmission(address, rig, params.JobID, result.Record.Difficulty, "accepted")
	} else {
		p.invalidShares.Add(1)
		p.logger.LogShareSubmission(address, rig, params.JobID, sess.Difficulty(), "rejected")
	}

	p.recordShare(shareID, sess, address, rig, &result)

	if result.IsBlockCandidate() {
		p.announceCandidate(shareID, address, rig, &result)
		go p.submitBlock(shareID, address, rig, result)
	}

	if result.OK {
		return stratum.SubmitOutcome{Accepted: true}
	}
	return stratum.SubmitOutcome{
		ErrCode:    result.Err.Code,
		ErrMessage: result.Err.Message,
	}
}

// recordShare writes the share to Kafka and the databases. Both are best
// effort; a sink outage must not interrupt mining.
func (p *Pool) recordShare(shareID string, sess *stratum.Session, address, rig string, result *jobs.ShareResult) {
	rec := result.Record

	if p.kafka != nil {
		msg := &messaging.ShareMessage{
			ShareID:      shareID,
			JobID:        rec.JobID,
			MinerAddress: address,
			WorkerName:   rig,
			SessionID:    sess.ID(),
			RemoteAddr:   rec.RemoteAddr,
			Port:         rec.Port,
			BlockHeight:  rec.Height,
			BlockReward:  rec.BlockReward,
			Difficulty:   rec.Difficulty,
			ShareDiff:    rec.ShareDiff,
			BlockDiff:    rec.BlockDiff,
			Valid:        result.OK,
			ErrorCode:    rec.ErrorCode,
			ErrorMessage: rec.ErrorMessage,
			SubmittedAt:  time.Now(),
		}
		p.publishEvent(messaging.TopicShares, address, msg)
	}

	if p.db != nil {
		share := &postgres.Share{
			MinerAddress:      address,
			WorkerName:        rig,
			JobID:             rec.JobID,
			BlockHeight:       rec.Height,
			BlockReward:       rec.BlockReward,
			Difficulty:        rec.Difficulty,
			ShareDiff:         rec.ShareDiff,
			NetworkDifficulty: rec.BlockDiffActual,
			IsValid:           result.OK,
			IsBlockCandidate:  result.IsBlockCandidate(),
			BlockHash:         rec.BlockHash,
			ErrorCode:         rec.ErrorCode,
			ErrorMessage:      rec.ErrorMessage,
			RemoteAddr:        rec.RemoteAddr,
			Port:              rec.Port,
			SubmittedAt:       time.Now(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.db.RecordShare(ctx, share); err != nil {
			p.logger.WithError(err).Warn("share record failed", "share_id", shareID)
		}
	}
}

func (p *Pool) announceCandidate(shareID, address, rig string, result *jobs.ShareResult) {
	if p.kafka == nil {
		return
	}
	rec := result.Record
	p.publishEvent(messaging.TopicBlockCandidates, rec.BlockHash, &messaging.BlockCandidateMessage{
		ShareID:      shareID,
		JobID:        rec.JobID,
		BlockHash:    rec.BlockHash,
		BlockHeight:  rec.Height,
		BlockReward:  rec.BlockReward,
		MinerAddress: address,
		WorkerName:   rig,
		ShareDiff:    rec.ShareDiff,
		FoundAt:      time.Now(),
	})
}

// submitBlock hands a solved block to the daemon and verifies it was really
// accepted by reading it back. Either way the template is stale afterwards.
func (p *Pool) submitBlock(shareID, address, rig string, result jobs.ShareResult) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	rec := result.Record
	submitErr := p.daemon.SubmitBlock(ctx, result.BlockHex)

	accepted := submitErr == nil
	var coinbaseTxID string
	if accepted {
		info, err := p.daemon.GetBlock(ctx, result.BlockHash)
		switch {
		case err != nil:
			accepted = false
			submitErr = err
		case info.Hash != result.BlockHash:
			accepted = false
			submitErr = errors.New(errors.ErrorTypeDaemon, "check_block",
				"submitted block not found on chain")
		default:
			if len(info.Tx) > 0 {
				coinbaseTxID = info.Tx[0]
			}
		}
	}

	if accepted {
		p.logger.LogBlockFound(result.BlockHash, rec.Height, address, rig, rec.ShareDiff)
	} else {
		p.logger.WithError(submitErr).Error("block submission failed",
			"hash", result.BlockHash, "height", rec.Height)
	}

	if p.kafka != nil {
		errMsg := ""
		if submitErr != nil {
			errMsg = submitErr.Error()
		}
		p.publishEvent(messaging.TopicBlockResults, result.BlockHash, &messaging.BlockResultMessage{
			ShareID:      shareID,
			BlockHash:    result.BlockHash,
			BlockHeight:  rec.Height,
			CoinbaseTxID: coinbaseTxID,
			Accepted:     accepted,
			ErrorMessage: errMsg,
			SubmittedAt:  time.Now(),
		})
	}

	if accepted && p.db != nil {
		block := &postgres.Block{
			Height:       rec.Height,
			Hash:         result.BlockHash,
			PrevHash:     p.jobs.TipHash(),
			CoinbaseTxID: coinbaseTxID,
			MinerAddress: address,
			WorkerName:   rig,
			Reward:       rec.BlockReward,
			Difficulty:   rec.BlockDiffActual,
			Status:       "pending",
			FoundAt:      time.Now(),
		}
		if err := p.db.RecordBlock(ctx, block); err != nil {
			p.logger.WithError(err).Warn("block record failed", "hash", result.BlockHash)
		}
	}

	p.refreshTemplate(ctx)
}

func (p *Pool) publishEvent(topic, key string, msg any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.kafka.PublishEvent(ctx, topic, key, msg); err != nil {
		p.logger.WithError(err).Warn("event publish failed", "topic", topic)
	}
}

// handleEvent reacts to session lifecycle events from the stratum layer.
func (p *Pool) handleEvent(sess *stratum.Session, ev stratum.Event) {
	switch ev.Kind {
	case stratum.EventAuthorized:
		p.logger.LogConnection("authorized", sess.RemoteAddr())
	case stratum.EventDisconnected:
		p.logger.LogConnection("disconnected", sess.RemoteAddr())
	case stratum.EventBanTriggered:
		p.persistBan(sess.RemoteIP())
	case stratum.EventSocketFlooded, stratum.EventSocketTimeout:
		p.logger.Warn("session dropped", "remote_addr", sess.RemoteAddr(), "reason", ev.Detail)
	case stratum.EventMalformedMessage:
		p.logger.Warn("malformed message", "remote_addr", sess.RemoteAddr())
	}
}

// persistBan mirrors an in-memory ban into Redis so restarts do not forgive
// it.
func (p *Pool) persistBan(ip string) {
	if p.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.db.Redis.BanIP(ctx, ip, p.cfg.Banning.BanTime()); err != nil {
		p.logger.WithError(err).Warn("ban persistence failed", "ip", ip)
	}
}

// statsLoop periodically snapshots pool-wide figures into InfluxDB.
func (p *Pool) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tpl := p.jobs.CurrentJob()
			if tpl == nil {
				continue
			}
			p.db.Influx.WritePoolStatsMetric(
				tpl.Raw.Height,
				tpl.Difficulty,
				int64(p.server.SessionCount()),
				p.validShares.Load(),
				p.invalidShares.Load(),
			)
		}
	}
}

// splitLogin separates the payout address from the rig name in a worker
// login. Logins without a rig name get "default".
func splitLogin(fullName string) (address, rig string) {
	parts := strings.SplitN(fullName, ".", 2)
	if len(parts) == 2 && parts[1] != "" {
		return parts[0], parts[1]
	}
	return parts[0], "default"
}
