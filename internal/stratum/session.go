package stratum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/pkg/log"
)

// Difficulty band accepted for sessions. The target encoding switches from
// 4 to 8 little-endian bytes at the crossover.
const (
	MinDifficulty    = float64(1) / 0xffff
	MiddleDifficulty = float64(0xffff)
	MaxDifficulty    = float64(0xffffffffffff)
)

// floodLimit caps buffered unframed input per connection.
const floodLimit = 10 * 1024

// EventKind classifies session lifecycle events.
type EventKind int

// Session lifecycle events delivered through Hooks.OnEvent.
const (
	EventAuthorized EventKind = iota
	EventDisconnected
	EventMalformedMessage
	EventUnknownMethod
	EventSocketFlooded
	EventSocketTimeout
	EventBanTriggered
	EventDifficultyChanged
)

// Event is a session lifecycle notification.
type Event struct {
	Kind   EventKind
	Detail string
}

// AuthResult is the outcome of an authorization callback.
type AuthResult struct {
	Authorized bool
	// Disconnect tells the session to drop the connection regardless.
	Disconnect bool
}

// SubmitOutcome is the pool's verdict on one submitted share.
type SubmitOutcome struct {
	Accepted   bool
	ErrCode    int
	ErrMessage string
}

// Hooks connect a session to pool logic. All callbacks are registered at
// construction; none may be nil except OnEvent.
type Hooks struct {
	// Authorize decides whether a worker may mine.
	Authorize func(remoteAddr string, port int, workerName, password string) AuthResult
	// AssignExtraNonce hands out the session extranonce at login.
	AssignExtraNonce func() string
	// InitialDifficulty returns the starting difficulty for a port,
	// or 0 for the default.
	InitialDifficulty func(port int) float64
	// CurrentJob returns the job to include in login responses.
	CurrentJob func() (chain.JobParams, bool)
	// SubmitShare validates a share against the job registry.
	SubmitShare func(s *Session, p *SubmitParams) SubmitOutcome
	// OnEvent observes session lifecycle events. Optional.
	OnEvent func(s *Session, ev Event)
}

// BanningPolicy configures share-quality banning for sessions.
type BanningPolicy struct {
	Enabled        bool
	CheckThreshold int64
	InvalidPercent float64
}

// SessionConfig holds per-session settings.
type SessionConfig struct {
	// ConnectionTimeout closes sessions that have not submitted for this
	// long, checked when jobs are pushed.
	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	Banning           BanningPolicy
}

// Session represents one miner connection and its protocol state machine.
type Session struct {
	id   string
	conn net.Conn
	port int
	cfg  *SessionConfig
	// hooks may be swapped when a session is transplanted to another
	// server, concurrently with the read loop.
	hooks  atomic.Pointer[Hooks]
	logger *log.Logger

	mu                 sync.RWMutex
	loggedIn           bool
	authorized         bool
	fullName           string
	workerName         string
	workerPass         string
	workerAgent        string
	extraNonce1        string
	difficulty         float64
	previousDifficulty float64
	pendingDifficulty  *float64
	target             string
	lastActivity       time.Time
	validShares        int64
	invalidShares      int64

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session for an accepted connection. port is the local
// listening port the miner connected to.
func NewSession(id string, conn net.Conn, port int, cfg *SessionConfig, hooks *Hooks, logger *log.Logger) *Session {
	s := &Session{
		id:           id,
		conn:         conn,
		port:         port,
		cfg:          cfg,
		logger:       logger.WithSession(id, conn.RemoteAddr().String()),
		lastActivity: time.Now(),
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
	s.hooks.Store(hooks)
	return s
}

// Rebind points the session at another server's hooks. Used when
// transplanting a live connection between servers.
func (s *Session) Rebind(hooks *Hooks) {
	s.hooks.Store(hooks)
}

// Start begins processing the session. It blocks until the connection ends.
func (s *Session) Start(ctx context.Context) {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)
	s.readLoop(ctx)

	s.emit(Event{Kind: EventDisconnected})
}

// readLoop frames newline-delimited messages, retaining partial lines and
// dropping the connection when unframed input exceeds the flood limit.
func (s *Session) readLoop(ctx context.Context) {
	defer s.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	var data []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if s.cfg.ConnectionTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.ConnectionTimeout)); err != nil {
				return
			}
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)

			if len(data) > floodLimit {
				s.emit(Event{Kind: EventSocketFlooded})
				s.triggerBan("socket flooding")
				return
			}

			for {
				idx := bytes.IndexByte(data, '\n')
				if idx < 0 {
					break
				}
				line := data[:idx]
				data = data[idx+1:]
				if len(line) == 0 {
					continue
				}
				if !s.handleLine(line) {
					return
				}
			}
		}

		if err != nil {
			return
		}
	}
}

// handleLine parses and dispatches one message. Returns false when the
// session must end.
func (s *Session) handleLine(line []byte) bool {
	s.logger.LogStratumMessage("received", string(line))

	msg := GetMessage()
	defer PutMessage(msg)
	if err := json.Unmarshal(line, msg); err != nil {
		s.emit(Event{Kind: EventMalformedMessage, Detail: string(line)})
		return false
	}

	switch msg.Method {
	case "login":
		s.handleLogin(msg)
	case "submit":
		s.touch()
		s.handleSubmit(msg)
	case "keepalived":
		s.touch()
		s.send(NewResponse(msg.ID, &StatusResult{Status: "KEEPALIVED"}))
	default:
		s.emit(Event{Kind: EventUnknownMethod, Detail: msg.Method})
	}
	return true
}

func (s *Session) handleLogin(msg *Message) {
	p, err := ParseLoginParams(msg.Params)
	if err != nil {
		s.send(NewErrorResponse(msg.ID, NewError(ErrOther, "malformed login")))
		return
	}

	s.mu.Lock()
	s.fullName = p.Login
	s.workerName = strings.SplitN(p.Login, ".", 2)[0]
	s.workerPass = p.Pass
	s.workerAgent = p.Agent
	workerName, workerPass := s.workerName, s.workerPass
	s.mu.Unlock()

	auth := s.hooks.Load().Authorize(s.RemoteAddr(), s.port, workerName, workerPass)
	if !auth.Authorized {
		s.send(NewErrorResponse(msg.ID, NewError(ErrUnauthorized, "unauthorized worker")))
		if auth.Disconnect {
			s.Close()
		}
		return
	}

	extraNonce1 := s.hooks.Load().AssignExtraNonce()

	s.mu.Lock()
	s.authorized = true
	s.loggedIn = true
	s.extraNonce1 = extraNonce1
	s.mu.Unlock()

	if auth.Disconnect {
		s.Close()
		return
	}

	if diff := s.hooks.Load().InitialDifficulty(s.port); diff > 0 {
		s.SendDifficulty(diff)
	} else {
		s.SendDifficulty(8)
	}

	job, ok := s.hooks.Load().CurrentJob()
	if !ok {
		s.send(NewErrorResponse(msg.ID, NewError(ErrOther, "no job available")))
		return
	}

	blob, err := s.jobBlob(job.Header)
	if err != nil {
		s.logger.WithError(err).Error("failed to build login job blob")
		s.send(NewErrorResponse(msg.ID, NewError(ErrOther, "internal error")))
		return
	}

	s.send(NewResponse(msg.ID, &LoginResult{
		ID:     s.id,
		Job:    &JobNotice{JobID: job.JobID, Blob: blob, Target: s.Target()},
		Status: "OK",
	}))
	s.emit(Event{Kind: EventAuthorized})
}

func (s *Session) handleSubmit(msg *Message) {
	if !s.IsAuthorized() {
		s.send(NewErrorResponse(msg.ID, NewError(ErrUnauthorized, "unauthorized worker")))
		s.considerBan(false)
		return
	}
	if s.ExtraNonce1() == "" {
		s.send(NewErrorResponse(msg.ID, NewError(ErrNotLoggedIn, "not logged in")))
		s.considerBan(false)
		return
	}

	p, err := ParseSubmitParams(msg.Params)
	if err != nil {
		s.send(NewErrorResponse(msg.ID, NewError(ErrOther, "malformed submit")))
		s.considerBan(false)
		return
	}

	outcome := s.hooks.Load().SubmitShare(s, p)

	if s.considerBan(outcome.Accepted) {
		return
	}

	if outcome.Accepted {
		s.send(NewResponse(msg.ID, &StatusResult{Status: "OK"}))
	} else {
		s.send(NewErrorResponse(msg.ID, NewError(outcome.ErrCode, outcome.ErrMessage)))
	}
}

// considerBan updates the share counters and enforces the banning policy.
// Returns true when the session was banned and destroyed.
func (s *Session) considerBan(shareValid bool) bool {
	banning := s.cfg.Banning
	if !banning.Enabled {
		return false
	}

	s.mu.Lock()
	if shareValid {
		s.validShares++
	} else {
		s.invalidShares++
	}
	total := s.validShares + s.invalidShares
	if total < banning.CheckThreshold {
		s.mu.Unlock()
		return false
	}

	percentBad := float64(s.invalidShares) / float64(total) * 100
	if percentBad < banning.InvalidPercent {
		s.validShares, s.invalidShares = 0, 0
		s.mu.Unlock()
		return false
	}

	invalid := s.invalidShares
	s.mu.Unlock()

	s.triggerBan(fmt.Sprintf("%d out of the last %d shares were invalid", invalid, total))
	return true
}

func (s *Session) triggerBan(reason string) {
	s.emit(Event{Kind: EventBanTriggered, Detail: reason})
	s.Close()
}

// SendDifficulty applies a new difficulty immediately if it is inside the
// accepted band and differs from the current one. Returns whether it took
// effect.
func (s *Session) SendDifficulty(difficulty float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendDifficultyLocked(difficulty)
}

func (s *Session) sendDifficultyLocked(difficulty float64) bool {
	if difficulty == s.difficulty {
		return false
	}
	if difficulty < MinDifficulty || difficulty > MaxDifficulty {
		s.logger.Warn("difficulty outside accepted band", "difficulty", difficulty)
		return false
	}

	s.previousDifficulty = s.difficulty
	s.difficulty = difficulty

	if difficulty <= MiddleDifficulty {
		s.target = hex.EncodeToString(chain.PackUint32LE(uint32(MiddleDifficulty / difficulty)))
	} else {
		s.target = hex.EncodeToString(chain.PackInt64LE(int64(MaxDifficulty / difficulty)))
	}
	return true
}

// EnqueueNextDifficulty requests a difficulty change that takes effect at
// the next job broadcast.
func (s *Session) EnqueueNextDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDifficulty = &difficulty
}

// SendMiningJob pushes a job to the miner, applying any pending difficulty
// first. Sessions idle past the connection timeout are dropped here.
func (s *Session) SendMiningJob(params chain.JobParams) {
	if s.cfg.ConnectionTimeout > 0 {
		idle := time.Since(s.LastActivity())
		if idle > s.cfg.ConnectionTimeout {
			s.emit(Event{
				Kind:   EventSocketTimeout,
				Detail: fmt.Sprintf("last submitted a share %d seconds ago", int(idle.Seconds())),
			})
			s.Close()
			return
		}
	}

	s.mu.Lock()
	if s.pendingDifficulty != nil {
		changed := s.sendDifficultyLocked(*s.pendingDifficulty)
		s.pendingDifficulty = nil
		if changed {
			diff := s.difficulty
			s.mu.Unlock()
			s.emit(Event{Kind: EventDifficultyChanged, Detail: fmt.Sprintf("%g", diff)})
			s.mu.Lock()
		}
	}
	loggedIn := s.loggedIn
	target := s.target
	s.mu.Unlock()

	// Nothing to push until the miner has logged in.
	if !loggedIn {
		return
	}

	blob, err := s.jobBlob(params.Header)
	if err != nil {
		s.logger.WithError(err).Error("failed to build job blob")
		return
	}

	s.send(NewJobNotification(&JobNotice{JobID: params.JobID, Blob: blob, Target: target}))
}

// jobBlob places the incomplete header and the session extranonce into the
// 140-byte work blob. The 4 bytes between them are the miner's extranonce2
// rolling space.
func (s *Session) jobBlob(headerHex string) (string, error) {
	header, err := hex.DecodeString(headerHex)
	if err != nil || len(header) != chain.IncompleteHeaderSize {
		return "", fmt.Errorf("bad incomplete header of %d hex chars", len(headerHex))
	}
	extraNonce1, err := hex.DecodeString(s.ExtraNonce1())
	if err != nil || len(extraNonce1) != 28 {
		return "", fmt.Errorf("bad session extranonce")
	}

	blob := make([]byte, chain.HeaderSize)
	copy(blob, header)
	copy(blob[112:], extraNonce1)
	return hex.EncodeToString(blob), nil
}

// ManuallyAuthorize runs the authorization callback without replying to the
// miner. Used when transplanting sessions between servers.
func (s *Session) ManuallyAuthorize(fullName, password string) {
	s.mu.Lock()
	s.fullName = fullName
	s.workerName = strings.SplitN(fullName, ".", 2)[0]
	s.workerPass = password
	workerName := s.workerName
	s.mu.Unlock()

	auth := s.hooks.Load().Authorize(s.RemoteAddr(), s.port, workerName, password)

	s.mu.Lock()
	s.authorized = auth.Authorized
	s.loggedIn = auth.Authorized
	s.mu.Unlock()

	if auth.Disconnect {
		s.Close()
	}
}

// ManuallySetValues copies mining state from another session during a
// transplant.
func (s *Session) ManuallySetValues(other *Session) {
	other.mu.RLock()
	extraNonce1 := other.extraNonce1
	difficulty := other.difficulty
	previous := other.previousDifficulty
	target := other.target
	other.mu.RUnlock()

	s.mu.Lock()
	s.extraNonce1 = extraNonce1
	s.difficulty = difficulty
	s.previousDifficulty = previous
	s.target = target
	s.mu.Unlock()
}

// writeLoop serializes all writes to the connection.
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.cfg.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
					return
				}
			}

			data = append(data, '\n')
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				return
			}

			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

func (s *Session) send(msg *Message) {
	data, err := MarshalMessage(msg)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal message")
		return
	}

	select {
	case s.outbound <- data:
	case <-s.done:
	default:
		s.logger.Warn("outbound channel full, dropping message")
	}
}

func (s *Session) emit(ev Event) {
	if h := s.hooks.Load(); h.OnEvent != nil {
		h.OnEvent(s, ev)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Close shuts the session down. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Accessors

// ID returns the subscription id assigned at accept time.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// RemoteIP returns the remote address without the port.
func (s *Session) RemoteIP() string {
	host, _, err := net.SplitHostPort(s.RemoteAddr())
	if err != nil {
		return s.RemoteAddr()
	}
	return host
}

// Port returns the local listening port the miner connected to.
func (s *Session) Port() int {
	return s.port
}

// IsAuthorized reports whether the worker passed authorization.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// FullName returns the complete login (address.worker).
func (s *Session) FullName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fullName
}

// WorkerName returns the address part of the login.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// WorkerPass returns the password supplied at login.
func (s *Session) WorkerPass() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerPass
}

// ExtraNonce1 returns the session extranonce.
func (s *Session) ExtraNonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// Difficulty returns the assigned share difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// PreviousDifficulty returns the difficulty before the last retarget.
func (s *Session) PreviousDifficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previousDifficulty
}

// Target returns the wire-encoded share target for the current difficulty.
func (s *Session) Target() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// LastActivity returns when the session last submitted or connected.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Label identifies the session in logs.
func (s *Session) Label() string {
	name := s.WorkerName()
	if name == "" {
		name = "(unauthorized)"
	}
	return name + " [" + s.RemoteAddr() + "]"
}
