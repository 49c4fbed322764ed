package stratum

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/pkg/log"
)

// PortConfig is one listening port and its starting difficulty.
type PortConfig struct {
	Port       int
	Difficulty float64
}

// BanConfig configures IP banning.
type BanConfig struct {
	Enabled        bool
	Time           time.Duration
	InvalidPercent float64
	CheckThreshold int64
	PurgeInterval  time.Duration
}

// ServerConfig configures a stratum server.
type ServerConfig struct {
	ListenAddr            string
	Ports                 []PortConfig
	ConnectionTimeout     time.Duration
	WriteTimeout          time.Duration
	JobRebroadcastTimeout time.Duration
	Banning               BanConfig
}

// Server accepts miner connections on a set of ports, tracks their sessions
// and pushes jobs to all of them.
type Server struct {
	cfg    *ServerConfig
	hooks  *Hooks
	logger *log.Logger

	// subCounter feeds the per-connection subscription ids.
	subMu      sync.Mutex
	subCounter int64

	sessMu   sync.RWMutex
	sessions map[string]*Session

	banMu     sync.Mutex
	bannedIPs map[string]time.Time

	rebroadcastMu    sync.Mutex
	rebroadcastTimer *time.Timer

	// OnRebroadcastTimeout fires when no job was broadcast for the
	// rebroadcast timeout. Set before Start.
	OnRebroadcastTimeout func()

	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewServer creates a stratum server. The hooks' OnEvent is wrapped so the
// server can maintain its ban list before forwarding events.
func NewServer(cfg *ServerConfig, hooks *Hooks, logger *log.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.WithComponent("stratum"),
		sessions:  make(map[string]*Session),
		bannedIPs: make(map[string]time.Time),
	}

	wrapped := *hooks
	inner := hooks.OnEvent
	wrapped.OnEvent = func(sess *Session, ev Event) {
		if ev.Kind == EventBanTriggered {
			s.addBannedIP(sess.RemoteIP())
			s.logger.LogBanEvent("banned", sess.RemoteAddr(), sess.WorkerName())
		}
		if inner != nil {
			inner(sess, ev)
		}
	}
	s.hooks = &wrapped

	sessionDiff := wrapped.InitialDifficulty
	wrapped.InitialDifficulty = func(port int) float64 {
		if sessionDiff != nil {
			if d := sessionDiff(port); d > 0 {
				return d
			}
		}
		for _, p := range cfg.Ports {
			if p.Port == port {
				return p.Difficulty
			}
		}
		return 0
	}

	return s
}

// Start opens all listening ports and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	for _, pc := range s.cfg.Ports {
		addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, pc.Port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, listener)
		s.logger.Info("stratum port open", "address", addr, "difficulty", pc.Difficulty)

		s.wg.Add(1)
		go s.acceptLoop(ctx, listener, pc.Port)
	}

	if s.cfg.Banning.Enabled && s.cfg.Banning.PurgeInterval > 0 {
		s.wg.Add(1)
		go s.purgeLoop(ctx)
	}

	<-ctx.Done()
	s.closeListeners()
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, port int) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.WithError(err).Error("failed to accept connection")
				continue
			}
		}

		if !s.checkBan(conn) {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSession(ctx, conn, port)
		}()
	}
}

// checkBan enforces the ban list on a fresh connection. Expired bans are
// forgiven on contact.
func (s *Server) checkBan(conn net.Conn) bool {
	if !s.cfg.Banning.Enabled {
		return true
	}

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}

	s.banMu.Lock()
	bannedAt, banned := s.bannedIPs[ip]
	if banned {
		if time.Since(bannedAt) > s.cfg.Banning.Time {
			delete(s.bannedIPs, ip)
			banned = false
			s.logger.LogBanEvent("forgave", conn.RemoteAddr().String(), "")
		}
	}
	s.banMu.Unlock()

	if banned {
		s.logger.LogBanEvent("kicked", conn.RemoteAddr().String(), "")
		_ = conn.Close()
		return false
	}
	return true
}

func (s *Server) runSession(ctx context.Context, conn net.Conn, port int) {
	sessCfg := &SessionConfig{
		ConnectionTimeout: s.cfg.ConnectionTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		Banning: BanningPolicy{
			Enabled:        s.cfg.Banning.Enabled,
			CheckThreshold: s.cfg.Banning.CheckThreshold,
			InvalidPercent: s.cfg.Banning.InvalidPercent,
		},
	}

	session := NewSession(s.nextSubscriptionID(), conn, port, sessCfg, s.hooks, s.logger)

	s.sessMu.Lock()
	s.sessions[session.ID()] = session
	s.sessMu.Unlock()

	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, session.ID())
		s.sessMu.Unlock()
	}()

	session.Start(ctx)
}

// nextSubscriptionID returns the next connection's subscription id.
func (s *Server) nextSubscriptionID() string {
	s.subMu.Lock()
	s.subCounter++
	count := s.subCounter
	s.subMu.Unlock()
	return "deadbeefcafebabe" + hex.EncodeToString(chain.PackInt64LE(count))
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return len(s.sessions)
}

// BroadcastMiningJobs pushes a job to every session and rearms the
// rebroadcast timer.
func (s *Server) BroadcastMiningJobs(params chain.JobParams) {
	s.sessMu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.RUnlock()

	s.logger.LogJobDistribution(params.JobID, params.Height, params.CleanJobs, len(sessions))
	for _, sess := range sessions {
		sess.SendMiningJob(params)
	}

	if s.cfg.JobRebroadcastTimeout <= 0 || s.OnRebroadcastTimeout == nil {
		return
	}

	s.rebroadcastMu.Lock()
	if s.rebroadcastTimer != nil {
		s.rebroadcastTimer.Stop()
	}
	s.rebroadcastTimer = time.AfterFunc(s.cfg.JobRebroadcastTimeout, s.OnRebroadcastTimeout)
	s.rebroadcastMu.Unlock()
}

// addBannedIP records a ban for an IP.
func (s *Server) addBannedIP(ip string) {
	if !s.cfg.Banning.Enabled {
		return
	}
	s.banMu.Lock()
	s.bannedIPs[ip] = time.Now()
	s.banMu.Unlock()
}

// BannedIPCount returns the size of the ban list.
func (s *Server) BannedIPCount() int {
	s.banMu.Lock()
	defer s.banMu.Unlock()
	return len(s.bannedIPs)
}

// purgeLoop drops expired bans periodically so the list does not grow
// without bound.
func (s *Server) purgeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Banning.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.banMu.Lock()
			for ip, bannedAt := range s.bannedIPs {
				if time.Since(bannedAt) > s.cfg.Banning.Time {
					delete(s.bannedIPs, ip)
				}
			}
			s.banMu.Unlock()
		}
	}
}

// RelinquishSessions detaches and returns all sessions matching the filter.
// Detached sessions keep their connections alive but no longer receive jobs
// from this server.
func (s *Server) RelinquishSessions(filter func(*Session) bool) []*Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	var detached []*Session
	for id, sess := range s.sessions {
		if filter(sess) {
			detached = append(detached, sess)
			delete(s.sessions, id)
		}
	}
	return detached
}

// AdoptSession takes over a session relinquished by another server. The
// session is rebound to this server's hooks and re-authorized; its
// extranonce and difficulty are kept so outstanding work stays valid.
func (s *Server) AdoptSession(sess *Session) {
	sess.Rebind(s.hooks)
	sess.ManuallyAuthorize(sess.FullName(), sess.WorkerPass())

	s.sessMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessMu.Unlock()
}

// Shutdown closes all sessions and waits for goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down stratum server")

	s.closeListeners()

	s.rebroadcastMu.Lock()
	if s.rebroadcastTimer != nil {
		s.rebroadcastTimer.Stop()
	}
	s.rebroadcastMu.Unlock()

	s.sessMu.RLock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.sessMu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
}
