// Package server wires the control, data and SOCKS listeners to the session
// registry and the tunnel manager.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/kproxy/internal/auth"
	"github.com/matst80/kproxy/internal/control"
	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
	"github.com/matst80/kproxy/internal/ratelimit"
	"github.com/matst80/kproxy/internal/session"
	"github.com/matst80/kproxy/internal/socks5"
	"github.com/matst80/kproxy/internal/tunnel"
)

type Config struct {
	AuthTimeout      time.Duration
	AllocTimeout     time.Duration
	DataTimeout      time.Duration
	HandshakeTimeout time.Duration
	SweepInterval    time.Duration
	MaxPayload       uint32
	SocksClientID    uint64 // client that SOCKS connections are routed through
	Limits           ratelimit.Limits
}

func (c *Config) setDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.AllocTimeout <= 0 {
		c.AllocTimeout = 10 * time.Second
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
}

type Server struct {
	ID       string
	cfg      Config
	auth     auth.Authenticator
	sessions *session.Registry
	tunnels  *tunnel.Manager
	limiter  *ratelimit.RateLimiter
	socks    *socks5.Server
	started  time.Time

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg Config, authn auth.Authenticator) *Server {
	cfg.setDefaults()
	s := &Server{
		ID:       uuid.NewString(),
		cfg:      cfg,
		auth:     authn,
		sessions: session.NewRegistry(),
		started:  time.Now(),
	}
	tcfg := tunnel.Config{AllocTimeout: cfg.AllocTimeout, DataTimeout: cfg.DataTimeout}
	if cfg.Limits.Enabled() {
		s.limiter = ratelimit.New(cfg.Limits)
		tcfg.Limiter = s.limiter
	}
	s.tunnels = tunnel.NewManager(s.sessions, tcfg)
	s.socks = &socks5.Server{
		Tunnels:          s.tunnels,
		ClientID:         cfg.SocksClientID,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if s.limiter != nil {
		s.socks.Limiter = s.limiter
	}
	return s
}

func (s *Server) Sessions() *session.Registry { return s.sessions }
func (s *Server) Tunnels() *tunnel.Manager    { return s.tunnels }
func (s *Server) Ready() bool                 { return s.ready.Load() }

// Serve runs until ctx ends, then closes the listeners, every session and
// every tunnel. socksLn may be nil.
func (s *Server) Serve(ctx context.Context, ctrlLn, dataLn, socksLn net.Listener) error {
	if ctrlLn == nil || dataLn == nil {
		return errors.New("server: control and data listeners are required")
	}
	s.spawn(func() { s.acceptControl(ctx, ctrlLn) })
	s.spawn(func() { s.tunnels.Serve(ctx, dataLn) })
	if socksLn != nil {
		s.spawn(func() { s.socks.Serve(ctx, socksLn) })
	}
	s.spawn(func() { s.maintain(ctx) })
	s.ready.Store(true)
	obs.Info("server.started", obs.Fields{"instance": s.ID, "control": ctrlLn.Addr().String(), "data": dataLn.Addr().String(), "socks_client": s.cfg.SocksClientID})

	<-ctx.Done()
	s.ready.Store(false)
	_ = ctrlLn.Close()
	_ = dataLn.Close()
	if socksLn != nil {
		_ = socksLn.Close()
	}
	s.sessions.CloseAll()
	s.tunnels.Close()
	s.wg.Wait()
	obs.Info("server.stopped", obs.Fields{"instance": s.ID})
	return nil
}

func (s *Server) spawn(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *Server) acceptControl(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err})
				continue
			}
			return
		}
		go s.HandleControl(c)
	}
}

// maintain sweeps stale pending channels and idle rate limit buckets.
func (s *Server) maintain(ctx context.Context) {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.tunnels.CleanupExpired(s.cfg.DataTimeout); n > 0 {
				obs.Info("tunnel.pending_expired", obs.Fields{"count": n})
			}
			if s.limiter != nil {
				s.limiter.CleanupIdle(10 * time.Minute)
			}
		}
	}
}

// controlSession is the per-connection authentication state.
type controlSession struct {
	mu       sync.Mutex
	started  bool
	authed   bool
	closed   bool // set once the connection is done; nothing registers after it
	clientID uint64
}

// HandleControl serves one control connection: authentication first, then the
// connection stays registered until it closes.
func (s *Server) HandleControl(nc net.Conn) {
	remote := nc.RemoteAddr().String()
	conn := control.New(nc, control.Config{Name: remote, MaxPayload: s.cfg.MaxPayload})
	cs := &controlSession{}

	_ = conn.Handle(proto.TypeAuthRequest, func(ctx context.Context, msg proto.Message) (proto.Message, error) {
		return s.authenticate(ctx, conn, cs, msg.(*proto.AuthRequest))
	})
	for _, t := range []proto.Type{proto.TypeAllocTunnelRequest, proto.TypeDataHello} {
		_ = conn.Handle(t, func(ctx context.Context, msg proto.Message) (proto.Message, error) {
			cs.mu.Lock()
			authed := cs.authed
			cs.mu.Unlock()
			if !authed {
				return nil, proto.ErrNotAuthenticated
			}
			return nil, &proto.ProtocolError{Code: proto.CodeUnknownCommand, Message: msg.Type().String()}
		})
	}

	timer := time.AfterFunc(s.cfg.AuthTimeout, func() {
		cs.mu.Lock()
		authed := cs.authed
		cs.mu.Unlock()
		if !authed {
			obs.Warn("control.auth_timeout", obs.Fields{"remote": remote})
			obs.ErrorsTotal.WithLabelValues("auth_timeout").Inc()
			conn.Close()
		}
	})
	conn.Start()
	<-conn.Done()
	timer.Stop()

	cs.mu.Lock()
	cs.closed = true
	authed, clientID := cs.authed, cs.clientID
	cs.mu.Unlock()
	if !authed {
		return
	}
	if !s.sessions.Release(clientID, conn) {
		// Pending channels are keyed by client, so they may already belong to
		// the replacing session. They complete or expire with the data timeout.
		obs.Info("session.superseded_closed", obs.Fields{"client_id": clientID, "remote": remote})
		return
	}
	failed := s.tunnels.FailClient(clientID)
	obs.Info("session.closed", obs.Fields{"client_id": clientID, "remote": remote, "failed_pending": failed, "cause": conn.Err()})
}

func (s *Server) authenticate(ctx context.Context, conn *control.Conn, cs *controlSession, req *proto.AuthRequest) (proto.Message, error) {
	cs.mu.Lock()
	if cs.started {
		cs.mu.Unlock()
		return nil, &proto.ProtocolError{Code: proto.CodeHandlerFailed, Message: "already authenticated"}
	}
	cs.started = true
	cs.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	id, err := s.auth.Authenticate(actx, req.DeviceToken)
	cancel()
	if err != nil {
		obs.Warn("control.auth_failed", obs.Fields{"remote": conn.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("auth_failed").Inc()
		msg := "unknown device token"
		if !errors.Is(err, auth.ErrUnknownToken) {
			msg = "authentication unavailable"
		}
		return nil, control.Terminal(&proto.ProtocolError{Code: proto.CodeAuthFailed, Message: msg})
	}

	// Registration and the close path serialize on cs.mu: either the session
	// is registered before closed is set and HandleControl releases it, or the
	// connection is already gone and nothing is registered.
	cs.mu.Lock()
	select {
	case <-conn.Done():
		cs.closed = true
	default:
	}
	if cs.closed {
		cs.mu.Unlock()
		obs.Warn("control.closed_during_auth", obs.Fields{"remote": conn.String(), "client_id": id.ClientID})
		return nil, control.ErrConnectionClosed
	}
	cs.authed = true
	cs.clientID = id.ClientID
	old := s.sessions.Register(id.ClientID, conn)
	cs.mu.Unlock()
	if old != nil {
		obs.Info("session.replaced", obs.Fields{"client_id": id.ClientID, "old": old.String(), "new": conn.String()})
		old.Close()
	}
	obs.Info("session.registered", obs.Fields{"client_id": id.ClientID, "device_id": id.DeviceID, "remote": conn.String()})
	return &proto.AuthResponse{ClientID: id.ClientID, DeviceID: id.DeviceID}, nil
}

// Stats is the operational view served on /api/state.
type Stats struct {
	InstanceID    string              `json:"instance_id"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Ready         bool                `json:"ready"`
	Sessions      []session.Info      `json:"sessions"`
	Tunnels       []tunnel.TunnelInfo `json:"tunnels"`
	Totals        tunnel.Stats        `json:"totals"`
}

func (s *Server) Stats() Stats {
	return Stats{
		InstanceID:    s.ID,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Ready:         s.Ready(),
		Sessions:      s.sessions.Snapshot(),
		Tunnels:       s.tunnels.Snapshot(),
		Totals:        s.tunnels.Stats(),
	}
}
