package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/kproxy/internal/control"
	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
)

// Sessions resolves a client id to its control connection.
type Sessions interface {
	Lookup(clientID uint64) (*control.Conn, bool)
}

// Limiter admits or rejects tunnel requests per key.
type Limiter interface {
	AllowRequest(key string) bool
}

type Config struct {
	AllocTimeout time.Duration // bound on the AllocTunnelRequest round trip
	DataTimeout  time.Duration // bound on the client's data connection arriving
	Limiter      Limiter
}

// pairing is what a pending slot receives: the client's data connection, or
// the reason none will come.
type pairing struct {
	nc  net.Conn
	err error
}

// pendingChannel is a public connection waiting for the client data connection
// that carries its conn_id.
type pendingChannel struct {
	tunnelID uint64
	clientID uint64
	created  time.Time
	ready    chan pairing
}

// Manager is the server side of tunnel negotiation.
type Manager struct {
	sessions Sessions
	cfg      Config
	lastID   atomic.Uint64

	mu       sync.Mutex
	tunnels  map[uint64]*Tunnel
	pending  map[uint64]*pendingChannel // conn_id -> waiting slot
	channels map[uint64]*DataChannel    // conn_id -> relaying channel
	closing  bool

	established atomic.Int64
	failed      atomic.Int64
}

func NewManager(sessions Sessions, cfg Config) *Manager {
	if cfg.AllocTimeout <= 0 {
		cfg.AllocTimeout = 10 * time.Second
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = 10 * time.Second
	}
	return &Manager{
		sessions: sessions,
		cfg:      cfg,
		tunnels:  make(map[uint64]*Tunnel),
		pending:  make(map[uint64]*pendingChannel),
		channels: make(map[uint64]*DataChannel),
	}
}

// RequestTunnel negotiates a tunnel to dest through clientID and returns the
// channel that relays local once Run is called. On failure nothing is left
// registered and local is untouched.
func (m *Manager) RequestTunnel(ctx context.Context, clientID uint64, dest proto.Address, local net.Conn) (*DataChannel, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	if m.cfg.Limiter != nil && !m.cfg.Limiter.AllowRequest(strconv.FormatUint(clientID, 10)) {
		m.fail("rate_limited")
		return nil, fmt.Errorf("%w: client %d", ErrRateLimited, clientID)
	}
	conn, ok := m.sessions.Lookup(clientID)
	if !ok {
		m.fail("client_offline")
		return nil, fmt.Errorf("%w: %d", ErrClientOffline, clientID)
	}

	t := &Tunnel{ID: m.lastID.Add(1), ClientID: clientID, Destination: dest, Created: time.Now(), state: Requested}
	connID, p, err := m.register(t)
	if err != nil {
		return nil, err
	}
	obs.Debug("tunnel.requested", obs.Fields{"tunnel_id": t.ID, "client_id": clientID, "destination": dest.String()})

	t.setState(Allocated)
	actx, cancel := context.WithTimeout(ctx, m.cfg.AllocTimeout)
	resp, err := conn.SendRequest(actx, &proto.AllocTunnelRequest{TunnelID: t.ID, ConnID: connID, Destination: dest})
	cancel()
	if err != nil {
		m.abandon(t, connID, p)
		switch {
		case errors.Is(err, control.ErrRequestTimedOut):
			m.fail("alloc_timeout")
			return nil, fmt.Errorf("%w: allocate tunnel %d: %w", ErrTimeout, t.ID, err)
		case errors.Is(err, control.ErrConnectionClosed):
			m.fail("client_offline")
			return nil, fmt.Errorf("%w: allocate tunnel %d: %w", ErrClientOffline, t.ID, err)
		}
		m.fail("alloc_error")
		return nil, fmt.Errorf("allocate tunnel %d: %w", t.ID, err)
	}
	ar, ok := resp.(*proto.AllocTunnelResponse)
	if !ok || ar.TunnelID != t.ID {
		m.abandon(t, connID, p)
		m.fail("alloc_mismatch")
		return nil, fmt.Errorf("%w: unexpected %s for tunnel %d", ErrAllocFailed, resp.Type(), t.ID)
	}
	if ar.Result != proto.ResultOK {
		m.abandon(t, connID, p)
		m.fail(ar.Result.String())
		return nil, &AllocError{TunnelID: t.ID, Result: ar.Result}
	}

	nc, err := m.awaitData(ctx, connID, p)
	if err != nil {
		m.closeTunnel(t)
		if errors.Is(err, ErrTimeout) {
			m.fail("data_timeout")
		} else {
			m.fail("data_failed")
		}
		return nil, fmt.Errorf("tunnel %d: %w", t.ID, err)
	}
	dc := m.activate(t, connID, local, nc)
	obs.Info("tunnel.active", obs.Fields{"tunnel_id": t.ID, "conn_id": connID, "client_id": clientID, "destination": dest.String()})
	return dc, nil
}

func (m *Manager) fail(reason string) {
	m.failed.Add(1)
	obs.TunnelFailedTotal.WithLabelValues(reason).Inc()
}

// register records t and reserves a fresh conn_id for its first channel.
func (m *Manager) register(t *Tunnel) (uint64, *pendingChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return 0, nil, ErrManagerClosed
	}
	var connID uint64
	for {
		id, err := randomConnID()
		if err != nil {
			return 0, nil, err
		}
		if _, taken := m.pending[id]; !taken && id != 0 {
			if _, taken := m.channels[id]; !taken {
				connID = id
				break
			}
		}
	}
	p := &pendingChannel{tunnelID: t.ID, clientID: t.ClientID, created: time.Now(), ready: make(chan pairing, 1)}
	m.tunnels[t.ID] = t
	m.pending[connID] = p
	obs.ActiveTunnels.Set(float64(len(m.tunnels)))
	obs.PendingChannels.Set(float64(len(m.pending)))
	return connID, p, nil
}

func randomConnID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("conn id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (m *Manager) popPending(connID uint64) *pendingChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending[connID]
	delete(m.pending, connID)
	obs.PendingChannels.Set(float64(len(m.pending)))
	return p
}

// abandon drops a tunnel whose allocation failed before its data connection
// was awaited.
func (m *Manager) abandon(t *Tunnel, connID uint64, p *pendingChannel) {
	if m.popPending(connID) == nil {
		// paired or failed concurrently
		if r := <-p.ready; r.nc != nil {
			_ = r.nc.Close()
		}
	}
	m.closeTunnel(t)
}

func (m *Manager) closeTunnel(t *Tunnel) {
	t.setState(Closed)
	m.mu.Lock()
	delete(m.tunnels, t.ID)
	obs.ActiveTunnels.Set(float64(len(m.tunnels)))
	m.mu.Unlock()
}

func (m *Manager) awaitData(ctx context.Context, connID uint64, p *pendingChannel) (net.Conn, error) {
	timer := time.NewTimer(m.cfg.DataTimeout)
	defer timer.Stop()
	select {
	case r := <-p.ready:
		return r.nc, r.err
	case <-ctx.Done():
	case <-timer.C:
	}
	if m.popPending(connID) == nil {
		// paired or failed concurrently; the result is already buffered
		r := <-p.ready
		if r.err == nil && ctx.Err() != nil {
			_ = r.nc.Close()
			return nil, ctx.Err()
		}
		return r.nc, r.err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: no data connection for conn %d", ErrTimeout, connID)
}

func (m *Manager) activate(t *Tunnel, connID uint64, local, remote net.Conn) *DataChannel {
	dc := &DataChannel{ConnID: connID, Tunnel: t, Local: local, Remote: remote, m: m, started: time.Now()}
	t.addChannel()
	m.mu.Lock()
	m.channels[connID] = dc
	m.mu.Unlock()
	m.established.Add(1)
	obs.TunnelEstablishedTotal.Inc()
	obs.ActiveChannels.Inc()
	return dc
}

func (m *Manager) release(dc *DataChannel) {
	m.mu.Lock()
	delete(m.channels, dc.ConnID)
	m.mu.Unlock()
	obs.ActiveChannels.Dec()
	if !dc.Tunnel.removeChannel() {
		return
	}
	m.closeTunnel(dc.Tunnel)
}

// HandleData reads the DataHello on a fresh data connection and hands the
// socket to the pending channel that owns its conn_id.
func (m *Manager) HandleData(nc net.Conn) {
	_ = nc.SetReadDeadline(time.Now().Add(m.cfg.DataTimeout))
	f, err := proto.ReadFrame(nc, 64)
	if err != nil {
		obs.Error("data.read", obs.Fields{"remote": nc.RemoteAddr().String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("data_read").Inc()
		_ = nc.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})
	if f.Kind != proto.KindRequest || f.Type != proto.TypeDataHello {
		obs.Error("data.unexpected_frame", obs.Fields{"remote": nc.RemoteAddr().String(), "type": f.Type.String()})
		obs.ErrorsTotal.WithLabelValues("data_frame").Inc()
		_ = nc.Close()
		return
	}
	msg, err := proto.Unmarshal(f.Type, f.Payload)
	if err != nil {
		obs.Error("data.decode", obs.Fields{"remote": nc.RemoteAddr().String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("data_decode").Inc()
		_ = nc.Close()
		return
	}
	hello := msg.(*proto.DataHello)

	m.mu.Lock()
	p := m.pending[hello.ConnID]
	if p != nil && p.tunnelID == hello.TunnelID {
		delete(m.pending, hello.ConnID)
	} else {
		p = nil
	}
	obs.PendingChannels.Set(float64(len(m.pending)))
	m.mu.Unlock()
	if p == nil {
		obs.Error("data.no_pending", obs.Fields{"tunnel_id": hello.TunnelID, "conn_id": hello.ConnID})
		obs.ErrorsTotal.WithLabelValues("no_pending").Inc()
		_ = nc.Close()
		return
	}
	p.ready <- pairing{nc: nc}
}

// Serve accepts data connections on ln until ctx ends or ln is closed.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.data.timeout", obs.Fields{"err": err})
				continue
			}
			return
		}
		go m.HandleData(c)
	}
}

// FailClient fails every channel still waiting on clientID's data connection.
func (m *Manager) FailClient(clientID uint64) int {
	var failed []*pendingChannel
	m.mu.Lock()
	for id, p := range m.pending {
		if p.clientID == clientID {
			failed = append(failed, p)
			delete(m.pending, id)
		}
	}
	obs.PendingChannels.Set(float64(len(m.pending)))
	m.mu.Unlock()
	for _, p := range failed {
		p.ready <- pairing{err: fmt.Errorf("%w: %d", ErrClientOffline, clientID)}
	}
	return len(failed)
}

// CleanupExpired fails pending channels older than maxAge.
func (m *Manager) CleanupExpired(maxAge time.Duration) int {
	var expired []*pendingChannel
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	for id, p := range m.pending {
		if p.created.Before(cutoff) {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	obs.PendingChannels.Set(float64(len(m.pending)))
	m.mu.Unlock()
	for _, p := range expired {
		p.ready <- pairing{err: fmt.Errorf("%w: data connection expired", ErrTimeout)}
	}
	return len(expired)
}

// Close fails pending channels, tears down relaying ones and refuses new work.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	pending := m.pending
	m.pending = make(map[uint64]*pendingChannel)
	channels := make([]*DataChannel, 0, len(m.channels))
	for _, dc := range m.channels {
		channels = append(channels, dc)
	}
	obs.PendingChannels.Set(0)
	m.mu.Unlock()
	for _, p := range pending {
		p.ready <- pairing{err: ErrManagerClosed}
	}
	for _, dc := range channels {
		dc.Close()
	}
}

// Stats is a summary of manager activity.
type Stats struct {
	Tunnels     int   `json:"tunnels"`
	Pending     int   `json:"pending"`
	Channels    int   `json:"channels"`
	Established int64 `json:"established_total"`
	Failed      int64 `json:"failed_total"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Tunnels:     len(m.tunnels),
		Pending:     len(m.pending),
		Channels:    len(m.channels),
		Established: m.established.Load(),
		Failed:      m.failed.Load(),
	}
}

// Snapshot lists live tunnels ordered by id.
func (m *Manager) Snapshot() []TunnelInfo {
	now := time.Now()
	m.mu.Lock()
	out := make([]TunnelInfo, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t.info(now))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DataChannel is one public connection relayed through a tunnel.
type DataChannel struct {
	ConnID uint64
	Tunnel *Tunnel
	Local  net.Conn // public side, e.g. the SOCKS client
	Remote net.Conn // client's data connection

	m         *Manager
	started   time.Time
	closeOnce sync.Once
}

// Run relays until both directions finish or ctx ends, then releases the channel.
func (dc *DataChannel) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = dc.Local.Close()
		_ = dc.Remote.Close()
	})
	defer stop()
	up, down, err := Relay(dc.Local, dc.Remote)
	obs.RelayBytesTotal.WithLabelValues("upstream").Add(float64(up))
	obs.RelayBytesTotal.WithLabelValues("downstream").Add(float64(down))
	fields := obs.Fields{
		"tunnel_id": dc.Tunnel.ID,
		"conn_id":   dc.ConnID,
		"sent":      sizestr.ToString(up),
		"received":  sizestr.ToString(down),
		"duration":  time.Since(dc.started).String(),
	}
	if err != nil {
		fields["err"] = err
		obs.ErrorsTotal.WithLabelValues("relay").Inc()
		obs.Warn("tunnel.channel.closed", fields)
	} else {
		obs.Info("tunnel.channel.closed", fields)
	}
	dc.finish()
	return err
}

// Close tears down a channel without relaying, e.g. when the front end fails
// to report success to its client.
func (dc *DataChannel) Close() {
	_ = dc.Local.Close()
	_ = dc.Remote.Close()
	dc.finish()
}

func (dc *DataChannel) finish() {
	dc.closeOnce.Do(func() {
		obs.TunnelDurationSeconds.Observe(time.Since(dc.started).Seconds())
		dc.m.release(dc)
	})
}
