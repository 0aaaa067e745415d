// Package client keeps a device's control session to the server alive and
// serves the server's tunnel allocations.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/kproxy/internal/control"
	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
	"github.com/matst80/kproxy/internal/tunnel"
)

type Config struct {
	ServerAddr       string
	DataAddr         string
	Token            string
	DialTimeout      time.Duration
	MaxRetryInterval time.Duration
	MaxRetryCount    int // negative retries forever
	GracePeriod      time.Duration
	MaxPayload       uint32
	TLS              *tls.Config // nil dials plain TCP

	// Dial reaches tunnel destinations. Defaults to a net.Dialer.
	Dial tunnel.DialFunc
}

// Client runs one control session at a time and reconnects with backoff.
type Client struct {
	cfg   Config
	agent *tunnel.Agent

	mu       sync.Mutex
	identity proto.AuthResponse
	authed   bool
}

func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	c := &Client{cfg: cfg}
	c.agent = tunnel.NewAgent(tunnel.AgentConfig{
		DialTimeout: cfg.DialTimeout,
		Dial:        cfg.Dial,
		DialData:    func(ctx context.Context) (net.Conn, error) { return c.dial(ctx, cfg.DataAddr) },
	})
	return c
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if c.cfg.TLS == nil {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: c.cfg.TLS}
	return td.DialContext(ctx, "tcp", addr)
}

// Identity returns what the server assigned on the current session.
func (c *Client) Identity() (clientID, deviceID uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.ClientID, c.identity.DeviceID, c.authed
}

// Run keeps a session up until ctx ends, the server rejects the token, or
// the retry budget is spent. On shutdown active channels get GracePeriod to
// drain.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	b := &backoff.Backoff{Max: c.cfg.MaxRetryInterval}
	for {
		established, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, proto.ErrAuthFailed) {
			obs.Error("client.auth_failed", obs.Fields{"server": c.cfg.ServerAddr, "err": err})
			return err
		}
		if established {
			b.Reset()
		}
		attempt := int(b.Attempt())
		fields := obs.Fields{"server": c.cfg.ServerAddr, "err": err, "attempt": attempt + 1}
		if c.cfg.MaxRetryCount >= 0 && attempt >= c.cfg.MaxRetryCount {
			obs.Error("client.giving_up", fields)
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}
		d := b.Duration()
		fields["retry_in"] = d.String()
		obs.Warn("client.disconnected", fields)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// runOnce dials, authenticates and blocks until the session ends. It reports
// whether authentication succeeded.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	nc, err := c.dial(ctx, c.cfg.ServerAddr)
	if err != nil {
		return false, fmt.Errorf("dial control: %w", err)
	}
	conn := control.New(nc, control.Config{Name: "server", MaxPayload: c.cfg.MaxPayload})
	if err := conn.Handle(proto.TypeAllocTunnelRequest, c.agent.HandleAlloc); err != nil {
		conn.Close()
		return false, err
	}
	conn.Start()

	actx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	resp, err := conn.SendRequest(actx, &proto.AuthRequest{DeviceToken: c.cfg.Token})
	cancel()
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("authenticate: %w", err)
	}
	ar, ok := resp.(*proto.AuthResponse)
	if !ok {
		conn.Close()
		return false, fmt.Errorf("authenticate: unexpected %s", resp.Type())
	}
	c.mu.Lock()
	c.identity = *ar
	c.authed = true
	c.mu.Unlock()
	obs.Info("client.authenticated", obs.Fields{"server": c.cfg.ServerAddr, "client_id": ar.ClientID, "device_id": ar.DeviceID})

	select {
	case <-ctx.Done():
		conn.Close()
	case <-conn.Done():
	}
	c.mu.Lock()
	c.authed = false
	c.mu.Unlock()
	return true, conn.Err()
}

func (c *Client) shutdown() {
	active := c.agent.Active()
	if active > 0 && c.cfg.GracePeriod > 0 {
		obs.Info("client.draining", obs.Fields{"active": active, "grace": c.cfg.GracePeriod.String()})
		if c.agent.Wait(c.cfg.GracePeriod) {
			obs.Info("client.drained", nil)
		} else {
			obs.Warn("client.drain_timeout", obs.Fields{"active": c.agent.Active()})
		}
	}
	c.agent.Close()
}
