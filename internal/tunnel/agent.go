package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
)

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type AgentConfig struct {
	DialTimeout time.Duration
	// Dial reaches destinations. Defaults to a net.Dialer.
	Dial DialFunc
	// DialData opens a new data connection to the server.
	DialData func(ctx context.Context) (net.Conn, error)
}

// Agent is the client side of tunnel negotiation. It serves
// AllocTunnelRequest by dialing the destination and pairing it with a fresh
// data connection to the server.
type Agent struct {
	cfg AgentConfig

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[uint64]agentChannel
	closed bool
}

type agentChannel struct {
	data, dst net.Conn
}

func NewAgent(cfg AgentConfig) *Agent {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	return &Agent{cfg: cfg, active: make(map[uint64]agentChannel)}
}

// HandleAlloc is the control.Handler for AllocTunnelRequest. Dial failures are
// reported in the response, not as handler errors.
func (a *Agent) HandleAlloc(ctx context.Context, msg proto.Message) (proto.Message, error) {
	req, ok := msg.(*proto.AllocTunnelRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected %s", msg.Type())
	}
	fields := obs.Fields{"tunnel_id": req.TunnelID, "destination": req.Destination.String()}

	dctx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	dst, err := a.cfg.Dial(dctx, "tcp", req.Destination.String())
	cancel()
	if err != nil {
		res := ClassifyDialError(err)
		fields["err"] = err
		fields["result"] = res.String()
		obs.Warn("agent.dial", fields)
		obs.TunnelFailedTotal.WithLabelValues(res.String()).Inc()
		return &proto.AllocTunnelResponse{TunnelID: req.TunnelID, Result: res}, nil
	}

	data, err := a.openData(ctx, req)
	if err != nil {
		_ = dst.Close()
		fields["err"] = err
		obs.Error("agent.data", fields)
		obs.ErrorsTotal.WithLabelValues("agent_data").Inc()
		return &proto.AllocTunnelResponse{TunnelID: req.TunnelID, Result: proto.ResultGeneralFailure}, nil
	}

	if !a.track(req.ConnID, data, dst) {
		_ = data.Close()
		_ = dst.Close()
		return &proto.AllocTunnelResponse{TunnelID: req.TunnelID, Result: proto.ResultGeneralFailure}, nil
	}
	go a.relay(req, data, dst)
	obs.Info("agent.tunnel.open", fields)
	return &proto.AllocTunnelResponse{TunnelID: req.TunnelID, Result: proto.ResultOK}, nil
}

func (a *Agent) openData(ctx context.Context, req *proto.AllocTunnelRequest) (net.Conn, error) {
	if a.cfg.DialData == nil {
		return nil, errors.New("no data dialer configured")
	}
	dctx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	data, err := a.cfg.DialData(dctx)
	if err != nil {
		return nil, fmt.Errorf("dial data: %w", err)
	}
	payload, err := proto.Marshal(&proto.DataHello{TunnelID: req.TunnelID, ConnID: req.ConnID})
	if err == nil {
		err = proto.WriteFrame(data, proto.Frame{Kind: proto.KindRequest, Type: proto.TypeDataHello, Payload: payload})
	}
	if err != nil {
		_ = data.Close()
		return nil, fmt.Errorf("data hello: %w", err)
	}
	return data, nil
}

func (a *Agent) track(connID uint64, data, dst net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.active[connID] = agentChannel{data: data, dst: dst}
	a.wg.Add(1)
	obs.ActiveChannels.Inc()
	return true
}

func (a *Agent) relay(req *proto.AllocTunnelRequest, data, dst net.Conn) {
	defer a.wg.Done()
	start := time.Now()
	sent, received, err := Relay(data, dst)
	a.mu.Lock()
	delete(a.active, req.ConnID)
	a.mu.Unlock()
	obs.ActiveChannels.Dec()
	obs.RelayBytesTotal.WithLabelValues("upstream").Add(float64(sent))
	obs.RelayBytesTotal.WithLabelValues("downstream").Add(float64(received))
	fields := obs.Fields{
		"tunnel_id": req.TunnelID,
		"sent":      sizestr.ToString(sent),
		"received":  sizestr.ToString(received),
		"duration":  time.Since(start).String(),
	}
	if err != nil {
		fields["err"] = err
		obs.Warn("agent.tunnel.closed", fields)
		return
	}
	obs.Info("agent.tunnel.closed", fields)
}

// Active returns the number of relaying channels.
func (a *Agent) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Wait blocks until every channel has finished or grace elapses. It reports
// whether all channels drained.
func (a *Agent) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// Close refuses new channels and tears down the active ones.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	chans := make([]agentChannel, 0, len(a.active))
	for _, c := range a.active {
		chans = append(chans, c)
	}
	a.mu.Unlock()
	for _, c := range chans {
		_ = c.data.Close()
		_ = c.dst.Close()
	}
	a.wg.Wait()
}

// ClassifyDialError maps a destination dial failure to the result reported
// back to the server.
func ClassifyDialError(err error) proto.Result {
	var dnsErr *net.DNSError
	switch {
	case err == nil:
		return proto.ResultOK
	case errors.Is(err, syscall.ECONNREFUSED):
		return proto.ResultConnectRefused
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return proto.ResultTimeout
		}
		return proto.ResultHostUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return proto.ResultHostUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return proto.ResultTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return proto.ResultTimeout
	}
	return proto.ResultGeneralFailure
}
