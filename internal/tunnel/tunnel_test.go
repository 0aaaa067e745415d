package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/matst80/kproxy/internal/control"
	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
)

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	s := <-accepted
	if s == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

type sessions map[uint64]*control.Conn

func (s sessions) Lookup(id uint64) (*control.Conn, bool) {
	c, ok := s[id]
	return c, ok
}

type harness struct {
	m     *Manager
	agent *Agent
}

// newHarness wires a Manager and an Agent over a piped control connection and
// a loopback data listener. Client 42 is online.
func newHarness(t *testing.T, cfg Config, dial DialFunc) *harness {
	t.Helper()
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a, b := net.Pipe()
	srv := control.New(a, control.Config{Name: "server"})
	cli := control.New(b, control.Config{Name: "client"})
	agent := NewAgent(AgentConfig{
		DialTimeout: 2 * time.Second,
		Dial:        dial,
		DialData: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", dataLn.Addr().String())
		},
	})
	if err := cli.Handle(proto.TypeAllocTunnelRequest, agent.HandleAlloc); err != nil {
		t.Fatal(err)
	}
	srv.Start()
	cli.Start()

	m := NewManager(sessions{42: srv}, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Serve(ctx, dataLn)
	t.Cleanup(func() {
		cancel()
		dataLn.Close()
		m.Close()
		srv.Close()
		cli.Close()
		agent.Close()
	})
	return &harness{m: m, agent: agent}
}

func TestRelayHalfClose(t *testing.T) {
	a1, a2 := tcpPair(t)
	b1, b2 := tcpPair(t)

	type out struct {
		up, down int64
		err      error
	}
	done := make(chan out, 1)
	go func() {
		up, down, err := Relay(a2, b1)
		done <- out{up, down, err}
	}()

	if _, err := a1.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if err := a1.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(b2)
	if err != nil || string(got) != "ping" {
		t.Fatalf("upstream got %q %v", got, err)
	}

	// the other direction still drains after the half close
	if _, err := b2.Write([]byte("pong!")); err != nil {
		t.Fatal(err)
	}
	b2.Close()
	got, err = io.ReadAll(a1)
	if err != nil || string(got) != "pong!" {
		t.Fatalf("downstream got %q %v", got, err)
	}

	r := <-done
	if r.err != nil {
		t.Errorf("clean close reported %v", r.err)
	}
	if r.up != 4 || r.down != 5 {
		t.Errorf("byte counts %d/%d, want 4/5", r.up, r.down)
	}
}

type failingConn struct{ net.Conn }

func (failingConn) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestRelayErrorTearsDownBoth(t *testing.T) {
	_, a2 := tcpPair(t)
	b1, b2 := tcpPair(t)

	_, _, err := Relay(failingConn{a2}, b1)
	if !errors.Is(err, ErrRelay) {
		t.Fatalf("expected ErrRelay, got %v", err)
	}
	_ = b2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := b2.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer socket should be closed, got %v", err)
	}
}

func TestRequestTunnelClientOffline(t *testing.T) {
	m := NewManager(sessions{}, Config{})
	_, err := m.RequestTunnel(context.Background(), 7, proto.IPv4Address([4]byte{10, 0, 0, 1}, 80), nil)
	if !errors.Is(err, ErrClientOffline) {
		t.Fatalf("expected ErrClientOffline, got %v", err)
	}
	if s := m.Stats(); s.Tunnels != 0 || s.Pending != 0 {
		t.Errorf("offline request left state behind: %+v", s)
	}
}

func TestRequestTunnelDialFailure(t *testing.T) {
	cases := []struct {
		name    string
		dialErr error
		want    error
		result  proto.Result
	}{
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, ErrConnectRefused, proto.ResultConnectRefused},
		{"unreachable", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, ErrHostUnreachable, proto.ResultHostUnreachable},
		{"dns", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}}, ErrHostUnreachable, proto.ResultHostUnreachable},
		{"timeout", context.DeadlineExceeded, ErrTimeout, proto.ResultTimeout},
		{"other", errors.New("weird"), ErrAllocFailed, proto.ResultGeneralFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{}, func(ctx context.Context, network, addr string) (net.Conn, error) {
				return nil, tc.dialErr
			})
			local, _ := tcpPair(t)
			dc, err := h.m.RequestTunnel(context.Background(), 42, proto.IPv4Address([4]byte{93, 184, 216, 34}, 80), local)
			if dc != nil {
				t.Fatal("no data channel may be created on dial failure")
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var ae *AllocError
			if !errors.As(err, &ae) || ae.Result != tc.result {
				t.Errorf("expected AllocError with %v, got %v", tc.result, err)
			}
			if s := h.m.Stats(); s.Tunnels != 0 || s.Pending != 0 || s.Channels != 0 {
				t.Errorf("failed tunnel left state behind: %+v", s)
			}
		})
	}
}

func TestTunnelIDsIncrease(t *testing.T) {
	h := newHarness(t, Config{}, func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("nope")
	})
	var last uint64
	for i := 0; i < 3; i++ {
		_, err := h.m.RequestTunnel(context.Background(), 42, proto.DomainAddress("example.com", 443), nil)
		var ae *AllocError
		if !errors.As(err, &ae) {
			t.Fatalf("expected AllocError, got %v", err)
		}
		if ae.TunnelID <= last {
			t.Errorf("tunnel id %d not greater than %d", ae.TunnelID, last)
		}
		last = ae.TunnelID
	}
}

func TestRequestTunnelAllocTimeout(t *testing.T) {
	h := newHarness(t, Config{AllocTimeout: 100 * time.Millisecond}, func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := h.m.RequestTunnel(context.Background(), 42, proto.IPv4Address([4]byte{10, 1, 2, 3}, 22), nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, control.ErrRequestTimedOut) {
		t.Errorf("expected the request timeout to be wrapped, got %v", err)
	}
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return ln
}

func TestRequestTunnelRelays(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	echo := echoServer(t)
	dest := proto.AddressFromAddrPort(netip.MustParseAddrPort(echo.Addr().String()))
	user, local := tcpPair(t)

	dc, err := h.m.RequestTunnel(context.Background(), 42, dest, local)
	if err != nil {
		t.Fatalf("RequestTunnel: %v", err)
	}
	if dc.Tunnel.State() != Active {
		t.Errorf("expected active tunnel, got %s", dc.Tunnel.State())
	}
	if snap := h.m.Snapshot(); len(snap) != 1 || snap[0].Channels != 1 || snap[0].ClientID != 42 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	ran := make(chan struct{})
	go func() {
		_ = dc.Run(context.Background())
		close(ran)
	}()

	msg := []byte("hello through the tunnel")
	if _, err := user.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	_ = user.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(user, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo %q, want %q", buf, msg)
	}

	user.Close()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish after the user closed")
	}
	if dc.Tunnel.State() != Closed {
		t.Errorf("expected closed tunnel, got %s", dc.Tunnel.State())
	}
	if s := h.m.Stats(); s.Tunnels != 0 || s.Channels != 0 || s.Established != 1 {
		t.Errorf("unexpected stats after close %+v", s)
	}
	if !h.agent.Wait(5 * time.Second) {
		t.Error("agent channel did not drain")
	}
}

func TestHandleDataUnknownConnID(t *testing.T) {
	m := NewManager(sessions{}, Config{DataTimeout: time.Second})
	c, s := tcpPair(t)
	go m.HandleData(s)

	payload, _ := proto.Marshal(&proto.DataHello{TunnelID: 1, ConnID: 12345})
	if err := proto.WriteFrame(c, proto.Frame{Kind: proto.KindRequest, Type: proto.TypeDataHello, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected the server to close an unknown data connection, got %v", err)
	}
}

func TestFailClientAndCleanup(t *testing.T) {
	m := NewManager(sessions{}, Config{})
	t1 := &Tunnel{ID: 1, ClientID: 5, Created: time.Now()}
	t2 := &Tunnel{ID: 2, ClientID: 6, Created: time.Now()}
	_, p1, err := m.register(t1)
	if err != nil {
		t.Fatal(err)
	}
	_, p2, err := m.register(t2)
	if err != nil {
		t.Fatal(err)
	}

	if n := m.FailClient(5); n != 1 {
		t.Fatalf("expected 1 failed channel, got %d", n)
	}
	if r := <-p1.ready; !errors.Is(r.err, ErrClientOffline) {
		t.Errorf("expected ErrClientOffline, got %v", r.err)
	}

	if n := m.CleanupExpired(-time.Second); n != 1 {
		t.Fatalf("expected 1 expired channel, got %d", n)
	}
	if r := <-p2.ready; !errors.Is(r.err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", r.err)
	}
	if s := m.Stats(); s.Pending != 0 {
		t.Errorf("pending left: %+v", s)
	}
}

func TestManagerClosedRefusesWork(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	m := NewManager(sessions{1: control.New(a, control.Config{})}, Config{})
	m.Close()
	_, err := m.RequestTunnel(context.Background(), 1, proto.DomainAddress("example.com", 80), nil)
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
}

func TestClassifyDialError(t *testing.T) {
	if got := ClassifyDialError(&net.DNSError{Err: "timeout", IsTimeout: true}); got != proto.ResultTimeout {
		t.Errorf("dns timeout classified as %s", got)
	}
	if got := ClassifyDialError(os.ErrDeadlineExceeded); got != proto.ResultTimeout {
		t.Errorf("deadline classified as %s", got)
	}
	if got := ClassifyDialError(syscall.ENETUNREACH); got != proto.ResultHostUnreachable {
		t.Errorf("ENETUNREACH classified as %s", got)
	}
}
