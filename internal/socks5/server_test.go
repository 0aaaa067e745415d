package socks5

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
	"github.com/matst80/kproxy/internal/tunnel"
)

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type rw struct {
	io.Reader
	io.Writer
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name    string
		in      []byte
		want    error
		written []byte
	}{
		{"no auth", []byte{5, 1, 0}, nil, []byte{5, 0}},
		{"no auth among others", []byte{5, 3, 2, 1, 0}, nil, []byte{5, 0}},
		{"password only", []byte{5, 1, 2}, ErrNoAcceptableMethod, []byte{5, 0xFF}},
		{"no methods", []byte{5, 0}, ErrNoAcceptableMethod, []byte{5, 0xFF}},
		{"socks4", []byte{4, 1, 0}, ErrBadVersion, nil},
		{"truncated", []byte{5, 3, 0}, io.ErrUnexpectedEOF, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := Negotiate(rw{bytes.NewReader(tc.in), &out})
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !bytes.Equal(out.Bytes(), tc.written) {
				t.Errorf("wrote %v, want %v", out.Bytes(), tc.written)
			}
		})
	}
}

func TestReadRequest(t *testing.T) {
	long := strings.Repeat("a", 255)
	cases := []struct {
		name string
		in   []byte
		want proto.Address
	}{
		{"ipv4", []byte{5, 1, 0, 1, 93, 184, 216, 34, 0, 80}, proto.IPv4Address([4]byte{93, 184, 216, 34}, 80)},
		{"ipv6", append(append([]byte{5, 1, 0, 4}, net.ParseIP("2001:db8::1")...), 0xFF, 0xFF), proto.IPv6Address([16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 1}, 65535)},
		{"domain", append(append([]byte{5, 1, 0, 3, 11}, "example.com"...), 1, 187), proto.DomainAddress("example.com", 443)},
		{"unicode domain", append(append([]byte{5, 1, 0, 3, byte(len("bücher.de"))}, "bücher.de"...), 0, 80), proto.DomainAddress("bücher.de", 80)},
		{"max domain", append(append([]byte{5, 1, 0, 3, 255}, long...), 0, 0), proto.DomainAddress(long, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadRequest(bytes.NewReader(tc.in))
			if err != nil {
				t.Fatalf("ReadRequest: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestReadRequestErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"bind", []byte{5, 2, 0, 1, 1, 2, 3, 4, 0, 80}, ErrCommandNotSupported},
		{"udp associate", []byte{5, 3, 0, 1, 1, 2, 3, 4, 0, 80}, ErrCommandNotSupported},
		{"bad version", []byte{4, 1, 0, 1, 1, 2, 3, 4, 0, 80}, ErrBadVersion},
		{"bad atyp", []byte{5, 1, 0, 9, 1, 2, 3, 4, 0, 80}, ErrAddrTypeNotSupported},
		{"empty domain", []byte{5, 1, 0, 3, 0, 0, 80}, ErrMalformedRequest},
		{"invalid utf-8 domain", []byte{5, 1, 0, 3, 2, 0xC3, 0x28, 0, 80}, ErrMalformedRequest},
		{"short domain", []byte{5, 1, 0, 3, 10, 'a', 'b'}, ErrMalformedRequest},
		{"short ipv4", []byte{5, 1, 0, 1, 1, 2}, ErrMalformedRequest},
		{"missing port", []byte{5, 1, 0, 1, 1, 2, 3, 4, 0}, ErrMalformedRequest},
	}
	for _, tc := range cases {
		if _, err := ReadRequest(bytes.NewReader(tc.in)); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestWriteReply(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, RepSucceeded, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080}); err != nil {
		t.Fatal(err)
	}
	want := []byte{5, 0, 0, 1, 127, 0, 0, 1, 0x04, 0x38}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %v want %v", buf.Bytes(), want)
	}

	buf.Reset()
	_ = WriteReply(&buf, RepGeneralFailure, nil)
	if want := []byte{5, 1, 0, 1, 0, 0, 0, 0, 0, 0}; !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %v want %v", buf.Bytes(), want)
	}

	buf.Reset()
	_ = WriteReply(&buf, RepSucceeded, &net.TCPAddr{IP: net.ParseIP("::1"), Port: 2})
	if b := buf.Bytes(); len(b) != 22 || b[3] != ATypIP6 || b[21] != 2 {
		t.Errorf("unexpected ipv6 reply %v", b)
	}
}

func TestReplyFor(t *testing.T) {
	cases := []struct {
		err  error
		want byte
	}{
		{&tunnel.AllocError{Result: proto.ResultConnectRefused}, RepConnectionRefused},
		{&tunnel.AllocError{Result: proto.ResultHostUnreachable}, RepHostUnreachable},
		{&tunnel.AllocError{Result: proto.ResultTimeout}, RepTTLExpired},
		{&tunnel.AllocError{Result: proto.ResultGeneralFailure}, RepGeneralFailure},
		{fmt.Errorf("%w: 42", tunnel.ErrClientOffline), RepNetworkUnreachable},
		{tunnel.ErrRateLimited, RepGeneralFailure},
	}
	for _, tc := range cases {
		if got := ReplyFor(tc.err); got != tc.want {
			t.Errorf("%v: got reply %d want %d", tc.err, got, tc.want)
		}
	}
}

type failingTunnels struct {
	err  error
	got  proto.Address
	call int
}

func (f *failingTunnels) RequestTunnel(ctx context.Context, clientID uint64, dest proto.Address, local net.Conn) (*tunnel.DataChannel, error) {
	f.got = dest
	f.call++
	return nil, f.err
}

type denyAll struct{}

func (denyAll) AllowConnection(string) bool { return false }

// handshake drives the client half of a CONNECT to 93.184.216.34:80 and
// returns the final reply.
func handshake(t *testing.T, c net.Conn, cmd byte) []byte {
	t.Helper()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte{5, 1, 0}); err != nil {
		t.Fatal(err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(c, sel[:]); err != nil || sel != [2]byte{5, 0} {
		t.Fatalf("method selection %v %v", sel, err)
	}
	if _, err := c.Write([]byte{5, cmd, 0, 1, 93, 184, 216, 34, 0, 80}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestServeConnTunnelFailure(t *testing.T) {
	ft := &failingTunnels{err: &tunnel.AllocError{TunnelID: 1, Result: proto.ResultConnectRefused}}
	s := &Server{Tunnels: ft, ClientID: 42}
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- s.ServeConn(context.Background(), server) }()

	reply := handshake(t, client, CmdConnect)
	if reply[1] != RepConnectionRefused {
		t.Errorf("expected connection refused reply, got %d", reply[1])
	}
	if err := <-done; !errors.Is(err, tunnel.ErrConnectRefused) {
		t.Errorf("expected ErrConnectRefused, got %v", err)
	}
	if ft.got != proto.IPv4Address([4]byte{93, 184, 216, 34}, 80) {
		t.Errorf("tunnel requested for %v", ft.got)
	}
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("socket should be closed after failure, got %v", err)
	}
}

func TestServeConnUnsupportedCommand(t *testing.T) {
	ft := &failingTunnels{}
	s := &Server{Tunnels: ft}
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- s.ServeConn(context.Background(), server) }()

	reply := handshake(t, client, CmdBind)
	if reply[1] != RepCommandNotSupported {
		t.Errorf("expected command not supported, got %d", reply[1])
	}
	if err := <-done; !errors.Is(err, ErrCommandNotSupported) {
		t.Errorf("expected ErrCommandNotSupported, got %v", err)
	}
	if ft.call != 0 {
		t.Error("no tunnel may be requested for BIND")
	}
}

func TestServeConnRejected(t *testing.T) {
	ft := &failingTunnels{}
	s := &Server{Tunnels: ft, Limiter: denyAll{}}
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- s.ServeConn(context.Background(), server) }()

	reply := handshake(t, client, CmdConnect)
	if reply[1] != RepGeneralFailure {
		t.Errorf("expected general failure, got %d", reply[1])
	}
	if err := <-done; !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
	if ft.call != 0 {
		t.Error("rejected connection must not request a tunnel")
	}
}
