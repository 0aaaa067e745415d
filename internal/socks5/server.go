// Package socks5 is the public front end: a CONNECT-only, no-auth SOCKS5
// server (RFC 1928) that turns each accepted connection into a tunnel request.
package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
	"github.com/matst80/kproxy/internal/tunnel"
)

const Version5 = 0x05

const (
	AuthNone         = 0x00
	AuthNoAcceptable = 0xFF
)

const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

const (
	ATypIP4    = 0x01
	ATypDomain = 0x03
	ATypIP6    = 0x04
)

// Reply codes.
const (
	RepSucceeded            = 0x00
	RepGeneralFailure       = 0x01
	RepNotAllowed           = 0x02
	RepNetworkUnreachable   = 0x03
	RepHostUnreachable      = 0x04
	RepConnectionRefused    = 0x05
	RepTTLExpired           = 0x06
	RepCommandNotSupported  = 0x07
	RepAddrTypeNotSupported = 0x08
)

var (
	ErrBadVersion           = errors.New("socks5: unsupported version")
	ErrNoAcceptableMethod   = errors.New("socks5: no acceptable auth method")
	ErrCommandNotSupported  = errors.New("socks5: command not supported")
	ErrAddrTypeNotSupported = errors.New("socks5: address type not supported")
	ErrMalformedRequest     = errors.New("socks5: malformed request")
	ErrRejected             = errors.New("socks5: connection rejected")
)

// Tunneler opens a data channel to a destination through a client.
type Tunneler interface {
	RequestTunnel(ctx context.Context, clientID uint64, dest proto.Address, local net.Conn) (*tunnel.DataChannel, error)
}

// Admitter decides whether a source may open another connection.
type Admitter interface {
	AllowConnection(key string) bool
}

// Server routes every accepted connection through the client ClientID.
type Server struct {
	Tunnels          Tunneler
	ClientID         uint64
	Limiter          Admitter
	HandshakeTimeout time.Duration
}

// Serve accepts on ln until ctx ends or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.socks.timeout", obs.Fields{"err": err})
				continue
			}
			return
		}
		go func() {
			if err := s.ServeConn(ctx, c); err != nil {
				obs.Debug("socks.conn", obs.Fields{"remote": c.RemoteAddr().String(), "err": err})
			}
		}()
	}
}

// ServeConn runs the handshake on c, requests a tunnel and relays until the
// channel closes. c is always closed on return.
func (s *Server) ServeConn(ctx context.Context, c net.Conn) error {
	relayed := false
	defer func() {
		if !relayed {
			_ = c.Close()
		}
	}()

	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = c.SetDeadline(time.Now().Add(timeout))
	if err := Negotiate(c); err != nil {
		obs.SocksConnectionsTotal.WithLabelValues("handshake_error").Inc()
		return err
	}
	dest, err := ReadRequest(c)
	if err != nil {
		obs.SocksConnectionsTotal.WithLabelValues("handshake_error").Inc()
		if rep, ok := requestReply(err); ok {
			_ = WriteReply(c, rep, nil)
		}
		return err
	}
	if s.Limiter != nil && !s.Limiter.AllowConnection(sourceKey(c.RemoteAddr())) {
		obs.SocksConnectionsTotal.WithLabelValues("rejected").Inc()
		_ = WriteReply(c, RepGeneralFailure, nil)
		return fmt.Errorf("%w: %s", ErrRejected, c.RemoteAddr())
	}
	_ = c.SetDeadline(time.Time{})

	dc, err := s.Tunnels.RequestTunnel(ctx, s.ClientID, dest, c)
	if err != nil {
		obs.SocksConnectionsTotal.WithLabelValues("tunnel_error").Inc()
		obs.Warn("socks.tunnel", obs.Fields{"destination": dest.String(), "client_id": s.ClientID, "err": err})
		_ = WriteReply(c, ReplyFor(err), nil)
		return err
	}
	if err := WriteReply(c, RepSucceeded, c.LocalAddr()); err != nil {
		dc.Close()
		relayed = true
		return fmt.Errorf("write reply: %w", err)
	}
	obs.SocksConnectionsTotal.WithLabelValues("ok").Inc()
	relayed = true
	return dc.Run(ctx)
}

func sourceKey(a net.Addr) string {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP.String()
	}
	if a == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(a.String()); err == nil {
		return host
	}
	return a.String()
}

// Negotiate reads the version/method greeting and selects no-auth.
func Negotiate(rw io.ReadWriter) error {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != Version5 {
		return fmt.Errorf("%w: %d", ErrBadVersion, hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	for _, m := range methods {
		if m == AuthNone {
			_, err := rw.Write([]byte{Version5, AuthNone})
			return err
		}
	}
	_, _ = rw.Write([]byte{Version5, AuthNoAcceptable})
	return ErrNoAcceptableMethod
}

// ReadRequest reads a whole request and returns its destination. Commands
// other than CONNECT fail with ErrCommandNotSupported.
func ReadRequest(r io.Reader) (proto.Address, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return proto.Address{}, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != Version5 {
		return proto.Address{}, fmt.Errorf("%w: %d", ErrBadVersion, hdr[0])
	}

	var addr proto.Address
	switch hdr[3] {
	case ATypIP4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return proto.Address{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		}
		addr = proto.IPv4Address(ip, 0)
	case ATypIP6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return proto.Address{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		}
		addr = proto.IPv6Address(ip, 0)
	case ATypDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return proto.Address{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		}
		if n[0] == 0 {
			return proto.Address{}, fmt.Errorf("%w: empty domain", ErrMalformedRequest)
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return proto.Address{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		}
		if !utf8.Valid(name) {
			return proto.Address{}, fmt.Errorf("%w: domain is not valid utf-8", ErrMalformedRequest)
		}
		addr = proto.DomainAddress(string(name), 0)
	default:
		return proto.Address{}, fmt.Errorf("%w: %d", ErrAddrTypeNotSupported, hdr[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return proto.Address{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	addr.Port = uint16(port[0])<<8 | uint16(port[1])
	if hdr[1] != CmdConnect {
		return addr, fmt.Errorf("%w: %d", ErrCommandNotSupported, hdr[1])
	}
	return addr, nil
}

// requestReply picks the reply for a request that could not be parsed. A
// request that was not fully read gets none.
func requestReply(err error) (byte, bool) {
	switch {
	case errors.Is(err, ErrCommandNotSupported):
		return RepCommandNotSupported, true
	case errors.Is(err, ErrAddrTypeNotSupported):
		return RepAddrTypeNotSupported, true
	case errors.Is(err, ErrMalformedRequest):
		return RepGeneralFailure, true
	}
	return 0, false
}

// ReplyFor maps a tunnel failure to a SOCKS reply code.
func ReplyFor(err error) byte {
	switch {
	case errors.Is(err, tunnel.ErrConnectRefused):
		return RepConnectionRefused
	case errors.Is(err, tunnel.ErrHostUnreachable):
		return RepHostUnreachable
	case errors.Is(err, tunnel.ErrClientOffline):
		return RepNetworkUnreachable
	case errors.Is(err, tunnel.ErrTimeout):
		return RepTTLExpired
	}
	return RepGeneralFailure
}

// WriteReply writes a reply carrying bound as BND.ADDR. A nil or non-IP
// bound address is sent as 0.0.0.0:0.
func WriteReply(w io.Writer, rep byte, bound net.Addr) error {
	b := []byte{Version5, rep, 0x00}
	var (
		ip   net.IP
		port int
	)
	if ta, ok := bound.(*net.TCPAddr); ok {
		ip, port = ta.IP, ta.Port
	}
	if ip4 := ip.To4(); ip4 != nil {
		b = append(b, ATypIP4)
		b = append(b, ip4...)
	} else if len(ip) == net.IPv6len {
		b = append(b, ATypIP6)
		b = append(b, ip...)
	} else {
		b = append(b, ATypIP4, 0, 0, 0, 0)
		port = 0
	}
	b = append(b, byte(port>>8), byte(port))
	_, err := w.Write(b)
	return err
}
