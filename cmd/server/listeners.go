package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/matst80/kproxy/internal/obs"
)

// serverTLS builds the TLS config for control and data listeners. It returns
// nil when TLS is off. A CA file turns on client certificate verification.
func (c Config) serverTLS() (*tls.Config, error) {
	if !c.EnableTLS {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": c.TLSCAFile})
	}
	return tlsConfig, nil
}

// listeners are the sockets the server accepts on. socks is nil when the
// SOCKS5 front end is disabled.
type listeners struct {
	control net.Listener
	data    net.Listener
	socks   net.Listener
}

// openListeners binds every configured address. Control and data share the
// TLS config; SOCKS5 is always plain TCP. On failure nothing stays bound.
func (c Config) openListeners() (*listeners, error) {
	tlsConfig, err := c.serverTLS()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	l := &listeners{}
	if l.control, err = listen(c.ControlAddr, tlsConfig); err != nil {
		return nil, fmt.Errorf("control %s: %w", c.ControlAddr, err)
	}
	if l.data, err = listen(c.DataAddr, tlsConfig); err != nil {
		l.Close()
		return nil, fmt.Errorf("data %s: %w", c.DataAddr, err)
	}
	if c.SocksAddr != "" {
		if l.socks, err = listen(c.SocksAddr, nil); err != nil {
			l.Close()
			return nil, fmt.Errorf("socks %s: %w", c.SocksAddr, err)
		}
	}
	return l, nil
}

func (l *listeners) Close() {
	for _, ln := range []net.Listener{l.control, l.data, l.socks} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}
