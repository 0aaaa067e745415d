package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

func createClientTLSConfig(c Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: c.TLSServerName,
		MinVersion: tls.VersionTLS12,
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
		tlsConfig.RootCAs = pool
	}
	if c.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
