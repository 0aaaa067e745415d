package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSigned writes a localhost certificate and key and returns their paths.
func selfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestServerTLSDisabled(t *testing.T) {
	tc, err := Config{}.serverTLS()
	if err != nil || tc != nil {
		t.Fatalf("expected no TLS config, got %v %v", tc, err)
	}
}

func TestServerTLSWithCA(t *testing.T) {
	cert, key := selfSigned(t)
	tc, err := Config{EnableTLS: true, TLSCertFile: cert, TLSKeyFile: key, TLSCAFile: cert}.serverTLS()
	if err != nil {
		t.Fatal(err)
	}
	if tc.ClientAuth != tls.RequireAndVerifyClientCert || tc.ClientCAs == nil {
		t.Errorf("a CA file should require client certificates, got %v", tc.ClientAuth)
	}
	if _, err := (Config{EnableTLS: true, TLSCertFile: cert, TLSKeyFile: key, TLSCAFile: key}).serverTLS(); err == nil {
		t.Error("expected error for a CA file without certificates")
	}
}

func TestOpenListenersTLS(t *testing.T) {
	cert, key := selfSigned(t)
	c := Config{
		ControlAddr: "127.0.0.1:0",
		DataAddr:    "127.0.0.1:0",
		SocksAddr:   "127.0.0.1:0",
		EnableTLS:   true,
		TLSCertFile: cert,
		TLSKeyFile:  key,
	}
	ls, err := c.openListeners()
	if err != nil {
		t.Fatal(err)
	}
	defer ls.Close()

	go func() {
		nc, err := ls.control.Accept()
		if err != nil {
			return
		}
		_ = nc.(*tls.Conn).Handshake()
		nc.Close()
	}()
	conn, err := tls.Dial("tcp", ls.control.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("control listener should speak TLS: %v", err)
	}
	conn.Close()
	if ls.socks == nil {
		t.Fatal("socks listener should be open")
	}
}

func TestOpenListenersReleasesOnFailure(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctrl := free.Addr().String()
	free.Close()

	c := Config{ControlAddr: ctrl, DataAddr: "127.0.0.1:-1"}
	if _, err := c.openListeners(); err == nil {
		t.Fatal("expected error for a bad data address")
	}
	ln, err := net.Listen("tcp", ctrl)
	if err != nil {
		t.Fatalf("control address still bound after failure: %v", err)
	}
	ln.Close()
}
