package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matst80/kproxy/internal/ratelimit"
)

// Config holds all runtime configuration derived from flags and an optional
// YAML file. Flags given on the command line win over the file.
type Config struct {
	ConfigFile string `yaml:"-"`

	ControlAddr string `yaml:"control"`
	DataAddr    string `yaml:"data"`
	SocksAddr   string `yaml:"socks"`
	SocksClient uint64 `yaml:"socks-client"`
	MetricsAddr string `yaml:"metrics"`

	TokenFile     string            `yaml:"token-file"`
	Tokens        map[string]uint64 `yaml:"tokens"`
	RedisAddr     string            `yaml:"redis-addr"`
	RedisPassword string            `yaml:"redis-password"`
	RedisDB       int               `yaml:"redis-db"`

	AuthTimeout      time.Duration `yaml:"auth-timeout"`
	AllocTimeout     time.Duration `yaml:"alloc-timeout"`
	DataTimeout      time.Duration `yaml:"data-timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"`
	CleanupInterval  time.Duration `yaml:"pending-cleanup-interval"`
	MaxFrameSize     uint          `yaml:"max-frame-size"`

	Limits ratelimit.Limits `yaml:"rate-limit"`

	// TLS for control and data connections, mTLS when a CA is given
	EnableTLS   bool   `yaml:"tls"`
	TLSCertFile string `yaml:"tls-cert"`
	TLSKeyFile  string `yaml:"tls-key"`
	TLSCAFile   string `yaml:"tls-ca"`

	Debug bool `yaml:"debug"`
}

func registerFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.ConfigFile, "config", "", "YAML config file; flags given explicitly override it")
	fs.StringVar(&c.ControlAddr, "control", ":9000", "address for client control connections")
	fs.StringVar(&c.DataAddr, "data", ":9001", "data connection listener address")
	fs.StringVar(&c.SocksAddr, "socks", ":1080", "SOCKS5 listener address (empty disables)")
	fs.Uint64Var(&c.SocksClient, "socks-client", 0, "client id that SOCKS5 connections are routed through")
	fs.StringVar(&c.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	fs.StringVar(&c.TokenFile, "token-file", "", "file of \"<token> <client-id>\" lines")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis address for device token lookups; overrides static tokens")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database")
	fs.DurationVar(&c.AuthTimeout, "auth-timeout", 10*time.Second, "time a control connection has to authenticate")
	fs.DurationVar(&c.AllocTimeout, "alloc-timeout", 10*time.Second, "time limit for a client to answer a tunnel allocation")
	fs.DurationVar(&c.DataTimeout, "data-timeout", 10*time.Second, "time limit for client to establish data tunnel")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time limit for the SOCKS5 handshake")
	fs.DurationVar(&c.CleanupInterval, "pending-cleanup-interval", 5*time.Second, "interval for sweeping expired pending data channels")
	fs.UintVar(&c.MaxFrameSize, "max-frame-size", 64*1024, "largest accepted control frame payload in bytes")
	fs.Float64Var(&c.Limits.GlobalConn, "rate-conn", 0, "global SOCKS5 connections per second (0 = unlimited)")
	fs.Float64Var(&c.Limits.PerKeyConn, "rate-conn-per-ip", 0, "SOCKS5 connections per second per source IP (0 = unlimited)")
	fs.Float64Var(&c.Limits.GlobalReq, "rate-tunnel", 0, "global tunnel requests per second (0 = unlimited)")
	fs.Float64Var(&c.Limits.PerKeyReq, "rate-tunnel-per-client", 0, "tunnel requests per second per client (0 = unlimited)")
	fs.IntVar(&c.Limits.Burst, "rate-burst", 10, "burst size for every rate limit")
	fs.BoolVar(&c.EnableTLS, "tls", false, "enable TLS for control and data connections")
	fs.StringVar(&c.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	fs.StringVar(&c.TLSKeyFile, "tls-key", "", "TLS private key file path")
	fs.StringVar(&c.TLSCAFile, "tls-ca", "", "TLS CA file for client certificate verification (enables mTLS)")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}

// loadConfig parses args, overlays the YAML file if one is named and then
// re-applies the flags that were set explicitly.
func loadConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var c Config
	registerFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.ConfigFile == "" {
		return c, c.validate()
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	b, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("%s: %w", c.ConfigFile, err)
	}
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return c, err
		}
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.EnableTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("tls requires -tls-cert and -tls-key")
	}
	if c.MaxFrameSize == 0 || c.MaxFrameSize > 1<<24 {
		return fmt.Errorf("max-frame-size must be between 1 and %d", 1<<24)
	}
	return nil
}
