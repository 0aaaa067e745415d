package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds client runtime configuration.
type Config struct {
	ConfigFile string `yaml:"-"`

	ServerAddr string `yaml:"server"`
	DataAddr   string `yaml:"data"`
	Host       string `yaml:"host"` // convenience host to derive server/data if those not explicitly set
	Token      string `yaml:"token"`

	DialTimeout      time.Duration `yaml:"dial-timeout"`
	MaxRetryInterval time.Duration `yaml:"max-retry-interval"`
	MaxRetryCount    int           `yaml:"max-retry-count"`
	GracePeriod      time.Duration `yaml:"grace-period"`
	MaxFrameSize     uint          `yaml:"max-frame-size"`

	EnableTLS     bool   `yaml:"tls"`
	TLSCAFile     string `yaml:"tls-ca"`
	TLSCertFile   string `yaml:"tls-cert"`
	TLSKeyFile    string `yaml:"tls-key"`
	TLSServerName string `yaml:"tls-server-name"`

	Debug bool `yaml:"debug"`
}

func registerFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.ConfigFile, "config", "", "YAML config file; flags given explicitly override it")
	fs.StringVar(&c.ServerAddr, "server", "127.0.0.1:9000", "server control address")
	fs.StringVar(&c.DataAddr, "data", "127.0.0.1:9001", "server data address")
	fs.StringVar(&c.Host, "host", "", "base host; if set and --server/--data not explicitly provided, they default to host:9000 & host:9001")
	fs.StringVar(&c.Token, "token", "", "device token")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 10*time.Second, "timeout for server and destination dials")
	fs.DurationVar(&c.MaxRetryInterval, "max-retry-interval", 5*time.Minute, "upper bound for the reconnect backoff")
	fs.IntVar(&c.MaxRetryCount, "max-retry-count", -1, "reconnect attempts before giving up (negative = forever)")
	fs.DurationVar(&c.GracePeriod, "grace-period", 0, "time to wait for active tunnels to drain after shutdown signal (0 = immediate)")
	fs.UintVar(&c.MaxFrameSize, "max-frame-size", 64*1024, "largest accepted control frame payload in bytes")
	fs.BoolVar(&c.EnableTLS, "tls", false, "connect to the server over TLS")
	fs.StringVar(&c.TLSCAFile, "tls-ca", "", "CA file used to verify the server")
	fs.StringVar(&c.TLSCertFile, "tls-cert", "", "client certificate for mTLS")
	fs.StringVar(&c.TLSKeyFile, "tls-key", "", "client private key for mTLS")
	fs.StringVar(&c.TLSServerName, "tls-server-name", "", "override the server name checked against the certificate")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}

// loadConfig parses args, overlays the YAML file if one is named and then
// re-applies the flags that were set explicitly. A host only fills in the
// server and data addresses nobody set.
func loadConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var c Config
	registerFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	fileKeys := map[string]any{}
	if c.ConfigFile != "" {
		b, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("%s: %w", c.ConfigFile, err)
		}
		_ = yaml.Unmarshal(b, &fileKeys)
		for name, v := range explicit {
			if err := fs.Set(name, v); err != nil {
				return c, err
			}
		}
	}

	if c.Host != "" {
		if _, ok := explicit["server"]; !ok && fileKeys["server"] == nil {
			c.ServerAddr = net.JoinHostPort(c.Host, "9000")
		}
		if _, ok := explicit["data"]; !ok && fileKeys["data"] == nil {
			c.DataAddr = net.JoinHostPort(c.Host, "9001")
		}
	}
	if c.Token == "" {
		return c, fmt.Errorf("a device token is required (-token)")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return c, fmt.Errorf("-tls-cert and -tls-key must be given together")
	}
	return c, nil
}
