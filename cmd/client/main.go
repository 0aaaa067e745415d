package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/kproxy/internal/client"
	"github.com/matst80/kproxy/internal/obs"
)

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	defer obs.Sync()

	var tlsConfig *tls.Config
	if cfg.EnableTLS {
		tlsConfig, err = createClientTLSConfig(cfg)
		if err != nil {
			obs.Error("tls.config", obs.Fields{"err": err})
			os.Exit(1)
		}
	}

	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddr, "data": cfg.DataAddr, "tls": cfg.EnableTLS})
	c := client.New(client.Config{
		ServerAddr:       cfg.ServerAddr,
		DataAddr:         cfg.DataAddr,
		Token:            cfg.Token,
		DialTimeout:      cfg.DialTimeout,
		MaxRetryInterval: cfg.MaxRetryInterval,
		MaxRetryCount:    cfg.MaxRetryCount,
		GracePeriod:      cfg.GracePeriod,
		MaxPayload:       uint32(cfg.MaxFrameSize),
		TLS:              tlsConfig,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Run(ctx); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err})
		os.Exit(1)
	}
	obs.Info("client.stopped", nil)
}
