package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/server"
)

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	defer obs.Sync()
	obs.Info("server.start", obs.Fields{"control": cfg.ControlAddr, "data": cfg.DataAddr, "socks": cfg.SocksAddr, "metrics": cfg.MetricsAddr})

	authn, err := newAuthenticator(cfg)
	if err != nil {
		obs.Error("auth.init", obs.Fields{"err": err})
		os.Exit(1)
	}

	ls, err := cfg.openListeners()
	if err != nil {
		obs.Error("listen", obs.Fields{"err": err})
		os.Exit(1)
	}

	srv := server.New(server.Config{
		AuthTimeout:      cfg.AuthTimeout,
		AllocTimeout:     cfg.AllocTimeout,
		DataTimeout:      cfg.DataTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SweepInterval:    cfg.CleanupInterval,
		MaxPayload:       uint32(cfg.MaxFrameSize),
		SocksClientID:    cfg.SocksClient,
		Limits:           cfg.Limits,
	}, authn)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, srv)
	}
	if err := srv.Serve(ctx, ls.control, ls.data, ls.socks); err != nil {
		obs.Error("server.serve", obs.Fields{"err": err})
		os.Exit(1)
	}
	obs.Info("server.shutdown.complete", nil)
}
