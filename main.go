package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/b0bbywan/go-odio-portal/api"
	"github.com/b0bbywan/go-odio-portal/backend"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("[%s] sd_notify %s failed: %v", config.AppName, state, err)
		return
	}
	if sent {
		logger.Debug("[%s] sd_notify %s", config.AppName, state)
	}
}

func main() {
	cfg, err := config.New()
	if err != nil {
		logger.Fatal("[%s] Failed to load config: %v", config.AppName, err)
	}

	logger.SetLevel(cfg.LogLevel)
	logger.SetPackageLevels(cfg.LogLevels)

	// Cancelled on SIGINT/SIGTERM; everything below derives from it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := backend.New(ctx, cfg)
	if err != nil {
		logger.Fatal("[%s] Backend initialization failed: %v", config.AppName, err)
	}

	if err := b.Start(ctx, cfg.Bus); err != nil {
		b.Close()
		logger.Fatal("[%s] Backend start failed: %v", config.AppName, err)
	}

	config.Watch(b.SetConfig)

	server := api.NewServer(ctx, cfg.Api, b)

	g, gctx := errgroup.WithContext(ctx)
	if server != nil {
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	notify(daemon.SdNotifyReady)
	logger.Info("[%s] started", config.AppName)

	<-gctx.Done()
	logger.Info("[%s] Shutdown signal received, stopping...", config.AppName)
	notify(daemon.SdNotifyStopping)
	stop()

	if err := g.Wait(); err != nil {
		logger.Error("[%s] http server error: %v", config.AppName, err)
	}
	b.Close()
	logger.Info("[%s] stopped", config.AppName)
}
