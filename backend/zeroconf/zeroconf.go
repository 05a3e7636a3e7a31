package zeroconf

import (
	"context"
	"errors"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

var ErrAlreadyStarted = errors.New("zeroconf: service already published")

// ZeroConfBackend advertises the inspection API over mDNS.
type ZeroConfBackend struct {
	Config *config.ZeroConfig

	server *zeroconf.Server
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New returns nil when disabled or when the API only listens on loopback.
func New(ctx context.Context, cfg *config.ZeroConfig) (*ZeroConfBackend, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Listen) == 0 {
		logger.Info("[zeroconf] no routable interface to advertise on, disabled")
		return nil, nil
	}

	subCtx, cancel := context.WithCancel(ctx)

	return &ZeroConfBackend{
		Config: cfg,
		ctx:    subCtx,
		cancel: cancel,
	}, nil
}

// Start publishes the service until the context is cancelled.
func (z *ZeroConfBackend) Start() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.server != nil {
		return ErrAlreadyStarted
	}

	server, err := zeroconf.Register(
		z.Config.InstanceName,
		z.Config.ServiceType,
		z.Config.Domain,
		z.Config.Port,
		z.Config.TxtRecords,
		z.Config.Listen,
	)
	if err != nil {
		return err
	}

	z.server = server
	logger.Info("[zeroconf] published '%s' (type: %s, port: %d)",
		z.Config.InstanceName, z.Config.ServiceType, z.Config.Port)

	go func() {
		<-z.ctx.Done()
		z.Close()
	}()

	return nil
}

func (z *ZeroConfBackend) Close() {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.server != nil {
		z.server.Shutdown()
		z.server = nil
		logger.Debug("[zeroconf] '%s' withdrawn", z.Config.InstanceName)
	}

	if z.cancel != nil {
		z.cancel()
		z.cancel = nil
	}
}
