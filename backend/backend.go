package backend

import (
	"context"
	"sync"

	"github.com/b0bbywan/go-odio-portal/backend/zeroconf"
	"github.com/b0bbywan/go-odio-portal/broker"
	"github.com/b0bbywan/go-odio-portal/bus"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/tokenstore"
)

// Backend owns the broker and everything that exposes it.
type Backend struct {
	Broker   *broker.Broker
	Bus      *bus.Service
	Tokens   tokenstore.Store
	Zeroconf *zeroconf.ZeroConfBackend

	tokenBackend string
	once         sync.Once
	broadcaster  *Broadcaster
}

func New(ctx context.Context, cfg *config.Config) (*Backend, error) {
	backend := Backend{tokenBackend: "memory"}
	if cfg.Tokens != nil && cfg.Tokens.Backend != "" {
		backend.tokenBackend = cfg.Tokens.Backend
	}

	tokens, err := tokenstore.New(ctx, cfg.Tokens)
	if err != nil {
		return nil, err
	}
	backend.Tokens = tokens

	b, err := broker.New(cfg.Broker, tokens)
	if err != nil {
		backend.Close()
		return nil, err
	}
	backend.Broker = b

	z, err := zeroconf.New(ctx, cfg.Zeroconf)
	if err != nil {
		backend.Close()
		return nil, err
	}
	backend.Zeroconf = z

	return &backend, nil
}

// Start claims the portal name on the bus and publishes the API. The
// broker's event stream is drained from here on, subscribers or not.
func (b *Backend) Start(ctx context.Context, cfg *config.BusConfig) error {
	b.NewBroadcaster(ctx)

	s, err := bus.Serve(ctx, b.Broker, cfg)
	if err != nil {
		return err
	}
	b.Bus = s

	if b.Zeroconf != nil {
		if err := b.Zeroconf.Start(); err != nil {
			return err
		}
	}

	return nil
}

// SetConfig applies a reloaded configuration to the running broker.
func (b *Backend) SetConfig(cfg *config.Config) {
	if b.Broker != nil && cfg.Broker != nil {
		b.Broker.SetConfig(cfg.Broker)
	}
}

// NewBroadcaster returns the broadcaster fed by the broker's event stream.
// The stream has a single reader, so every call returns the same one.
func (b *Backend) NewBroadcaster(ctx context.Context) *Broadcaster {
	b.once.Do(func() {
		var upstream <-chan events.Event
		if b.Broker != nil {
			upstream = b.Broker.Events()
		}
		b.broadcaster = NewBroadcaster(ctx, upstream)
	})
	return b.broadcaster
}

func (b *Backend) Close() {
	if b.Zeroconf != nil {
		b.Zeroconf.Close()
	}
	if b.Bus != nil {
		b.Bus.Close()
	}
	if b.Broker != nil {
		b.Broker.Close()
	}
	if b.Tokens != nil {
		if err := b.Tokens.Close(); err != nil {
			logger.Warn("[backend] failed to close token store: %v", err)
		}
	}
}
