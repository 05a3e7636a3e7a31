package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/b0bbywan/go-odio-portal/bus"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/portal"
)

func offlineConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Bus.Enabled = false
	cfg.Zeroconf.Enabled = false
	return cfg
}

func TestBackend_NewWithoutBus(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, offlineConfig())
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	defer b.Close()

	if b.Broker == nil {
		t.Fatal("Broker should always be built")
	}
	if b.Tokens == nil {
		t.Fatal("Tokens should always be built")
	}

	if err := b.Start(ctx, offlineConfig().Bus); err != nil {
		t.Fatalf("Start() unexpected error: %v", err)
	}
	if b.Bus != nil {
		t.Error("Bus should be nil when disabled")
	}
}

func TestBackend_UnknownTokenBackend(t *testing.T) {
	cfg := offlineConfig()
	cfg.Tokens.Backend = "etcd"

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("New() should fail on an unknown token backend")
	}
}

// TestZeroconfWithLocalhostBind verifies zeroconf is disabled for localhost
func TestZeroconfWithLocalhostBind(t *testing.T) {
	cfg := offlineConfig()
	cfg.Zeroconf = &config.ZeroConfig{
		Enabled: true,
		Listen:  []net.Interface{}, // like when bind=127.0.0.1
	}

	b, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	defer b.Close()

	if b.Zeroconf != nil {
		t.Error("Zeroconf should be nil when no interfaces are configured")
	}
}

func TestBackend_ServerInfo(t *testing.T) {
	cfg := offlineConfig()
	cfg.Broker.Wallpaper.Enabled = false

	b, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	defer b.Close()

	info, err := b.GetServerDeviceInfo()
	if err != nil {
		t.Fatalf("GetServerDeviceInfo() unexpected error: %v", err)
	}
	if info.APISW != config.AppName {
		t.Errorf("APISW = %q, want %q", info.APISW, config.AppName)
	}
	if got := info.Portals[portal.ScreenCastInterface]; got != 4 {
		t.Errorf("ScreenCast version = %d, want 4", got)
	}
	if _, ok := info.Portals[portal.WallpaperInterface]; ok {
		t.Error("disabled Wallpaper portal should not be listed")
	}
	if info.Backends.Bus {
		t.Error("Backends.Bus should be false without a bus")
	}
	if info.Backends.Tokens != "memory" {
		t.Errorf("Backends.Tokens = %q, want memory", info.Backends.Tokens)
	}
}

func TestBackend_NewBroadcasterIsShared(t *testing.T) {
	b, err := New(context.Background(), offlineConfig())
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := b.NewBroadcaster(ctx)
	if second := b.NewBroadcaster(ctx); second != first {
		t.Error("NewBroadcaster should return the same broadcaster every time")
	}

	ch := first.SubscribeFunc(events.FilterGroup([]string{"session"}))
	defer first.Unsubscribe(ch)

	hub := bus.NewHub()
	defer hub.Close()
	if _, err := bus.NewService(b.Broker, hub); err != nil {
		t.Fatalf("NewService() unexpected error: %v", err)
	}
	conn, err := hub.Dial()
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	if _, err := conn.Call(ctx, portal.ObjectPath, portal.RemoteDesktopInterface+".CreateSession", portal.Vardict{}); err != nil {
		t.Fatalf("CreateSession unexpected error: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != events.TypeSessionCreated {
			t.Errorf("got %s, want %s", got.Type, events.TypeSessionCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session.created")
	}
}

// TestBackendCloseWithNilBackends verifies Close() doesn't panic with nil backends
func TestBackendCloseWithNilBackends(t *testing.T) {
	b := &Backend{}

	// Should not panic
	b.Close()
}
