package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/b0bbywan/go-odio-portal/broker"
	"github.com/b0bbywan/go-odio-portal/client"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/portal"
	"github.com/b0bbywan/go-odio-portal/tokenstore"
)

// TestLiveSessionBus runs a ScreenCast flow over a real session bus under a
// private name so a desktop portal, if any, is left alone.
func TestLiveSessionBus(t *testing.T) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		t.Skip("DBUS_SESSION_BUS_ADDRESS not set")
	}

	cfg := config.Defaults()
	b, err := broker.New(cfg.Broker, tokenstore.NewMemory(0))
	require.NoError(t, err)
	b.OnViolation = func(err error) { t.Errorf("protocol violation: %v", err) }
	t.Cleanup(b.Close)

	name := fmt.Sprintf("org.odio.PortalTest.p%d", os.Getpid())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := Serve(ctx, b, &config.BusConfig{Enabled: true, Name: name})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	raw, err := dbus.ConnectSessionBus(dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
	require.NoError(t, err)
	conn := NewConn(raw, name)
	t.Cleanup(func() { _ = conn.Close() })

	p := client.New(conn, client.WithTimeout(5*time.Second))
	t.Cleanup(p.Close)

	require.Equal(t, cfg.Broker.ScreenCast.Version, p.Versions(ctx).ScreenCast)

	session, err := p.CreateSession(ctx, portal.Descriptor{
		Kind:    portal.KindScreenCast,
		Outputs: &portal.Outputs{Types: portal.SourceMonitor},
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(ctx, ""))
	require.NotEmpty(t, session.Streams())

	fd, err := session.OpenPipeWireRemote(ctx)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	session.Close(ctx)
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed")
	}
}
