package client

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/b0bbywan/go-odio-portal/broker"
	"github.com/b0bbywan/go-odio-portal/bus"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/portal"
	"github.com/b0bbywan/go-odio-portal/tokenstore"
)

// newTestPortal wires a client to a broker through an in-process hub.
func newTestPortal(t *testing.T, mutate func(*config.BrokerConfig), opts ...Option) (*Portal, *broker.Broker) {
	t.Helper()
	cfg := config.Defaults().Broker
	if mutate != nil {
		mutate(cfg)
	}
	b, err := broker.New(cfg, tokenstore.NewMemory(0))
	require.NoError(t, err)
	b.OnViolation = func(err error) { t.Errorf("protocol violation: %v", err) }

	hub := bus.NewHub()
	_, err = bus.NewService(b, hub)
	require.NoError(t, err)
	conn, err := hub.Dial()
	require.NoError(t, err)

	p := New(conn, append([]Option{WithTimeout(5 * time.Second)}, opts...)...)
	t.Cleanup(func() {
		p.Close()
		hub.Close()
		b.Close()
	})
	return p, b
}

func callsOn(b *broker.Broker, iface, method string) []broker.Call {
	var out []broker.Call
	for _, c := range b.Calls(method) {
		if c.Interface == iface {
			out = append(out, c)
		}
	}
	return out
}

func TestPortal_Versions(t *testing.T) {
	p, _ := newTestPortal(t, func(c *config.BrokerConfig) {
		c.Wallpaper.Enabled = false
	})
	v := p.Versions(context.Background())
	require.Equal(t, uint32(2), v.RemoteDesktop)
	require.Equal(t, uint32(4), v.ScreenCast)
	require.Equal(t, uint32(1), v.InputCapture)
	require.Equal(t, uint32(2), v.Notification)
	require.Zero(t, v.Wallpaper)
}

func TestRemoteDesktop_StartAndConnect(t *testing.T) {
	p, b := newTestPortal(t, func(c *config.BrokerConfig) {
		c.HandoffGreeting = "VANILLA"
		c.RemoteDesktop.DeviceTypes = portal.DeviceKeyboard | portal.DevicePointer
	})
	ctx := context.Background()

	s, err := p.CreateSession(ctx, portal.Descriptor{Kind: portal.KindRemoteDesktop, Devices: portal.AllDevices})
	require.NoError(t, err)
	require.True(t, portal.IsSessionPath(s.Handle()))
	require.Equal(t, uint32(2), s.Versions().RemoteDesktop)

	var transitions []portal.State
	var mu sync.Mutex
	s.OnStateChange(func(_, to portal.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	_, err = s.ConnectToEIS(ctx)
	require.ErrorIs(t, err, portal.ErrInvalidState)

	require.NoError(t, s.Start(ctx, ""))
	require.Equal(t, portal.StateActive, s.State())
	require.Equal(t, portal.DeviceKeyboard|portal.DevicePointer, s.Grant().Devices)
	mu.Lock()
	require.Equal(t, []portal.State{portal.StateStarted, portal.StateActive}, transitions)
	mu.Unlock()

	info, err := b.SessionInfo(s.Handle())
	require.NoError(t, err)
	require.Equal(t, "active", info.State)
	require.Equal(t, s.Grant().Devices, info.Grant.Devices)

	f, err := s.ConnectToEIS(ctx)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 7)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	require.Equal(t, "VANILLA", string(buf))

	_, err = s.ConnectToEIS(ctx)
	require.ErrorIs(t, err, portal.ErrAlreadyConnected)

	require.NoError(t, s.NotifyPointerMotion(ctx, 1.5, -2))
	require.NoError(t, s.NotifyKeyboardKeycode(ctx, 30, portal.KeyPressed))
	require.NoError(t, s.NotifyPointerAxis(ctx, 0, 10, true))
	require.Len(t, callsOn(b, portal.RemoteDesktopInterface, "NotifyPointerMotion"), 1)

	s.Close(ctx)
	s.Close(ctx)
	require.Equal(t, portal.StateClosed, s.State())
	require.NoError(t, s.Err())
	require.ErrorIs(t, s.NotifyPointerMotion(ctx, 1, 1), portal.ErrInvalidState)
	require.Eventually(t, func() bool {
		info, err := b.SessionInfo(s.Handle())
		return err == nil && info.State == "closed"
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteDesktop_WithStreams(t *testing.T) {
	p, b := newTestPortal(t, nil)
	ctx := context.Background()

	s, err := p.CreateSession(ctx, portal.Descriptor{
		Kind:    portal.KindRemoteDesktop,
		Devices: portal.DevicePointer,
		Outputs: &portal.Outputs{Types: portal.SourceMonitor},
	})
	require.NoError(t, err)
	require.Len(t, callsOn(b, portal.ScreenCastInterface, "SelectSources"), 1)

	require.NoError(t, s.Start(ctx, "x11:1"))
	require.NotEmpty(t, s.Streams())
	require.Equal(t, len(s.Streams()), s.Grant().StreamCount)

	f, err := s.OpenPipeWireRemote(ctx)
	require.NoError(t, err)
	f.Close()

	// Only one handoff per session.
	_, err = s.ConnectToEIS(ctx)
	require.ErrorIs(t, err, portal.ErrAlreadyConnected)
}

func TestScreenCast_HasNoEIS(t *testing.T) {
	p, _ := newTestPortal(t, nil)
	ctx := context.Background()

	s, err := p.CreateSession(ctx, portal.Descriptor{
		Kind:    portal.KindScreenCast,
		Outputs: &portal.Outputs{Types: portal.SourceWindow, Cursor: portal.CursorMetadata},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, ""))
	require.Equal(t, portal.SourceWindow, s.Grant().Sources)

	_, err = s.ConnectToEIS(ctx)
	require.ErrorIs(t, err, portal.ErrUnsupported)
	require.ErrorIs(t, s.NotifyPointerMotion(ctx, 1, 1), portal.ErrUnsupported)
}

func TestRemoteDesktop_OldVersionHasNoEIS(t *testing.T) {
	p, b := newTestPortal(t, func(c *config.BrokerConfig) {
		c.RemoteDesktop.Version = 1
	})
	ctx := context.Background()

	s, err := p.CreateSession(ctx, portal.Descriptor{
		Kind:    portal.KindRemoteDesktop,
		Devices: portal.DeviceKeyboard,
		Persist: portal.PersistPermanent,
	})
	require.NoError(t, err)
	calls := callsOn(b, portal.RemoteDesktopInterface, "SelectDevices")
	require.Len(t, calls, 1)
	require.NotContains(t, calls[0].Options, portal.KeyPersistMode)

	require.NoError(t, s.Start(ctx, ""))
	require.Empty(t, s.RestoreToken())
	_, err = s.ConnectToEIS(ctx)
	var verr *portal.VersionError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, uint32(2), verr.Need)
}

func TestSession_DeniedStartCloses(t *testing.T) {
	p, _ := newTestPortal(t, func(c *config.BrokerConfig) {
		c.ScreenCast.Response = portal.ResponseCancelled
	})
	ctx := context.Background()

	s, err := p.CreateSession(ctx, portal.Descriptor{
		Kind:    portal.KindScreenCast,
		Outputs: &portal.Outputs{Types: portal.SourceMonitor},
	})
	require.NoError(t, err)

	err = s.Start(ctx, "")
	require.ErrorIs(t, err, portal.ErrCancelled)
	var rerr *portal.ResponseError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, portal.StateClosed, s.State())
}

func TestSession_CloseDuringStart(t *testing.T) {
	p, b := newTestPortal(t, func(c *config.BrokerConfig) {
		c.ResponseDelay = 300 * time.Millisecond
	})
	ctx := context.Background()

	s, err := p.CreateSession(ctx, portal.Descriptor{Kind: portal.KindRemoteDesktop, Devices: portal.DevicePointer})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Close(context.Background())
	}()
	err = s.Start(ctx, "")
	require.ErrorIs(t, err, portal.ErrCancelled)
	require.Equal(t, portal.StateClosed, s.State())

	require.Eventually(t, func() bool {
		info, err := b.SessionInfo(s.Handle())
		return err == nil && info.State == "closed"
	}, time.Second, 10*time.Millisecond)
}

func TestPortal_ContextCancelClosesRequest(t *testing.T) {
	p, b := newTestPortal(t, func(c *config.BrokerConfig) {
		c.ResponseDelay = 500 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := p.CreateSession(ctx, portal.Descriptor{Kind: portal.KindRemoteDesktop, Devices: portal.DevicePointer})
	require.ErrorIs(t, err, portal.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	closes := callsOn(b, portal.RequestInterface, portal.MethodClose)
	require.Len(t, closes, 1)
	require.Empty(t, closes[0].Err)

	// The cancelled request never completes and its session is discarded.
	time.Sleep(600 * time.Millisecond)
	require.Empty(t, b.Sessions())
}

func TestPortal_CloseCancelsPending(t *testing.T) {
	p, _ := newTestPortal(t, func(c *config.BrokerConfig) {
		c.ResponseDelay = time.Second
	})

	errc := make(chan error, 1)
	go func() {
		errc <- p.SetWallpaperURI(context.Background(), "", "file:///tmp/a.png", WallpaperOptions{})
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.requests) == 1
	}, time.Second, 5*time.Millisecond)

	p.Close()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, portal.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("request still waiting after Close")
	}

	_, err := p.CreateSession(context.Background(), portal.Descriptor{Kind: portal.KindRemoteDesktop})
	require.ErrorIs(t, err, portal.ErrCancelled)
}

func TestRestore_TokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restore.yaml")
	p, b := newTestPortal(t, nil, WithRestoreFile(path))
	ctx := context.Background()
	desc := portal.Descriptor{
		Kind:    portal.KindScreenCast,
		Outputs: &portal.Outputs{Types: portal.SourceMonitor},
		Persist: portal.PersistPermanent,
	}

	s, err := p.CreateSession(ctx, desc)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, ""))
	first := s.RestoreToken()
	require.NotEmpty(t, first)
	require.Equal(t, portal.PersistPermanent, s.Grant().Persist)
	require.Equal(t, first, NewRestoreFile(path).Load(portal.KindScreenCast))
	s.Close(ctx)

	s, err = p.CreateSession(ctx, desc)
	require.NoError(t, err)
	calls := callsOn(b, portal.ScreenCastInterface, "SelectSources")
	require.Len(t, calls, 2)
	require.Contains(t, calls[1].Options, portal.KeyRestoreToken)

	require.NoError(t, s.Start(ctx, ""))
	second := s.RestoreToken()
	require.NotEmpty(t, second)
	require.NotEqual(t, first, second)
	require.Equal(t, second, NewRestoreFile(path).Load(portal.KindScreenCast))
}

func TestRestoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "restore.yaml")
	f := NewRestoreFile(path)
	require.Empty(t, f.Load(portal.KindRemoteDesktop))

	require.NoError(t, f.Save(portal.KindRemoteDesktop, "a"))
	require.NoError(t, f.Save(portal.KindScreenCast, "b"))
	require.Equal(t, "a", f.Load(portal.KindRemoteDesktop))
	require.Equal(t, "b", NewRestoreFile(path).Load(portal.KindScreenCast))

	require.NoError(t, f.Save(portal.KindRemoteDesktop, ""))
	require.Empty(t, f.Load(portal.KindRemoteDesktop))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "screencast: b\n", string(data))

	require.NoError(t, os.WriteFile(path, []byte("- a\n- b\n"), 0o600))
	require.Empty(t, f.Load(portal.KindScreenCast))
	require.NoError(t, f.Save(portal.KindScreenCast, "c"))
	require.Equal(t, "c", f.Load(portal.KindScreenCast))
}

func TestWallpaper(t *testing.T) {
	p, b := newTestPortal(t, nil)
	ctx := context.Background()

	require.NoError(t, p.SetWallpaperURI(ctx, "", "file:///tmp/a.png", WallpaperOptions{ShowPreview: true, SetOn: "lockscreen"}))
	calls := callsOn(b, portal.WallpaperInterface, "SetWallpaperURI")
	require.Len(t, calls, 1)
	require.ElementsMatch(t, []string{portal.KeyHandleToken, portal.KeyShowPreview, portal.KeySetOn}, calls[0].Options)

	err := p.SetWallpaperURI(ctx, "", "not a uri", WallpaperOptions{})
	require.ErrorIs(t, err, portal.ErrInvalidRequest)
}

func TestWallpaper_Denied(t *testing.T) {
	p, _ := newTestPortal(t, func(c *config.BrokerConfig) {
		c.Wallpaper.Response = portal.ResponseCancelled
	})
	err := p.SetWallpaperURI(context.Background(), "", "file:///tmp/a.png", WallpaperOptions{})
	require.ErrorIs(t, err, portal.ErrCancelled)
}

func TestNotifications(t *testing.T) {
	p, b := newTestPortal(t, nil)
	ctx := context.Background()

	require.NoError(t, p.AddNotification(ctx, "n1", portal.Vardict{"title": dbus.MakeVariant("hello")}))
	require.Equal(t, []string{"n1"}, b.Notifications(p.Sender()))

	require.NoError(t, b.InvokeAction(p.Sender(), "n1", "open", []dbus.Variant{dbus.MakeVariant("x")}))
	select {
	case a := <-p.Actions():
		require.Equal(t, "n1", a.ID)
		require.Equal(t, "open", a.Action)
		require.Len(t, a.Parameter, 1)
		require.Equal(t, "x", a.Parameter[0].Value())
	case <-time.After(time.Second):
		t.Fatal("no ActionInvoked")
	}

	require.NoError(t, p.RemoveNotification(ctx, "n1"))
	require.Empty(t, b.Notifications(p.Sender()))
	require.ErrorIs(t, p.AddNotification(ctx, "", nil), portal.ErrInvalidRequest)
}

// fakeConn answers calls with a scripted function.
type fakeConn struct {
	mu   sync.Mutex
	subs []chan<- *dbus.Signal
	call func(path dbus.ObjectPath, method string, args []interface{}) ([]interface{}, error)
}

const fakeSender = ":1.7"

func (f *fakeConn) Sender() string { return fakeSender }

func (f *fakeConn) Call(_ context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	return f.call(path, method, args)
}

func (f *fakeConn) Property(context.Context, string, string) (dbus.Variant, error) {
	return dbus.MakeVariant(uint32(1)), nil
}

func (f *fakeConn) Subscribe(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
}

func (f *fakeConn) Unsubscribe(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	f.subs = slices.DeleteFunc(f.subs, func(s chan<- *dbus.Signal) bool { return s == ch })
	f.mu.Unlock()
}

func (f *fakeConn) respond(handle dbus.ObjectPath, status uint32) {
	f.respondWith(handle, status, portal.Vardict{})
}

func (f *fakeConn) respondWith(handle dbus.ObjectPath, status uint32, results portal.Vardict) {
	sig := &dbus.Signal{
		Sender: ":1.0",
		Path:   handle,
		Name:   portal.RequestInterface + "." + portal.SignalResponse,
		Body:   []interface{}{status, results},
	}
	f.mu.Lock()
	subs := slices.Clone(f.subs)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- sig
	}
}

func TestPortal_RekeyPicksUpEarlyResponse(t *testing.T) {
	f := &fakeConn{}
	var p *Portal
	other := portal.RequestPath(fakeSender, "t1")
	f.call = func(_ dbus.ObjectPath, _ string, _ []interface{}) ([]interface{}, error) {
		f.respond(other, 0)
		require.Eventually(t, func() bool { return p.orphans.Len() == 1 }, time.Second, 5*time.Millisecond)
		return []interface{}{other}, nil
	}
	p = New(f, WithTimeout(time.Second))
	defer p.Close()

	require.NoError(t, p.SetWallpaperURI(context.Background(), "", "file:///a", WallpaperOptions{}))
	require.Zero(t, p.orphans.Len())
}

func TestPortal_RekeyWaitsForLateResponse(t *testing.T) {
	f := &fakeConn{}
	other := portal.RequestPath(fakeSender, "t2")
	f.call = func(_ dbus.ObjectPath, _ string, _ []interface{}) ([]interface{}, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			f.respond(other, 2)
		}()
		return []interface{}{other}, nil
	}
	p := New(f, WithTimeout(time.Second))
	defer p.Close()

	err := p.SetWallpaperURI(context.Background(), "", "file:///a", WallpaperOptions{})
	var rerr *portal.ResponseError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, portal.ResponseOther, rerr.Status)
}

func TestPortal_MalformedHandle(t *testing.T) {
	f := &fakeConn{}
	f.call = func(_ dbus.ObjectPath, _ string, _ []interface{}) ([]interface{}, error) {
		return []interface{}{"not a path"}, nil
	}
	p := New(f, WithTimeout(time.Second))
	defer p.Close()

	err := p.SetWallpaperURI(context.Background(), "", "file:///a", WallpaperOptions{})
	require.ErrorIs(t, err, portal.ErrMalformedResponse)
	p.mu.Lock()
	require.Empty(t, p.requests)
	p.mu.Unlock()
}
