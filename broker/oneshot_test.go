package broker

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/portal"
)

func TestSetWallpaperURI(t *testing.T) {
	b, rec, _ := newTestBroker(t, nil)

	req, err := b.SetWallpaperURI(alice, "", "file:///tmp/w.png", opts(portal.KeySetOn, SetOnLockscreen))
	require.NoError(t, err)
	status, results := rec.response(t, req)
	require.Equal(t, portal.ResponseSuccess, status)
	require.Empty(t, results)

	var set events.WallpaperData
	for e := range b.Events() {
		if e.Type == events.TypeWallpaperSet {
			set = e.Data.(events.WallpaperData)
			break
		}
	}
	require.Equal(t, SetOnLockscreen, set.SetOn)
	require.Equal(t, "file:///tmp/w.png", set.URI)
}

func TestSetWallpaperURI_Invalid(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)

	_, err := b.SetWallpaperURI(alice, "", "not a uri", nil)
	require.ErrorIs(t, err, portal.ErrInvalidRequest)

	_, err = b.SetWallpaperURI(alice, "", "file:///w.png", opts(portal.KeySetOn, "ceiling"))
	require.ErrorIs(t, err, portal.ErrInvalidRequest)
}

func TestSetWallpaperURI_Denied(t *testing.T) {
	b, rec, _ := newTestBroker(t, func(c *config.BrokerConfig) {
		c.Wallpaper.Response = portal.ResponseCancelled
	})
	req, err := b.SetWallpaperURI(alice, "", "https://example.org/w.jpg", nil)
	require.NoError(t, err)
	status, _ := rec.response(t, req)
	require.Equal(t, portal.ResponseCancelled, status)
}

func TestSetWallpaperURI_Disabled(t *testing.T) {
	b, _, _ := newTestBroker(t, func(c *config.BrokerConfig) {
		c.Wallpaper.Enabled = false
	})
	_, err := b.SetWallpaperURI(alice, "", "file:///w.png", nil)
	require.ErrorIs(t, err, portal.ErrUnsupported)
}

func TestNotifications(t *testing.T) {
	b, rec, _ := newTestBroker(t, nil)

	require.ErrorIs(t, b.AddNotification(alice, "", nil), portal.ErrInvalidRequest)
	require.NoError(t, b.AddNotification(alice, "n1", opts("title", "hello")))
	require.NoError(t, b.AddNotification(alice, "n2", opts("title", "world")))
	require.NoError(t, b.AddNotification(bob, "n1", nil))
	require.ElementsMatch(t, []string{"n1", "n2"}, b.Notifications(alice))

	param := []dbus.Variant{dbus.MakeVariant("yes")}
	require.NoError(t, b.InvokeAction(alice, "n1", "reply", param))
	sig := rec.wait(t, portal.NotificationInterface+"."+portal.SignalActionInvoked)
	require.Equal(t, alice, sig.dest)
	require.Equal(t, portal.ObjectPath, sig.path)
	require.Equal(t, []interface{}{"n1", "reply", param}, sig.body)

	require.NoError(t, b.RemoveNotification(alice, "n1"))
	require.NoError(t, b.RemoveNotification(alice, "missing"))
	require.Equal(t, []string{"n2"}, b.Notifications(alice))
	require.ErrorIs(t, b.InvokeAction(alice, "n1", "reply", nil), portal.ErrInvalidRequest)

	// Notifications are per sender.
	require.Equal(t, []string{"n1"}, b.Notifications(bob))
}
