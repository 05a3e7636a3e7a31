package broker

import (
	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/portal"
)

// Interfaces lists every portal interface the broker knows about.
func Interfaces() []string {
	return []string{
		portal.InputCaptureInterface,
		portal.RemoteDesktopInterface,
		portal.ScreenCastInterface,
		portal.WallpaperInterface,
		portal.NotificationInterface,
	}
}

// ifaceVersionLocked returns 0 for a disabled interface.
func (b *Broker) ifaceVersionLocked(iface string) uint32 {
	c := b.cfg
	switch iface {
	case portal.InputCaptureInterface:
		if c.InputCapture != nil && c.InputCapture.Enabled {
			return c.InputCapture.Version
		}
	case portal.RemoteDesktopInterface:
		if c.RemoteDesktop != nil && c.RemoteDesktop.Enabled {
			return c.RemoteDesktop.Version
		}
	case portal.ScreenCastInterface:
		if c.ScreenCast != nil && c.ScreenCast.Enabled {
			return c.ScreenCast.Version
		}
	case portal.WallpaperInterface:
		if c.Wallpaper != nil && c.Wallpaper.Enabled {
			return c.Wallpaper.Version
		}
	case portal.NotificationInterface:
		if c.Notification != nil && c.Notification.Enabled {
			return c.Notification.Version
		}
	}
	return 0
}

func (b *Broker) versionLocked(kind portal.Kind) uint32 {
	return b.ifaceVersionLocked(kind.Interface())
}

// Version returns the advertised version of iface, 0 when disabled.
func (b *Broker) Version(iface string) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ifaceVersionLocked(iface)
}

// Enabled reports whether iface is served.
func (b *Broker) Enabled(iface string) bool {
	return b.Version(iface) > 0
}

// Properties returns the property set of iface, or nil when it is disabled.
func (b *Broker) Properties(iface string) map[string]dbus.Variant {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := b.ifaceVersionLocked(iface)
	if v == 0 {
		return nil
	}
	props := map[string]dbus.Variant{
		portal.PropertyVersion: dbus.MakeVariant(v),
	}
	switch iface {
	case portal.InputCaptureInterface:
		props[portal.PropertyCapabilities] = dbus.MakeVariant(uint32(b.cfg.InputCapture.Capabilities))
	case portal.RemoteDesktopInterface:
		props[portal.PropertyDeviceTypes] = dbus.MakeVariant(uint32(b.cfg.RemoteDesktop.DeviceTypes))
	case portal.ScreenCastInterface:
		props[portal.PropertySourceTypes] = dbus.MakeVariant(uint32(b.cfg.ScreenCast.SourceTypes))
		props[portal.PropertyCursorModes] = dbus.MakeVariant(uint32(b.cfg.ScreenCast.CursorModes))
	}
	return props
}
