package portal

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// Vardict is the a{sv} option/result map used by every portal verb.
type Vardict = map[string]dbus.Variant

// Kind selects which session-carrying portal a session belongs to.
type Kind int

const (
	KindInputCapture Kind = iota + 1
	KindRemoteDesktop
	KindScreenCast
)

func (k Kind) String() string {
	switch k {
	case KindInputCapture:
		return "inputcapture"
	case KindRemoteDesktop:
		return "remotedesktop"
	case KindScreenCast:
		return "screencast"
	default:
		return "unknown"
	}
}

// Interface returns the D-Bus interface that creates sessions of this kind.
func (k Kind) Interface() string {
	switch k {
	case KindInputCapture:
		return InputCaptureInterface
	case KindRemoteDesktop:
		return RemoteDesktopInterface
	case KindScreenCast:
		return ScreenCastInterface
	default:
		return ""
	}
}

type DeviceType uint32

const (
	DeviceKeyboard    DeviceType = 1
	DevicePointer     DeviceType = 2
	DeviceTouchscreen DeviceType = 4

	AllDevices = DeviceKeyboard | DevicePointer | DeviceTouchscreen
)

func (d DeviceType) String() string {
	return bitNames(uint32(d), []string{"keyboard", "pointer", "touchscreen"})
}

type SourceType uint32

const (
	SourceMonitor SourceType = 1
	SourceWindow  SourceType = 2
	SourceVirtual SourceType = 4

	AllSources = SourceMonitor | SourceWindow | SourceVirtual
)

func (s SourceType) String() string {
	return bitNames(uint32(s), []string{"monitor", "window", "virtual"})
}

type CursorMode uint32

const (
	CursorHidden   CursorMode = 1
	CursorEmbedded CursorMode = 2
	CursorMetadata CursorMode = 4
)

func (c CursorMode) String() string {
	return bitNames(uint32(c), []string{"hidden", "embedded", "metadata"})
}

type PersistMode uint32

const (
	PersistNone PersistMode = iota
	PersistTransient
	PersistPermanent
)

func (p PersistMode) String() string {
	switch p {
	case PersistNone:
		return "none"
	case PersistTransient:
		return "transient"
	case PersistPermanent:
		return "permanent"
	default:
		return "invalid"
	}
}

// Capability is the InputCapture capability bitmask.
type Capability uint32

const (
	CapabilityKeyboard    Capability = 1
	CapabilityPointer     Capability = 2
	CapabilityTouchscreen Capability = 4
)

func (c Capability) String() string {
	return bitNames(uint32(c), []string{"keyboard", "pointer", "touchscreen"})
}

// ResponseStatus is the first argument of Request.Response.
type ResponseStatus uint32

const (
	ResponseSuccess ResponseStatus = iota
	ResponseCancelled
	ResponseOther
)

func (r ResponseStatus) String() string {
	switch r {
	case ResponseSuccess:
		return "success"
	case ResponseCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

type ButtonState uint32

const (
	ButtonReleased ButtonState = iota
	ButtonPressed
)

type KeyState uint32

const (
	KeyReleased KeyState = iota
	KeyPressed
)

type Axis uint32

const (
	AxisVertical Axis = iota
	AxisHorizontal
)

// Stream is one entry of the a(ua{sv}) streams result.
type Stream struct {
	NodeID     uint32
	Properties Vardict
}

// Grant is what a successful Start hands back and what a restore token restores.
type Grant struct {
	Devices     DeviceType  `json:"devices" yaml:"devices"`
	Sources     SourceType  `json:"sources" yaml:"sources"`
	Cursor      CursorMode  `json:"cursor_mode" yaml:"cursor_mode"`
	Persist     PersistMode `json:"persist_mode" yaml:"persist_mode"`
	Multiple    bool        `json:"multiple" yaml:"multiple"`
	StreamCount int         `json:"streams" yaml:"streams"`
}

// Versions is the immutable per-interface version stamp read once when a
// session is created. A zero entry means the property could not be read.
type Versions struct {
	InputCapture  uint32
	RemoteDesktop uint32
	ScreenCast    uint32
	Wallpaper     uint32
	Notification  uint32
}

// For returns the stamped version of iface.
func (v Versions) For(iface string) uint32 {
	switch iface {
	case InputCaptureInterface:
		return v.InputCapture
	case RemoteDesktopInterface:
		return v.RemoteDesktop
	case ScreenCastInterface:
		return v.ScreenCast
	case WallpaperInterface:
		return v.Wallpaper
	case NotificationInterface:
		return v.Notification
	default:
		return 0
	}
}

func bitNames(v uint32, names []string) string {
	if v == 0 {
		return "none"
	}
	var parts []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, name)
			v &^= 1 << i
		}
	}
	if v != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}
