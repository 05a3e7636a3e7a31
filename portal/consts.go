package portal

import "github.com/godbus/dbus/v5"

const (
	BusName    = "org.freedesktop.portal.Desktop"
	ObjectPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")

	ifacePrefix = "org.freedesktop.portal."

	RequestInterface       = ifacePrefix + "Request"
	SessionInterface       = ifacePrefix + "Session"
	InputCaptureInterface  = ifacePrefix + "InputCapture"
	RemoteDesktopInterface = ifacePrefix + "RemoteDesktop"
	ScreenCastInterface    = ifacePrefix + "ScreenCast"
	WallpaperInterface     = ifacePrefix + "Wallpaper"
	NotificationInterface  = ifacePrefix + "Notification"

	requestRoot = "/org/freedesktop/portal/desktop/request"
	sessionRoot = "/org/freedesktop/portal/desktop/session"
)

// Signal members
const (
	SignalResponse       = "Response"
	SignalClosed         = "Closed"
	SignalActivated      = "Activated"
	SignalDeactivated    = "Deactivated"
	SignalDisabled       = "Disabled"
	SignalZonesChanged   = "ZonesChanged"
	SignalActionInvoked  = "ActionInvoked"
	MethodClose          = "Close"
	PropertyVersion      = "version"
	PropertyDeviceTypes  = "AvailableDeviceTypes"
	PropertySourceTypes  = "AvailableSourceTypes"
	PropertyCursorModes  = "AvailableCursorModes"
	PropertyCapabilities = "SupportedCapabilities"
)

// Well-known option and result keys
const (
	KeyHandleToken        = "handle_token"
	KeySessionHandleToken = "session_handle_token"
	KeySessionHandle      = "session_handle"
	KeyTypes              = "types"
	KeyMultiple           = "multiple"
	KeyCursorMode         = "cursor_mode"
	KeyPersistMode        = "persist_mode"
	KeyRestoreToken       = "restore_token"
	KeyDevices            = "devices"
	KeyStreams            = "streams"
	KeyClipboardEnabled   = "clipboard_enabled"
	KeyCapabilities       = "capabilities"
	KeyZoneSet            = "zone_set"
	KeyZones              = "zones"
	KeyFailedBarriers     = "failed_barriers"
	KeyBarrierID          = "barrier_id"
	KeyPosition           = "position"
	KeyActivationID       = "activation_id"
	KeyCursorPosition     = "cursor_position"
	KeyFinish             = "finish"
	KeyShowPreview        = "show-preview"
	KeySetOn              = "set-on"
)
