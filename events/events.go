package events

import "slices"

const (
	TypeServerInfo = "server.info"

	TypeSessionCreated = "session.created"
	TypeSessionState   = "session.state"
	TypeSessionClosed  = "session.closed"

	TypeRequestCompleted = "request.completed"
	TypeRequestCancelled = "request.cancelled"

	TypeHandoff = "session.handoff"

	TypeInputNotify = "input.notify"

	TypeActivated    = "inputcapture.activated"
	TypeDeactivated  = "inputcapture.deactivated"
	TypeDisabled     = "inputcapture.disabled"
	TypeZonesChanged = "inputcapture.zones_changed"

	TypeNotificationAdded   = "notification.added"
	TypeNotificationRemoved = "notification.removed"
	TypeActionInvoked       = "notification.action"

	TypeWallpaperSet = "wallpaper.set"
)

type Event struct {
	Type string
	Data any
}

// SessionData is carried by session.* events.
type SessionData struct {
	Handle string `json:"handle"`
	Kind   string `json:"kind"`
	Sender string `json:"sender"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// RequestData is carried by request.* events.
type RequestData struct {
	Handle string `json:"handle"`
	Method string `json:"method"`
	Status uint32 `json:"status"`
}

// InputData is carried by input.notify and inputcapture.* events.
type InputData struct {
	Session string         `json:"session"`
	Method  string         `json:"method"`
	Args    map[string]any `json:"args,omitempty"`
}

// NotificationData is carried by notification.* events.
type NotificationData struct {
	Sender string `json:"sender"`
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
}

// WallpaperData is carried by wallpaper.set events.
type WallpaperData struct {
	Sender string `json:"sender"`
	URI    string `json:"uri"`
	SetOn  string `json:"set_on"`
	Status uint32 `json:"status"`
}

// GroupTypes maps a filter group name to the event types it covers.
var GroupTypes = map[string][]string{
	"session":      {TypeSessionCreated, TypeSessionState, TypeSessionClosed, TypeHandoff},
	"request":      {TypeRequestCompleted, TypeRequestCancelled},
	"input":        {TypeInputNotify},
	"inputcapture": {TypeActivated, TypeDeactivated, TypeDisabled, TypeZonesChanged},
	"notification": {TypeNotificationAdded, TypeNotificationRemoved, TypeActionInvoked},
	"wallpaper":    {TypeWallpaperSet},
}

// FilterTypes returns a filter passing only the listed types, or nil (pass-all) when empty.
func FilterTypes(types []string) func(Event) bool {
	if len(types) == 0 {
		return nil
	}
	return NewFilter(types, nil)
}

// FilterGroup resolves group names via GroupTypes. Unknown names are ignored;
// nil is returned when nothing resolves.
func FilterGroup(names []string) func(Event) bool {
	var types []string
	for _, name := range names {
		types = append(types, GroupTypes[name]...)
	}
	return FilterTypes(types)
}

// NewFilter builds an include/exclude filter. An empty include list passes
// everything not excluded. Returns nil when both lists are empty.
func NewFilter(include, exclude []string) func(Event) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return nil
	}
	return func(e Event) bool {
		if slices.Contains(exclude, e.Type) {
			return false
		}
		return len(include) == 0 || slices.Contains(include, e.Type)
	}
}
