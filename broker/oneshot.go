package broker

import (
	"fmt"
	"net/url"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// Wallpaper targets accepted in "set-on".
const (
	SetOnBackground = "background"
	SetOnLockscreen = "lockscreen"
	SetOnBoth       = "both"
)

// SetWallpaperURI answers through a request that is not bound to any session.
func (b *Broker) SetWallpaperURI(sender, parent, uri string, opts portal.Vardict) (dbus.ObjectPath, error) {
	done := b.record(sender, portal.WallpaperInterface, "SetWallpaperURI", "", opts)
	path, err := b.setWallpaperURI(sender, parent, uri, opts)
	done(err)
	return path, err
}

func (b *Broker) setWallpaperURI(sender, parent, uri string, opts portal.Vardict) (dbus.ObjectPath, error) {
	version := b.Version(portal.WallpaperInterface)
	if version == 0 {
		return "", fmt.Errorf("SetWallpaperURI: %w", portal.ErrUnsupported)
	}
	if u, err := url.Parse(uri); err != nil || u.Scheme == "" {
		return "", fmt.Errorf("SetWallpaperURI: %w: bad uri %q", portal.ErrInvalidRequest, uri)
	}
	opts = filterOptions(portal.WallpaperOptions, version, opts)
	setOn := SetOnBoth
	if v, ok := portal.MapStringOK(opts, portal.KeySetOn); ok {
		setOn = v
	}
	switch setOn {
	case SetOnBackground, SetOnLockscreen, SetOnBoth:
	default:
		return "", fmt.Errorf("SetWallpaperURI: %w: set-on %q", portal.ErrInvalidRequest, setOn)
	}

	status := b.config().Wallpaper.Response
	pr := b.newRequest(sender, "SetWallpaperURI", opts, nil, nil)
	logger.Info("[broker] SetWallpaperURI %s on %s (parent %q, preview %v)", uri, setOn, parent, portal.MapBool(opts, portal.KeyShowPreview))

	b.respond(pr, status, portal.Vardict{}, func() {
		b.publish(events.Event{Type: events.TypeWallpaperSet, Data: events.WallpaperData{
			Sender: sender,
			URI:    uri,
			SetOn:  setOn,
			Status: uint32(status),
		}})
	}, nil)
	return pr.req.Handle, nil
}

// AddNotification stores or replaces a notification. Its content is kept as is.
func (b *Broker) AddNotification(sender, id string, content portal.Vardict) error {
	done := b.record(sender, portal.NotificationInterface, "AddNotification", "", content)
	err := b.addNotification(sender, id, content)
	done(err)
	return err
}

func (b *Broker) addNotification(sender, id string, content portal.Vardict) error {
	if b.Version(portal.NotificationInterface) == 0 {
		return fmt.Errorf("AddNotification: %w", portal.ErrUnsupported)
	}
	if id == "" {
		return fmt.Errorf("AddNotification: %w: empty id", portal.ErrInvalidRequest)
	}
	b.mu.Lock()
	if b.notes[sender] == nil {
		b.notes[sender] = make(map[string]portal.Vardict)
	}
	b.notes[sender][id] = content
	b.mu.Unlock()

	b.publish(events.Event{Type: events.TypeNotificationAdded, Data: events.NotificationData{Sender: sender, ID: id}})
	logger.Debug("[broker] notification %s from %s: %v", id, sender, portal.Keys(content))
	return nil
}

// RemoveNotification forgets a notification. Unknown ids are ignored.
func (b *Broker) RemoveNotification(sender, id string) error {
	done := b.record(sender, portal.NotificationInterface, "RemoveNotification", "", nil)
	defer done(nil)

	b.mu.Lock()
	_, ok := b.notes[sender][id]
	delete(b.notes[sender], id)
	if len(b.notes[sender]) == 0 {
		delete(b.notes, sender)
	}
	b.mu.Unlock()

	if ok {
		b.publish(events.Event{Type: events.TypeNotificationRemoved, Data: events.NotificationData{Sender: sender, ID: id}})
	}
	return nil
}

// Notifications returns the ids posted by sender.
func (b *Broker) Notifications(sender string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return portal.Keys(b.notes[sender])
}

// InvokeAction emits ActionInvoked for a posted notification, as if the
// user had clicked one of its buttons.
func (b *Broker) InvokeAction(sender, id, action string, parameter []dbus.Variant) error {
	b.mu.Lock()
	_, ok := b.notes[sender][id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("InvokeAction: notification %q of %s: %w", id, sender, portal.ErrInvalidRequest)
	}
	if parameter == nil {
		parameter = []dbus.Variant{}
	}
	b.emit(sender, portal.ObjectPath, portal.NotificationInterface+"."+portal.SignalActionInvoked, id, action, parameter)
	b.publish(events.Event{Type: events.TypeActionInvoked, Data: events.NotificationData{Sender: sender, ID: id, Action: action}})
	return nil
}
