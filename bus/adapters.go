package bus

import (
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/broker"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// The adapters below are exported as-is on a *dbus.Conn or a Hub. Their
// exported methods are the D-Bus methods of one interface each.

// fdPasser puts f in the reply being built and closes it once the
// transport no longer needs it.
type fdPasser func(f *os.File) dbus.UnixFD

func handOff(pass fdPasser) func(*os.File, error) (dbus.UnixFD, *dbus.Error) {
	return func(f *os.File, err error) (dbus.UnixFD, *dbus.Error) {
		if err != nil {
			return -1, dbusError(err)
		}
		return pass(f), nil
	}
}

type requestObject struct {
	b *broker.Broker
}

func (o *requestObject) Close(sender dbus.Sender, msg dbus.Message) *dbus.Error {
	return dbusError(o.b.CloseRequest(string(sender), header[dbus.ObjectPath](&msg, dbus.FieldPath)))
}

type sessionObject struct {
	b *broker.Broker
}

func (o *sessionObject) Close(sender dbus.Sender, msg dbus.Message) *dbus.Error {
	return dbusError(o.b.CloseSession(string(sender), header[dbus.ObjectPath](&msg, dbus.FieldPath)))
}

type properties struct {
	b *broker.Broker
}

func (p *properties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	props := p.b.Properties(iface)
	if props == nil {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	v, ok := props[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{name})
	}
	return v, nil
}

func (p *properties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	props := p.b.Properties(iface)
	if props == nil {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	return props, nil
}

func (p *properties) Set(iface, name string, _ dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{iface + "." + name})
}

type inputCapture struct {
	b    *broker.Broker
	pass fdPasser
}

func (a *inputCapture) CreateSession(sender dbus.Sender, parent string, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.CreateSession(string(sender), portal.KindInputCapture, parent, opts)
	return path, dbusError(err)
}

func (a *inputCapture) GetZones(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.GetZones(string(sender), session, opts)
	return path, dbusError(err)
}

func (a *inputCapture) SetPointerBarriers(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, barriers []map[string]dbus.Variant, zoneSet uint32) (dbus.ObjectPath, *dbus.Error) {
	list := make([]portal.Vardict, len(barriers))
	for i, v := range barriers {
		list[i] = v
	}
	path, err := a.b.SetPointerBarriers(string(sender), session, opts, list, zoneSet)
	return path, dbusError(err)
}

func (a *inputCapture) Enable(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) *dbus.Error {
	return dbusError(a.b.Enable(string(sender), session, opts))
}

func (a *inputCapture) Disable(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) *dbus.Error {
	return dbusError(a.b.Disable(string(sender), session, opts))
}

func (a *inputCapture) Release(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) *dbus.Error {
	return dbusError(a.b.Release(string(sender), session, opts))
}

func (a *inputCapture) ConnectToEIS(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) (dbus.UnixFD, *dbus.Error) {
	return handOff(a.pass)(a.b.ConnectToEIS(string(sender), portal.KindInputCapture, session, opts))
}

type screenCast struct {
	b    *broker.Broker
	pass fdPasser
}

func (a *screenCast) CreateSession(sender dbus.Sender, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.CreateSession(string(sender), portal.KindScreenCast, "", opts)
	return path, dbusError(err)
}

func (a *screenCast) SelectSources(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.SelectSources(string(sender), session, opts)
	return path, dbusError(err)
}

func (a *screenCast) Start(sender dbus.Sender, session dbus.ObjectPath, parent string, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.Start(string(sender), portal.KindScreenCast, session, parent, opts)
	return path, dbusError(err)
}

func (a *screenCast) OpenPipeWireRemote(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) (dbus.UnixFD, *dbus.Error) {
	return handOff(a.pass)(a.b.OpenPipeWireRemote(string(sender), session, opts))
}

type remoteDesktop struct {
	b    *broker.Broker
	pass fdPasser
}

func (a *remoteDesktop) CreateSession(sender dbus.Sender, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.CreateSession(string(sender), portal.KindRemoteDesktop, "", opts)
	return path, dbusError(err)
}

func (a *remoteDesktop) SelectDevices(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.SelectDevices(string(sender), session, opts)
	return path, dbusError(err)
}

func (a *remoteDesktop) Start(sender dbus.Sender, session dbus.ObjectPath, parent string, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.Start(string(sender), portal.KindRemoteDesktop, session, parent, opts)
	return path, dbusError(err)
}

func (a *remoteDesktop) ConnectToEIS(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict) (dbus.UnixFD, *dbus.Error) {
	return handOff(a.pass)(a.b.ConnectToEIS(string(sender), portal.KindRemoteDesktop, session, opts))
}

func (a *remoteDesktop) notify(sender dbus.Sender, session dbus.ObjectPath, method string, opts portal.Vardict, args map[string]any) *dbus.Error {
	a.b.Notify(string(sender), session, method, opts, args)
	return nil
}

func (a *remoteDesktop) NotifyPointerMotion(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, dx, dy float64) *dbus.Error {
	return a.notify(sender, session, broker.NotifyPointerMotion, opts, map[string]any{"dx": dx, "dy": dy})
}

func (a *remoteDesktop) NotifyPointerMotionAbsolute(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, stream uint32, x, y float64) *dbus.Error {
	return a.notify(sender, session, broker.NotifyPointerMotionAbsolute, opts, map[string]any{"stream": stream, "x": x, "y": y})
}

func (a *remoteDesktop) NotifyPointerButton(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, button int32, state uint32) *dbus.Error {
	return a.notify(sender, session, broker.NotifyPointerButton, opts, map[string]any{"button": button, "state": state})
}

func (a *remoteDesktop) NotifyPointerAxis(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, dx, dy float64) *dbus.Error {
	return a.notify(sender, session, broker.NotifyPointerAxis, opts, map[string]any{"dx": dx, "dy": dy})
}

func (a *remoteDesktop) NotifyPointerAxisDiscrete(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, axis uint32, steps int32) *dbus.Error {
	return a.notify(sender, session, broker.NotifyPointerAxisDiscrete, opts, map[string]any{"axis": axis, "steps": steps})
}

func (a *remoteDesktop) NotifyKeyboardKeycode(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, keycode int32, state uint32) *dbus.Error {
	return a.notify(sender, session, broker.NotifyKeyboardKeycode, opts, map[string]any{"keycode": keycode, "state": state})
}

func (a *remoteDesktop) NotifyKeyboardKeysym(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, keysym int32, state uint32) *dbus.Error {
	return a.notify(sender, session, broker.NotifyKeyboardKeysym, opts, map[string]any{"keysym": keysym, "state": state})
}

func (a *remoteDesktop) NotifyTouchDown(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, stream, slot uint32, x, y float64) *dbus.Error {
	return a.notify(sender, session, broker.NotifyTouchDown, opts, map[string]any{"stream": stream, "slot": slot, "x": x, "y": y})
}

func (a *remoteDesktop) NotifyTouchMotion(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, stream, slot uint32, x, y float64) *dbus.Error {
	return a.notify(sender, session, broker.NotifyTouchMotion, opts, map[string]any{"stream": stream, "slot": slot, "x": x, "y": y})
}

func (a *remoteDesktop) NotifyTouchUp(sender dbus.Sender, session dbus.ObjectPath, opts portal.Vardict, slot uint32) *dbus.Error {
	return a.notify(sender, session, broker.NotifyTouchUp, opts, map[string]any{"slot": slot})
}

type wallpaper struct {
	b *broker.Broker
}

func (a *wallpaper) SetWallpaperURI(sender dbus.Sender, parent, uri string, opts portal.Vardict) (dbus.ObjectPath, *dbus.Error) {
	path, err := a.b.SetWallpaperURI(string(sender), parent, uri, opts)
	return path, dbusError(err)
}

type notification struct {
	b *broker.Broker
}

func (a *notification) AddNotification(sender dbus.Sender, id string, content portal.Vardict) *dbus.Error {
	return dbusError(a.b.AddNotification(string(sender), id, content))
}

func (a *notification) RemoveNotification(sender dbus.Sender, id string) *dbus.Error {
	return dbusError(a.b.RemoveNotification(string(sender), id))
}
