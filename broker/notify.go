package broker

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// Remote desktop input methods.
const (
	NotifyPointerMotion         = "NotifyPointerMotion"
	NotifyPointerMotionAbsolute = "NotifyPointerMotionAbsolute"
	NotifyPointerButton         = "NotifyPointerButton"
	NotifyPointerAxis           = "NotifyPointerAxis"
	NotifyPointerAxisDiscrete   = "NotifyPointerAxisDiscrete"
	NotifyKeyboardKeycode       = "NotifyKeyboardKeycode"
	NotifyKeyboardKeysym        = "NotifyKeyboardKeysym"
	NotifyTouchDown             = "NotifyTouchDown"
	NotifyTouchMotion           = "NotifyTouchMotion"
	NotifyTouchUp               = "NotifyTouchUp"
)

// notifyDevice is the device a method needs to have been granted.
var notifyDevice = map[string]portal.DeviceType{
	NotifyPointerMotion:         portal.DevicePointer,
	NotifyPointerMotionAbsolute: portal.DevicePointer,
	NotifyPointerButton:         portal.DevicePointer,
	NotifyPointerAxis:           portal.DevicePointer,
	NotifyPointerAxisDiscrete:   portal.DevicePointer,
	NotifyKeyboardKeycode:       portal.DeviceKeyboard,
	NotifyKeyboardKeysym:        portal.DeviceKeyboard,
	NotifyTouchDown:             portal.DeviceTouchscreen,
	NotifyTouchMotion:           portal.DeviceTouchscreen,
	NotifyTouchUp:               portal.DeviceTouchscreen,
}

// NotifyMethods lists the input methods in a stable order.
func NotifyMethods() []string {
	return []string{
		NotifyPointerMotion, NotifyPointerMotionAbsolute, NotifyPointerButton,
		NotifyPointerAxis, NotifyPointerAxisDiscrete,
		NotifyKeyboardKeycode, NotifyKeyboardKeysym,
		NotifyTouchDown, NotifyTouchMotion, NotifyTouchUp,
	}
}

// Notify forwards one input event. It is fire-and-forget: failures are
// logged and kept in the call log but never returned to the sender.
func (b *Broker) Notify(sender string, handle dbus.ObjectPath, method string, opts portal.Vardict, args map[string]any) {
	done := b.record(sender, portal.RemoteDesktopInterface, method, handle, opts)
	err := b.notify(sender, handle, method, opts, args)
	done(err)
	if err != nil {
		logger.Warn("[broker] %s from %s dropped: %v", method, sender, err)
	}
}

func (b *Broker) notify(sender string, handle dbus.ObjectPath, method string, opts portal.Vardict, args map[string]any) error {
	need, ok := notifyDevice[method]
	if !ok {
		return fmt.Errorf("%s: %w", method, portal.ErrUnsupported)
	}
	s, err := b.lookupKind(sender, handle, portal.KindRemoteDesktop)
	if err != nil {
		return err
	}
	return s.Serialize(func() error {
		if err := s.Require(method); err != nil {
			return err
		}
		if s.Grant().Devices&need == 0 {
			return fmt.Errorf("%s: %s not granted: %w", method, need, portal.ErrInvalidState)
		}
		if method == NotifyPointerAxis {
			opts = filterOptions(portal.PointerAxisOptions, s.Version, opts)
			if finish, ok := portal.MapBoolOK(opts, portal.KeyFinish); ok {
				if args == nil {
					args = map[string]any{}
				}
				args[portal.KeyFinish] = finish
			}
		}
		b.publish(events.Event{Type: events.TypeInputNotify, Data: events.InputData{
			Session: string(handle),
			Method:  method,
			Args:    args,
		}})
		return nil
	})
}
