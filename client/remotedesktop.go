package client

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/portal"
)

// notify sends one input event of a remote desktop session. The portal never
// answers input events with an error; only local state and transport
// failures are returned.
func (s *Session) notify(ctx context.Context, method string, opts portal.Vardict, args ...interface{}) error {
	if s.desc.Kind != portal.KindRemoteDesktop {
		return fmt.Errorf("%s: %s: %w", method, s.iface(), portal.ErrUnsupported)
	}
	if err := s.state.Require(method); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if opts == nil {
		opts = portal.Vardict{}
	}
	body := append([]interface{}{s.Handle(), opts}, args...)
	if _, err := s.p.conn.Call(ctx, portal.ObjectPath, portal.RemoteDesktopInterface+"."+method, body...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (s *Session) NotifyPointerMotion(ctx context.Context, dx, dy float64) error {
	return s.notify(ctx, "NotifyPointerMotion", nil, dx, dy)
}

// NotifyPointerMotionAbsolute moves the pointer within stream's coordinates.
func (s *Session) NotifyPointerMotionAbsolute(ctx context.Context, stream uint32, x, y float64) error {
	return s.notify(ctx, "NotifyPointerMotionAbsolute", nil, stream, x, y)
}

// NotifyPointerButton takes a Linux evdev button code.
func (s *Session) NotifyPointerButton(ctx context.Context, button int32, state portal.ButtonState) error {
	return s.notify(ctx, "NotifyPointerButton", nil, button, uint32(state))
}

// NotifyPointerAxis scrolls smoothly. finish marks the end of a scroll sequence.
func (s *Session) NotifyPointerAxis(ctx context.Context, dx, dy float64, finish bool) error {
	opts, _ := portal.PointerAxisOptions.Filter(s.state.Version, portal.Vardict{
		portal.KeyFinish: dbus.MakeVariant(finish),
	})
	return s.notify(ctx, "NotifyPointerAxis", opts, dx, dy)
}

func (s *Session) NotifyPointerAxisDiscrete(ctx context.Context, axis portal.Axis, steps int32) error {
	return s.notify(ctx, "NotifyPointerAxisDiscrete", nil, uint32(axis), steps)
}

// NotifyKeyboardKeycode takes a Linux evdev key code.
func (s *Session) NotifyKeyboardKeycode(ctx context.Context, keycode int32, state portal.KeyState) error {
	return s.notify(ctx, "NotifyKeyboardKeycode", nil, keycode, uint32(state))
}

func (s *Session) NotifyKeyboardKeysym(ctx context.Context, keysym int32, state portal.KeyState) error {
	return s.notify(ctx, "NotifyKeyboardKeysym", nil, keysym, uint32(state))
}

func (s *Session) NotifyTouchDown(ctx context.Context, stream, slot uint32, x, y float64) error {
	return s.notify(ctx, "NotifyTouchDown", nil, stream, slot, x, y)
}

func (s *Session) NotifyTouchMotion(ctx context.Context, stream, slot uint32, x, y float64) error {
	return s.notify(ctx, "NotifyTouchMotion", nil, stream, slot, x, y)
}

func (s *Session) NotifyTouchUp(ctx context.Context, slot uint32) error {
	return s.notify(ctx, "NotifyTouchUp", nil, slot)
}
