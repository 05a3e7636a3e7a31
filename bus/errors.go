package bus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/portal"
)

// TimeoutError is returned when a D-Bus call exceeds its deadline.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("dbus: %s timed out", e.Method) }

// SignalError is returned when a D-Bus signal body is malformed.
type SignalError struct {
	Reason string
}

func (e *SignalError) Error() string { return fmt.Sprintf("dbus: signal error: %s", e.Reason) }

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("bus: connection closed")

// dbusError converts a broker error into the error reply sent to the caller.
func dbusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(portal.ErrorName(err), []interface{}{err.Error()})
}

// remoteError maps an error reply back onto the portal sentinels.
func remoteError(err error) error {
	var derr dbus.Error
	switch e := err.(type) {
	case dbus.Error:
		derr = e
	case *dbus.Error:
		derr = *e
	default:
		return err
	}
	msg := derr.Name
	if len(derr.Body) > 0 {
		if s, ok := derr.Body[0].(string); ok {
			msg = s
		}
	}
	return portal.FromErrorName(derr.Name, msg)
}
