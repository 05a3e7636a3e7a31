package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultTimeout bounds calls whose context carries no deadline.
var DefaultTimeout = 5 * time.Second

// CallWithTimeout executes a D-Bus call, bounded by ctx or DefaultTimeout.
func CallWithTimeout(ctx context.Context, obj dbus.BusObject, method string, args ...interface{}) (*dbus.Call, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	call := obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		if errors.Is(call.Err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method}
		}
		if errors.Is(call.Err, context.Canceled) {
			return nil, call.Err
		}
		return nil, remoteError(call.Err)
	}
	return call, nil
}

// GetProperty retrieves a single property from a D-Bus object.
func GetProperty(ctx context.Context, obj dbus.BusObject, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	call, err := CallWithTimeout(ctx, obj, PROP_GET, iface, prop)
	if err != nil {
		return dbus.Variant{}, err
	}
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, err
	}
	return v, nil
}

// GetAllProperties retrieves all properties of a D-Bus interface in a single call.
func GetAllProperties(ctx context.Context, obj dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call, err := CallWithTimeout(ctx, obj, PROP_GET_ALL, iface)
	if err != nil {
		return nil, err
	}
	return props, call.Store(&props)
}

// splitMember splits "iface.Member" at its last dot.
func splitMember(name string) (iface, member string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// signalMessage builds a signal addressed to dest alone.
func signalMessage(dest string, path dbus.ObjectPath, name string, body ...interface{}) *dbus.Message {
	iface, member := splitMember(name)
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:      dbus.MakeVariant(path),
			dbus.FieldInterface: dbus.MakeVariant(iface),
			dbus.FieldMember:    dbus.MakeVariant(member),
		},
		Body: body,
	}
	if dest != "" {
		msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(dest)
	}
	if len(body) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(body...))
	}
	return msg
}

// callMessage builds a method call to dest.
func callMessage(sender, dest string, path dbus.ObjectPath, method string, args ...interface{}) *dbus.Message {
	iface, member := splitMember(method)
	msg := &dbus.Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(path),
			dbus.FieldMember:      dbus.MakeVariant(member),
			dbus.FieldDestination: dbus.MakeVariant(dest),
			dbus.FieldSender:      dbus.MakeVariant(sender),
		},
		Body: args,
	}
	if iface != "" {
		msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	}
	if len(args) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(args...))
	}
	return msg
}

func header[T any](msg *dbus.Message, field dbus.HeaderField) T {
	var zero T
	v, ok := msg.Headers[field]
	if !ok {
		return zero
	}
	t, _ := v.Value().(T)
	return t
}

// nameOwnerChanged parses a NameOwnerChanged body.
func nameOwnerChanged(sig *dbus.Signal) (name, oldOwner, newOwner string, err error) {
	if sig == nil {
		return "", "", "", &SignalError{Reason: "channel closed"}
	}
	if len(sig.Body) < 3 {
		return "", "", "", &SignalError{Reason: "body too short"}
	}
	var ok [3]bool
	name, ok[0] = sig.Body[0].(string)
	oldOwner, ok[1] = sig.Body[1].(string)
	newOwner, ok[2] = sig.Body[2].(string)
	if !ok[0] || !ok[1] || !ok[2] {
		return "", "", "", &SignalError{Reason: "body is not (sss)"}
	}
	return name, oldOwner, newOwner, nil
}
