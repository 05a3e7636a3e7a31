package broker

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// ConnectToEIS hands out the session's input endpoint. iface is the kind
// whose interface received the call. The caller owns the returned end.
func (b *Broker) ConnectToEIS(sender string, iface portal.Kind, handle dbus.ObjectPath, opts portal.Vardict) (*os.File, error) {
	done := b.record(sender, iface.Interface(), "ConnectToEIS", handle, opts)
	fd, err := b.connectToEIS(sender, iface, handle)
	done(err)
	return fd, err
}

func (b *Broker) connectToEIS(sender string, iface portal.Kind, handle dbus.ObjectPath) (*os.File, error) {
	if iface != portal.KindRemoteDesktop && iface != portal.KindInputCapture {
		return nil, fmt.Errorf("ConnectToEIS: %s: %w", iface.Interface(), portal.ErrUnsupported)
	}
	s, err := b.lookupKind(sender, handle, iface)
	if err != nil {
		return nil, fmt.Errorf("ConnectToEIS: %w", err)
	}
	if iface == portal.KindRemoteDesktop && s.Version < 2 {
		return nil, &portal.VersionError{Op: "ConnectToEIS", Interface: iface.Interface(), Have: s.Version, Need: 2}
	}
	return b.handoff(s, "ConnectToEIS")
}

// OpenPipeWireRemote hands out the session's stream endpoint. The caller owns
// the returned end.
func (b *Broker) OpenPipeWireRemote(sender string, handle dbus.ObjectPath, opts portal.Vardict) (*os.File, error) {
	done := b.record(sender, portal.ScreenCastInterface, "OpenPipeWireRemote", handle, opts)
	fd, err := b.openPipeWireRemote(sender, handle)
	done(err)
	return fd, err
}

func (b *Broker) openPipeWireRemote(sender string, handle dbus.ObjectPath) (*os.File, error) {
	s, err := b.lookupKind(sender, handle, portal.KindScreenCast, portal.KindRemoteDesktop)
	if err != nil {
		return nil, fmt.Errorf("OpenPipeWireRemote: %w", err)
	}
	return b.handoff(s, "OpenPipeWireRemote")
}

// handoff creates a socket pair, keeps one end and returns the other. The
// transport closes the returned end once it has passed a duplicate to the
// peer, so the broker's end sees EOF when the peer lets go.
func (b *Broker) handoff(s *session, op string) (*os.File, error) {
	var remote *os.File
	err := s.Serialize(func() error {
		if err := s.Require(op); err != nil {
			return err
		}
		pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("%s: socketpair: %w", op, err)
		}
		local := os.NewFile(uintptr(pair[0]), string(s.Handle)+"-local")
		peer := os.NewFile(uintptr(pair[1]), string(s.Handle)+"-remote")

		if err := s.Connect(op); err != nil {
			_ = local.Close()
			_ = peer.Close()
			return err
		}
		if greeting := b.config().HandoffGreeting; greeting != "" {
			if _, err := local.Write([]byte(greeting)); err != nil {
				logger.Warn("[broker] %s: greeting not written: %v", s.Handle, err)
			}
		}
		s.local = local
		remote = peer
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b.publish(events.Event{Type: events.TypeHandoff, Data: s.data(op)})
	logger.Info("[broker] %s handed off for %s", op, s.Handle)
	return remote, nil
}
