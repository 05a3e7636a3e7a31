package bus

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/b0bbywan/go-odio-portal/broker"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// passedFDGrace is how long a descriptor handed to a real bus connection
// stays open on this side.
const passedFDGrace = 5 * time.Second

// Bus is what the service needs from a connection. *dbus.Conn and *Hub
// both provide it.
type Bus interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	ExportSubtree(v interface{}, path dbus.ObjectPath, iface string) error
	Send(msg *dbus.Message, ch chan *dbus.Call) *dbus.Call
}

// Service exports a broker on a bus and emits its signals there.
type Service struct {
	b   *broker.Broker
	bus Bus

	conn   *dbus.Conn
	cancel context.CancelFunc
}

// NewService exports b on bus and attaches itself as b's emitter.
func NewService(b *broker.Broker, bus Bus) (*Service, error) {
	s := &Service{b: b, bus: bus}
	if err := s.export(); err != nil {
		return nil, err
	}
	b.SetEmitter(s)
	if h, ok := bus.(interface{ OnDisconnect(func(string)) }); ok {
		h.OnDisconnect(b.DropSender)
	}
	return s, nil
}

func (s *Service) export() error {
	objects := map[string]interface{}{
		portal.InputCaptureInterface:  &inputCapture{s.b, s.passFD},
		portal.RemoteDesktopInterface: &remoteDesktop{s.b, s.passFD},
		portal.ScreenCastInterface:    &screenCast{s.b, s.passFD},
		portal.WallpaperInterface:     &wallpaper{s.b},
		portal.NotificationInterface:  &notification{s.b},
	}

	node := &introspect.Node{
		Name:       string(portal.ObjectPath),
		Interfaces: []introspect.Interface{introspect.IntrospectData, prop.IntrospectData},
	}
	for _, iface := range broker.Interfaces() {
		obj := objects[iface]
		if err := s.bus.Export(obj, portal.ObjectPath, iface); err != nil {
			return fmt.Errorf("export %s: %w", iface, err)
		}
		node.Interfaces = append(node.Interfaces, introspect.Interface{
			Name:       iface,
			Methods:    introspect.Methods(obj),
			Properties: introspectProperties(s.b.Properties(iface)),
		})
	}
	if err := s.bus.Export(&properties{s.b}, portal.ObjectPath, DBUS_PROP_IFACE); err != nil {
		return fmt.Errorf("export properties: %w", err)
	}
	if err := s.bus.Export(introspect.NewIntrospectable(node), portal.ObjectPath, INTROSPECTABLE); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	if err := s.bus.ExportSubtree(&requestObject{s.b}, portal.RequestRoot(), portal.RequestInterface); err != nil {
		return fmt.Errorf("export requests: %w", err)
	}
	if err := s.bus.ExportSubtree(&sessionObject{s.b}, portal.SessionRoot(), portal.SessionInterface); err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}
	return nil
}

func introspectProperties(props map[string]dbus.Variant) []introspect.Property {
	out := make([]introspect.Property, 0, len(props))
	for _, name := range portal.Keys(props) {
		out = append(out, introspect.Property{
			Name:   name,
			Type:   props[name].Signature().String(),
			Access: "read",
		})
	}
	return out
}

// passFD hands f to the reply of the method being served. The hub closes it
// as soon as the reply is duplicated. godbus sends the reply after the method
// returns and reports nothing back, so on a real bus f is closed after
// passedFDGrace.
func (s *Service) passFD(f *os.File) dbus.UnixFD {
	if p, ok := s.bus.(interface{ PassFD(*os.File) dbus.UnixFD }); ok {
		return p.PassFD(f)
	}
	fd := dbus.UnixFD(f.Fd())
	time.AfterFunc(passedFDGrace, func() {
		if err := f.Close(); err != nil {
			logger.Debug("[bus] closing passed descriptor: %v", err)
		}
	})
	return fd
}

// Emit sends a signal to dest only.
func (s *Service) Emit(dest string, path dbus.ObjectPath, name string, body ...interface{}) error {
	call := s.bus.Send(signalMessage(dest, path, name, body...), nil)
	if call == nil {
		return ErrClosed
	}
	return call.Err
}

// Serve connects to the configured bus, exports b and claims the portal name.
func Serve(ctx context.Context, b *broker.Broker, cfg *config.BusConfig) (*Service, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var (
		conn *dbus.Conn
		err  error
	)
	if cfg.Address == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	s, err := NewService(b, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.conn = conn

	flags := dbus.NameFlagDoNotQueue
	if cfg.Replace {
		flags |= dbus.NameFlagReplaceExisting
	}
	reply, err := conn.RequestName(cfg.Name, flags)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("bus: request name %s: %w", cfg.Name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		s.Close()
		return nil, fmt.Errorf("bus: name %s already owned", cfg.Name)
	}

	if err := s.watchPeers(ctx); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("[bus] serving %s as %s", cfg.Name, conn.Names()[0])
	return s, nil
}

// watchPeers drops the sessions of clients that leave the bus.
func (s *Service) watchPeers(ctx context.Context) error {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(DBUS_PATH),
		dbus.WithMatchInterface(DBUS_INTERFACE),
		dbus.WithMatchMember(NAME_OWNER_CHANGED),
	}
	if err := s.conn.AddMatchSignal(opts...); err != nil {
		return fmt.Errorf("bus: watch peers: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	ch := make(chan *dbus.Signal, 16)
	s.conn.Signal(ch)
	go s.listen(ctx, ch)
	return nil
}

func (s *Service) listen(ctx context.Context, ch <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Name != DBUS_INTERFACE+"."+NAME_OWNER_CHANGED {
				continue
			}
			name, _, newOwner, err := nameOwnerChanged(sig)
			if err != nil {
				logger.Debug("[bus] %v", err)
				continue
			}
			if newOwner == "" && len(name) > 0 && name[0] == ':' {
				s.b.DropSender(name)
			}
		}
	}
}

// Close releases the bus connection, if the service owns one.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			logger.Error("[bus] failed to close D-Bus connection: %v", err)
		}
		s.conn = nil
	}
}
