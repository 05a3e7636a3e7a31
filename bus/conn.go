package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// Conn is a portal client connection over a real bus.
type Conn struct {
	conn *dbus.Conn
	dest string

	matchOnce sync.Once
}

// Dial connects to the session bus, or to address when it is not empty.
func Dial(address string) (*Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if address == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return NewConn(conn, portal.BusName), nil
}

// NewConn talks to the portal owning dest on an existing connection.
func NewConn(conn *dbus.Conn, dest string) *Conn {
	return &Conn{conn: conn, dest: dest}
}

func (c *Conn) Sender() string {
	names := c.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (c *Conn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	call, err := CallWithTimeout(ctx, c.conn.Object(c.dest, path), method, args...)
	if err != nil {
		return nil, err
	}
	return call.Body, nil
}

func (c *Conn) Property(ctx context.Context, iface, name string) (dbus.Variant, error) {
	return GetProperty(ctx, c.conn.Object(c.dest, portal.ObjectPath), iface, name)
}

// Subscribe delivers the portal's signals on ch. Signals addressed to this
// connection arrive without a match rule; the rules cover portals that
// broadcast theirs.
func (c *Conn) Subscribe(ch chan<- *dbus.Signal) {
	c.matchOnce.Do(func() {
		for _, iface := range []string{portal.RequestInterface, portal.SessionInterface, portal.InputCaptureInterface, portal.NotificationInterface} {
			if err := c.conn.AddMatchSignal(dbus.WithMatchSender(c.dest), dbus.WithMatchInterface(iface)); err != nil {
				logger.Warn("[bus] failed to add match for %s: %v", iface, err)
			}
		}
	})
	c.conn.Signal(ch)
}

func (c *Conn) Unsubscribe(ch chan<- *dbus.Signal) {
	c.conn.RemoveSignal(ch)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
