package bus

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// hubServiceName is the unique name signals on a hub come from.
const hubServiceName = ":1.0"

var (
	senderType  = reflect.TypeOf(dbus.Sender(""))
	messageType = reflect.TypeOf(dbus.Message{})
	errorType   = reflect.TypeOf(&dbus.Error{})
)

type export struct {
	path    dbus.ObjectPath
	iface   string
	subtree bool
	obj     reflect.Value
}

// Hub is an in-process bus. Every message crosses the D-Bus wire encoding,
// so peers see exactly the shapes a real bus would hand them. File
// descriptors are duplicated on the way and belong to the receiver.
type Hub struct {
	mu           sync.RWMutex
	exports      []export
	conns        map[string]*HubConn
	next         int
	disconnected []func(string)
	closed       bool

	passed map[dbus.UnixFD]*os.File
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*HubConn),
		passed: make(map[dbus.UnixFD]*os.File),
	}
}

// PassFD lends f to the reply being built. The hub closes f once the reply
// has been duplicated for the caller, or dropped.
func (h *Hub) PassFD(f *os.File) dbus.UnixFD {
	fd := dbus.UnixFD(f.Fd())
	h.mu.Lock()
	h.passed[fd] = f
	h.mu.Unlock()
	return fd
}

// releasePassed closes the files lent to a reply body.
func (h *Hub) releasePassed(body []interface{}) {
	for _, v := range body {
		fd, ok := v.(dbus.UnixFD)
		if !ok {
			continue
		}
		h.mu.Lock()
		f := h.passed[fd]
		delete(h.passed, fd)
		h.mu.Unlock()
		if f != nil {
			_ = f.Close()
		}
	}
}

// Export serves the exported methods of v on path for iface. A nil v removes
// a previous export.
func (h *Hub) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return h.export(v, path, iface, false)
}

// ExportSubtree is Export for path and every path below it.
func (h *Hub) ExportSubtree(v interface{}, path dbus.ObjectPath, iface string) error {
	return h.export(v, path, iface, true)
}

func (h *Hub) export(v interface{}, path dbus.ObjectPath, iface string, subtree bool) error {
	if !path.IsValid() {
		return fmt.Errorf("hub: invalid path %q", path)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.exports = slices.DeleteFunc(h.exports, func(e export) bool {
		return e.path == path && e.iface == iface && e.subtree == subtree
	})
	if v != nil {
		h.exports = append(h.exports, export{path: path, iface: iface, subtree: subtree, obj: reflect.ValueOf(v)})
	}
	return nil
}

// OnDisconnect registers fn to run with the unique name of every peer that closes.
func (h *Hub) OnDisconnect(fn func(sender string)) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, fn)
	h.mu.Unlock()
}

// Send delivers a signal to its destination, or to every peer when it has none.
func (h *Hub) Send(msg *dbus.Message, ch chan *dbus.Call) *dbus.Call {
	if ch == nil {
		ch = make(chan *dbus.Call, 1)
	}
	call := &dbus.Call{Done: ch, Err: h.deliver(msg)}
	ch <- call
	return call
}

func (h *Hub) deliver(msg *dbus.Message) error {
	if msg.Type != dbus.TypeSignal {
		return fmt.Errorf("hub: cannot send %s messages", msg.Type)
	}
	dest := header[string](msg, dbus.FieldDestination)

	h.mu.RLock()
	var peers []*HubConn
	if dest == "" {
		for _, c := range h.conns {
			peers = append(peers, c)
		}
	} else if c, ok := h.conns[dest]; ok {
		peers = append(peers, c)
	}
	h.mu.RUnlock()
	if dest != "" && len(peers) == 0 {
		return fmt.Errorf("hub: no peer %s: %w", dest, ErrClosed)
	}

	for _, c := range peers {
		decoded, err := roundTrip(msg)
		if err != nil {
			return err
		}
		iface := header[string](decoded, dbus.FieldInterface)
		member := header[string](decoded, dbus.FieldMember)
		c.enqueue(&dbus.Signal{
			Sender: hubServiceName,
			Path:   header[dbus.ObjectPath](decoded, dbus.FieldPath),
			Name:   iface + "." + member,
			Body:   decoded.Body,
		})
	}
	return nil
}

// Dial connects a new peer with a fresh unique name.
func (h *Hub) Dial() (*HubConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.next++
	c := &HubConn{
		hub:  h,
		name: fmt.Sprintf(":1.%d", h.next),
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	h.conns[c.name] = c
	go c.pump()
	return c, nil
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*HubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Hub) lookup(path dbus.ObjectPath, iface string) (reflect.Value, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var best *export
	for i := range h.exports {
		e := &h.exports[i]
		if e.iface != iface {
			continue
		}
		if e.path == path && !e.subtree {
			return e.obj, true
		}
		if e.subtree && (e.path == path || strings.HasPrefix(string(path), string(e.path)+"/")) {
			if best == nil || len(e.path) > len(best.path) {
				best = e
			}
		}
	}
	if best == nil {
		return reflect.Value{}, false
	}
	return best.obj, true
}

// dispatch calls the exported method addressed by msg, filling dbus.Sender
// and dbus.Message parameters the way godbus does.
func (h *Hub) dispatch(sender string, msg *dbus.Message) ([]interface{}, error) {
	path := header[dbus.ObjectPath](msg, dbus.FieldPath)
	iface := header[string](msg, dbus.FieldInterface)
	member := header[string](msg, dbus.FieldMember)

	obj, ok := h.lookup(path, iface)
	if !ok {
		return nil, dbus.MakeNoObjectError(path)
	}
	m := obj.MethodByName(member)
	if !m.IsValid() {
		return nil, dbus.MakeUnknownMethodError(member)
	}
	t := m.Type()
	if t.NumOut() == 0 || t.Out(t.NumOut()-1) != errorType {
		return nil, dbus.MakeUnknownMethodError(member)
	}

	args := make([]reflect.Value, t.NumIn())
	var decode []interface{}
	for i := range args {
		switch t.In(i) {
		case senderType:
			args[i] = reflect.ValueOf(dbus.Sender(sender))
		case messageType:
			args[i] = reflect.ValueOf(*msg)
		default:
			p := reflect.New(t.In(i))
			args[i] = p.Elem()
			decode = append(decode, p.Interface())
		}
	}
	if len(decode) != len(msg.Body) {
		return nil, dbus.ErrMsgInvalidArg
	}
	if err := dbus.Store(msg.Body, decode...); err != nil {
		return nil, dbus.ErrMsgInvalidArg
	}

	out := m.Call(args)
	if e := out[len(out)-1]; !e.IsNil() {
		return nil, e.Interface().(*dbus.Error)
	}
	ret := make([]interface{}, len(out)-1)
	for i := range ret {
		ret[i] = out[i].Interface()
	}
	return ret, nil
}

// roundTrip encodes msg and decodes it again, duplicating any descriptor.
func roundTrip(msg *dbus.Message) (*dbus.Message, error) {
	var buf bytes.Buffer
	fds, err := msg.EncodeToWithFDs(&buf, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("hub: encode: %w", err)
	}
	dups := make([]int, 0, len(fds))
	for _, fd := range fds {
		d, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			closeAll(dups)
			return nil, fmt.Errorf("hub: dup fd %d: %w", fd, err)
		}
		dups = append(dups, d)
	}
	out, err := dbus.DecodeMessageWithFDs(&buf, dups)
	if err != nil {
		closeAll(dups)
		return nil, fmt.Errorf("hub: decode: %w", err)
	}
	return out, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// HubConn is one peer of a Hub.
type HubConn struct {
	hub  *Hub
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	subs   []chan<- *dbus.Signal
	queue  []*dbus.Signal
	closed bool
	done   chan struct{}
}

// Sender returns the peer's unique name.
func (c *HubConn) Sender() string {
	return c.name
}

// Call invokes method on the hub's exported object at path.
func (c *HubConn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	req, err := roundTrip(callMessage(c.name, portal.BusName, path, method, args...))
	if err != nil {
		return nil, err
	}
	ret, err := c.hub.dispatch(c.name, req)
	if err != nil {
		return nil, remoteError(err)
	}
	defer c.hub.releasePassed(ret)
	if len(ret) == 0 {
		return nil, nil
	}

	reply := &dbus.Message{
		Type: dbus.TypeMethodReply,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(uint32(1)),
			dbus.FieldDestination: dbus.MakeVariant(c.name),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(ret...)),
		},
		Body: ret,
	}
	decoded, err := roundTrip(reply)
	if err != nil {
		return nil, err
	}
	return decoded.Body, nil
}

// Property reads a property of the portal object.
func (c *HubConn) Property(ctx context.Context, iface, name string) (dbus.Variant, error) {
	body, err := c.Call(ctx, portal.ObjectPath, PROP_GET, iface, name)
	if err != nil {
		return dbus.Variant{}, err
	}
	if len(body) != 1 {
		return dbus.Variant{}, fmt.Errorf("hub: %s.%s: unexpected reply", iface, name)
	}
	v, ok := body[0].(dbus.Variant)
	if !ok {
		return dbus.Variant{}, fmt.Errorf("hub: %s.%s: reply is %T", iface, name, body[0])
	}
	return v, nil
}

// Subscribe delivers every signal addressed to this peer on ch, in order.
func (c *HubConn) Subscribe(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
}

func (c *HubConn) Unsubscribe(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	c.subs = slices.DeleteFunc(c.subs, func(s chan<- *dbus.Signal) bool { return s == ch })
	c.mu.Unlock()
}

// enqueue never blocks the sender.
func (c *HubConn) enqueue(sig *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, sig)
	c.cond.Signal()
}

func (c *HubConn) pump() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		sig := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		subs := slices.Clone(c.subs)
		c.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- sig:
			case <-c.done:
				return
			}
		}
	}
}

// Close disconnects the peer. Its pending signals are dropped.
func (c *HubConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	close(c.done)
	c.cond.Broadcast()
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	delete(h.conns, c.name)
	hooks := slices.Clone(h.disconnected)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(c.name)
	}
	logger.Debug("[bus] hub peer %s disconnected", c.name)
	return nil
}
