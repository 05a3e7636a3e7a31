// Package client is the application side of the desktop portals. It mirrors
// every session the broker hands out and routes the broker's signals to it.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/b0bbywan/go-odio-portal/cache"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

const (
	// DefaultTimeout bounds how long a request waits for its Response.
	DefaultTimeout = 30 * time.Second

	orphanTTL     = 30 * time.Second
	closeTimeout  = time.Second
	signalBuffer  = 64
	actionsBuffer = 16
)

// Conn is the bus connection a Portal talks through. bus.Conn and
// bus.HubConn both implement it.
type Conn interface {
	Sender() string
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error)
	Property(ctx context.Context, iface, name string) (dbus.Variant, error)
	Subscribe(ch chan<- *dbus.Signal)
	Unsubscribe(ch chan<- *dbus.Signal)
}

// ActionInvoked is a notification action the user triggered.
type ActionInvoked struct {
	ID        string
	Action    string
	Parameter []dbus.Variant
}

type Option func(*Portal)

// WithTimeout bounds every request by d. Zero leaves only the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(p *Portal) { p.timeout = d }
}

// WithRestoreStore remembers restore tokens across sessions.
func WithRestoreStore(s RestoreStore) Option {
	return func(p *Portal) { p.restore = s }
}

// WithRestoreFile is WithRestoreStore backed by a yaml file.
func WithRestoreFile(path string) Option {
	return WithRestoreStore(NewRestoreFile(path))
}

// Portal is one application's view of the portal service.
type Portal struct {
	conn    Conn
	sender  string
	timeout time.Duration
	restore RestoreStore

	mu       sync.Mutex
	requests map[dbus.ObjectPath]*portal.Request
	sessions map[dbus.ObjectPath]*Session
	orphans  *cache.Cache[portal.Response]
	closed   bool

	signals chan *dbus.Signal
	actions chan ActionInvoked
	done    chan struct{}
	wg      sync.WaitGroup
}

// New subscribes to conn and starts routing signals.
func New(conn Conn, opts ...Option) *Portal {
	p := &Portal{
		conn:     conn,
		sender:   conn.Sender(),
		timeout:  DefaultTimeout,
		requests: make(map[dbus.ObjectPath]*portal.Request),
		sessions: make(map[dbus.ObjectPath]*Session),
		orphans:  cache.New[portal.Response](orphanTTL),
		signals:  make(chan *dbus.Signal, signalBuffer),
		actions:  make(chan ActionInvoked, actionsBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	conn.Subscribe(p.signals)

	p.wg.Add(1)
	go p.listen()
	return p
}

// Sender is the unique name the portal sees this client as.
func (p *Portal) Sender() string {
	return p.sender
}

// Actions delivers notification actions. Actions are dropped when nobody reads.
func (p *Portal) Actions() <-chan ActionInvoked {
	return p.actions
}

// Close stops signal routing. Pending requests are cancelled and sessions are
// closed locally; the connection is left to its owner.
func (p *Portal) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	requests := p.requests
	sessions := p.sessions
	p.requests = make(map[dbus.ObjectPath]*portal.Request)
	p.sessions = make(map[dbus.ObjectPath]*Session)
	p.mu.Unlock()

	p.conn.Unsubscribe(p.signals)
	close(p.done)
	p.wg.Wait()

	for _, req := range requests {
		req.Cancel()
	}
	for _, s := range sessions {
		s.state.Close(nil)
	}
	p.orphans.Clear()
}

// Versions reads the version property of every portal interface. An
// unreadable property is reported as zero.
func (p *Portal) Versions(ctx context.Context) portal.Versions {
	read := func(iface string) uint32 {
		v, err := p.conn.Property(ctx, iface, portal.PropertyVersion)
		if err != nil {
			logger.Debug("[client] %s version unreadable: %v", iface, err)
			return 0
		}
		n, ok := v.Value().(uint32)
		if !ok {
			logger.Debug("[client] %s version is %s", iface, v.Signature())
			return 0
		}
		return n
	}
	return portal.Versions{
		InputCapture:  read(portal.InputCaptureInterface),
		RemoteDesktop: read(portal.RemoteDesktopInterface),
		ScreenCast:    read(portal.ScreenCastInterface),
		Wallpaper:     read(portal.WallpaperInterface),
		Notification:  read(portal.NotificationInterface),
	}
}

// Property reads one interface property.
func (p *Portal) Property(ctx context.Context, iface, name string) (dbus.Variant, error) {
	return p.conn.Property(ctx, iface, name)
}

func (p *Portal) refetchTimeout() time.Duration {
	if p.timeout > 0 {
		return p.timeout
	}
	return DefaultTimeout
}

// token returns a fresh handle token, valid as an object path element.
func (p *Portal) token() string {
	return "odio_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newRequest prepares a request under the handle the broker is expected to
// use for token.
func (p *Portal) newRequest(method string) (*portal.Request, string) {
	tok := p.token()
	return portal.NewRequest(portal.RequestPath(p.sender, tok), p.sender, method), tok
}

func (p *Portal) register(s *Session) {
	p.mu.Lock()
	p.sessions[s.Handle()] = s
	p.mu.Unlock()
}

func (p *Portal) unregister(s *Session) {
	p.mu.Lock()
	if p.sessions[s.Handle()] == s {
		delete(p.sessions, s.Handle())
	}
	p.mu.Unlock()
}

func (p *Portal) session(handle dbus.ObjectPath) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[handle]
	return s, ok
}

// --- signal routing ---

func (p *Portal) listen() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case sig, ok := <-p.signals:
			if !ok {
				return
			}
			p.dispatch(sig)
		}
	}
}

func (p *Portal) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case portal.RequestInterface + "." + portal.SignalResponse:
		p.onResponse(sig)
	case portal.SessionInterface + "." + portal.SignalClosed:
		p.onClosed(sig)
	case portal.InputCaptureInterface + "." + portal.SignalActivated,
		portal.InputCaptureInterface + "." + portal.SignalDeactivated,
		portal.InputCaptureInterface + "." + portal.SignalDisabled,
		portal.InputCaptureInterface + "." + portal.SignalZonesChanged:
		p.onInputCapture(sig)
	case portal.NotificationInterface + "." + portal.SignalActionInvoked:
		p.onAction(sig)
	default:
		logger.Debug("[client] ignoring signal %s on %s", sig.Name, sig.Path)
	}
}

func (p *Portal) onResponse(sig *dbus.Signal) {
	var (
		status  uint32
		results portal.Vardict
	)
	if err := dbus.Store(sig.Body, &status, &results); err != nil {
		logger.Warn("[client] malformed Response on %s: %v", sig.Path, err)
		return
	}
	resp := portal.Response{Status: portal.ResponseStatus(status), Results: results}

	p.mu.Lock()
	req, ok := p.requests[sig.Path]
	if !ok {
		// The handle may not be known yet if the broker picked another one.
		p.orphans.Set(string(sig.Path), resp)
		p.mu.Unlock()
		logger.Debug("[client] Response for unknown request %s kept", sig.Path)
		return
	}
	delete(p.requests, sig.Path)
	p.mu.Unlock()

	p.complete(req, resp)
}

func (p *Portal) complete(req *portal.Request, resp portal.Response) {
	ok, err := req.Complete(resp.Status, resp.Results)
	if err != nil {
		logger.Warn("[client] %v", err)
		return
	}
	if !ok {
		logger.Debug("[client] %s %s: late Response suppressed", req.Method, req.Handle)
	}
}

func (p *Portal) onClosed(sig *dbus.Signal) {
	s, ok := p.session(sig.Path)
	if !ok {
		return
	}
	logger.Info("[client] session %s closed by the portal", sig.Path)
	s.closed(portal.ErrRemoteClosed)
}

func (p *Portal) onInputCapture(sig *dbus.Signal) {
	var (
		handle  dbus.ObjectPath
		details portal.Vardict
	)
	if err := dbus.Store(sig.Body, &handle, &details); err != nil {
		logger.Warn("[client] malformed %s: %v", sig.Name, err)
		return
	}
	s, ok := p.session(handle)
	if !ok || s.onSignal == nil {
		logger.Debug("[client] %s for unknown session %s", sig.Name, handle)
		return
	}
	_, member, _ := strings.Cut(strings.TrimPrefix(sig.Name, portal.InputCaptureInterface), ".")
	s.onSignal(member, details)
}

func (p *Portal) onAction(sig *dbus.Signal) {
	var a ActionInvoked
	if err := dbus.Store(sig.Body, &a.ID, &a.Action, &a.Parameter); err != nil {
		logger.Warn("[client] malformed ActionInvoked: %v", err)
		return
	}
	select {
	case p.actions <- a:
	default:
		logger.Warn("[client] action channel full, dropping %s/%s", a.ID, a.Action)
	}
}

// --- requests ---

func (p *Portal) track(req *portal.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%s: %w", req.Method, portal.ErrCancelled)
	}
	p.requests[req.Handle] = req
	return nil
}

func (p *Portal) untrack(req *portal.Request) {
	p.mu.Lock()
	if p.requests[req.Handle] == req {
		delete(p.requests, req.Handle)
	}
	p.mu.Unlock()
}

// rekey moves req to the handle the broker actually allocated.
func (p *Portal) rekey(req *portal.Request, handle dbus.ObjectPath) {
	logger.Debug("[client] %s: handle %s instead of %s", req.Method, handle, req.Handle)

	p.mu.Lock()
	if p.requests[req.Handle] == req {
		delete(p.requests, req.Handle)
	}
	req.Handle = handle
	resp, early := p.orphans.Pop(string(handle))
	if !early {
		p.requests[handle] = req
	}
	p.mu.Unlock()

	if early {
		p.complete(req, resp)
	}
}

// submit calls method and waits for the Response of the request it returns.
// When ctx ends first the request is closed on the bus too.
func (p *Portal) submit(ctx context.Context, req *portal.Request, path dbus.ObjectPath, method string, args ...interface{}) (portal.Response, error) {
	if err := p.track(req); err != nil {
		return portal.Response{}, err
	}
	body, err := p.conn.Call(ctx, path, method, args...)
	if err == nil {
		err = p.checkHandle(req, body)
	}
	if err != nil {
		p.untrack(req)
		req.CancelWith(err)
		return portal.Response{}, err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	resp, err := req.Wait(ctx)
	if req.State() == portal.RequestCancelled {
		p.untrack(req)
		if ctx.Err() != nil {
			p.closeRequest(req.Handle)
		}
	}
	return resp, err
}

func (p *Portal) checkHandle(req *portal.Request, body []interface{}) error {
	if len(body) != 1 {
		return &portal.MalformedError{Method: req.Method, Field: "handle"}
	}
	handle, ok := body[0].(dbus.ObjectPath)
	if !ok || !portal.IsRequestPath(handle) {
		return &portal.MalformedError{Method: req.Method, Field: "handle"}
	}
	if handle != req.Handle {
		p.rekey(req, handle)
	}
	return nil
}

// closeRequest asks the broker to drop a request nobody waits for anymore.
func (p *Portal) closeRequest(handle dbus.ObjectPath) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if _, err := p.conn.Call(ctx, handle, portal.RequestInterface+"."+portal.MethodClose); err != nil {
		logger.Debug("[client] Close %s: %v", handle, err)
	}
}
