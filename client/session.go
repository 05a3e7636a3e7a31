package client

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// Session mirrors one broker session. Its state only moves forward and
// Closed is final.
type Session struct {
	p        *Portal
	state    *portal.Session
	desc     portal.Descriptor
	versions portal.Versions

	onSignal func(member string, details portal.Vardict)
}

func newSession(p *Portal, handle dbus.ObjectPath, desc portal.Descriptor, versions portal.Versions) *Session {
	iface := desc.Kind.Interface()
	return &Session{
		p:        p,
		state:    portal.NewSession(handle, p.sender, desc.Kind, versions.For(iface)),
		desc:     desc,
		versions: versions,
	}
}

func (s *Session) Handle() dbus.ObjectPath { return s.state.Handle }
func (s *Session) Kind() portal.Kind { return s.desc.Kind }
func (s *Session) State() portal.State { return s.state.State() }
func (s *Session) Versions() portal.Versions { return s.versions }
func (s *Session) Grant() portal.Grant { return s.state.Grant() }
func (s *Session) Streams() []portal.Stream { return s.state.Streams() }
func (s *Session) RestoreToken() string { return s.state.RestoreToken() }
func (s *Session) Info() portal.SessionInfo { return s.state.Info() }
func (s *Session) Done() <-chan struct{} { return s.state.Done() }
func (s *Session) Descriptor() portal.Descriptor { return s.desc }

// Err is why the session closed: nil for a local Close, ErrRemoteClosed when
// the portal closed it.
func (s *Session) Err() error {
	return s.state.Err()
}

// OnStateChange registers fn to run after every state change.
func (s *Session) OnStateChange(fn func(from, to portal.State)) {
	s.state.OnTransition(fn)
}

func (s *Session) iface() string {
	return s.desc.Kind.Interface()
}

// CreateSession creates a remote desktop or screen cast session and runs
// its negotiation. The session is returned ready for Start. A failed
// negotiation closes the session.
func (p *Portal) CreateSession(ctx context.Context, desc portal.Descriptor) (*Session, error) {
	if desc.Kind == portal.KindInputCapture {
		return nil, fmt.Errorf("CreateSession: use CreateInputCapture: %w", portal.ErrInvalidRequest)
	}
	if p.restore != nil && desc.RestoreToken == "" && desc.Persist != portal.PersistNone {
		desc.RestoreToken = p.restore.Load(desc.Kind)
	}
	n, err := NewNegotiator(desc, p.Versions(ctx))
	if err != nil {
		return nil, fmt.Errorf("CreateSession: %w", err)
	}

	s, _, err := p.createSession(ctx, n, "", nil)
	if err != nil {
		return nil, err
	}
	if err := n.Run(ctx, s); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// createSession issues CreateSession and registers the mirror. It returns
// the Response results for the caller to inspect.
func (p *Portal) createSession(ctx context.Context, n *Negotiator, parent string, extra portal.Vardict) (*Session, portal.Vardict, error) {
	desc := n.desc
	iface := desc.Kind.Interface()
	version := n.versions.For(iface)

	req, tok := p.newRequest("CreateSession")
	opts := portal.Vardict{
		portal.KeyHandleToken:        dbus.MakeVariant(tok),
		portal.KeySessionHandleToken: dbus.MakeVariant(p.token()),
	}
	for k, v := range extra {
		opts[k] = v
	}
	set := portal.CreateSessionOptions
	if desc.Kind == portal.KindInputCapture {
		set = portal.InputCaptureCreateOptions
	}
	opts, _ = set.Filter(version, opts)

	args := []interface{}{opts}
	if desc.Kind == portal.KindInputCapture {
		args = []interface{}{parent, opts}
	}
	resp, err := p.submit(ctx, req, portal.ObjectPath, iface+".CreateSession", args...)
	if err != nil {
		return nil, nil, fmt.Errorf("CreateSession: %w", err)
	}
	handle, ok := portal.MapObjectPath(resp.Results, portal.KeySessionHandle)
	if !ok || !portal.IsSessionPath(handle) {
		return nil, nil, &portal.MalformedError{Method: "CreateSession", Field: portal.KeySessionHandle}
	}

	s := newSession(p, handle, desc, n.versions)
	p.register(s)
	logger.Info("[client] %s session %s created (v%d)", desc.Kind, handle, version)
	return s, resp.Results, nil
}

// runStep sends one selection verb of a remote desktop or screen cast session.
func (s *Session) runStep(ctx context.Context, step Step) error {
	req, tok := s.p.newRequest(step.Method)
	opts := portal.Vardict{portal.KeyHandleToken: dbus.MakeVariant(tok)}
	for k, v := range step.Options {
		opts[k] = v
	}
	if err := s.state.Negotiate(step.Method, req); err != nil {
		return err
	}
	defer s.state.EndRequest(req)

	_, err := s.p.submit(ctx, req, portal.ObjectPath, step.Interface+"."+step.Method, s.Handle(), opts)
	return err
}

// Start asks for the negotiated grant. On success the session is Active.
// Any failure closes the session; a Close that wins the race makes Start
// fail with ErrCancelled.
func (s *Session) Start(ctx context.Context, parent string) error {
	if s.desc.Kind == portal.KindInputCapture {
		return fmt.Errorf("Start: %s: %w", s.iface(), portal.ErrUnsupported)
	}
	req, tok := s.p.newRequest("Start")
	opts := portal.Vardict{portal.KeyHandleToken: dbus.MakeVariant(tok)}
	opts, _ = portal.StartOptions.Filter(s.state.Version, opts)
	if err := s.state.BeginStart(req); err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	resp, err := s.p.submit(ctx, req, portal.ObjectPath, s.iface()+".Start", s.Handle(), parent, opts)
	if err != nil {
		s.state.EndRequest(req)
		s.Close(ctx)
		return fmt.Errorf("Start: %w", err)
	}
	grant, streams, token, err := s.parseStart(resp.Results)
	if err != nil {
		s.state.EndRequest(req)
		s.Close(ctx)
		return err
	}
	if err := s.state.FinishStart(req, grant, streams, token); err != nil {
		return fmt.Errorf("Start: %w: %w", portal.ErrCancelled, err)
	}
	if s.p.restore != nil && s.desc.Persist != portal.PersistNone {
		if err := s.p.restore.Save(s.desc.Kind, token); err != nil {
			logger.Warn("[client] failed to save restore token: %v", err)
		}
	}
	logger.Info("[client] %s started: devices %s, %d streams", s.Handle(), grant.Devices, len(streams))
	return nil
}

func (s *Session) parseStart(results portal.Vardict) (portal.Grant, []portal.Stream, string, error) {
	var (
		grant   portal.Grant
		streams []portal.Stream
	)
	if s.desc.Kind == portal.KindRemoteDesktop {
		devices, ok := portal.MapUint32OK(results, portal.KeyDevices)
		if !ok {
			return grant, nil, "", &portal.MalformedError{Method: "Start", Field: portal.KeyDevices}
		}
		grant.Devices = portal.DeviceType(devices)
	}
	if out := s.desc.Outputs; out != nil {
		present, err := portal.MapStore(results, portal.KeyStreams, &streams)
		if !present || err != nil {
			return grant, nil, "", &portal.MalformedError{Method: "Start", Field: portal.KeyStreams}
		}
		grant.Sources = out.Types
		grant.Multiple = out.Multiple
		grant.Cursor = out.Cursor
		grant.StreamCount = len(streams)
	}
	grant.Persist = portal.PersistMode(portal.MapUint32(results, portal.KeyPersistMode))
	return grant, streams, portal.MapString(results, portal.KeyRestoreToken), nil
}

// ConnectToEIS returns the session's input endpoint. The caller owns the file.
func (s *Session) ConnectToEIS(ctx context.Context) (*os.File, error) {
	if s.desc.Kind == portal.KindScreenCast {
		return nil, fmt.Errorf("ConnectToEIS: %s: %w", s.iface(), portal.ErrUnsupported)
	}
	if s.desc.Kind == portal.KindRemoteDesktop && s.state.Version < 2 {
		return nil, &portal.VersionError{Op: "ConnectToEIS", Interface: s.iface(), Have: s.state.Version, Need: 2}
	}
	return s.handoff(ctx, "ConnectToEIS", s.iface())
}

// OpenPipeWireRemote returns the session's stream endpoint. The caller owns the file.
func (s *Session) OpenPipeWireRemote(ctx context.Context) (*os.File, error) {
	if s.desc.Kind == portal.KindInputCapture || s.desc.Outputs == nil {
		return nil, fmt.Errorf("OpenPipeWireRemote: no streams negotiated: %w", portal.ErrUnsupported)
	}
	return s.handoff(ctx, "OpenPipeWireRemote", portal.ScreenCastInterface)
}

// handoff claims the single handoff of the session before asking for it. A
// failed handoff is not retried.
func (s *Session) handoff(ctx context.Context, op, iface string) (*os.File, error) {
	if err := s.state.Connect(op); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	body, err := s.p.conn.Call(ctx, portal.ObjectPath, iface+"."+op, s.Handle(), portal.Vardict{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(body) != 1 {
		return nil, &portal.MalformedError{Method: op, Field: "fd"}
	}
	fd, ok := body[0].(dbus.UnixFD)
	if !ok || fd < 0 {
		return nil, &portal.MalformedError{Method: op, Field: "fd"}
	}
	return os.NewFile(uintptr(fd), string(s.Handle())+"-"+op), nil
}

// Close is idempotent and always succeeds for the caller. The in-flight
// request, if any, ends with ErrCancelled.
func (s *Session) Close(ctx context.Context) {
	if !s.state.Close(nil) {
		return
	}
	s.p.unregister(s)

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
	}
	if _, err := s.p.conn.Call(ctx, s.Handle(), portal.SessionInterface+"."+portal.MethodClose); err != nil {
		logger.Debug("[client] Close %s: %v", s.Handle(), err)
	}
	logger.Info("[client] session %s closed", s.Handle())
}

// closed applies a close decided by the portal.
func (s *Session) closed(reason error) {
	if s.state.Close(reason) {
		s.p.unregister(s)
	}
}
