package broker

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/cache"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
	"github.com/b0bbywan/go-odio-portal/tokenstore"
)

// tombstoneTTL is how long a closed session keeps answering InvalidState
// instead of InvalidSession.
const tombstoneTTL = 5 * time.Minute

var (
	errShutdown = errors.New("broker shutting down")
	errPeerGone = errors.New("peer left the bus")
)

// New creates a broker. The emitter may be attached later with SetEmitter.
func New(cfg *config.BrokerConfig, tokens tokenstore.Store) (*Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("broker: nil config")
	}
	if tokens == nil {
		tokens = tokenstore.NewMemory(0)
	}
	b := &Broker{
		cfg:        cfg,
		requests:   make(map[dbus.ObjectPath]*pendingRequest),
		sessions:   make(map[dbus.ObjectPath]*session),
		tombstones: cache.New[*session](tombstoneTTL),
		notes:      make(map[string]map[string]portal.Vardict),
		tokens:     tokens,
		counter:    portal.NewCounter("odio"),
		sched:      portal.NewScheduler(),
		calls:      newCallLog(cfg.CallLogSize),
		eventsC:    make(chan events.Event, 64),
	}
	b.OnViolation = func(err error) {
		logger.Fatal("[broker] protocol violation: %v", err)
	}
	return b, nil
}

// SetEmitter attaches the transport used for signals.
func (b *Broker) SetEmitter(e Emitter) {
	b.mu.Lock()
	b.emitter = e
	b.mu.Unlock()
}

// SetConfig swaps the policy. Sessions already created keep their version stamp.
func (b *Broker) SetConfig(cfg *config.BrokerConfig) {
	if cfg == nil {
		return
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	logger.Info("[broker] policy reloaded")
}

func (b *Broker) config() *config.BrokerConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Events returns the broker's event stream.
func (b *Broker) Events() <-chan events.Event {
	return b.eventsC
}

func (b *Broker) publish(e events.Event) {
	b.evMu.RLock()
	defer b.evMu.RUnlock()
	if b.evClosed {
		return
	}
	select {
	case b.eventsC <- e:
	default:
		logger.Warn("[broker] event channel full, dropping %s event", e.Type)
	}
}

func (b *Broker) emit(dest string, path dbus.ObjectPath, name string, body ...interface{}) {
	b.mu.Lock()
	e := b.emitter
	b.mu.Unlock()
	if e == nil {
		logger.Debug("[broker] no emitter, dropping %s to %s", name, dest)
		return
	}
	if err := e.Emit(dest, path, name, body...); err != nil {
		logger.Warn("[broker] failed to emit %s to %s: %v", name, dest, err)
	}
}

func (b *Broker) violation(err error) {
	if b.OnViolation != nil {
		b.OnViolation(err)
	}
}

// --- registries ---

func (b *Broker) token(opts portal.Vardict, key string) string {
	if t, ok := portal.MapStringOK(opts, key); ok && portal.ValidToken(t) {
		return t
	}
	return b.counter.Next()
}

// newRequest allocates and registers a request handle. A handle already in
// use falls back to a broker token, so the caller must use the returned path.
func (b *Broker) newRequest(sender, method string, opts portal.Vardict, s *session, onCancel func()) *pendingRequest {
	tok := b.token(opts, portal.KeyHandleToken)

	b.mu.Lock()
	defer b.mu.Unlock()

	path := portal.RequestPath(sender, tok)
	if _, taken := b.requests[path]; taken {
		path = portal.RequestPath(sender, b.counter.Next())
		logger.Debug("[broker] request token %q in use, using %s", tok, path)
	}
	pr := &pendingRequest{
		req:      portal.NewRequest(path, sender, method),
		sess:     s,
		onCancel: onCancel,
	}
	b.requests[path] = pr
	return pr
}

func (b *Broker) dropRequest(path dbus.ObjectPath) {
	b.mu.Lock()
	delete(b.requests, path)
	b.mu.Unlock()
}

// lookup returns the announced session at handle if sender owns it. A
// recently closed session is still returned so verbs fail with InvalidState.
func (b *Broker) lookup(sender string, handle dbus.ObjectPath) (*session, error) {
	b.mu.Lock()
	s, ok := b.sessions[handle]
	b.mu.Unlock()
	if !ok {
		s, ok = b.tombstones.Get(string(handle))
	}
	if !ok || !s.announced.Load() || s.Owner != sender {
		return nil, fmt.Errorf("%s: %w", handle, portal.ErrInvalidSession)
	}
	return s, nil
}

func (b *Broker) lookupKind(sender string, handle dbus.ObjectPath, kinds ...portal.Kind) (*session, error) {
	s, err := b.lookup(sender, handle)
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if s.Kind == k {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%s is a %s session: %w", handle, s.Kind, portal.ErrInvalidSession)
}

func (b *Broker) newSession(sender string, kind portal.Kind, opts portal.Vardict) (*session, error) {
	tok := b.token(opts, portal.KeySessionHandleToken)
	path := portal.SessionPath(sender, tok)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, taken := b.sessions[path]; taken {
		return nil, fmt.Errorf("session %s exists: %w", path, portal.ErrInvalidRequest)
	}
	if _, taken := b.tombstones.Get(string(path)); taken {
		return nil, fmt.Errorf("session %s was closed: %w", path, portal.ErrInvalidRequest)
	}
	s := &session{
		Session:  portal.NewSession(path, sender, kind, b.versionLocked(kind)),
		barriers: make(map[uint32]portal.Barrier),
	}
	s.OnTransition(func(from, to portal.State) {
		logger.Debug("[broker] %s: %s -> %s", path, from, to)
		if to != portal.StateClosed {
			b.publish(events.Event{Type: events.TypeSessionState, Data: s.data("")})
		}
	})
	b.sessions[path] = s
	return s, nil
}

func (s *session) data(reason string) events.SessionData {
	return events.SessionData{
		Handle: string(s.Handle),
		Kind:   s.Kind.String(),
		Sender: s.Owner,
		State:  s.State().String(),
		Reason: reason,
	}
}

// --- completion ---

// respond completes pr after the configured delay. apply runs once the
// completion has won, before the Response signal; after runs once it is sent.
func (b *Broker) respond(pr *pendingRequest, status portal.ResponseStatus, results portal.Vardict, apply, after func()) {
	fire := func() {
		if pr.sess == nil {
			b.complete(pr, status, results, apply, after)
			return
		}
		_ = pr.sess.Serialize(func() error {
			b.complete(pr, status, results, apply, after)
			return nil
		})
	}

	delay := b.config().ResponseDelay
	var task *portal.Task
	if pr.sess != nil {
		task = pr.sess.Schedule(delay, fire)
	} else {
		task = b.sched.After(delay, fire)
	}
	if task == nil {
		logger.Debug("[broker] %s %s: owner gone before scheduling", pr.req.Method, pr.req.Handle)
	}
}

func (b *Broker) complete(pr *pendingRequest, status portal.ResponseStatus, results portal.Vardict, apply, after func()) {
	req := pr.req
	ok, err := req.Complete(status, results)
	if err != nil {
		b.violation(err)
		return
	}
	if !ok {
		logger.Debug("[broker] %s %s: completion after cancel suppressed", req.Method, req.Handle)
		return
	}
	b.dropRequest(req.Handle)
	if apply != nil {
		apply()
	}
	if pr.sess != nil {
		pr.sess.EndRequest(req)
	}

	resp, _ := req.Response()
	b.emit(req.Owner, req.Handle, portal.RequestInterface+"."+portal.SignalResponse, uint32(resp.Status), resp.Results)
	b.publish(events.Event{Type: events.TypeRequestCompleted, Data: events.RequestData{
		Handle: string(req.Handle),
		Method: req.Method,
		Status: uint32(status),
	}})
	logger.Debug("[broker] %s %s: response %s", req.Method, req.Handle, status)

	if after != nil {
		after()
	}
}

// CloseRequest cancels a pending request. No Response is ever sent for it.
func (b *Broker) CloseRequest(sender string, handle dbus.ObjectPath) error {
	done := b.record(sender, portal.RequestInterface, portal.MethodClose, handle, nil)

	b.mu.Lock()
	pr, ok := b.requests[handle]
	b.mu.Unlock()
	if !ok || pr.req.Owner != sender {
		logger.Debug("[broker] Close on unknown request %s from %s", handle, sender)
		done(nil)
		return nil
	}

	cancel := func() error {
		if !pr.req.Cancel() {
			return nil
		}
		b.dropRequest(handle)
		if pr.sess != nil {
			pr.sess.EndRequest(pr.req)
		}
		if pr.onCancel != nil {
			pr.onCancel()
		}
		b.publish(events.Event{Type: events.TypeRequestCancelled, Data: events.RequestData{
			Handle: string(handle),
			Method: pr.req.Method,
			Status: uint32(portal.ResponseCancelled),
		}})
		logger.Info("[broker] %s %s cancelled by %s", pr.req.Method, handle, sender)
		return nil
	}

	var err error
	if pr.sess != nil {
		err = pr.sess.Serialize(cancel)
	} else {
		err = cancel()
	}
	done(err)
	return err
}

// --- teardown ---

// closeSession must run under the session's actor lock.
func (b *Broker) closeSession(s *session, reason error) {
	pending := s.Pending()
	if !s.Close(reason) {
		return
	}
	if pending != nil {
		b.dropRequest(pending.Handle)
		b.publish(events.Event{Type: events.TypeRequestCancelled, Data: events.RequestData{
			Handle: string(pending.Handle),
			Method: pending.Method,
			Status: uint32(portal.ResponseCancelled),
		}})
	}

	b.mu.Lock()
	delete(b.sessions, s.Handle)
	b.mu.Unlock()
	b.tombstones.Set(string(s.Handle), s)

	s.closeHandoff()
	if s.announced.Load() && !errors.Is(reason, errPeerGone) {
		b.emit(s.Owner, s.Handle, portal.SessionInterface+"."+portal.SignalClosed, portal.Vardict{})
	}

	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	b.publish(events.Event{Type: events.TypeSessionClosed, Data: s.data(msg)})
	logger.Info("[broker] session %s closed: %s", s.Handle, msg)
}

// discard forgets a session that was never announced.
func (b *Broker) discard(s *session) {
	s.Close(portal.ErrCancelled)
	s.closeHandoff()
	b.mu.Lock()
	delete(b.sessions, s.Handle)
	b.mu.Unlock()
	logger.Debug("[broker] session %s discarded", s.Handle)
}

func (s *session) closeHandoff() {
	if s.local != nil {
		_ = s.local.Close()
		s.local = nil
	}
}

// CloseSession closes a session at its owner's request. It always succeeds.
func (b *Broker) CloseSession(sender string, handle dbus.ObjectPath) error {
	done := b.record(sender, portal.SessionInterface, portal.MethodClose, handle, nil)
	defer done(nil)

	s, err := b.lookup(sender, handle)
	if err != nil {
		logger.Debug("[broker] Close on unknown session %s from %s", handle, sender)
		return nil
	}
	return s.Serialize(func() error {
		b.closeSession(s, fmt.Errorf("closed by %s: %w", sender, portal.ErrCancelled))
		return nil
	})
}

// CloseSessionRemote closes a session on the broker's own initiative.
func (b *Broker) CloseSessionRemote(handle dbus.ObjectPath) error {
	b.mu.Lock()
	s, ok := b.sessions[handle]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", handle, portal.ErrInvalidSession)
	}
	return s.Serialize(func() error {
		b.closeSession(s, portal.ErrRemoteClosed)
		return nil
	})
}

// DropSender forgets everything owned by a peer that left the bus.
func (b *Broker) DropSender(sender string) {
	b.mu.Lock()
	var owned []*session
	for _, s := range b.sessions {
		if s.Owner == sender {
			owned = append(owned, s)
		}
	}
	var loose []*pendingRequest
	for _, pr := range b.requests {
		if pr.req.Owner == sender && pr.sess == nil {
			loose = append(loose, pr)
		}
	}
	delete(b.notes, sender)
	b.mu.Unlock()

	for _, s := range owned {
		s := s
		_ = s.Serialize(func() error {
			if s.announced.Load() {
				b.closeSession(s, errPeerGone)
			} else {
				b.discard(s)
			}
			return nil
		})
	}
	for _, pr := range loose {
		if pr.req.Cancel() {
			b.dropRequest(pr.req.Handle)
		}
	}
	if len(owned)+len(loose) > 0 {
		logger.Info("[broker] %s left: %d sessions and %d requests dropped", sender, len(owned), len(loose))
	}
}

// Close tears every session down and ends the event stream.
func (b *Broker) Close() {
	b.mu.Lock()
	live := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()

	for _, s := range live {
		s := s
		_ = s.Serialize(func() error {
			if s.announced.Load() {
				b.closeSession(s, errShutdown)
			} else {
				b.discard(s)
			}
			return nil
		})
	}
	b.sched.Stop()

	b.evMu.Lock()
	if !b.evClosed {
		b.evClosed = true
		close(b.eventsC)
	}
	b.evMu.Unlock()
	logger.Info("[broker] stopped")
}

// --- inspection ---

// Sessions returns a snapshot of the announced live sessions, sorted by handle.
func (b *Broker) Sessions() []portal.SessionInfo {
	b.mu.Lock()
	live := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.announced.Load() {
			live = append(live, s)
		}
	}
	b.mu.Unlock()

	out := make([]portal.SessionInfo, len(live))
	for i, s := range live {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// SessionInfo returns a snapshot of one session, closed ones included.
func (b *Broker) SessionInfo(handle dbus.ObjectPath) (portal.SessionInfo, error) {
	b.mu.Lock()
	s, ok := b.sessions[handle]
	b.mu.Unlock()
	if !ok {
		s, ok = b.tombstones.Get(string(handle))
	}
	if !ok {
		return portal.SessionInfo{}, fmt.Errorf("%s: %w", handle, portal.ErrInvalidSession)
	}
	return s.Info(), nil
}

// ServerInfo reports the enabled portals.
func (b *Broker) ServerInfo() ServerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	info := ServerInfo{
		Portals:  make(map[string]uint32),
		Sessions: len(b.sessions),
		Requests: len(b.requests),
	}
	for _, iface := range Interfaces() {
		if v := b.ifaceVersionLocked(iface); v > 0 {
			info.Portals[iface] = v
		}
	}
	return info
}
