package broker

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
	"github.com/b0bbywan/go-odio-portal/tokenstore"
)

// tokenTimeout bounds restore-token store round trips.
const tokenTimeout = 2 * time.Second

func filterOptions(set portal.OptionSet, version uint32, opts portal.Vardict) portal.Vardict {
	out, dropped := set.Filter(version, opts)
	if len(dropped) > 0 {
		logger.Debug("[broker] %s v%d: ignoring options %v", set.Verb, version, dropped)
	}
	return out
}

// CreateSession starts a session of kind. The session handle is only
// announced through the Response of the returned request.
func (b *Broker) CreateSession(sender string, kind portal.Kind, parent string, opts portal.Vardict) (dbus.ObjectPath, error) {
	done := b.record(sender, kind.Interface(), "CreateSession", "", opts)
	path, err := b.createSession(sender, kind, parent, opts)
	done(err)
	return path, err
}

func (b *Broker) createSession(sender string, kind portal.Kind, parent string, opts portal.Vardict) (dbus.ObjectPath, error) {
	version := b.Version(kind.Interface())
	if version == 0 {
		return "", fmt.Errorf("CreateSession: %s: %w", kind.Interface(), portal.ErrUnsupported)
	}
	set := portal.CreateSessionOptions
	if kind == portal.KindInputCapture {
		set = portal.InputCaptureCreateOptions
	}
	opts = filterOptions(set, version, opts)

	s, err := b.newSession(sender, kind, opts)
	if err != nil {
		return "", fmt.Errorf("CreateSession: %w", err)
	}
	pr := b.newRequest(sender, "CreateSession", opts, s, func() { b.discard(s) })

	cfg := b.config()
	status := portal.ResponseSuccess
	results := portal.Vardict{portal.KeySessionHandle: dbus.MakeVariant(s.Handle)}

	var caps portal.Capability
	if kind == portal.KindInputCapture {
		ic := cfg.InputCapture
		caps = portal.Capability(portal.MapUint32(opts, portal.KeyCapabilities)) & ic.Capabilities
		status = ic.Response
		if caps == 0 && status == portal.ResponseSuccess {
			logger.Info("[broker] %s asked for no supported capability", sender)
			status = portal.ResponseOther
		}
		results[portal.KeyCapabilities] = dbus.MakeVariant(uint32(caps))
	}
	logger.Info("[broker] CreateSession %s for %s (parent %q)", s.Handle, sender, parent)

	apply := func() {
		if status != portal.ResponseSuccess {
			return
		}
		s.announced.Store(true)
		if kind == portal.KindInputCapture {
			ic := cfg.InputCapture
			s.capabilities = caps
			s.zoneSet = ic.ZoneSet
			s.zones = ic.Zones
			if len(s.zones) == 0 {
				s.zones = config.DefaultInputCaptureZones
			}
			if err := s.Activate("CreateSession", portal.Grant{}); err != nil {
				logger.Warn("[broker] %s: %v", s.Handle, err)
			}
		}
		b.publish(events.Event{Type: events.TypeSessionCreated, Data: s.data("")})
	}
	after := func() {
		if status != portal.ResponseSuccess {
			b.discard(s)
		}
	}
	b.respond(pr, status, results, apply, after)
	return pr.req.Handle, nil
}

// restore redeems a presented restore token. The token is consumed even
// when it belongs to another kind of session.
func (b *Broker) restore(s *session, opts portal.Vardict) {
	tok, ok := portal.MapStringOK(opts, portal.KeyRestoreToken)
	if !ok || tok == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
	defer cancel()

	rec, found, err := b.tokens.Take(ctx, tok)
	switch {
	case err != nil:
		logger.Warn("[broker] restore token lookup failed: %v", err)
	case !found:
		logger.Info("[broker] %s: unknown restore token", s.Handle)
	case rec.Kind != s.Kind.String():
		logger.Info("[broker] %s: restore token issued for %s", s.Handle, rec.Kind)
	default:
		logger.Info("[broker] %s: restoring %s grant", s.Handle, rec.Kind)
		s.restored = &rec
	}
}

func capPersist(requested, limit portal.PersistMode) portal.PersistMode {
	if requested > limit {
		return limit
	}
	return requested
}

// SelectDevices records the device types a remote desktop session asks for.
func (b *Broker) SelectDevices(sender string, handle dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, error) {
	done := b.record(sender, portal.RemoteDesktopInterface, "SelectDevices", handle, opts)
	path, err := b.selectDevices(sender, handle, opts)
	done(err)
	return path, err
}

func (b *Broker) selectDevices(sender string, handle dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, error) {
	s, err := b.lookupKind(sender, handle, portal.KindRemoteDesktop)
	if err != nil {
		return "", fmt.Errorf("SelectDevices: %w", err)
	}
	var path dbus.ObjectPath
	err = s.Serialize(func() error {
		opts = filterOptions(portal.SelectDevicesOptions, s.Version, opts)
		pr := b.newRequest(sender, "SelectDevices", opts, s, nil)
		if err := s.Negotiate("SelectDevices", pr.req); err != nil {
			b.dropRequest(pr.req.Handle)
			return err
		}
		path = pr.req.Handle

		rd := b.config().RemoteDesktop
		types := portal.AllDevices & rd.DeviceTypes
		if t, ok := portal.MapUint32OK(opts, portal.KeyTypes); ok {
			types = portal.DeviceType(t) & rd.DeviceTypes
			if portal.DeviceType(t)&^rd.DeviceTypes != 0 {
				logger.Debug("[broker] %s: devices %s narrowed to %s", handle, portal.DeviceType(t), types)
			}
		}
		status := portal.ResponseSuccess
		if types == 0 {
			logger.Info("[broker] %s: none of the requested devices is available (have %s)", handle, rd.DeviceTypes)
			status = portal.ResponseOther
		}
		persist := capPersist(portal.PersistMode(portal.MapUint32(opts, portal.KeyPersistMode)), rd.MaxPersist)

		b.respond(pr, status, portal.Vardict{}, func() {
			if status != portal.ResponseSuccess {
				return
			}
			s.devices = types
			s.persist = persist
			b.restore(s, opts)
		}, nil)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("SelectDevices: %w", err)
	}
	return path, nil
}

// SelectSources records the outputs a screen cast or remote desktop session asks for.
func (b *Broker) SelectSources(sender string, handle dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, error) {
	done := b.record(sender, portal.ScreenCastInterface, "SelectSources", handle, opts)
	path, err := b.selectSources(sender, handle, opts)
	done(err)
	return path, err
}

func (b *Broker) selectSources(sender string, handle dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, error) {
	s, err := b.lookupKind(sender, handle, portal.KindScreenCast, portal.KindRemoteDesktop)
	if err != nil {
		return "", fmt.Errorf("SelectSources: %w", err)
	}
	scVersion := b.Version(portal.ScreenCastInterface)
	if scVersion == 0 {
		return "", fmt.Errorf("SelectSources: %s: %w", portal.ScreenCastInterface, portal.ErrUnsupported)
	}

	var path dbus.ObjectPath
	err = s.Serialize(func() error {
		version := s.Version
		if s.Kind == portal.KindRemoteDesktop {
			version = scVersion
		}
		opts = filterOptions(portal.SelectSourcesOptions, version, opts)
		pr := b.newRequest(sender, "SelectSources", opts, s, nil)
		if err := s.Negotiate("SelectSources", pr.req); err != nil {
			b.dropRequest(pr.req.Handle)
			return err
		}
		path = pr.req.Handle

		sc := b.config().ScreenCast
		out := &portal.Outputs{
			Types:    portal.SourceMonitor,
			Multiple: portal.MapBool(opts, portal.KeyMultiple),
		}
		if t, ok := portal.MapUint32OK(opts, portal.KeyTypes); ok {
			out.Types = portal.SourceType(t)
		}
		status := portal.ResponseSuccess
		if out.Types == 0 || out.Types&^sc.SourceTypes != 0 {
			logger.Info("[broker] %s: sources %s not available (have %s)", handle, out.Types, sc.SourceTypes)
			status = portal.ResponseOther
		}
		if c, ok := portal.MapUint32OK(opts, portal.KeyCursorMode); ok {
			out.Cursor = portal.CursorMode(c)
			if bits.OnesCount32(c) != 1 || out.Cursor&^sc.CursorModes != 0 {
				logger.Info("[broker] %s: cursor mode %s not available", handle, out.Cursor)
				status = portal.ResponseOther
			}
		}
		persist := capPersist(portal.PersistMode(portal.MapUint32(opts, portal.KeyPersistMode)), sc.MaxPersist)

		b.respond(pr, status, portal.Vardict{}, func() {
			if status != portal.ResponseSuccess {
				return
			}
			s.outputs = out
			if s.Kind == portal.KindScreenCast {
				s.persist = persist
				b.restore(s, opts)
			}
		}, nil)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("SelectSources: %w", err)
	}
	return path, nil
}

// persistAllowed reports whether the session's version carries persistence.
func persistAllowed(s *session) bool {
	switch s.Kind {
	case portal.KindRemoteDesktop:
		return portal.SelectDevicesOptions.Allowed(portal.KeyPersistMode, s.Version)
	case portal.KindScreenCast:
		return portal.SelectSourcesOptions.Allowed(portal.KeyPersistMode, s.Version)
	default:
		return false
	}
}

func streamsFor(out *portal.Outputs, nodes []uint32) []portal.Stream {
	if out == nil || len(nodes) == 0 {
		return nil
	}
	if !out.Multiple {
		nodes = nodes[:1]
	}
	sourceType := out.Types & -out.Types
	streams := make([]portal.Stream, len(nodes))
	for i, id := range nodes {
		streams[i] = portal.Stream{
			NodeID: id,
			Properties: portal.Vardict{
				"source_type": dbus.MakeVariant(uint32(sourceType)),
				"id":          dbus.MakeVariant(fmt.Sprintf("stream%d", i)),
			},
		}
	}
	return streams
}

// Start asks for the permission decision and, on success, makes the session Active.
func (b *Broker) Start(sender string, kind portal.Kind, handle dbus.ObjectPath, parent string, opts portal.Vardict) (dbus.ObjectPath, error) {
	done := b.record(sender, kind.Interface(), "Start", handle, opts)
	path, err := b.start(sender, kind, handle, parent, opts)
	done(err)
	return path, err
}

func (b *Broker) start(sender string, kind portal.Kind, handle dbus.ObjectPath, parent string, opts portal.Vardict) (dbus.ObjectPath, error) {
	if kind == portal.KindInputCapture {
		return "", fmt.Errorf("Start: %s: %w", kind.Interface(), portal.ErrUnsupported)
	}
	s, err := b.lookupKind(sender, handle, kind)
	if err != nil {
		return "", fmt.Errorf("Start: %w", err)
	}

	var path dbus.ObjectPath
	err = s.Serialize(func() error {
		opts = filterOptions(portal.StartOptions, s.Version, opts)
		pr := b.newRequest(sender, "Start", opts, s, nil)
		if err := s.BeginStart(pr.req); err != nil {
			b.dropRequest(pr.req.Handle)
			return err
		}
		path = pr.req.Handle
		logger.Info("[broker] Start %s (parent %q)", handle, parent)
		b.startResponse(s, pr)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("Start: %w", err)
	}
	return path, nil
}

// startResponse decides the grant. Must run under the actor lock.
func (b *Broker) startResponse(s *session, pr *pendingRequest) {
	cfg := b.config()
	results := portal.Vardict{}
	var (
		status  portal.ResponseStatus
		grant   portal.Grant
		streams []portal.Stream
		limit   portal.PersistMode
	)

	// A redeemed token replaces the selection, as the dialog is skipped.
	outputs := s.outputs
	if s.restored != nil && s.restored.Grant.Sources != 0 {
		outputs = &portal.Outputs{
			Types:    s.restored.Grant.Sources,
			Multiple: s.restored.Grant.Multiple,
			Cursor:   s.restored.Grant.Cursor,
		}
	}

	switch s.Kind {
	case portal.KindRemoteDesktop:
		status, limit = cfg.RemoteDesktop.Response, cfg.RemoteDesktop.MaxPersist
		devices := s.devices
		if s.restored != nil {
			devices = s.restored.Grant.Devices
		}
		if devices == 0 {
			devices = cfg.RemoteDesktop.DeviceTypes
		}
		grant.Devices = devices & cfg.RemoteDesktop.DeviceTypes
		results[portal.KeyDevices] = dbus.MakeVariant(uint32(grant.Devices))
		results[portal.KeyClipboardEnabled] = dbus.MakeVariant(false)
	case portal.KindScreenCast:
		status, limit = cfg.ScreenCast.Response, cfg.ScreenCast.MaxPersist
	}
	if outputs != nil && cfg.ScreenCast != nil {
		streams = streamsFor(outputs, cfg.ScreenCast.StreamNodes)
		grant.Sources = outputs.Types & cfg.ScreenCast.SourceTypes
		grant.Cursor = outputs.Cursor
		grant.Multiple = outputs.Multiple
		grant.StreamCount = len(streams)
		results[portal.KeyStreams] = dbus.MakeVariant(streams)
	}

	token := ""
	if persistAllowed(s) {
		grant.Persist = capPersist(s.persist, limit)
		results[portal.KeyPersistMode] = dbus.MakeVariant(uint32(grant.Persist))
		if grant.Persist != portal.PersistNone {
			token = uuid.NewString()
			results[portal.KeyRestoreToken] = dbus.MakeVariant(token)
		}
	}

	if status != portal.ResponseSuccess {
		results = portal.Vardict{}
		b.respond(pr, status, results, nil, func() {
			b.closeSession(s, &portal.ResponseError{Method: "Start", Status: status})
		})
		return
	}

	b.respond(pr, status, results, func() {
		if token != "" {
			b.storeToken(s, token, grant)
		}
		if err := s.FinishStart(pr.req, grant, streams, token); err != nil {
			b.violation(err)
		}
	}, nil)
}

func (b *Broker) storeToken(s *session, token string, grant portal.Grant) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
	defer cancel()
	rec := tokenstore.Record{Kind: s.Kind.String(), Grant: grant, IssuedAt: time.Now().UTC()}
	if err := b.tokens.Put(ctx, token, rec); err != nil {
		logger.Warn("[broker] %s: failed to store restore token: %v", s.Handle, err)
	}
}
