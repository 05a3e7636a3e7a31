package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

const icEventBuffer = 32

// InputCaptureEvent is one of the Activated, Deactivated, Disabled and
// ZonesChanged signals of a session.
type InputCaptureEvent struct {
	Type         string
	ActivationID uint32
	Cursor       portal.CursorPosition
	BarrierID    uint32
	ZoneSet      uint32
}

// InputCaptureSession adds zones and pointer barriers to a Session. It is
// Active as soon as its negotiation is done; there is no Start.
type InputCaptureSession struct {
	*Session

	capabilities portal.Capability

	mu       sync.Mutex
	zones    *portal.ZoneSet
	stale    bool
	barriers []portal.Barrier
	events   chan InputCaptureEvent
}

// CreateInputCapture creates an input capture session, fetches its zones and
// applies desc.Barriers against them.
func (p *Portal) CreateInputCapture(ctx context.Context, parent string, desc portal.Descriptor) (*InputCaptureSession, error) {
	desc.Kind = portal.KindInputCapture
	n, err := NewNegotiator(desc, p.Versions(ctx))
	if err != nil {
		return nil, fmt.Errorf("CreateSession: %w", err)
	}

	extra := portal.Vardict{portal.KeyCapabilities: dbus.MakeVariant(uint32(desc.Capabilities))}
	s, results, err := p.createSession(ctx, n, parent, extra)
	if err != nil {
		return nil, err
	}
	ic := &InputCaptureSession{
		Session:      s,
		capabilities: portal.Capability(portal.MapUint32(results, portal.KeyCapabilities)),
		events:       make(chan InputCaptureEvent, icEventBuffer),
	}
	s.onSignal = ic.handleSignal

	if err := n.Run(ctx, ic); err != nil {
		s.Close(ctx)
		return nil, err
	}
	if err := s.state.Activate("CreateSession", portal.Grant{}); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("CreateSession: %w", err)
	}
	return ic, nil
}

// Capabilities is what the portal granted out of the requested set.
func (s *InputCaptureSession) Capabilities() portal.Capability {
	return s.capabilities
}

// Events delivers the session's signals. Events are dropped when nobody reads.
func (s *InputCaptureSession) Events() <-chan InputCaptureEvent {
	return s.events
}

// Zones returns the last zone set fetched, which may be stale.
func (s *InputCaptureSession) Zones() *portal.ZoneSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones
}

// Barriers returns the barriers of the last SetPointerBarriers with their state.
func (s *InputCaptureSession) Barriers() []portal.Barrier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.barriers)
}

func (s *InputCaptureSession) runStep(ctx context.Context, step Step) error {
	switch step.Method {
	case portal.GetZonesOptions.Verb:
		_, err := s.GetZones(ctx)
		return err
	case portal.SetPointerBarriersOptions.Verb:
		_, err := s.SetPointerBarriers(ctx, s.desc.Barriers)
		return err
	default:
		return fmt.Errorf("%s: %w", step.Method, portal.ErrUnsupported)
	}
}

// begin admits one request as the session's in-flight request, so a close
// cancels it. While negotiating it goes through the selection states.
func (s *InputCaptureSession) begin(op string, req *portal.Request) (func(), error) {
	admit := s.state.Negotiate
	if s.state.State() == portal.StateActive {
		admit = s.state.Track
	}
	if err := admit(op, req); err != nil {
		return nil, err
	}
	return func() { s.state.EndRequest(req) }, nil
}

// GetZones fetches the current zone set. The zones handed out before turn invalid.
func (s *InputCaptureSession) GetZones(ctx context.Context) (*portal.ZoneSet, error) {
	const op = "GetZones"
	req, tok := s.p.newRequest(op)
	opts, _ := portal.GetZonesOptions.Filter(s.state.Version, portal.Vardict{
		portal.KeyHandleToken: dbus.MakeVariant(tok),
	})
	end, err := s.begin(op, req)
	if err != nil {
		return nil, err
	}
	defer end()

	resp, err := s.p.submit(ctx, req, portal.ObjectPath, portal.InputCaptureInterface+"."+op, s.Handle(), opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	zs, err := portal.ParseZones(resp.Results)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.zones != nil {
		s.zones.Invalidate()
	}
	s.zones = zs
	s.stale = false
	s.mu.Unlock()
	logger.Debug("[client] %s: zone set %d, %d zones", s.Handle(), zs.Generation, len(zs.Zones))
	return zs, nil
}

// SetPointerBarriers submits barriers against the current zone set and
// returns them marked active or failed. A stale zone set fails every barrier
// with ErrStaleGeneration; fetch the zones again and retry.
func (s *InputCaptureSession) SetPointerBarriers(ctx context.Context, barriers []portal.Barrier) ([]portal.Barrier, error) {
	const op = "SetPointerBarriers"

	s.mu.Lock()
	zs, stale := s.zones, s.stale
	s.mu.Unlock()
	if zs == nil {
		return nil, fmt.Errorf("%s: no zones fetched: %w", op, portal.ErrInvalidState)
	}
	if stale {
		return failAll(barriers), fmt.Errorf("%s: zone set %d: %w", op, zs.Generation, portal.ErrStaleGeneration)
	}

	req, tok := s.p.newRequest(op)
	opts, _ := portal.SetPointerBarriersOptions.Filter(s.state.Version, portal.Vardict{
		portal.KeyHandleToken: dbus.MakeVariant(tok),
	})
	list := make([]portal.Vardict, len(barriers))
	ids := make([]uint32, len(barriers))
	for i, b := range barriers {
		list[i] = b.Vardict()
		ids[i] = b.ID
	}
	end, err := s.begin(op, req)
	if err != nil {
		return nil, err
	}
	defer end()

	resp, err := s.p.submit(ctx, req, portal.ObjectPath, portal.InputCaptureInterface+"."+op, s.Handle(), opts, list, zs.Generation)
	if err != nil {
		if resp.Status == portal.ResponseOther && allFailed(resp.Results, ids) {
			out := failAll(barriers)
			s.setBarriers(out)
			return out, fmt.Errorf("%s: zone set %d: %w: %w", op, zs.Generation, portal.ErrStaleGeneration, err)
		}
		var respErr *portal.ResponseError
		if errors.As(err, &respErr) {
			return nil, respErr
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var failed []uint32
	if _, err := portal.MapStore(resp.Results, portal.KeyFailedBarriers, &failed); err != nil {
		return nil, &portal.MalformedError{Method: op, Field: portal.KeyFailedBarriers}
	}
	if _, _, err := portal.PartitionBarriers(ids, failed); err != nil {
		return nil, err
	}
	out := make([]portal.Barrier, len(barriers))
	for i, b := range barriers {
		b.State = portal.BarrierActive
		if slices.Contains(failed, b.ID) {
			b.State = portal.BarrierFailed
		}
		out[i] = b
	}
	s.setBarriers(out)
	return out, nil
}

// allFailed reports whether results name every submitted barrier as failed,
// which is how a stale zone set is answered.
func allFailed(results portal.Vardict, ids []uint32) bool {
	var failed []uint32
	if ok, err := portal.MapStore(results, portal.KeyFailedBarriers, &failed); !ok || err != nil {
		return false
	}
	for _, id := range ids {
		if !slices.Contains(failed, id) {
			return false
		}
	}
	return true
}

func failAll(barriers []portal.Barrier) []portal.Barrier {
	out := make([]portal.Barrier, len(barriers))
	for i, b := range barriers {
		b.State = portal.BarrierFailed
		out[i] = b
	}
	return out
}

func (s *InputCaptureSession) setBarriers(b []portal.Barrier) {
	s.mu.Lock()
	s.barriers = b
	s.mu.Unlock()
}

func (s *InputCaptureSession) call(ctx context.Context, op string, opts portal.Vardict) error {
	if err := s.state.Require(op); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if opts == nil {
		opts = portal.Vardict{}
	}
	if _, err := s.p.conn.Call(ctx, portal.ObjectPath, portal.InputCaptureInterface+"."+op, s.Handle(), opts); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Enable starts capturing when the pointer crosses an active barrier.
func (s *InputCaptureSession) Enable(ctx context.Context) error {
	return s.call(ctx, "Enable", nil)
}

func (s *InputCaptureSession) Disable(ctx context.Context) error {
	return s.call(ctx, "Disable", nil)
}

// Release ends activation id. A nil cursor leaves the pointer where it is.
func (s *InputCaptureSession) Release(ctx context.Context, activationID uint32, cursor *portal.CursorPosition) error {
	opts := portal.Vardict{portal.KeyActivationID: dbus.MakeVariant(activationID)}
	if cursor != nil {
		opts[portal.KeyCursorPosition] = dbus.MakeVariant(*cursor)
	}
	opts, _ = portal.ReleaseOptions.Filter(s.state.Version, opts)
	return s.call(ctx, "Release", opts)
}

// handleSignal runs on the signal routing goroutine and must not block on the bus.
func (s *InputCaptureSession) handleSignal(member string, details portal.Vardict) {
	ev := InputCaptureEvent{Type: member}
	if member == portal.SignalZonesChanged {
		ev.ZoneSet = portal.MapUint32(details, portal.KeyZoneSet)
		s.zonesChanged(ev.ZoneSet)
	} else {
		ev.ActivationID = portal.MapUint32(details, portal.KeyActivationID)
		ev.BarrierID = portal.MapUint32(details, portal.KeyBarrierID)
		if _, err := portal.MapStore(details, portal.KeyCursorPosition, &ev.Cursor); err != nil {
			logger.Debug("[client] %s: bad cursor_position in %s: %v", s.Handle(), member, err)
		}
	}

	select {
	case s.events <- ev:
	default:
		logger.Warn("[client] event channel full, dropping %s for %s", member, s.Handle())
	}
}

// zonesChanged invalidates the zones and barriers of zone set old, then
// fetches the new set in the background.
func (s *InputCaptureSession) zonesChanged(old uint32) {
	s.mu.Lock()
	if s.zones == nil || s.zones.Generation > old {
		s.mu.Unlock()
		return
	}
	s.zones.Invalidate()
	s.stale = true
	for i := range s.barriers {
		s.barriers[i].State = portal.BarrierPending
	}
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.p.refetchTimeout())
		defer cancel()
		if _, err := s.GetZones(ctx); err != nil {
			logger.Debug("[client] %s: zones not refreshed: %v", s.Handle(), err)
		}
	}()
}
