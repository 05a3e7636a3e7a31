package broker

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

func (b *Broker) inputCapture(sender string, handle dbus.ObjectPath) (*session, *config.InputCaptureConfig, error) {
	s, err := b.lookupKind(sender, handle, portal.KindInputCapture)
	if err != nil {
		return nil, nil, err
	}
	return s, b.config().InputCapture, nil
}

func icSignal(member string) string {
	return portal.InputCaptureInterface + "." + member
}

// GetZones answers with the current zone set. Either field can be left out
// by configuration to exercise client-side validation.
func (b *Broker) GetZones(sender string, handle dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, error) {
	done := b.record(sender, portal.InputCaptureInterface, "GetZones", handle, opts)
	path, err := b.getZones(sender, handle, opts)
	done(err)
	return path, err
}

func (b *Broker) getZones(sender string, handle dbus.ObjectPath, opts portal.Vardict) (dbus.ObjectPath, error) {
	s, ic, err := b.inputCapture(sender, handle)
	if err != nil {
		return "", fmt.Errorf("GetZones: %w", err)
	}
	var path dbus.ObjectPath
	err = s.Serialize(func() error {
		if err := s.Require("GetZones"); err != nil {
			return err
		}
		opts = filterOptions(portal.GetZonesOptions, s.Version, opts)
		pr := b.newRequest(sender, "GetZones", opts, s, nil)
		if err := s.Track("GetZones", pr.req); err != nil {
			b.dropRequest(pr.req.Handle)
			return err
		}
		path = pr.req.Handle

		results := portal.Vardict{}
		if !ic.OmitZoneSet {
			results[portal.KeyZoneSet] = dbus.MakeVariant(s.zoneSet)
		}
		if !ic.OmitZones {
			results[portal.KeyZones] = dbus.MakeVariant(slices.Clone(s.zones))
		}
		b.respond(pr, portal.ResponseSuccess, results, nil, nil)

		if !s.zonesArmed && ic.ChangeZonesAfter > 0 && len(ic.ChangedZones) > 0 {
			s.zonesArmed = true
			changed := slices.Clone(ic.ChangedZones)
			s.Schedule(ic.ChangeZonesAfter, func() {
				_ = s.Serialize(func() error {
					b.changeZones(s, changed)
					return nil
				})
			})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("GetZones: %w", err)
	}
	return path, nil
}

// SetPointerBarriers applies barriers against zoneSet. A stale zone set
// fails every barrier and the response status is "other".
func (b *Broker) SetPointerBarriers(sender string, handle dbus.ObjectPath, opts portal.Vardict, barriers []portal.Vardict, zoneSet uint32) (dbus.ObjectPath, error) {
	done := b.record(sender, portal.InputCaptureInterface, "SetPointerBarriers", handle, opts)
	path, err := b.setPointerBarriers(sender, handle, opts, barriers, zoneSet)
	done(err)
	return path, err
}

func (b *Broker) setPointerBarriers(sender string, handle dbus.ObjectPath, opts portal.Vardict, raw []portal.Vardict, zoneSet uint32) (dbus.ObjectPath, error) {
	s, ic, err := b.inputCapture(sender, handle)
	if err != nil {
		return "", fmt.Errorf("SetPointerBarriers: %w", err)
	}

	submitted := make([]uint32, 0, len(raw))
	parsed := make(map[uint32]portal.Barrier, len(raw))
	var invalid []uint32
	for _, v := range raw {
		id, ok := portal.MapUint32OK(v, portal.KeyBarrierID)
		if !ok || id == 0 {
			return "", fmt.Errorf("SetPointerBarriers: %w: barrier without %s", portal.ErrInvalidRequest, portal.KeyBarrierID)
		}
		submitted = append(submitted, id)
		bar, err := portal.ParseBarrier(v)
		if err != nil || !bar.Position.AxisAligned() {
			invalid = append(invalid, id)
			continue
		}
		parsed[id] = bar
	}

	var path dbus.ObjectPath
	err = s.Serialize(func() error {
		if err := s.Require("SetPointerBarriers"); err != nil {
			return err
		}
		opts = filterOptions(portal.SetPointerBarriersOptions, s.Version, opts)
		pr := b.newRequest(sender, "SetPointerBarriers", opts, s, nil)
		if err := s.Track("SetPointerBarriers", pr.req); err != nil {
			b.dropRequest(pr.req.Handle)
			return err
		}
		path = pr.req.Handle

		if zoneSet != s.zoneSet {
			logger.Info("[broker] %s: stale zone set %d (current %d)", handle, zoneSet, s.zoneSet)
			b.respond(pr, portal.ResponseOther, portal.Vardict{
				portal.KeyFailedBarriers: dbus.MakeVariant(dedupe(submitted)),
			}, nil, nil)
			return nil
		}

		failed := dedupe(append(slices.Clone(invalid), intersect(ic.FailedBarriers, submitted)...))
		applied, failedOut, err := portal.PartitionBarriers(submitted, failed)
		if err != nil {
			b.dropRequest(pr.req.Handle)
			s.EndRequest(pr.req)
			return err
		}
		if failedOut == nil {
			failedOut = []uint32{}
		}
		b.respond(pr, portal.ResponseSuccess, portal.Vardict{
			portal.KeyFailedBarriers: dbus.MakeVariant(failedOut),
		}, func() {
			s.barriers = make(map[uint32]portal.Barrier, len(applied))
			for _, id := range applied {
				bar := parsed[id]
				bar.State = portal.BarrierActive
				s.barriers[id] = bar
			}
		}, nil)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("SetPointerBarriers: %w", err)
	}
	return path, nil
}

func dedupe(ids []uint32) []uint32 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func intersect(a, b []uint32) []uint32 {
	var out []uint32
	for _, id := range a {
		if slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

// Enable arms the configured Activated, Deactivated, Disabled and close
// signals as session-owned tasks.
func (b *Broker) Enable(sender string, handle dbus.ObjectPath, opts portal.Vardict) error {
	done := b.record(sender, portal.InputCaptureInterface, "Enable", handle, opts)
	err := b.enable(sender, handle, opts)
	done(err)
	return err
}

func (b *Broker) enable(sender string, handle dbus.ObjectPath, opts portal.Vardict) error {
	s, ic, err := b.inputCapture(sender, handle)
	if err != nil {
		return fmt.Errorf("Enable: %w", err)
	}
	if len(opts) > 0 {
		logger.Warn("[broker] Enable takes no options, got %v", portal.Keys(opts))
	}
	err = s.Serialize(func() error {
		if err := s.Require("Enable"); err != nil {
			return err
		}
		s.enabled = true
		activation := b.activations.Add(1)

		if ic.ActivatedAfter > 0 {
			s.later(ic.ActivatedAfter, func() {
				details := portal.Vardict{portal.KeyActivationID: dbus.MakeVariant(activation)}
				if ic.ActivatedPosition != [2]float64{} {
					details[portal.KeyCursorPosition] = dbus.MakeVariant(portal.CursorPosition{X: ic.ActivatedPosition[0], Y: ic.ActivatedPosition[1]})
				}
				if ic.ActivatedBarrier != 0 {
					details[portal.KeyBarrierID] = dbus.MakeVariant(ic.ActivatedBarrier)
				}
				b.icEmit(s, portal.SignalActivated, events.TypeActivated, details)
			})
			if ic.DeactivatedAfter > 0 {
				s.later(ic.ActivatedAfter+ic.DeactivatedAfter, func() {
					b.icEmit(s, portal.SignalDeactivated, events.TypeDeactivated, portal.Vardict{
						portal.KeyActivationID: dbus.MakeVariant(activation),
					})
				})
			}
		}
		if ic.DisabledAfter > 0 {
			s.later(ic.DisabledAfter, func() {
				s.enabled = false
				b.icEmit(s, portal.SignalDisabled, events.TypeDisabled, portal.Vardict{})
			})
		}
		if ic.CloseAfterEnable > 0 {
			s.later(ic.CloseAfterEnable, func() {
				b.closeSession(s, portal.ErrRemoteClosed)
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Enable: %w", err)
	}
	return nil
}

// later schedules fn under the actor lock and remembers the task so
// Disable can cancel it. Must run under the actor lock.
func (s *session) later(d time.Duration, fn func()) {
	task := s.Schedule(d, func() {
		_ = s.Serialize(func() error {
			fn()
			return nil
		})
	})
	if task != nil {
		s.signalTasks = append(s.signalTasks, task)
	}
}

func (b *Broker) icEmit(s *session, member, eventType string, details portal.Vardict) {
	if s.State() != portal.StateActive {
		return
	}
	b.emit(s.Owner, portal.ObjectPath, icSignal(member), s.Handle, details)
	b.publish(events.Event{Type: eventType, Data: events.InputData{
		Session: string(s.Handle),
		Method:  member,
		Args:    argsOf(details),
	}})
}

// Disable cancels every signal armed by Enable.
func (b *Broker) Disable(sender string, handle dbus.ObjectPath, opts portal.Vardict) error {
	done := b.record(sender, portal.InputCaptureInterface, "Disable", handle, opts)
	err := b.disable(sender, handle)
	done(err)
	return err
}

func (b *Broker) disable(sender string, handle dbus.ObjectPath) error {
	s, _, err := b.inputCapture(sender, handle)
	if err != nil {
		return fmt.Errorf("Disable: %w", err)
	}
	err = s.Serialize(func() error {
		if err := s.Require("Disable"); err != nil {
			return err
		}
		n := 0
		for _, t := range s.signalTasks {
			if t.Cancel() {
				n++
			}
		}
		s.signalTasks = nil
		s.enabled = false
		logger.Debug("[broker] %s disabled, %d pending signals cancelled", handle, n)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Disable: %w", err)
	}
	return nil
}

// Release ends the current activation.
func (b *Broker) Release(sender string, handle dbus.ObjectPath, opts portal.Vardict) error {
	done := b.record(sender, portal.InputCaptureInterface, "Release", handle, opts)
	err := b.release(sender, handle, opts)
	done(err)
	return err
}

func (b *Broker) release(sender string, handle dbus.ObjectPath, opts portal.Vardict) error {
	s, _, err := b.inputCapture(sender, handle)
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return s.Serialize(func() error {
		if err := s.Require("Release"); err != nil {
			return fmt.Errorf("Release: %w", err)
		}
		opts = filterOptions(portal.ReleaseOptions, s.Version, opts)
		var pos portal.CursorPosition
		if _, err := portal.MapStore(opts, portal.KeyCursorPosition, &pos); err != nil {
			return fmt.Errorf("Release: %w: %v", portal.ErrInvalidRequest, err)
		}
		logger.Debug("[broker] %s released (activation %d, cursor %v)", handle, portal.MapUint32(opts, portal.KeyActivationID), pos)
		return nil
	})
}

// ChangeZones announces a new zone set. An empty regions list reuses the
// configured changed zones.
func (b *Broker) ChangeZones(handle dbus.ObjectPath, regions []portal.Region) error {
	b.mu.Lock()
	s, ok := b.sessions[handle]
	b.mu.Unlock()
	if !ok || s.Kind != portal.KindInputCapture {
		return fmt.Errorf("ChangeZones: %s: %w", handle, portal.ErrInvalidSession)
	}
	if len(regions) == 0 {
		regions = b.config().InputCapture.ChangedZones
	}
	if len(regions) == 0 {
		return fmt.Errorf("ChangeZones: %w: no zones", portal.ErrInvalidRequest)
	}
	return s.Serialize(func() error {
		if err := s.Require("ChangeZones"); err != nil {
			return fmt.Errorf("ChangeZones: %w", err)
		}
		b.changeZones(s, regions)
		return nil
	})
}

// changeZones must run under the actor lock. The signal carries the zone set
// being replaced and the new generation is exactly one more.
func (b *Broker) changeZones(s *session, regions []portal.Region) {
	if s.State() != portal.StateActive {
		return
	}
	old := s.zoneSet
	s.zoneSet = old + 1
	s.zones = slices.Clone(regions)
	s.barriers = make(map[uint32]portal.Barrier)

	b.emit(s.Owner, portal.ObjectPath, icSignal(portal.SignalZonesChanged), s.Handle, portal.Vardict{
		portal.KeyZoneSet: dbus.MakeVariant(old),
	})
	b.publish(events.Event{Type: events.TypeZonesChanged, Data: events.InputData{
		Session: string(s.Handle),
		Method:  portal.SignalZonesChanged,
		Args:    map[string]any{"old": old, "new": s.zoneSet},
	}})
	logger.Info("[broker] %s: zone set %d -> %d", s.Handle, old, s.zoneSet)
}

// Zones returns a snapshot of an input capture session's zones.
func (b *Broker) Zones(handle dbus.ObjectPath) (ZonesInfo, error) {
	b.mu.Lock()
	s, ok := b.sessions[handle]
	b.mu.Unlock()
	if !ok || s.Kind != portal.KindInputCapture {
		return ZonesInfo{}, fmt.Errorf("%s: %w", handle, portal.ErrInvalidSession)
	}
	var info ZonesInfo
	_ = s.Serialize(func() error {
		info = ZonesInfo{
			Handle:   string(s.Handle),
			ZoneSet:  s.zoneSet,
			Zones:    slices.Clone(s.zones),
			Barriers: make([]uint32, 0, len(s.barriers)),
			Enabled:  s.enabled,
		}
		for id := range s.barriers {
			info.Barriers = append(info.Barriers, id)
		}
		sort.Slice(info.Barriers, func(i, j int) bool { return info.Barriers[i] < info.Barriers[j] })
		return nil
	})
	return info, nil
}

func argsOf(v portal.Vardict) map[string]any {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val.Value()
	}
	return out
}
