package portal

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// Region is one entry of the a(uuii) zones result.
type Region struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	X      int32  `json:"x"`
	Y      int32  `json:"y"`
}

// Zone is a region tagged with the zone set it was issued under. It turns
// invalid as soon as a newer zone set is announced.
type Zone struct {
	Region
	Set uint32

	valid atomic.Bool
}

func NewZone(r Region, set uint32) *Zone {
	z := &Zone{Region: r, Set: set}
	z.valid.Store(true)
	return z
}

func (z *Zone) Valid() bool { return z.valid.Load() }

func (z *Zone) Invalidate() { z.valid.Store(false) }

// ZoneSet is the result of one GetZones call.
type ZoneSet struct {
	Generation uint32
	Zones      []*Zone
}

func NewZoneSet(generation uint32, regions []Region) *ZoneSet {
	zs := &ZoneSet{Generation: generation, Zones: make([]*Zone, len(regions))}
	for i, r := range regions {
		zs.Zones[i] = NewZone(r, generation)
	}
	return zs
}

// Invalidate marks every zone of the set stale.
func (zs *ZoneSet) Invalidate() {
	for _, z := range zs.Zones {
		z.Invalidate()
	}
}

func (zs *ZoneSet) Regions() []Region {
	out := make([]Region, len(zs.Zones))
	for i, z := range zs.Zones {
		out[i] = z.Region
	}
	return out
}

// ParseZones validates a GetZones result. Both zone_set and zones are required.
func ParseZones(results Vardict) (*ZoneSet, error) {
	gen, ok := MapUint32OK(results, KeyZoneSet)
	if !ok {
		return nil, &MalformedError{Method: "GetZones", Field: KeyZoneSet}
	}
	var regions []Region
	present, err := MapStore(results, KeyZones, &regions)
	if !present || err != nil {
		return nil, &MalformedError{Method: "GetZones", Field: KeyZones}
	}
	return NewZoneSet(gen, regions), nil
}

// Position is the (iiii) barrier segment x1, y1, x2, y2.
type Position struct {
	X1 int32
	Y1 int32
	X2 int32
	Y2 int32
}

// AxisAligned reports whether the segment is a non-degenerate horizontal or vertical line.
func (p Position) AxisAligned() bool {
	horizontal := p.Y1 == p.Y2 && p.X1 != p.X2
	vertical := p.X1 == p.X2 && p.Y1 != p.Y2
	return horizontal || vertical
}

type BarrierState int

const (
	BarrierPending BarrierState = iota
	BarrierActive
	BarrierFailed
)

func (s BarrierState) String() string {
	switch s {
	case BarrierActive:
		return "active"
	case BarrierFailed:
		return "failed"
	default:
		return "pending"
	}
}

type Barrier struct {
	ID       uint32
	Position Position
	State    BarrierState
}

// Vardict encodes the barrier as one a{sv} entry of SetPointerBarriers.
func (b Barrier) Vardict() Vardict {
	return Vardict{
		KeyBarrierID: dbus.MakeVariant(b.ID),
		KeyPosition:  dbus.MakeVariant(b.Position),
	}
}

func ParseBarrier(v Vardict) (Barrier, error) {
	id, ok := MapUint32OK(v, KeyBarrierID)
	if !ok || id == 0 {
		return Barrier{}, fmt.Errorf("barrier: %w: missing or zero %s", ErrInvalidRequest, KeyBarrierID)
	}
	var pos Position
	present, err := MapStore(v, KeyPosition, &pos)
	if !present || err != nil {
		return Barrier{}, fmt.Errorf("barrier %d: %w: invalid %s", id, ErrInvalidRequest, KeyPosition)
	}
	return Barrier{ID: id, Position: pos}, nil
}

// PartitionBarriers splits the submitted ids into applied and failed sets.
// The two sets are disjoint and their union is exactly the submitted set.
// A failed id that was never submitted makes the response malformed.
func PartitionBarriers(submitted, failed []uint32) (applied, failedOut []uint32, err error) {
	seen := make(map[uint32]bool, len(failed))
	for _, id := range failed {
		if !slices.Contains(submitted, id) {
			return nil, nil, &MalformedError{Method: "SetPointerBarriers", Field: KeyFailedBarriers}
		}
		seen[id] = true
	}
	done := make(map[uint32]bool, len(submitted))
	for _, id := range submitted {
		if done[id] {
			continue
		}
		done[id] = true
		if seen[id] {
			failedOut = append(failedOut, id)
		} else {
			applied = append(applied, id)
		}
	}
	return applied, failedOut, nil
}

// CursorPosition is the (dd) cursor_position of Activated, Deactivated and Release.
type CursorPosition struct {
	X float64
	Y float64
}
