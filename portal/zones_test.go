package portal

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestPartitionBarriers(t *testing.T) {
	applied, failed, err := PartitionBarriers([]uint32{1, 2, 3, 4}, []uint32{2, 3})
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 4}, applied)
	require.Equal(t, []uint32{2, 3}, failed)
}

func TestPartitionBarriers_AllFailed(t *testing.T) {
	applied, failed, err := PartitionBarriers([]uint32{5, 6}, []uint32{6, 5})
	require.NoError(t, err)
	require.Empty(t, applied)
	require.Equal(t, []uint32{5, 6}, failed)
}

func TestPartitionBarriers_UnknownFailedID(t *testing.T) {
	_, _, err := PartitionBarriers([]uint32{1}, []uint32{9})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestPartitionBarriers_DisjointUnion(t *testing.T) {
	submitted := []uint32{10, 11, 12, 13, 14}
	applied, failed, err := PartitionBarriers(submitted, []uint32{11, 14})
	require.NoError(t, err)

	union := map[uint32]int{}
	for _, id := range applied {
		union[id]++
	}
	for _, id := range failed {
		union[id]++
	}
	require.Len(t, union, len(submitted))
	for _, id := range submitted {
		require.Equal(t, 1, union[id], "id %d must be in exactly one set", id)
	}
}

func TestParseZones(t *testing.T) {
	results := Vardict{
		KeyZoneSet: dbus.MakeVariant(uint32(7)),
		KeyZones:   dbus.MakeVariant([]Region{{1920, 1080, 0, 0}, {1080, 1920, 1920, 0}}),
	}
	zs, err := ParseZones(results)
	require.NoError(t, err)
	require.Equal(t, uint32(7), zs.Generation)
	require.Len(t, zs.Zones, 2)
	require.True(t, zs.Zones[1].Valid())
	require.Equal(t, int32(1920), zs.Zones[1].X)

	zs.Invalidate()
	for _, z := range zs.Zones {
		require.False(t, z.Valid())
	}
}

// Structs arrive from the wire decoder as []interface{}.
func TestParseZones_DecodedShape(t *testing.T) {
	results := Vardict{
		KeyZoneSet: dbus.MakeVariant(uint32(1)),
		KeyZones:   dbus.MakeVariant([][]interface{}{{uint32(640), uint32(480), int32(0), int32(0)}}),
	}
	zs, err := ParseZones(results)
	require.NoError(t, err)
	require.Equal(t, Region{640, 480, 0, 0}, zs.Zones[0].Region)
}

func TestParseZones_Malformed(t *testing.T) {
	_, err := ParseZones(Vardict{KeyZones: dbus.MakeVariant([]Region{})})
	require.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseZones(Vardict{KeyZoneSet: dbus.MakeVariant(uint32(1))})
	require.ErrorIs(t, err, ErrMalformedResponse)

	var me *MalformedError
	require.ErrorAs(t, err, &me)
	require.Equal(t, KeyZones, me.Field)
}

func TestBarrierRoundTrip(t *testing.T) {
	b := Barrier{ID: 3, Position: Position{0, 0, 0, 1080}}
	got, err := ParseBarrier(b.Vardict())
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)
	require.Equal(t, b.Position, got.Position)
	require.True(t, got.Position.AxisAligned())
}

func TestParseBarrier_Invalid(t *testing.T) {
	_, err := ParseBarrier(Vardict{KeyPosition: dbus.MakeVariant(Position{})})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ParseBarrier(Vardict{KeyBarrierID: dbus.MakeVariant(uint32(1))})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPositionAxisAligned(t *testing.T) {
	require.True(t, Position{0, 5, 100, 5}.AxisAligned())
	require.True(t, Position{5, 0, 5, 100}.AxisAligned())
	require.False(t, Position{0, 0, 10, 10}.AxisAligned())
	require.False(t, Position{3, 3, 3, 3}.AxisAligned())
}
