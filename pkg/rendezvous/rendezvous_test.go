package rendezvous

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/rhizome/pkg/model"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	alice = netip.MustParseAddrPort("203.0.113.7:40000")
	bob   = netip.MustParseAddrPort("198.51.100.9:51000")
	carol = netip.MustParseAddrPort("[2001:db8::1]:6000")
)

func room(b byte) model.RoomID {
	var id model.RoomID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestMatchExchangesAddresses(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(1)
	tbl.Open(id, epoch)

	act, err := tbl.Match(id, alice, epoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, act.Outcome)
	assert.Empty(t, act.Datagrams)

	e, ok := tbl.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StateWaiting, e.State)
	assert.Equal(t, alice, e.Peer)

	act, err = tbl.Match(id, bob, epoch.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, act.Outcome)
	require.Len(t, act.Datagrams, 2)
	assert.Equal(t, Datagram{To: alice, Payload: EncodeAddr(bob)}, act.Datagrams[0])
	assert.Equal(t, Datagram{To: bob, Payload: EncodeAddr(alice)}, act.Datagrams[1])

	assert.False(t, tbl.Contains(id), "room must be consumed by a match")
	_, err = tbl.Match(id, carol, epoch.Add(3*time.Second))
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestMatchUnknownRoom(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	_, err := tbl.Match(room(9), alice, epoch)
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.Zero(t, tbl.Len())
}

func TestMatchIdleTooLong(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(2)
	tbl.Open(id, epoch)

	_, err := tbl.Match(id, alice, epoch.Add(11*time.Second))
	assert.ErrorIs(t, err, ErrIdleTooLong)
	assert.False(t, tbl.Contains(id))
}

func TestMatchExactlyAtTimeoutIsAccepted(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(3)
	tbl.Open(id, epoch)

	act, err := tbl.Match(id, alice, epoch.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, act.Outcome)
}

func TestMatchPeerWaitedTooLong(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(4)
	tbl.Open(id, epoch)

	_, err := tbl.Match(id, alice, epoch.Add(time.Second))
	require.NoError(t, err)

	_, err = tbl.Match(id, bob, epoch.Add(12*time.Second))
	assert.ErrorIs(t, err, ErrPeerWaitedTooLong)
	assert.False(t, tbl.Contains(id))
}

func TestMatchRetransmissionKeepsWaitDeadline(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(5)
	tbl.Open(id, epoch)

	_, err := tbl.Match(id, alice, epoch)
	require.NoError(t, err)
	act, err := tbl.Match(id, alice, epoch.Add(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, act.Outcome)

	e, ok := tbl.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, epoch, e.Since)

	act, err = tbl.Match(id, bob, epoch.Add(9*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, act.Outcome)
}

func TestMatchRetransmissionCannotExtendWait(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(9)
	tbl.Open(id, epoch)

	now := epoch
	_, err := tbl.Match(id, alice, now)
	require.NoError(t, err)
	now = now.Add(9 * time.Second)
	_, err = tbl.Match(id, alice, now)
	require.NoError(t, err)

	now = now.Add(9 * time.Second)
	_, err = tbl.Match(id, alice, now)
	assert.ErrorIs(t, err, ErrPeerWaitedTooLong)
	assert.False(t, tbl.Contains(id))

	_, err = tbl.Match(id, bob, now)
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestMatchFamilyMismatchProbes(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(6)
	tbl.Open(id, epoch)

	_, err := tbl.Match(id, alice, epoch)
	require.NoError(t, err)

	act, err := tbl.Match(id, carol, epoch.Add(time.Second))
	assert.ErrorIs(t, err, ErrFamilyMismatch)
	assert.Equal(t, OutcomeRejected, act.Outcome)
	assert.Equal(t, []Datagram{
		{To: alice, Payload: []byte{ProbeByte}},
		{To: carol, Payload: []byte{ProbeByte}},
	}, act.Datagrams)
	assert.False(t, tbl.Contains(id))
}

func TestMatchUnmapsV4InV6(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	id := room(7)
	tbl.Open(id, epoch)

	mapped := netip.MustParseAddrPort("[::ffff:198.51.100.9]:51000")
	_, err := tbl.Match(id, alice, epoch)
	require.NoError(t, err)

	act, err := tbl.Match(id, mapped, epoch)
	require.NoError(t, err)
	require.Len(t, act.Datagrams, 2)
	assert.Equal(t, bob, act.Datagrams[1].To)
	assert.Equal(t, EncodeAddr(bob), act.Datagrams[0].Payload)
}

func TestSweep(t *testing.T) {
	tbl := NewTable(10 * time.Second)
	tbl.Open(room(1), epoch)
	tbl.Open(room(2), epoch.Add(5*time.Second))
	tbl.Open(room(3), epoch.Add(5*time.Second))
	_, err := tbl.Match(room(3), alice, epoch.Add(15*time.Second))
	require.NoError(t, err)

	removed := tbl.Sweep(epoch.Add(12 * time.Second))
	assert.Equal(t, []model.RoomID{room(1)}, removed)
	assert.False(t, tbl.Contains(room(1)))
	assert.True(t, tbl.Contains(room(2)))
	assert.True(t, tbl.Contains(room(3)))

	removed = tbl.Sweep(epoch.Add(26 * time.Second))
	assert.ElementsMatch(t, []model.RoomID{room(2), room(3)}, removed)
	assert.Zero(t, tbl.Len())
}

func TestAddrCodec(t *testing.T) {
	v4 := EncodeAddr(alice)
	assert.Equal(t, []byte{FamilyV4, 203, 0, 113, 7, 0x9c, 0x40}, v4)

	v6 := EncodeAddr(carol)
	require.Len(t, v6, MaxAddrSize)
	assert.Equal(t, byte(FamilyV6), v6[0])
	assert.Equal(t, []byte{0x17, 0x70}, v6[17:])

	for _, ap := range []netip.AddrPort{alice, bob, carol} {
		got, err := DecodeAddr(EncodeAddr(ap))
		require.NoError(t, err)
		assert.Equal(t, ap, got)
	}

	_, err := DecodeAddr([]byte{ProbeByte})
	assert.ErrorIs(t, err, ErrFamilyMismatch)
	_, err = DecodeAddr([]byte{FamilyV4, 1, 2})
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = DecodeAddr([]byte{5, 1, 2, 3, 4, 0, 1})
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = DecodeAddr(nil)
	assert.ErrorIs(t, err, ErrBadAddress)
}
