package app

import (
	"context"
	"testing"

	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterToRoom(t *testing.T) {
	reg := NewRegistry()
	g := newGroup()
	room := joined(t, reg, g, "lobby", "a", "b", "c")
	out := NewBroadcaster(reg)

	n := out.ToRoom(room, protocol.TypeProducerClosed, protocol.ProducerClosed{RemoteProducerID: "p1"})
	assert.Equal(t, 3, n)
	for _, id := range []domain.PeerID{"a", "b", "c"} {
		p, err := reg.Peer(id)
		require.NoError(t, err)
		frames := p.Conn.(*memConn).received()
		require.Len(t, frames, 1, id)
		assert.Equal(t, protocol.TypeProducerClosed, frames[0].Type)
	}
}

func TestBroadcasterToRoomSkipsUnregisteredOrigin(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.CreateOrJoinRoom(context.Background(), "lobby", "ghost", bareRoom)
	require.NoError(t, err)
	room := joined(t, reg, newGroup(), "lobby", "a", "b")
	require.Equal(t, []domain.PeerID{"ghost", "a", "b"}, room.Peers())

	n := NewBroadcaster(reg).ToRoom(room, protocol.TypeActiveSpeaker, protocol.ActiveSpeakerPush{})
	assert.Equal(t, 2, n)
	for _, id := range []domain.PeerID{"a", "b"} {
		p, err := reg.Peer(id)
		require.NoError(t, err)
		assert.Len(t, p.Conn.(*memConn).received(), 1, id)
	}
}

func TestBroadcasterToRoomWithoutMembers(t *testing.T) {
	reg := NewRegistry()
	room := joined(t, reg, newGroup(), "lobby", "a")
	_, _, err := reg.RemovePeer("a")
	require.NoError(t, err)

	assert.Zero(t, NewBroadcaster(reg).ToRoom(room, protocol.TypeActiveSpeaker, protocol.ActiveSpeakerPush{}))
}

func TestBroadcasterToOthers(t *testing.T) {
	reg := NewRegistry()
	g := newGroup()
	joined(t, reg, g, "lobby", "a", "b")
	joined(t, reg, g, "other", "c")
	out := NewBroadcaster(reg)

	a, _ := reg.Peer("a")
	b, _ := reg.Peer("b")
	c, _ := reg.Peer("c")
	n := out.ToOthers(a.Conn, "lobby", protocol.TypeNewProducer, protocol.NewProducer{ID: "p1"})
	assert.Equal(t, 1, n)
	assert.Empty(t, a.Conn.(*memConn).received())
	assert.Len(t, b.Conn.(*memConn).received(), 1)
	assert.Empty(t, c.Conn.(*memConn).received())

	assert.True(t, out.ToPeer(a.Conn, protocol.TypeConnectionSuccess, protocol.ConnectionSuccess{SocketID: "a"}))
	assert.Len(t, a.Conn.(*memConn).received(), 1)
}
