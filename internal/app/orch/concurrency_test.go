package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (n *fakeNet) inGroup(room domain.RoomName, id domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.groups[room][id]
	return ok
}

// blockRoom parks the room queue until the returned func is called.
func blockRoom(t *testing.T, room *core.Room) func() {
	t.Helper()
	release := make(chan struct{})
	require.True(t, room.Enqueue(func() { <-release }))
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	return unblock
}

func drain(t *testing.T, room *core.Room) {
	t.Helper()
	require.NoError(t, room.Do(context.Background(), func() error { return nil }))
}

func TestJoinTimeoutLeavesNoPeer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "a", "r1")
	room := env.o.Registry.Room("r1")
	require.NotNil(t, room)

	unblock := blockRoom(t, room)
	b, _ := env.session("b")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.JoinRoom(ctx, protocol.JoinRoomRequest{RoomName: "r1", Name: "bob"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unblock()
	drain(t, room)

	_, err = env.o.Registry.Peer("b")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, []domain.PeerID{"a"}, room.Peers())
	assert.False(t, env.net.inGroup("r1", "b"))
	assert.Equal(t, StateConnected, b.State())

	// the connection can still join afterwards
	_, err = b.JoinRoom(context.Background(), protocol.JoinRoomRequest{RoomName: "r1", Name: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a", "b"}, room.Peers())
	b.Disconnect()
	_, err = env.o.Registry.Peer("b")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.False(t, env.net.inGroup("r1", "b"))
}

func TestDisconnectWhileJoinQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "a", "r1")
	room := env.o.Registry.Room("r1")
	require.NotNil(t, room)

	unblock := blockRoom(t, room)
	b, _ := env.session("b")
	done := make(chan error, 1)
	go func() {
		_, err := b.JoinRoom(context.Background(), protocol.JoinRoomRequest{RoomName: "r1", Name: "bob"})
		done <- err
	}()
	require.Eventually(t, func() bool { return room.PeerCount() == 2 }, time.Second, 5*time.Millisecond)

	b.Disconnect()
	unblock()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, core.ErrInvalidState)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return")
	}
	drain(t, room)

	_, err := env.o.Registry.Peer("b")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, []domain.PeerID{"a"}, room.Peers())
	assert.False(t, env.net.inGroup("r1", "b"))
	assert.Equal(t, StateDisconnected, b.State())
}

func TestDisconnectDuringMediaRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	const peers = 6

	sessions := make([]*Session, peers)
	producers := make([]domain.ProducerID, peers)
	for i := range sessions {
		s, _ := env.join(t, domain.PeerID(fmt.Sprintf("p%d", i)), "r1")
		sessions[i] = s
		producers[i] = produceAudio(t, s).ID
	}
	room := env.o.Registry.Room("r1")
	require.NotNil(t, room)

	var (
		mu         sync.Mutex
		transports []domain.TransportID
		consumers  []domain.ConsumerID
		wg         sync.WaitGroup
	)
	ctx := context.Background()
	for i, s := range sessions {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for k := 0; k < 10; k++ {
				resp, err := s.CreateWebRtcTransport(ctx, protocol.CreateWebRtcTransportRequest{Consumer: true})
				if err != nil {
					continue
				}
				mu.Lock()
				transports = append(transports, resp.Params.ID)
				mu.Unlock()
				_ = s.TransportRecvConnect(ctx, protocol.TransportRecvConnectRequest{
					DTLSParameters:            json.RawMessage(clientDTLS),
					ServerConsumerTransportID: resp.Params.ID,
				})
				if c, err := consume(s, resp.Params.ID, producers[(i+1)%peers], opusCapabilities); err == nil {
					mu.Lock()
					consumers = append(consumers, c.Params.ID)
					mu.Unlock()
				}
				_, _ = s.TransportProduce(ctx, protocol.TransportProduceRequest{
					Kind:          "audio",
					RTPParameters: json.RawMessage(opusRTPParameters),
				})
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * time.Millisecond)
			s.Disconnect()
		}()
	}
	wg.Wait()
	drain(t, room)
	drain(t, room)

	reg := env.o.Registry
	for _, s := range sessions {
		_, err := reg.Peer(s.ID)
		assert.ErrorIs(t, err, core.ErrNotFound)
		_, err = reg.FindSendTransport(s.ID)
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.False(t, env.net.inGroup("r1", s.ID))
	}
	for _, id := range transports {
		_, err := reg.FindReceiveTransport(id)
		assert.ErrorIs(t, err, core.ErrNotFound)
	}
	for _, id := range consumers {
		_, err := reg.FindConsumer(id)
		assert.ErrorIs(t, err, core.ErrNotFound)
	}
	assert.Zero(t, reg.ProducerCount())
	assert.Zero(t, reg.RoomProducerCount("r1"))
	assert.Empty(t, room.Peers())
}
