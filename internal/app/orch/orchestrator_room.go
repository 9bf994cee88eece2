package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceRooms/internal/app"
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/rs/zerolog/log"
)

const joinAttempts = 3

// GetPeers lists the other members of the caller's room. Lookup failures
// answer an empty mapping.
func (s *Session) GetPeers() protocol.PeersResponse {
	out := protocol.PeersResponse{}
	room, err := s.joinedRoom()
	if err != nil {
		return out
	}
	for _, p := range s.o.Registry.PeersInRoom(room) {
		if p.ID == s.ID {
			continue
		}
		out[p.ID] = p.Details
	}
	return out
}

// JoinRoom creates the room on first use or attaches to the existing router
// and observer, then registers the caller as a peer with no endpoints.
func (s *Session) JoinRoom(ctx context.Context, req protocol.JoinRoomRequest) (protocol.JoinRoomResponse, error) {
	s.mu.Lock()
	canJoin := s.state.Can(eventJoin)
	s.mu.Unlock()
	if !canJoin {
		return protocol.JoinRoomResponse{}, fmt.Errorf("%w: join from %s", core.ErrInvalidState, s.State())
	}
	name, err := domain.ParseRoomName(req.RoomName)
	if err != nil {
		return protocol.JoinRoomResponse{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	details, err := domain.NewPeerDetails(req.Name)
	if err != nil {
		return protocol.JoinRoomResponse{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}

	reg := s.o.Registry
	for attempt := 0; attempt < joinAttempts; attempt++ {
		room, created, err := reg.CreateOrJoinRoom(ctx, name, s.ID, s.o.newRoom)
		if err != nil {
			return protocol.JoinRoomResponse{}, err
		}
		err = room.Do(ctx, func() error {
			return s.admit(ctx, room, name, details)
		})
		if errors.Is(err, core.ErrRoomClosed) {
			continue
		}
		if err != nil && !s.joinedTo(room) {
			s.abandonJoin(room)
			return protocol.JoinRoomResponse{}, err
		}

		log.Info().Str("module", "orch").Str("sid", string(s.ID)).Str("room", string(name)).
			Bool("created", created).Int("members", room.PeerCount()).Msg("joined room")
		return protocol.JoinRoomResponse{RTPCapabilities: room.Router.RTPCapabilities()}, nil
	}
	return protocol.JoinRoomResponse{}, fmt.Errorf("join %s: %w", name, core.ErrRoomClosed)
}

// admit registers the peer and moves the session to Joined. It runs on the
// room queue and registers nothing once ctx is done or the session has left
// Connected.
func (s *Session) admit(ctx context.Context, room *core.Room, name domain.RoomName, details domain.PeerDetails) error {
	if room.Closed() {
		return core.ErrRoomClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Can(eventJoin) {
		return fmt.Errorf("%w: join from %s", core.ErrInvalidState, s.state.Current())
	}
	if err := s.o.Registry.AddPeer(app.NewPeer(s.ID, name, details, s.conn)); err != nil {
		return err
	}
	s.conn.JoinGroup(name)
	if err := s.state.Event(context.Background(), eventJoin); err != nil {
		_, _, _ = s.o.Registry.RemovePeer(s.ID)
		s.conn.LeaveGroup(name)
		return fmt.Errorf("%w: %v", core.ErrInvalidState, err)
	}
	s.room = room
	return nil
}

// joinedTo reports whether the session completed its join into room, even if
// the caller stopped waiting for it.
func (s *Session) joinedTo(room *core.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Is(StateJoined) && s.room == room
}

// abandonJoin takes the caller out of the member sequence once the queued
// admit, if any, has run.
func (s *Session) abandonJoin(room *core.Room) {
	undo := func() {
		if s.joinedTo(room) {
			return
		}
		room.RemovePeer(s.ID)
		s.o.scheduleIdleClose(room)
	}
	if !room.Enqueue(undo) {
		undo()
	}
}

// Disconnect tears down everything the connection owns. It runs once; later
// calls are no-ops.
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasJoined := s.state.Is(StateJoined)
	room := s.room
	err := s.state.Event(context.Background(), eventDisconnect)
	s.mu.Unlock()
	if err != nil {
		return
	}
	log.Info().Str("module", "orch").Str("sid", string(s.ID)).Bool("joined", wasJoined).Msg("peer disconnected")
	if wasJoined && room != nil {
		s.o.leave(room, s.ID, s.conn)
	}
}

// leave closes every engine handle of peer, drops its records and its room
// membership. The room itself outlives its last member until the idle policy fires.
func (o *Orchestrator) leave(room *core.Room, id domain.PeerID, conn core.SignalConnection) {
	cleanup := func() error {
		owned := o.Registry.RemoveWhereOwner(id)
		closeOwned(owned)
		_, _, err := o.Registry.RemovePeer(id)
		room.RemovePeer(id)
		conn.LeaveGroup(room.Name)
		o.scheduleIdleClose(room)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.Opts.CleanupTimeout)
	defer cancel()
	err := room.Do(ctx, cleanup)
	if errors.Is(err, core.ErrRoomClosed) {
		err = cleanup()
	}
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(id)).Str("room", string(room.Name)).Msg("leave cleanup")
	}
}

func closeOwned(owned app.Owned) {
	for _, c := range owned.Consumers {
		c.Consumer.Close()
	}
	for _, p := range owned.Producers {
		p.Producer.Close()
	}
	for _, t := range owned.Transports {
		t.Transport.Close()
	}
}
