package orch

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/metrics"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
)

const (
	StateConnected    = "connected"
	StateJoined       = "joined"
	StateDisconnected = "disconnected"

	eventJoin       = "join"
	eventDisconnect = "disconnect"
)

// Session is the per-connection controller: Connected -> Joined -> Disconnected.
type Session struct {
	ID   domain.PeerID
	conn core.SignalConnection
	o    *Orchestrator

	mu    sync.Mutex
	state *fsm.FSM
	room  *core.Room
}

func (o *Orchestrator) NewSession(conn core.SignalConnection) *Session {
	s := &Session{ID: conn.ID(), conn: conn, o: o}
	s.state = fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: eventJoin, Src: []string{StateConnected}, Dst: StateJoined},
			{Name: eventDisconnect, Src: []string{StateConnected, StateJoined}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().Str("module", "orch").Str("sid", string(s.ID)).Str("from", e.Src).Str("to", e.Dst).Msg("session state")
			},
		},
	)
	return s
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Current()
}

// joinedRoom returns the room of a joined session.
func (s *Session) joinedRoom() (*core.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Is(StateJoined) {
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidState, s.state.Current())
	}
	return s.room, nil
}

// Handle dispatches one decoded request and returns the reply payload.
func (s *Session) Handle(ctx context.Context, req protocol.Request) (any, error) {
	metrics.SignalMessages.WithLabelValues(string(req.Type())).Inc()
	var (
		resp any
		err  error
	)
	switch r := req.(type) {
	case *protocol.GetPeersRequest:
		resp = s.GetPeers()
	case *protocol.JoinRoomRequest:
		resp, err = s.JoinRoom(ctx, *r)
	case *protocol.CreateWebRtcTransportRequest:
		resp, err = s.CreateWebRtcTransport(ctx, *r)
	case *protocol.TransportConnectRequest:
		err = s.TransportConnect(ctx, *r)
	case *protocol.TransportProduceRequest:
		resp, err = s.TransportProduce(ctx, *r)
	case *protocol.GetProducersRequest:
		resp = s.GetProducers()
	case *protocol.TransportRecvConnectRequest:
		err = s.TransportRecvConnect(ctx, *r)
	case *protocol.ConsumeRequest:
		resp, err = s.Consume(ctx, *r)
	case *protocol.ConsumerResumeRequest:
		err = s.ConsumerResume(ctx, *r)
	default:
		err = fmt.Errorf("%w %T", protocol.ErrUnknownType, req)
	}
	if err != nil {
		metrics.SignalErrors.WithLabelValues(string(req.Type()), protocol.ErrorKind(err)).Inc()
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(s.ID)).Str("type", string(req.Type())).Msg("request failed")
	}
	return resp, err
}
