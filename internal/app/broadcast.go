package app

import (
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Broadcaster delivers server pushes. The signal transport only offers a
// "room minus me" broadcast, so every send goes out through a live peer connection.
type Broadcaster struct {
	Registry *Registry
}

func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{Registry: reg}
}

// ToPeer pushes to a single peer.
func (b *Broadcaster) ToPeer(conn core.SignalConnection, t protocol.MessageType, v any) bool {
	frame, err := protocol.EncodePush(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.broadcast").Str("type", string(t)).Msg("encode push")
		return false
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.broadcast").Str("sid", string(conn.ID())).Str("type", string(t)).Msg("push dropped")
		return false
	}
	return true
}

// ToOthers sends to every room member except origin.
func (b *Broadcaster) ToOthers(origin core.SignalConnection, room domain.RoomName, t protocol.MessageType, v any) int {
	frame, err := protocol.EncodePush(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.broadcast").Str("type", string(t)).Msg("encode push")
		return 0
	}
	n := origin.BroadcastGroup(room, frame)
	log.Debug().Str("module", "app.broadcast").Str("from", string(origin.ID())).Str("room", string(room)).Str("type", string(t)).Int("sent_to", n).Msg("broadcast result")
	return n
}

// ToRoom sends to every member including the origin, which is the first peer
// of the member sequence. Each member receives the push once.
func (b *Broadcaster) ToRoom(room *core.Room, t protocol.MessageType, v any) int {
	var origin *Peer
	for _, id := range room.Peers() {
		if p, err := b.Registry.Peer(id); err == nil {
			origin = p
			break
		}
	}
	if origin == nil {
		log.Debug().Str("module", "app.broadcast").Str("room", string(room.Name)).Str("type", string(t)).Msg("room has no live member")
		return 0
	}
	frame, err := protocol.EncodePush(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.broadcast").Str("type", string(t)).Msg("encode push")
		return 0
	}
	n := origin.Conn.BroadcastGroup(room.Name, frame)
	if err := origin.Conn.TrySend(frame); err == nil {
		n++
	}
	log.Debug().Str("module", "app.broadcast").Str("origin", string(origin.ID)).Str("room", string(room.Name)).Str("type", string(t)).Int("sent_to", n).Msg("room broadcast result")
	return n
}
