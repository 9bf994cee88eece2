package signal

import (
	"sync"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/rs/zerolog/log"
)

// groupMember is what the hub needs from a connection.
type groupMember interface {
	ID() domain.PeerID
	TrySend(core.Frame) error
}

// Hub keeps the transport-level room groups used for fan-out.
type Hub struct {
	mu     sync.RWMutex
	groups map[domain.RoomName]*orderedmap.OrderedMap[domain.PeerID, groupMember]
}

func NewHub() *Hub {
	return &Hub{groups: make(map[domain.RoomName]*orderedmap.OrderedMap[domain.PeerID, groupMember])}
}

func (h *Hub) join(room domain.RoomName, c groupMember) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[room]
	if !ok {
		g = orderedmap.NewOrderedMap[domain.PeerID, groupMember]()
		h.groups[room] = g
	}
	g.Set(c.ID(), c)
}

func (h *Hub) leave(room domain.RoomName, id domain.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[room]
	if !ok {
		return
	}
	g.Delete(id)
	if g.Len() == 0 {
		delete(h.groups, room)
	}
}

// broadcast sends f to every member of room except from.
func (h *Hub) broadcast(room domain.RoomName, from domain.PeerID, f core.Frame) int {
	h.mu.RLock()
	var targets []groupMember
	if g, ok := h.groups[room]; ok {
		targets = make([]groupMember, 0, g.Len())
		for el := g.Front(); el != nil; el = el.Next() {
			if el.Key != from {
				targets = append(targets, el.Value)
			}
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.TrySend(f); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.ID())).Str("room", string(room)).Msg("group send dropped")
			continue
		}
		sent++
	}
	return sent
}

// Members is the number of connections in the group of room.
func (h *Hub) Members(room domain.RoomName) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if g, ok := h.groups[room]; ok {
		return g.Len()
	}
	return 0
}
