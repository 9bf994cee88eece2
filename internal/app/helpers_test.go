package app

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
)

type group struct {
	mu      sync.Mutex
	members map[domain.RoomName]map[domain.PeerID]*memConn
}

func newGroup() *group {
	return &group{members: make(map[domain.RoomName]map[domain.PeerID]*memConn)}
}

type memConn struct {
	id domain.PeerID
	g  *group

	mu     sync.Mutex
	frames []protocol.Envelope
}

func (g *group) conn(id domain.PeerID) *memConn { return &memConn{id: id, g: g} }

func (c *memConn) ID() domain.PeerID { return c.id }

func (c *memConn) TrySend(f core.Frame) error {
	var env protocol.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return nil
}

func (c *memConn) JoinGroup(room domain.RoomName) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if c.g.members[room] == nil {
		c.g.members[room] = make(map[domain.PeerID]*memConn)
	}
	c.g.members[room][c.id] = c
}

func (c *memConn) LeaveGroup(room domain.RoomName) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	delete(c.g.members[room], c.id)
}

func (c *memConn) BroadcastGroup(room domain.RoomName, f core.Frame) int {
	c.g.mu.Lock()
	var targets []*memConn
	for id, m := range c.g.members[room] {
		if id != c.id {
			targets = append(targets, m)
		}
	}
	c.g.mu.Unlock()
	n := 0
	for _, m := range targets {
		if m.TrySend(f) == nil {
			n++
		}
	}
	return n
}

func (c *memConn) Close() {}

func (c *memConn) received() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.frames...)
}

type stubProducer struct {
	core.MediaProducer
	id   domain.ProducerID
	kind domain.MediaKind
}

func (p stubProducer) ID() domain.ProducerID  { return p.id }
func (p stubProducer) Kind() domain.MediaKind { return p.kind }

func producerRecord(id domain.ProducerID, owner domain.PeerID, room domain.RoomName) *ProducerRecord {
	return &ProducerRecord{
		ID:       id,
		Owner:    owner,
		Room:     room,
		Producer: stubProducer{id: id, kind: domain.KindAudio},
	}
}
