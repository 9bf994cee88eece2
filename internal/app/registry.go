package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/metrics"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Peer is one joined participant. ID, Room, Details and Conn never change
// after registration; the owned id sets are guarded by the registry.
type Peer struct {
	ID      domain.PeerID
	Room    domain.RoomName
	Details domain.PeerDetails
	Conn    core.SignalConnection

	transports *orderedmap.OrderedMap[domain.TransportID, struct{}]
	producers  *orderedmap.OrderedMap[domain.ProducerID, struct{}]
	consumers  *orderedmap.OrderedMap[domain.ConsumerID, struct{}]
}

func NewPeer(id domain.PeerID, room domain.RoomName, details domain.PeerDetails, conn core.SignalConnection) *Peer {
	return &Peer{
		ID:         id,
		Room:       room,
		Details:    details,
		Conn:       conn,
		transports: orderedmap.NewOrderedMap[domain.TransportID, struct{}](),
		producers:  orderedmap.NewOrderedMap[domain.ProducerID, struct{}](),
		consumers:  orderedmap.NewOrderedMap[domain.ConsumerID, struct{}](),
	}
}

type TransportRecord struct {
	ID        domain.TransportID
	Owner     domain.PeerID
	Room      domain.RoomName
	Role      domain.TransportRole
	Transport core.MediaTransport
}

type ProducerRecord struct {
	ID       domain.ProducerID
	Owner    domain.PeerID
	Room     domain.RoomName
	Producer core.MediaProducer
}

type ConsumerRecord struct {
	ID        domain.ConsumerID
	Owner     domain.PeerID
	Room      domain.RoomName
	Transport domain.TransportID
	Consumer  core.MediaConsumer
}

// Owned is everything a peer holds, in creation order.
type Owned struct {
	Transports []*TransportRecord
	Producers  []*ProducerRecord
	Consumers  []*ConsumerRecord
}

// RoomFactory builds a room with its router and observer. It is called at
// most once per room name at a time.
type RoomFactory func(ctx context.Context, name domain.RoomName) (*core.Room, error)

// Registry is the process-wide entity store: primary maps by id plus
// secondary indices by owner and room.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[domain.RoomName]*core.Room
	peers      map[domain.PeerID]*Peer
	transports map[domain.TransportID]*TransportRecord
	producers  map[domain.ProducerID]*ProducerRecord
	consumers  map[domain.ConsumerID]*ConsumerRecord

	sendTransports map[domain.PeerID]domain.TransportID
	roomProducers  map[domain.RoomName]*orderedmap.OrderedMap[domain.ProducerID, struct{}]

	creating singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:          make(map[domain.RoomName]*core.Room),
		peers:          make(map[domain.PeerID]*Peer),
		transports:     make(map[domain.TransportID]*TransportRecord),
		producers:      make(map[domain.ProducerID]*ProducerRecord),
		consumers:      make(map[domain.ConsumerID]*ConsumerRecord),
		sendTransports: make(map[domain.PeerID]domain.TransportID),
		roomProducers:  make(map[domain.RoomName]*orderedmap.OrderedMap[domain.ProducerID, struct{}]),
	}
}

// CreateOrJoinRoom returns the live room called name, building it through
// factory when missing, and appends peerID to its member sequence.
// Concurrent callers for a missing room share one factory call.
func (r *Registry) CreateOrJoinRoom(ctx context.Context, name domain.RoomName, peerID domain.PeerID, factory RoomFactory) (*core.Room, bool, error) {
	room := r.Room(name)
	created := false
	if room == nil {
		v, err, _ := r.creating.Do(string(name), func() (any, error) {
			if existing := r.Room(name); existing != nil {
				return existing, nil
			}
			nr, err := factory(ctx, name)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			r.rooms[name] = nr
			r.mu.Unlock()
			metrics.Rooms.Inc()
			created = true
			log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("room created")
			return nr, nil
		})
		if err != nil {
			return nil, false, err
		}
		room = v.(*core.Room)
	}
	room.AddPeer(peerID)
	return room, created, nil
}

// Room returns the live room called name or nil.
func (r *Registry) Room(name domain.RoomName) *core.Room {
	r.mu.RLock()
	room, ok := r.rooms[name]
	r.mu.RUnlock()
	if !ok || room.Closed() {
		return nil
	}
	return room
}

// RemoveRoom drops name only while it still maps to room.
func (r *Registry) RemoveRoom(name domain.RoomName, room *core.Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[name]; !ok || cur != room {
		return false
	}
	delete(r.rooms, name)
	delete(r.roomProducers, name)
	metrics.Rooms.Dec()
	log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("room removed")
	return true
}

func (r *Registry) AddPeer(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[p.Room]; !ok {
		return core.NotFound("room", p.Room)
	}
	if _, ok := r.peers[p.ID]; ok {
		return fmt.Errorf("peer %s already registered: %w", p.ID, core.ErrInvalidState)
	}
	r.peers[p.ID] = p
	metrics.Peers.Inc()
	log.Info().Str("module", "app.registry").Str("sid", string(p.ID)).Str("room", string(p.Room)).Msg("peer added")
	return nil
}

func (r *Registry) Peer(id domain.PeerID) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, core.NotFound("peer", id)
	}
	return p, nil
}

// RemoveWhereOwner drops every transport, producer and consumer owned by id
// and returns them. Engine handles are not closed here.
func (r *Registry) RemoveWhereOwner(id domain.PeerID) Owned {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeWhereOwnerLocked(id)
}

func (r *Registry) removeWhereOwnerLocked(id domain.PeerID) Owned {
	var out Owned
	p, ok := r.peers[id]
	if !ok {
		return out
	}
	for _, cid := range p.consumers.Keys() {
		if c := r.removeConsumerLocked(cid); c != nil {
			out.Consumers = append(out.Consumers, c)
		}
	}
	for _, pid := range p.producers.Keys() {
		if pr := r.removeProducerLocked(pid); pr != nil {
			out.Producers = append(out.Producers, pr)
		}
	}
	for _, tid := range p.transports.Keys() {
		if t := r.removeTransportLocked(tid); t != nil {
			out.Transports = append(out.Transports, t)
		}
	}
	return out
}

// RemovePeer cascades owner cleanup, unregisters the peer and takes it out of
// its room's member sequence. The room itself stays registered.
func (r *Registry) RemovePeer(id domain.PeerID) (*Peer, Owned, error) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return nil, Owned{}, core.NotFound("peer", id)
	}
	owned := r.removeWhereOwnerLocked(id)
	delete(r.peers, id)
	room := r.rooms[p.Room]
	r.mu.Unlock()

	if room != nil {
		room.RemovePeer(id)
	}
	metrics.Peers.Dec()
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("room", string(p.Room)).Msg("peer removed")
	return p, owned, nil
}

// PeersInRoom returns the registered peers of room in member order.
func (r *Registry) PeersInRoom(room *core.Room) []*Peer {
	ids := room.Peers()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.peers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// AddTransport registers t. A peer holds at most one send transport.
func (r *Registry) AddTransport(t *TransportRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[t.Owner]
	if !ok {
		return core.NotFound("peer", t.Owner)
	}
	if t.Role == domain.RoleSend {
		if _, exists := r.sendTransports[t.Owner]; exists {
			return fmt.Errorf("peer %s already has a send transport: %w", t.Owner, core.ErrInvalidState)
		}
		r.sendTransports[t.Owner] = t.ID
	}
	r.transports[t.ID] = t
	p.transports.Set(t.ID, struct{}{})
	metrics.Transports.WithLabelValues(t.Role.String()).Inc()
	return nil
}

// FindSendTransport fails with ErrNotFound when the peer has not created one
// yet, which means the client sent messages out of order.
func (r *Registry) FindSendTransport(owner domain.PeerID) (*TransportRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sendTransports[owner]
	if !ok {
		return nil, core.NotFound("send transport of peer", owner)
	}
	return r.transports[id], nil
}

func (r *Registry) FindReceiveTransport(id domain.TransportID) (*TransportRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	if !ok || t.Role != domain.RoleReceive {
		return nil, core.NotFound("receive transport", id)
	}
	return t, nil
}

func (r *Registry) RemoveTransport(id domain.TransportID) *TransportRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeTransportLocked(id)
}

func (r *Registry) removeTransportLocked(id domain.TransportID) *TransportRecord {
	t, ok := r.transports[id]
	if !ok {
		return nil
	}
	delete(r.transports, id)
	if t.Role == domain.RoleSend && r.sendTransports[t.Owner] == id {
		delete(r.sendTransports, t.Owner)
	}
	if p, ok := r.peers[t.Owner]; ok {
		p.transports.Delete(id)
	}
	metrics.Transports.WithLabelValues(t.Role.String()).Dec()
	return t
}

func (r *Registry) AddProducer(pr *ProducerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[pr.Owner]
	if !ok {
		return core.NotFound("peer", pr.Owner)
	}
	r.producers[pr.ID] = pr
	p.producers.Set(pr.ID, struct{}{})
	idx, ok := r.roomProducers[pr.Room]
	if !ok {
		idx = orderedmap.NewOrderedMap[domain.ProducerID, struct{}]()
		r.roomProducers[pr.Room] = idx
	}
	idx.Set(pr.ID, struct{}{})
	metrics.Producers.WithLabelValues(string(pr.Producer.Kind())).Inc()
	return nil
}

func (r *Registry) Producer(id domain.ProducerID) (*ProducerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pr, ok := r.producers[id]
	if !ok {
		return nil, core.NotFound("producer", id)
	}
	return pr, nil
}

// ListProducersExcept returns the producers of room not owned by peer, in
// creation order.
func (r *Registry) ListProducersExcept(room domain.RoomName, peer domain.PeerID) []*ProducerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.roomProducers[room]
	if !ok {
		return nil
	}
	out := make([]*ProducerRecord, 0, idx.Len())
	for el := idx.Front(); el != nil; el = el.Next() {
		pr := r.producers[el.Key]
		if pr == nil || pr.Owner == peer {
			continue
		}
		out = append(out, pr)
	}
	return out
}

func (r *Registry) RoomProducerCount(room domain.RoomName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.roomProducers[room]; ok {
		return idx.Len()
	}
	return 0
}

// ProducerCount counts producers process-wide.
func (r *Registry) ProducerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producers)
}

func (r *Registry) RemoveProducer(id domain.ProducerID) *ProducerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeProducerLocked(id)
}

func (r *Registry) removeProducerLocked(id domain.ProducerID) *ProducerRecord {
	pr, ok := r.producers[id]
	if !ok {
		return nil
	}
	delete(r.producers, id)
	if idx, ok := r.roomProducers[pr.Room]; ok {
		idx.Delete(id)
	}
	if p, ok := r.peers[pr.Owner]; ok {
		p.producers.Delete(id)
	}
	metrics.Producers.WithLabelValues(string(pr.Producer.Kind())).Dec()
	return pr
}

func (r *Registry) AddConsumer(c *ConsumerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[c.Owner]
	if !ok {
		return core.NotFound("peer", c.Owner)
	}
	r.consumers[c.ID] = c
	p.consumers.Set(c.ID, struct{}{})
	metrics.Consumers.Inc()
	return nil
}

func (r *Registry) FindConsumer(id domain.ConsumerID) (*ConsumerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	if !ok {
		return nil, core.NotFound("consumer", id)
	}
	return c, nil
}

func (r *Registry) RemoveConsumer(id domain.ConsumerID) *ConsumerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeConsumerLocked(id)
}

func (r *Registry) removeConsumerLocked(id domain.ConsumerID) *ConsumerRecord {
	c, ok := r.consumers[id]
	if !ok {
		return nil
	}
	delete(r.consumers, id)
	if p, ok := r.peers[c.Owner]; ok {
		p.consumers.Delete(id)
	}
	metrics.Consumers.Dec()
	return c
}
