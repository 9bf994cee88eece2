package core

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"
)

// Room is a named call scope. It owns the router and the audio-level observer
// and runs every state change of the call on one goroutine, in submit order.
type Room struct {
	Name     domain.RoomName
	Router   MediaRouter
	Observer AudioLevelObserver

	// Speaker is only touched from the room queue.
	Speaker domain.ActiveSpeaker

	mu        sync.Mutex
	peers     *orderedmap.OrderedMap[domain.PeerID, struct{}]
	ops       *deque.Deque[func()]
	wake      chan struct{}
	closed    bool
	done      chan struct{}
	idleTimer *time.Timer
}

func NewRoom(name domain.RoomName, router MediaRouter, observer AudioLevelObserver) *Room {
	r := &Room{
		Name:     name,
		Router:   router,
		Observer: observer,
		peers:    orderedmap.NewOrderedMap[domain.PeerID, struct{}](),
		ops:      deque.New[func()](),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		if r.ops.Len() > 0 {
			op := r.ops.PopFront()
			r.mu.Unlock()
			r.exec(op)
			continue
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		<-r.wake
	}
}

func (r *Room) exec(op func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("module", "core.room").Str("room", string(r.Name)).Interface("panic", p).Msg("room op panicked")
		}
	}()
	op()
}

// Enqueue schedules op on the room queue without waiting. It reports false
// once the room is closed.
func (r *Room) Enqueue(op func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.ops.PushBack(op)
	r.mu.Unlock()
	r.signal()
	return true
}

// Do runs fn on the room queue and waits for its result. It must not be
// called from the queue itself.
func (r *Room) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !r.Enqueue(func() { res <- fn() }) {
		return ErrRoomClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting ops, lets the queued ones drain, then releases the
// observer and the router.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	r.ops.PushBack(func() {
		if r.Observer != nil {
			r.Observer.Close()
		}
		if r.Router != nil {
			r.Router.Close()
		}
		log.Info().Str("module", "core.room").Str("room", string(r.Name)).Msg("room closed")
	})
	r.mu.Unlock()
	r.signal()
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Done is closed when the queue goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// AddPeer appends id to the member sequence. Re-adding keeps the original position.
func (r *Room) AddPeer(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers.Set(id, struct{}{})
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

// RemovePeer drops id and returns how many members are left.
func (r *Room) RemovePeer(id domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers.Delete(id)
	return r.peers.Len()
}

// Peers returns the members in join order.
func (r *Room) Peers() []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers.Keys()
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers.Len()
}

// ScheduleIdleClose arms fn to fire after ttl unless a peer joins first.
func (r *Room) ScheduleIdleClose(ttl time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(ttl, fn)
}
