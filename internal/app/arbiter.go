package app

import (
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/metrics"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Arbiter decides the active speaker of one room from observer events.
// Its methods must run on the room queue.
type Arbiter struct {
	room *core.Room
	out  *Broadcaster
}

func NewArbiter(room *core.Room, out *Broadcaster) *Arbiter {
	return &Arbiter{room: room, out: out}
}

// Subscribe hooks the room observer up. Notifications are moved onto the room
// queue, so the observer never waits on the room.
func (a *Arbiter) Subscribe(obs core.AudioLevelObserver) {
	obs.OnVolumes(func(v []core.VolumeEntry) {
		a.room.Enqueue(func() { a.OnVolumes(v) })
	})
	obs.OnSilence(func() {
		a.room.Enqueue(a.OnSilence)
	})
}

// OnVolumes switches to the loudest entry when both its peer and its producer
// differ from the current speaker. A peer alternating between its own audio
// producers keeps the floor without a new broadcast.
func (a *Arbiter) OnVolumes(volumes []core.VolumeEntry) {
	if len(volumes) == 0 {
		return
	}
	top := volumes[0]
	s := &a.room.Speaker
	changed := s.IsIdle() ||
		(*s.PeerID != top.PeerID && *s.ProducerID != top.ProducerID)
	s.SetVolume(top.Volume)
	if !changed {
		return
	}
	s.Set(top.ProducerID, top.PeerID)
	log.Debug().Str("module", "app.arbiter").Str("room", string(a.room.Name)).
		Str("producer", string(top.ProducerID)).Str("peer", string(top.PeerID)).
		Float64("volume", top.Volume).Msg("active speaker changed")
	a.broadcast()
}

func (a *Arbiter) OnSilence() {
	if a.room.Speaker.IsIdle() {
		return
	}
	a.room.Speaker.Clear()
	log.Debug().Str("module", "app.arbiter").Str("room", string(a.room.Name)).Msg("active speaker cleared")
	a.broadcast()
}

func (a *Arbiter) broadcast() {
	metrics.ActiveSpeakerChanges.Inc()
	a.out.ToRoom(a.room, protocol.TypeActiveSpeaker, protocol.ActiveSpeakerPush{ActiveSpeaker: a.room.Speaker})
}
