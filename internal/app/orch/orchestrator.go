package orch

import (
	"context"
	"time"

	"github.com/dkeye/VoiceRooms/internal/app"
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Codecs    []core.MediaCodec
	Transport core.TransportOptions
	Observer  core.ObserverOptions
	// EmptyRoomTTL closes a room that stayed without members this long.
	// Zero keeps empty rooms forever.
	EmptyRoomTTL time.Duration
	// CleanupTimeout bounds the disconnect cleanup.
	CleanupTimeout time.Duration
}

// Orchestrator is the state shared by every signaling session.
type Orchestrator struct {
	Registry    *app.Registry
	Broadcaster *app.Broadcaster
	Worker      core.MediaWorker
	Opts        Options
}

func NewOrchestrator(worker core.MediaWorker, opts Options) *Orchestrator {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 10 * time.Second
	}
	reg := app.NewRegistry()
	return &Orchestrator{
		Registry:    reg,
		Broadcaster: app.NewBroadcaster(reg),
		Worker:      worker,
		Opts:        opts,
	}
}

// newRoom creates the router and observer of a room and wires the arbiter.
func (o *Orchestrator) newRoom(ctx context.Context, name domain.RoomName) (*core.Room, error) {
	router, err := o.Worker.CreateRouter(ctx, o.Opts.Codecs)
	if err != nil {
		return nil, core.EngineError("create router", err)
	}
	obs, err := router.CreateAudioLevelObserver(ctx, o.Opts.Observer)
	if err != nil {
		router.Close()
		return nil, core.EngineError("create audio level observer", err)
	}
	room := core.NewRoom(name, router, obs)
	app.NewArbiter(room, o.Broadcaster).Subscribe(obs)
	log.Info().Str("module", "orch").Str("room", string(name)).Str("router", router.ID()).Msg("router created")
	return room, nil
}

// scheduleIdleClose arms the empty-room policy for room.
func (o *Orchestrator) scheduleIdleClose(room *core.Room) {
	if o.Opts.EmptyRoomTTL <= 0 || room.PeerCount() > 0 {
		return
	}
	room.ScheduleIdleClose(o.Opts.EmptyRoomTTL, func() {
		room.Enqueue(func() {
			if room.PeerCount() > 0 {
				return
			}
			if o.Registry.RemoveRoom(room.Name, room) {
				room.Close()
			}
		})
	})
}
