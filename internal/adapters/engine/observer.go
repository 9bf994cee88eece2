package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
)

type levelStream struct {
	producer domain.ProducerID
	peer     domain.PeerID
	sum      int
	total    int
}

// AudioLevelObserver averages the audio levels of its producers over every
// interval. Loud producers are reported as Volumes, loudest first; the first
// interval without any is reported as Silence.
type AudioLevelObserver struct {
	router *Router
	opts   core.ObserverOptions

	mu        sync.Mutex
	streams   []*levelStream
	onVolumes func([]core.VolumeEntry)
	onSilence func()
	silent    bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newAudioLevelObserver(r *Router, opts core.ObserverOptions) *AudioLevelObserver {
	return &AudioLevelObserver{
		router: r,
		opts:   opts,
		silent: true,
		stop:   make(chan struct{}),
	}
}

func (a *AudioLevelObserver) AddProducer(id domain.ProducerID) error {
	p := a.router.producer(id)
	if p == nil {
		return core.NotFound("producer", id)
	}
	if p.kind != domain.KindAudio {
		return core.ErrIncompatible
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.streams {
		if s.producer == id {
			return nil
		}
	}
	a.streams = append(a.streams, &levelStream{producer: id, peer: p.owner})
	return nil
}

func (a *AudioLevelObserver) OnVolumes(fn func([]core.VolumeEntry)) {
	a.mu.Lock()
	a.onVolumes = fn
	a.mu.Unlock()
}

func (a *AudioLevelObserver) OnSilence(fn func()) {
	a.mu.Lock()
	a.onSilence = fn
	a.mu.Unlock()
}

func (a *AudioLevelObserver) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.router.removeObserver(a)
	})
}

func (a *AudioLevelObserver) removeProducer(id domain.ProducerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.streams {
		if s.producer == id {
			a.streams = append(a.streams[:i], a.streams[i+1:]...)
			return
		}
	}
}

func (a *AudioLevelObserver) observe(id domain.ProducerID, dBov int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.streams {
		if s.producer == id {
			s.sum += dBov
			s.total++
			return
		}
	}
}

func (a *AudioLevelObserver) run() {
	ticker := time.NewTicker(time.Duration(a.opts.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick closes one interval and emits its notification, if any.
func (a *AudioLevelObserver) tick() {
	volumes, silence := a.calc()
	a.mu.Lock()
	onVolumes, onSilence := a.onVolumes, a.onSilence
	a.mu.Unlock()
	switch {
	case len(volumes) > 0 && onVolumes != nil:
		onVolumes(volumes)
	case silence && onSilence != nil:
		onSilence()
	}
}

func (a *AudioLevelObserver) calc() ([]core.VolumeEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []core.VolumeEntry
	for _, s := range a.streams {
		if s.total > 0 {
			avg := float64(s.sum) / float64(s.total)
			if avg >= float64(a.opts.Threshold) {
				out = append(out, core.VolumeEntry{ProducerID: s.producer, PeerID: s.peer, Volume: avg})
			}
		}
		s.sum = 0
		s.total = 0
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Volume > out[j].Volume })
	if len(out) > a.opts.MaxEntries {
		out = out[:a.opts.MaxEntries]
	}

	if len(out) > 0 {
		a.silent = false
		return out, false
	}
	if a.silent {
		return nil, false
	}
	a.silent = true
	return nil, true
}
