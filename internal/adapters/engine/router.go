package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Router is one media routing context: a fixed codec set plus the transports,
// producers and observers created on it.
type Router struct {
	id     string
	worker *Worker
	codecs []codec
	caps   json.RawMessage

	mu         sync.RWMutex
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
	observers  map[*AudioLevelObserver]struct{}
	closed     bool
}

func newRouter(id string, w *Worker, codecs []codec) *Router {
	caps, _ := json.Marshal(capabilitiesOf(codecs))
	return &Router{
		id:         id,
		worker:     w,
		codecs:     codecs,
		caps:       caps,
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
		observers:  make(map[*AudioLevelObserver]struct{}),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() json.RawMessage { return r.caps }

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts core.ObserverOptions) (core.AudioLevelObserver, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1
	}
	if opts.IntervalMs <= 0 {
		opts.IntervalMs = 1000
	}
	if opts.Threshold < -127 || opts.Threshold > 0 {
		return nil, fmt.Errorf("observer threshold %d outside -127..0", opts.Threshold)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	o := newAudioLevelObserver(r, opts)
	r.observers[o] = struct{}{}
	r.mu.Unlock()

	r.worker.goSafe("audio level observer", o.run)
	return o, nil
}

func (r *Router) CreateWebRtcTransport(_ context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	t, err := newTransport(domain.TransportID(uuid.NewString()), r, opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, ErrClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// CanConsume reports whether a consumer with the given capabilities can
// receive every media codec of the producer.
func (r *Router) CanConsume(producerID domain.ProducerID, raw json.RawMessage) bool {
	p := r.producer(producerID)
	if p == nil {
		return false
	}
	_, ok := r.consumerCodec(p, raw)
	return ok
}

// consumerCodec picks the first producer media codec the remote side supports,
// using the remote payload type.
func (r *Router) consumerCodec(p *Producer, raw json.RawMessage) (codec, bool) {
	var caps rtpCapabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return codec{}, false
	}
	for _, pc := range p.codecs {
		for _, rc := range caps.Codecs {
			remote := codecFromCapability(rc)
			if matchCodec(pc, remote) {
				return remote, true
			}
		}
	}
	return codec{}, false
}

// routerCodec finds the router codec matching a producer codec.
func (r *Router) routerCodec(c codec) (codec, bool) {
	for _, rc := range r.codecs {
		if matchCodec(rc, c) {
			return rc, true
		}
	}
	return codec{}, false
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
	r.worker.removeRouter(r.id)
	log.Debug().Str("module", "engine").Str("router", r.id).Msg("router closed")
}

func (r *Router) producer(id domain.ProducerID) *Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producers[id]
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()
	for _, o := range observers {
		o.removeProducer(id)
	}
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) removeObserver(o *AudioLevelObserver) {
	r.mu.Lock()
	delete(r.observers, o)
	r.mu.Unlock()
}

// observeLevel feeds one audio level sample of a producer to every observer.
func (r *Router) observeLevel(id domain.ProducerID, dBov int) {
	r.mu.RLock()
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.RUnlock()
	for _, o := range observers {
		o.observe(id, dBov)
	}
}
