// Package engine is an in-process media engine. It keeps the router,
// transport, producer and consumer bookkeeping of an SFU, relays RTP between
// producers and consumers and measures audio levels for the observers.
package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed        = errors.New("closed")
	ErrNoPorts       = errors.New("no free rtc port")
	ErrAlreadyCalled = errors.New("connect() already called")
)

type Config struct {
	RTCMinPort int
	RTCMaxPort int
}

// Worker owns the routers and the DTLS identity every transport advertises.
type Worker struct {
	ports        *portAllocator
	fingerprints []webrtc.DTLSFingerprint

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool

	died    chan error
	dieOnce sync.Once
}

func NewWorker(cfg Config) (*Worker, error) {
	ports, err := newPortAllocator(cfg.RTCMinPort, cfg.RTCMaxPort)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("dtls fingerprints: %w", err)
	}
	w := &Worker{
		ports:        ports,
		fingerprints: fps,
		routers:      make(map[string]*Router),
		died:         make(chan error, 1),
	}
	log.Info().Str("module", "engine").Int("rtc_min_port", cfg.RTCMinPort).Int("rtc_max_port", cfg.RTCMaxPort).Msg("worker started")
	return w, nil
}

func (w *Worker) CreateRouter(_ context.Context, codecs []core.MediaCodec) (core.MediaRouter, error) {
	rc, err := routerCodecs(codecs)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	r := newRouter(uuid.NewString(), w, rc)
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) Died() <-chan error { return w.died }

// Kill terminates the worker as if it had crashed.
func (w *Worker) Kill(cause error) {
	w.die(cause)
}

// Close shuts the worker down without reporting a death.
func (w *Worker) Close() {
	for _, r := range w.shutdown() {
		r.Close()
	}
}

func (w *Worker) die(cause error) {
	w.dieOnce.Do(func() {
		if cause == nil {
			cause = core.ErrFatal
		}
		log.Error().Err(cause).Str("module", "engine").Msg("worker died")
		w.died <- cause
		close(w.died)
		go func() {
			for _, r := range w.shutdown() {
				r.Close()
			}
		}()
	})
}

func (w *Worker) shutdown() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	out := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		out = append(out, r)
	}
	return out
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

// goSafe runs fn on its own goroutine; a panic kills the worker.
func (w *Worker) goSafe(name string, fn func()) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				w.die(fmt.Errorf("%w: %s panic: %v", core.ErrFatal, name, p))
			}
		}()
		fn()
	}()
}

// portAllocator hands out ports from [lo, hi], round robin from the last one given.
type portAllocator struct {
	mu     sync.Mutex
	lo, hi int
	next   int
	used   map[int]struct{}
}

func newPortAllocator(lo, hi int) (*portAllocator, error) {
	if lo <= 0 || hi > 65535 || lo > hi {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", lo, hi)
	}
	return &portAllocator{lo: lo, hi: hi, next: lo, used: make(map[int]struct{})}, nil
}

func (a *portAllocator) acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	span := a.hi - a.lo + 1
	for i := 0; i < span; i++ {
		p := a.lo + (a.next-a.lo+i)%span
		if _, busy := a.used[p]; busy {
			continue
		}
		a.used[p] = struct{}{}
		a.next = p + 1
		if a.next > a.hi {
			a.next = a.lo
		}
		return p, nil
	}
	return 0, ErrNoPorts
}

func (a *portAllocator) release(p int) {
	a.mu.Lock()
	delete(a.used, p)
	a.mu.Unlock()
}
