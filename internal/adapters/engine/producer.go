package engine

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// Producer is an inbound media stream. Packets written to it are relayed to
// its resumed consumers.
type Producer struct {
	id           domain.ProducerID
	kind         domain.MediaKind
	owner        domain.PeerID
	appData      json.RawMessage
	codecs       []codec
	params       rtpParameters
	audioLevelID uint8
	router       *Router
	transport    *Transport

	mu               sync.Mutex
	consumers        map[domain.ConsumerID]*Consumer
	onTransportClose []func()
	closed           bool
	packets          uint64
}

func (p *Producer) ID() domain.ProducerID { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) AppData() json.RawMessage { return p.appData }

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = append(p.onTransportClose, fn)
	p.mu.Unlock()
}

// Close closes the producer. Its consumers are notified with a producer close.
func (p *Producer) Close() {
	if p.close() {
		p.transport.removeProducer(p.id)
	}
}

func (p *Producer) transportClosed() {
	p.close()
	p.mu.Lock()
	handlers := append([]func(){}, p.onTransportClose...)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (p *Producer) close() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = map[domain.ConsumerID]*Consumer{}
	p.mu.Unlock()

	p.router.removeProducer(p.id)
	for _, c := range consumers {
		c.producerClosed()
	}
	log.Debug().Str("module", "engine").Str("producer", string(p.id)).Int("consumers", len(consumers)).Msg("producer closed")
	return true
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.consumers[c.id] = c
	return nil
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// WriteRTP takes one inbound packet. Audio packets carrying the ssrc audio
// level extension feed the router's observers.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.packets++
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	if p.kind == domain.KindAudio && p.audioLevelID != 0 {
		if raw := pkt.GetExtension(p.audioLevelID); raw != nil {
			var lvl rtp.AudioLevelExtension
			if err := lvl.Unmarshal(raw); err == nil {
				p.router.observeLevel(p.id, -int(lvl.Level))
			}
		}
	}
	for _, c := range consumers {
		c.deliver(pkt)
	}
	return nil
}

// Packets is the number of packets received so far.
func (p *Producer) Packets() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packets
}
