package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/pion/rtp"
)

// Consumer is an outbound copy of a producer's stream. It starts paused when
// asked to and drops packets until resumed.
type Consumer struct {
	id          domain.ConsumerID
	producer    *Producer
	transport   *Transport
	kind        domain.MediaKind
	rtpParams   json.RawMessage
	ssrc        uint32
	payloadType uint8
	appData     json.RawMessage

	mu               sync.Mutex
	paused           bool
	closed           bool
	onTransportClose []func()
	onProducerClose  []func()
	sink             func(*rtp.Packet)
	packets          uint64
}

func (c *Consumer) ID() domain.ConsumerID { return c.id }

func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }

func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) RTPParameters() json.RawMessage { return c.rtpParams }

func (c *Consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = append(c.onTransportClose, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = append(c.onProducerClose, fn)
	c.mu.Unlock()
}

// OnRTP sets where relayed packets go.
func (c *Consumer) OnRTP(fn func(*rtp.Packet)) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

func (c *Consumer) Close() {
	if c.close() {
		c.producer.removeConsumer(c.id)
		c.transport.removeConsumer(c.id)
	}
}

func (c *Consumer) producerClosed() {
	if !c.close() {
		return
	}
	c.transport.removeConsumer(c.id)
	c.fire(true)
}

func (c *Consumer) transportClosed() {
	if !c.close() {
		return
	}
	c.producer.removeConsumer(c.id)
	c.fire(false)
}

func (c *Consumer) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Consumer) fire(producerClose bool) {
	c.mu.Lock()
	src := c.onTransportClose
	if producerClose {
		src = c.onProducerClose
	}
	hs := append([]func(){}, src...)
	c.mu.Unlock()
	for _, fn := range hs {
		fn()
	}
}

// deliver rewrites the packet for this consumer's ssrc and payload type.
func (c *Consumer) deliver(pkt *rtp.Packet) {
	c.mu.Lock()
	if c.closed || c.paused {
		c.mu.Unlock()
		return
	}
	c.packets++
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	out := pkt.Clone()
	out.SSRC = c.ssrc
	out.PayloadType = c.payloadType
	sink(out)
}

// Packets is the number of packets relayed so far.
func (c *Consumer) Packets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}
