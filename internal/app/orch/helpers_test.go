package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceRooms/internal/adapters/engine"
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeNet is an in-memory signal transport with room groups.
type fakeNet struct {
	mu     sync.Mutex
	groups map[domain.RoomName]map[domain.PeerID]*fakeConn
}

func newFakeNet() *fakeNet {
	return &fakeNet{groups: make(map[domain.RoomName]map[domain.PeerID]*fakeConn)}
}

func (n *fakeNet) conn(id domain.PeerID) *fakeConn {
	return &fakeConn{id: id, net: n}
}

type fakeConn struct {
	id  domain.PeerID
	net *fakeNet

	mu     sync.Mutex
	frames []protocol.Envelope
	closed bool
}

func (c *fakeConn) ID() domain.PeerID { return c.id }

func (c *fakeConn) TrySend(f core.Frame) error {
	var env protocol.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) JoinGroup(room domain.RoomName) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	g, ok := c.net.groups[room]
	if !ok {
		g = make(map[domain.PeerID]*fakeConn)
		c.net.groups[room] = g
	}
	g[c.id] = c
}

func (c *fakeConn) LeaveGroup(room domain.RoomName) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	delete(c.net.groups[room], c.id)
}

func (c *fakeConn) BroadcastGroup(room domain.RoomName, f core.Frame) int {
	c.net.mu.Lock()
	var targets []*fakeConn
	for id, m := range c.net.groups[room] {
		if id != c.id {
			targets = append(targets, m)
		}
	}
	c.net.mu.Unlock()
	n := 0
	for _, m := range targets {
		if m.TrySend(f) == nil {
			n++
		}
	}
	return n
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// pushes returns the frames of type t received so far.
func (c *fakeConn) pushes(t protocol.MessageType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.frames {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

var testCodecs = []core.MediaCodec{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

const (
	opusRTPParameters = `{
		"mid": "0",
		"codecs": [{"mimeType": "audio/opus", "payloadType": 111, "clockRate": 48000, "channels": 2}],
		"headerExtensions": [{"uri": "urn:ietf:params:rtp-hdrext:ssrc-audio-level", "id": 1}],
		"encodings": [{"ssrc": 1111}]
	}`
	opusCapabilities = `{"codecs": [{"kind": "audio", "mimeType": "audio/opus", "preferredPayloadType": 100, "clockRate": 48000, "channels": 2}]}`
	vp8Capabilities  = `{"codecs": [{"kind": "video", "mimeType": "video/VP8", "preferredPayloadType": 101, "clockRate": 90000}]}`
	clientDTLS       = `{"role": "client", "fingerprints": [{"algorithm": "sha-256", "value": "AB:CD:EF"}]}`
)

type testEnv struct {
	o   *Orchestrator
	w   *engine.Worker
	net *fakeNet
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	w, err := engine.NewWorker(engine.Config{RTCMinPort: 41000, RTCMaxPort: 41200})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	opts := Options{
		Codecs: testCodecs,
		Transport: core.TransportOptions{
			ListenIPs: []core.ListenIP{{IP: "0.0.0.0", AnnouncedIP: "127.0.0.1"}},
			EnableUDP: true,
			EnableTCP: true,
			PreferUDP: true,
		},
		Observer:       core.ObserverOptions{MaxEntries: 1, Threshold: -80, IntervalMs: 10000},
		CleanupTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &testEnv{o: NewOrchestrator(w, opts), w: w, net: newFakeNet()}
}

func (e *testEnv) session(id domain.PeerID) (*Session, *fakeConn) {
	conn := e.net.conn(id)
	return e.o.NewSession(conn), conn
}

func (e *testEnv) join(t *testing.T, id domain.PeerID, room string) (*Session, *fakeConn) {
	t.Helper()
	s, conn := e.session(id)
	_, err := s.JoinRoom(context.Background(), protocol.JoinRoomRequest{RoomName: room, Name: string(id) + "-name"})
	require.NoError(t, err)
	return s, conn
}

func produceAudio(t *testing.T, s *Session) protocol.TransportProduceResponse {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateWebRtcTransport(ctx, protocol.CreateWebRtcTransportRequest{})
	require.NoError(t, err)
	require.NoError(t, s.TransportConnect(ctx, protocol.TransportConnectRequest{DTLSParameters: json.RawMessage(clientDTLS)}))
	resp, err := s.TransportProduce(ctx, protocol.TransportProduceRequest{
		Kind:          "audio",
		RTPParameters: json.RawMessage(opusRTPParameters),
		AppData:       json.RawMessage(`{"source":"mic"}`),
	})
	require.NoError(t, err)
	return resp
}

func recvTransport(t *testing.T, s *Session) domain.TransportID {
	t.Helper()
	ctx := context.Background()
	resp, err := s.CreateWebRtcTransport(ctx, protocol.CreateWebRtcTransportRequest{Consumer: true})
	require.NoError(t, err)
	require.NoError(t, s.TransportRecvConnect(ctx, protocol.TransportRecvConnectRequest{
		DTLSParameters:            json.RawMessage(clientDTLS),
		ServerConsumerTransportID: resp.Params.ID,
	}))
	return resp.Params.ID
}

func consume(s *Session, transport domain.TransportID, producer domain.ProducerID, caps string) (protocol.ConsumeResponse, error) {
	return s.Consume(context.Background(), protocol.ConsumeRequest{
		RTPCapabilities:           json.RawMessage(caps),
		RemoteProducerID:          producer,
		ServerConsumerTransportID: transport,
	})
}
