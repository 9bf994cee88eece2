package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCodecs = []core.MediaCodec{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

var testTransportOpts = core.TransportOptions{
	ListenIPs: []core.ListenIP{{IP: "0.0.0.0", AnnouncedIP: "127.0.0.1"}},
	EnableUDP: true,
	EnableTCP: true,
	PreferUDP: true,
}

const opusProduceParams = `{
	"mid": "0",
	"codecs": [{"mimeType": "audio/opus", "payloadType": 111, "clockRate": 48000, "channels": 2}],
	"headerExtensions": [{"uri": "urn:ietf:params:rtp-hdrext:ssrc-audio-level", "id": 1}],
	"encodings": [{"ssrc": 1111}]
}`

const opusCaps = `{"codecs": [{"kind": "audio", "mimeType": "audio/opus", "preferredPayloadType": 100, "clockRate": 48000, "channels": 2}]}`

const vp8OnlyCaps = `{"codecs": [{"kind": "video", "mimeType": "video/VP8", "preferredPayloadType": 101, "clockRate": 90000}]}`

const remoteDTLS = `{"role": "client", "fingerprints": [{"algorithm": "sha-256", "value": "AB:CD"}]}`

func newTestRouter(t *testing.T, lo, hi int) (*Worker, *Router) {
	t.Helper()
	w, err := NewWorker(Config{RTCMinPort: lo, RTCMaxPort: hi})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	r, err := w.CreateRouter(context.Background(), testCodecs)
	require.NoError(t, err)
	return w, r.(*Router)
}

func newTestTransport(t *testing.T, r *Router) *Transport {
	t.Helper()
	tr, err := r.CreateWebRtcTransport(context.Background(), testTransportOpts)
	require.NoError(t, err)
	return tr.(*Transport)
}

func produceOpus(t *testing.T, tr *Transport, owner domain.PeerID) *Producer {
	t.Helper()
	p, err := tr.Produce(context.Background(), core.ProduceOptions{
		Kind:          domain.KindAudio,
		RTPParameters: json.RawMessage(opusProduceParams),
		Owner:         owner,
	})
	require.NoError(t, err)
	return p.(*Producer)
}

func TestRouterCapabilities(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)

	var caps rtpCapabilities
	require.NoError(t, json.Unmarshal(r.RTPCapabilities(), &caps))
	require.Len(t, caps.Codecs, 2)
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)

	var uris []string
	for _, ext := range caps.HeaderExtensions {
		uris = append(uris, ext.URI)
	}
	assert.Contains(t, uris, AudioLevelURI)
}

func TestCreateRouterRejectsBadCodecs(t *testing.T) {
	w, err := NewWorker(Config{RTCMinPort: 40000, RTCMaxPort: 40001})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.CreateRouter(context.Background(), nil)
	assert.Error(t, err)
	_, err = w.CreateRouter(context.Background(), []core.MediaCodec{{Kind: domain.KindAudio, MimeType: "video/VP8", ClockRate: 90000}})
	assert.Error(t, err)
}

func TestTransportParams(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	tr := newTestTransport(t, r)

	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)

	var ice struct {
		UsernameFragment string `json:"usernameFragment"`
		Password         string `json:"password"`
		ICELite          bool   `json:"iceLite"`
	}
	require.NoError(t, json.Unmarshal(params.ICEParameters, &ice))
	assert.Len(t, ice.UsernameFragment, iceUfragLength)
	assert.Len(t, ice.Password, icePwdLength)
	assert.True(t, ice.ICELite)

	var cands []iceCandidate
	require.NoError(t, json.Unmarshal(params.ICECandidates, &cands))
	require.Len(t, cands, 2)
	assert.Equal(t, "udp", cands[0].Protocol)
	assert.Equal(t, "127.0.0.1", cands[0].IP)
	assert.Greater(t, cands[0].Priority, cands[1].Priority)

	var dtls dtlsParameters
	require.NoError(t, json.Unmarshal(params.DTLSParameters, &dtls))
	assert.Equal(t, "auto", dtls.Role)
	assert.NotEmpty(t, dtls.Fingerprints)
}

func TestTransportConnect(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	tr := newTestTransport(t, r)
	ctx := context.Background()

	assert.Error(t, tr.Connect(ctx, json.RawMessage(`{"role":"client","fingerprints":[]}`)))
	assert.Error(t, tr.Connect(ctx, json.RawMessage(`{"role":"client","fingerprints":[{"algorithm":"md5","value":"AA"}]}`)))
	require.NoError(t, tr.Connect(ctx, json.RawMessage(remoteDTLS)))
	assert.ErrorIs(t, tr.Connect(ctx, json.RawMessage(remoteDTLS)), ErrAlreadyCalled)

	tr.Close()
	other := newTestTransport(t, r)
	other.Close()
	assert.ErrorIs(t, other.Connect(ctx, json.RawMessage(remoteDTLS)), ErrClosed)
}

func TestProduceRejectsUnknownCodec(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	tr := newTestTransport(t, r)

	_, err := tr.Produce(context.Background(), core.ProduceOptions{
		Kind:          domain.KindAudio,
		RTPParameters: json.RawMessage(`{"codecs":[{"mimeType":"audio/PCMU","payloadType":0,"clockRate":8000}]}`),
	})
	assert.Error(t, err)

	_, err = tr.Produce(context.Background(), core.ProduceOptions{
		Kind:          domain.KindVideo,
		RTPParameters: json.RawMessage(opusProduceParams),
	})
	assert.Error(t, err)
}

func TestCanConsume(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	p := produceOpus(t, newTestTransport(t, r), "a")

	assert.True(t, r.CanConsume(p.ID(), json.RawMessage(opusCaps)))
	assert.False(t, r.CanConsume(p.ID(), json.RawMessage(vp8OnlyCaps)))
	assert.False(t, r.CanConsume(p.ID(), json.RawMessage(`not json`)))
	assert.False(t, r.CanConsume("missing", json.RawMessage(opusCaps)))
}

func TestConsume(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	p := produceOpus(t, newTestTransport(t, r), "a")
	recv := newTestTransport(t, r)
	ctx := context.Background()

	_, err := recv.Consume(ctx, core.ConsumeOptions{ProducerID: p.ID(), RTPCapabilities: json.RawMessage(vp8OnlyCaps)})
	assert.ErrorIs(t, err, core.ErrIncompatible)

	_, err = recv.Consume(ctx, core.ConsumeOptions{ProducerID: "missing", RTPCapabilities: json.RawMessage(opusCaps)})
	assert.ErrorIs(t, err, core.ErrNotFound)

	mc, err := recv.Consume(ctx, core.ConsumeOptions{ProducerID: p.ID(), RTPCapabilities: json.RawMessage(opusCaps), Paused: true})
	require.NoError(t, err)
	c := mc.(*Consumer)
	assert.Equal(t, p.ID(), c.ProducerID())
	assert.Equal(t, domain.KindAudio, c.Kind())
	assert.True(t, c.Paused())

	var params rtpParameters
	require.NoError(t, json.Unmarshal(c.RTPParameters(), &params))
	require.Len(t, params.Codecs, 1)
	assert.Equal(t, uint8(100), params.Codecs[0].PayloadType)
	require.Len(t, params.Encodings, 1)
	assert.Equal(t, c.ssrc, params.Encodings[0].SSRC)

	require.NoError(t, c.Resume(ctx))
	assert.False(t, c.Paused())
}

func TestProducerCloseNotifiesConsumers(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	p := produceOpus(t, newTestTransport(t, r), "a")
	recv := newTestTransport(t, r)

	mc, err := recv.Consume(context.Background(), core.ConsumeOptions{ProducerID: p.ID(), RTPCapabilities: json.RawMessage(opusCaps)})
	require.NoError(t, err)
	var producerClosed, transportClosed int
	mc.OnProducerClose(func() { producerClosed++ })
	mc.OnTransportClose(func() { transportClosed++ })

	p.Close()
	p.Close()
	assert.Equal(t, 1, producerClosed)
	assert.Nil(t, r.producer(p.ID()))

	recv.Close()
	assert.Equal(t, 0, transportClosed)
}

func TestTransportCloseCascade(t *testing.T) {
	w, r := newTestRouter(t, 40000, 40000)
	send := newTestTransport(t, r)
	p := produceOpus(t, send, "a")

	var producerTransportClosed int
	p.OnTransportClose(func() { producerTransportClosed++ })

	// The only port is taken by send.
	_, err := r.CreateWebRtcTransport(context.Background(), testTransportOpts)
	assert.ErrorIs(t, err, ErrNoPorts)

	send.Close()
	assert.Equal(t, 1, producerTransportClosed)
	assert.Nil(t, r.producer(p.ID()))

	_, err = w.ports.acquire()
	assert.NoError(t, err)
}

func TestConsumerTransportClose(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	p := produceOpus(t, newTestTransport(t, r), "a")
	recv := newTestTransport(t, r)

	mc, err := recv.Consume(context.Background(), core.ConsumeOptions{ProducerID: p.ID(), RTPCapabilities: json.RawMessage(opusCaps)})
	require.NoError(t, err)
	var closed int
	mc.OnTransportClose(func() { closed++ })

	recv.Close()
	assert.Equal(t, 1, closed)
	p.mu.Lock()
	assert.Empty(t, p.consumers)
	p.mu.Unlock()
}

func audioPacket(t *testing.T, extID uint8, level uint8) *rtp.Packet {
	t.Helper()
	payload, err := rtp.AudioLevelExtension{Level: level, Voice: true}.Marshal()
	require.NoError(t, err)
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1, SSRC: 1111},
		Payload: []byte{0x01, 0x02},
	}
	require.NoError(t, pkt.SetExtension(extID, payload))
	return pkt
}

func TestWriteRTPRelaysToResumedConsumers(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	p := produceOpus(t, newTestTransport(t, r), "a")
	recv := newTestTransport(t, r)
	ctx := context.Background()

	mc, err := recv.Consume(ctx, core.ConsumeOptions{ProducerID: p.ID(), RTPCapabilities: json.RawMessage(opusCaps), Paused: true})
	require.NoError(t, err)
	c := mc.(*Consumer)
	var got []*rtp.Packet
	c.OnRTP(func(pkt *rtp.Packet) { got = append(got, pkt) })

	require.NoError(t, p.WriteRTP(audioPacket(t, 1, 30)))
	assert.Empty(t, got)

	require.NoError(t, c.Resume(ctx))
	require.NoError(t, p.WriteRTP(audioPacket(t, 1, 30)))
	require.Len(t, got, 1)
	assert.Equal(t, c.ssrc, got[0].SSRC)
	assert.Equal(t, uint8(100), got[0].PayloadType)
	assert.Equal(t, uint64(2), p.Packets())
	assert.Equal(t, uint64(1), c.Packets())

	p.Close()
	assert.ErrorIs(t, p.WriteRTP(audioPacket(t, 1, 30)), ErrClosed)
}

func TestObserverCalc(t *testing.T) {
	tests := []struct {
		name        string
		streams     []*levelStream
		silent      bool
		maxEntries  int
		wantVolumes []core.VolumeEntry
		wantSilence bool
	}{
		{
			name: "loudest first, capped",
			streams: []*levelStream{
				{producer: "p1", peer: "a", sum: -120, total: 3},
				{producer: "p2", peer: "b", sum: -30, total: 3},
				{producer: "p3", peer: "c", sum: -60, total: 3},
			},
			silent:      true,
			maxEntries:  2,
			wantVolumes: []core.VolumeEntry{{ProducerID: "p2", PeerID: "b", Volume: -10}, {ProducerID: "p3", PeerID: "c", Volume: -20}},
		},
		{
			name:        "below threshold after speech is silence",
			streams:     []*levelStream{{producer: "p1", peer: "a", sum: -270, total: 3}},
			silent:      false,
			maxEntries:  1,
			wantSilence: true,
		},
		{
			name:       "silence is reported once",
			streams:    []*levelStream{{producer: "p1", peer: "a"}},
			silent:     true,
			maxEntries: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AudioLevelObserver{
				opts:    core.ObserverOptions{MaxEntries: tt.maxEntries, Threshold: -80, IntervalMs: 800},
				streams: tt.streams,
				silent:  tt.silent,
			}
			volumes, silence := a.calc()
			assert.Equal(t, tt.wantVolumes, volumes)
			assert.Equal(t, tt.wantSilence, silence)
			for _, s := range a.streams {
				assert.Zero(t, s.total)
			}
		})
	}
}

func TestObserverReportsLevels(t *testing.T) {
	_, r := newTestRouter(t, 40000, 40010)
	obs, err := r.CreateAudioLevelObserver(context.Background(), core.ObserverOptions{MaxEntries: 1, Threshold: -80, IntervalMs: 20})
	require.NoError(t, err)
	defer obs.Close()

	p := produceOpus(t, newTestTransport(t, r), "a")
	require.NoError(t, obs.AddProducer(p.ID()))
	assert.ErrorIs(t, obs.AddProducer("missing"), core.ErrNotFound)

	volumes := make(chan []core.VolumeEntry, 16)
	silence := make(chan struct{}, 16)
	obs.OnVolumes(func(v []core.VolumeEntry) { volumes <- v })
	obs.OnSilence(func() { silence <- struct{}{} })

	require.NoError(t, p.WriteRTP(audioPacket(t, 1, 25)))

	select {
	case v := <-volumes:
		require.Len(t, v, 1)
		assert.Equal(t, p.ID(), v[0].ProducerID)
		assert.Equal(t, domain.PeerID("a"), v[0].PeerID)
		assert.Equal(t, float64(-25), v[0].Volume)
	case <-time.After(time.Second):
		t.Fatal("no volumes")
	}
	select {
	case <-silence:
	case <-time.After(time.Second):
		t.Fatal("no silence")
	}
}

func TestWorkerKill(t *testing.T) {
	w, err := NewWorker(Config{RTCMinPort: 40000, RTCMaxPort: 40001})
	require.NoError(t, err)

	cause := errors.New("boom")
	w.Kill(cause)
	w.Kill(errors.New("again"))

	select {
	case err := <-w.Died():
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("worker did not report death")
	}
	_, ok := <-w.Died()
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		_, err := w.CreateRouter(context.Background(), testCodecs)
		return errors.Is(err, ErrClosed)
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPanicKills(t *testing.T) {
	w, err := NewWorker(Config{RTCMinPort: 40000, RTCMaxPort: 40001})
	require.NoError(t, err)

	w.goSafe("test", func() { panic("bad") })
	select {
	case err := <-w.Died():
		assert.ErrorIs(t, err, core.ErrFatal)
	case <-time.After(time.Second):
		t.Fatal("worker did not report death")
	}
}

func TestPortAllocator(t *testing.T) {
	_, err := newPortAllocator(5000, 4000)
	assert.Error(t, err)

	a, err := newPortAllocator(5000, 5001)
	require.NoError(t, err)
	p1, err := a.acquire()
	require.NoError(t, err)
	p2, err := a.acquire()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{5000, 5001}, []int{p1, p2})

	_, err = a.acquire()
	assert.ErrorIs(t, err, ErrNoPorts)

	a.release(p1)
	p3, err := a.acquire()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestMatchCodecH264(t *testing.T) {
	base := newCodec(domain.KindVideo, "video/H264", 90000, 0, map[string]any{"packetization-mode": float64(1), "profile-level-id": "42e01f"})
	same := newCodec(domain.KindVideo, "video/h264", 90000, 0, map[string]any{"packetization-mode": "1", "profile-level-id": "42e034"})
	otherMode := newCodec(domain.KindVideo, "video/H264", 90000, 0, map[string]any{"profile-level-id": "42e01f"})
	otherProfile := newCodec(domain.KindVideo, "video/H264", 90000, 0, map[string]any{"packetization-mode": 1, "profile-level-id": "4d0032"})

	assert.True(t, matchCodec(base, same))
	assert.False(t, matchCodec(base, otherMode))
	assert.False(t, matchCodec(base, otherProfile))
	assert.Equal(t, "packetization-mode=1;profile-level-id=42e01f", base.SDPFmtpLine)
}
