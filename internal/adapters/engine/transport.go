package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	iceRunes       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	iceUfragLength = 16
	icePwdLength   = 32
)

// Transport is an ICE-lite WebRTC endpoint. One UDP/TCP port per transport,
// advertised on every listen IP.
type Transport struct {
	id     domain.TransportID
	router *Router
	port   int
	params core.TransportParams

	mu        sync.Mutex
	connected bool
	remote    dtlsParameters
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	closed    bool
}

func newTransport(id domain.TransportID, r *Router, opts core.TransportOptions) (*Transport, error) {
	if len(opts.ListenIPs) == 0 {
		return nil, fmt.Errorf("no listen ips")
	}
	if !opts.EnableUDP && !opts.EnableTCP {
		return nil, fmt.Errorf("neither udp nor tcp enabled")
	}
	ufrag, err := randutil.GenerateCryptoRandomString(iceUfragLength, iceRunes)
	if err != nil {
		return nil, fmt.Errorf("ice ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(icePwdLength, iceRunes)
	if err != nil {
		return nil, fmt.Errorf("ice pwd: %w", err)
	}
	port, err := r.worker.ports.acquire()
	if err != nil {
		return nil, err
	}

	ice, _ := json.Marshal(webrtc.ICEParameters{UsernameFragment: ufrag, Password: pwd, ICELite: true})
	cands, _ := json.Marshal(hostCandidates(opts, port))
	dtls, _ := json.Marshal(dtlsParameters{Role: "auto", Fingerprints: r.worker.fingerprints})

	t := &Transport{
		id:     id,
		router: r,
		port:   port,
		params: core.TransportParams{
			ID:             id,
			ICEParameters:  ice,
			ICECandidates:  cands,
			DTLSParameters: dtls,
		},
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	log.Debug().Str("module", "engine").Str("transport", string(id)).Int("port", port).Msg("transport created")
	return t, nil
}

// hostCandidates builds one host candidate per listen IP and protocol. UDP
// ranks above TCP when preferred, earlier listen IPs above later ones.
func hostCandidates(opts core.TransportOptions, port int) []iceCandidate {
	udpPref, tcpPref := uint32(30000), uint32(30000)
	if opts.PreferUDP {
		tcpPref = 10000
	}
	var out []iceCandidate
	for i, lip := range opts.ListenIPs {
		addr := lip.AnnouncedIP
		if addr == "" {
			addr = lip.IP
		}
		ipPref := uint32(len(opts.ListenIPs) - i)
		if opts.EnableUDP {
			out = append(out, iceCandidate{
				Foundation: "udpcandidate",
				Priority:   hostPriority(udpPref + ipPref),
				IP:         addr,
				Address:    addr,
				Protocol:   "udp",
				Port:       port,
				Type:       "host",
			})
		}
		if opts.EnableTCP {
			out = append(out, iceCandidate{
				Foundation: "tcpcandidate",
				Priority:   hostPriority(tcpPref + ipPref),
				IP:         addr,
				Address:    addr,
				Protocol:   "tcp",
				Port:       port,
				Type:       "host",
				TCPType:    "passive",
			})
		}
	}
	return out
}

// hostPriority is the RFC 8445 priority of a host candidate for component 1.
func hostPriority(localPref uint32) uint32 {
	return 126<<24 | (localPref&0xffff)<<8 | 255
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Params() core.TransportParams { return t.params }

// Connect records the remote DTLS parameters. It may be called once.
func (t *Transport) Connect(_ context.Context, raw json.RawMessage) error {
	var remote dtlsParameters
	if err := json.Unmarshal(raw, &remote); err != nil {
		return fmt.Errorf("dtls parameters: %w", err)
	}
	if err := remote.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.connected {
		return ErrAlreadyCalled
	}
	t.connected = true
	t.remote = remote
	log.Debug().Str("module", "engine").Str("transport", string(t.id)).Str("role", remote.Role).Msg("transport connected")
	return nil
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.MediaProducer, error) {
	var params rtpParameters
	if err := json.Unmarshal(opts.RTPParameters, &params); err != nil {
		return nil, fmt.Errorf("rtp parameters: %w", err)
	}
	var media []codec
	for _, c := range params.Codecs {
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(opts.Kind)+"/") {
			return nil, fmt.Errorf("codec %q does not match kind %q", c.MimeType, opts.Kind)
		}
		if !isMediaCodec(c.MimeType) {
			continue
		}
		pc := codecFromParameters(opts.Kind, c)
		if _, ok := t.router.routerCodec(pc); !ok {
			return nil, fmt.Errorf("unsupported codec %s/%d", c.MimeType, c.ClockRate)
		}
		media = append(media, pc)
	}
	if len(media) == 0 {
		return nil, fmt.Errorf("no media codecs in rtp parameters")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	p := &Producer{
		id:        domain.ProducerID(uuid.NewString()),
		kind:      opts.Kind,
		owner:     opts.Owner,
		appData:   opts.AppData,
		codecs:    media,
		params:    params,
		router:    t.router,
		transport: t,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	for _, ext := range params.HeaderExtensions {
		if ext.URI == AudioLevelURI {
			p.audioLevelID = ext.ID
		}
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		t.removeProducer(p.id)
		return nil, err
	}
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.MediaConsumer, error) {
	p := t.router.producer(opts.ProducerID)
	if p == nil {
		return nil, core.NotFound("producer", opts.ProducerID)
	}
	remote, ok := t.router.consumerCodec(p, opts.RTPCapabilities)
	if !ok {
		return nil, core.ErrIncompatible
	}
	ssrc := randutil.NewMathRandomGenerator().Uint32()
	params := rtpParameters{
		MID: string(p.kind),
		Codecs: []rtpCodecParameters{{
			MimeType:     remote.MimeType,
			PayloadType:  remote.PayloadType,
			ClockRate:    remote.ClockRate,
			Channels:     remote.Channels,
			Parameters:   remote.Parameters,
			RTCPFeedback: feedbackFor(p.kind),
		}},
		Encodings: []rtpEncodingParameters{{SSRC: ssrc}},
		RTCP:      &rtcpParameters{CNAME: string(p.owner), ReducedSize: true},
	}
	if p.audioLevelID != 0 {
		params.HeaderExtensions = append(params.HeaderExtensions, rtpHeaderExtensionParameters{URI: AudioLevelURI, ID: audioLevelPreferredID})
	}
	raw, _ := json.Marshal(params)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	c := &Consumer{
		id:          domain.ConsumerID(uuid.NewString()),
		producer:    p,
		transport:   t,
		kind:        p.kind,
		rtpParams:   raw,
		ssrc:        ssrc,
		payloadType: remote.PayloadType,
		appData:     opts.AppData,
		paused:      opts.Paused,
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if err := p.addConsumer(c); err != nil {
		t.removeConsumer(c.id)
		return nil, err
	}
	return c, nil
}

// Close closes the transport together with its producers and consumers, which
// see it as a transport close.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = map[domain.ProducerID]*Producer{}
	t.consumers = map[domain.ConsumerID]*Consumer{}
	t.mu.Unlock()

	for _, c := range consumers {
		c.transportClosed()
	}
	for _, p := range producers {
		p.transportClosed()
	}
	t.router.removeTransport(t.id)
	t.router.worker.ports.release(t.port)
	log.Debug().Str("module", "engine").Str("transport", string(t.id)).Msg("transport closed")
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}
