package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	midURI        = "urn:ietf:params:rtp-hdrext:sdes:mid"

	audioLevelPreferredID = 10
	midPreferredID        = 1
	firstDynamicPT        = 100
)

// JSON shapes exchanged with the client library. The core keeps them opaque.

type rtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type rtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RTCPFeedback         []rtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type rtpHeaderExtensionCapability struct {
	Kind        domain.MediaKind `json:"kind"`
	URI         string           `json:"uri"`
	PreferredID uint8            `json:"preferredId"`
	Direction   string           `json:"direction,omitempty"`
}

type rtpCapabilities struct {
	Codecs           []rtpCodecCapability           `json:"codecs"`
	HeaderExtensions []rtpHeaderExtensionCapability `json:"headerExtensions,omitempty"`
}

type rtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []rtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type rtpHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  uint8  `json:"id"`
}

type rtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type rtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type rtpParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []rtpCodecParameters           `json:"codecs"`
	HeaderExtensions []rtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []rtpEncodingParameters        `json:"encodings,omitempty"`
	RTCP             *rtcpParameters                `json:"rtcp,omitempty"`
}

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type dtlsParameters struct {
	Role         string                   `json:"role"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

func (p dtlsParameters) validate() error {
	switch p.Role {
	case "", "auto", "client", "server":
	default:
		return fmt.Errorf("invalid dtls role %q", p.Role)
	}
	if len(p.Fingerprints) == 0 {
		return fmt.Errorf("no dtls fingerprints")
	}
	for _, fp := range p.Fingerprints {
		switch strings.ToLower(fp.Algorithm) {
		case "sha-1", "sha-224", "sha-256", "sha-384", "sha-512":
		default:
			return fmt.Errorf("unsupported fingerprint algorithm %q", fp.Algorithm)
		}
		if fp.Value == "" {
			return fmt.Errorf("empty fingerprint value")
		}
	}
	return nil
}

// codec is one router codec, held as a pion capability plus its kind and
// the payload type the router assigned.
type codec struct {
	webrtc.RTPCodecCapability
	Kind        domain.MediaKind
	PayloadType uint8
	Parameters  map[string]any
}

func newCodec(kind domain.MediaKind, mimeType string, clockRate uint32, channels uint16, params map[string]any) codec {
	return codec{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    mimeType,
			ClockRate:   clockRate,
			Channels:    channels,
			SDPFmtpLine: fmtpLine(params),
		},
		Kind:       kind,
		Parameters: params,
	}
}

// routerCodecs validates the configured codec set and assigns payload types.
func routerCodecs(in []core.MediaCodec) ([]codec, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("empty codec set")
	}
	out := make([]codec, 0, len(in))
	pt := uint8(firstDynamicPT)
	for _, mc := range in {
		if !strings.HasPrefix(strings.ToLower(mc.MimeType), string(mc.Kind)+"/") {
			return nil, fmt.Errorf("codec %q does not match kind %q", mc.MimeType, mc.Kind)
		}
		if mc.ClockRate == 0 {
			return nil, fmt.Errorf("codec %q without clock rate", mc.MimeType)
		}
		c := newCodec(mc.Kind, mc.MimeType, mc.ClockRate, mc.Channels, mc.Parameters)
		c.PayloadType = pt
		pt++
		out = append(out, c)
	}
	return out, nil
}

func capabilitiesOf(codecs []codec) rtpCapabilities {
	caps := rtpCapabilities{
		HeaderExtensions: []rtpHeaderExtensionCapability{
			{Kind: domain.KindAudio, URI: midURI, PreferredID: midPreferredID, Direction: "sendrecv"},
			{Kind: domain.KindVideo, URI: midURI, PreferredID: midPreferredID, Direction: "sendrecv"},
			{Kind: domain.KindAudio, URI: AudioLevelURI, PreferredID: audioLevelPreferredID, Direction: "sendrecv"},
		},
	}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, rtpCodecCapability{
			Kind:                 c.Kind,
			MimeType:             c.MimeType,
			PreferredPayloadType: c.PayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           c.Parameters,
			RTCPFeedback:         feedbackFor(c.Kind),
		})
	}
	return caps
}

func feedbackFor(kind domain.MediaKind) []rtcpFeedback {
	if kind == domain.KindAudio {
		return []rtcpFeedback{{Type: "transport-cc"}}
	}
	return []rtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

// matchCodec compares two codecs the way a router decides compatibility:
// mime type, clock rate, channels for audio, packetization mode and profile for H264.
func matchCodec(a, b codec) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(a.MimeType), "audio/") && channelsOrOne(a.Channels) != channelsOrOne(b.Channels) {
		return false
	}
	if strings.EqualFold(a.MimeType, webrtc.MimeTypeH264) {
		if paramString(a.Parameters, "packetization-mode", "0") != paramString(b.Parameters, "packetization-mode", "0") {
			return false
		}
		if h264Profile(a.Parameters) != h264Profile(b.Parameters) {
			return false
		}
	}
	return true
}

func channelsOrOne(c uint16) uint16 {
	if c == 0 {
		return 1
	}
	return c
}

// h264Profile is the profile_idc + profile_iop part of profile-level-id.
func h264Profile(params map[string]any) string {
	plid := strings.ToLower(paramString(params, "profile-level-id", "42001f"))
	if len(plid) < 4 {
		return plid
	}
	return plid[:4]
}

func paramString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%d", int64(t))
	default:
		return fmt.Sprint(t)
	}
}

func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+paramString(params, k, ""))
	}
	return strings.Join(parts, ";")
}

func codecFromCapability(c rtpCodecCapability) codec {
	out := newCodec(c.Kind, c.MimeType, c.ClockRate, c.Channels, c.Parameters)
	out.PayloadType = c.PreferredPayloadType
	return out
}

func codecFromParameters(kind domain.MediaKind, c rtpCodecParameters) codec {
	out := newCodec(kind, c.MimeType, c.ClockRate, c.Channels, c.Parameters)
	out.PayloadType = c.PayloadType
	return out
}

// isMediaCodec filters out rtx/red style helper codecs.
func isMediaCodec(mimeType string) bool {
	sub := strings.ToLower(mimeType)
	if i := strings.IndexByte(sub, '/'); i >= 0 {
		sub = sub[i+1:]
	}
	switch sub {
	case "rtx", "red", "ulpfec", "flexfec":
		return false
	}
	return true
}
