package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/VoiceRooms/internal/domain"
)

// The types below are the narrow contract with the media engine. RTP and
// DTLS payloads stay opaque JSON on this side; only the engine interprets them.

// MediaCodec is one entry of the fixed codec set a router is created with.
type MediaCodec struct {
	Kind       domain.MediaKind `json:"kind"`
	MimeType   string           `json:"mimeType"`
	ClockRate  uint32           `json:"clockRate"`
	Channels   uint16           `json:"channels,omitempty"`
	Parameters map[string]any   `json:"parameters,omitempty"`
}

type ListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

type TransportOptions struct {
	ListenIPs                       []ListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	InitialAvailableOutgoingBitrate uint32
}

type ObserverOptions struct {
	MaxEntries int
	// Threshold is the minimum average volume in dBov (-127..0).
	Threshold int
	IntervalMs int
}

// TransportParams is what the remote side needs to finish ICE/DTLS out of band.
type TransportParams struct {
	ID             domain.TransportID `json:"id"`
	ICEParameters  json.RawMessage    `json:"iceParameters"`
	ICECandidates  json.RawMessage    `json:"iceCandidates"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters"`
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters json.RawMessage
	AppData       json.RawMessage
	// Owner is reported back in observer volume entries.
	Owner domain.PeerID
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RTPCapabilities json.RawMessage
	Paused          bool
	AppData         json.RawMessage
}

// VolumeEntry is one line of an observer Volumes notification.
type VolumeEntry struct {
	ProducerID domain.ProducerID
	PeerID     domain.PeerID
	Volume     float64
}

// MediaWorker is the engine process. Died is closed (after delivering the cause)
// when the worker is gone for good.
type MediaWorker interface {
	CreateRouter(ctx context.Context, codecs []MediaCodec) (MediaRouter, error)
	Died() <-chan error
	Close()
}

type MediaRouter interface {
	ID() string
	RTPCapabilities() json.RawMessage
	CreateAudioLevelObserver(ctx context.Context, opts ObserverOptions) (AudioLevelObserver, error)
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (MediaTransport, error)
	CanConsume(producerID domain.ProducerID, rtpCapabilities json.RawMessage) bool
	Close()
}

// AudioLevelObserver emits notifications asynchronously; it is a subscription,
// not request/response. Volumes lists entries sorted by volume, loudest first.
type AudioLevelObserver interface {
	AddProducer(id domain.ProducerID) error
	OnVolumes(func([]VolumeEntry))
	OnSilence(func())
	Close()
}

type MediaTransport interface {
	ID() domain.TransportID
	Params() TransportParams
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, opts ProduceOptions) (MediaProducer, error)
	// Consume fails with ErrIncompatible when the capabilities do not fit.
	Consume(ctx context.Context, opts ConsumeOptions) (MediaConsumer, error)
	Close()
}

type MediaProducer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	AppData() json.RawMessage
	OnTransportClose(func())
	Close()
}

type MediaConsumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() json.RawMessage
	Resume(ctx context.Context) error
	OnTransportClose(func())
	OnProducerClose(func())
	Close()
}
