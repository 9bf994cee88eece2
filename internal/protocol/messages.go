// Package protocol is the signaling wire schema: one envelope, one Go type per message.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
)

type MessageType string

const (
	TypeConnectionSuccess     MessageType = "connection-success"
	TypeGetPeers              MessageType = "getPeers"
	TypeJoinRoom              MessageType = "joinRoom"
	TypeCreateWebRtcTransport MessageType = "createWebRtcTransport"
	TypeTransportConnect      MessageType = "transport-connect"
	TypeTransportProduce      MessageType = "transport-produce"
	TypeGetProducers          MessageType = "getProducers"
	TypeTransportRecvConnect  MessageType = "transport-recv-connect"
	TypeConsume               MessageType = "consume"
	TypeConsumerResume        MessageType = "consumer-resume"
	TypeNewProducer           MessageType = "new-producer"
	TypeActiveSpeaker         MessageType = "active-speaker"
	TypeProducerClosed        MessageType = "producer-closed"
)

// Envelope frames every message. ID is set on requests that expect a reply
// and echoed back on the reply; pushes carry none.
type Envelope struct {
	Type  MessageType     `json:"type"`
	ID    *uint64         `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Request is implemented by every client-to-server message.
type Request interface {
	Type() MessageType
	Validate() error
}

type GetPeersRequest struct{}

type JoinRoomRequest struct {
	RoomName string `json:"roomName"`
	Name     string `json:"name"`
}

type CreateWebRtcTransportRequest struct {
	Consumer bool `json:"consumer"`
}

type TransportConnectRequest struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type TransportProduceRequest struct {
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       json.RawMessage `json:"appData,omitempty"`
}

type GetProducersRequest struct{}

type TransportRecvConnectRequest struct {
	DTLSParameters            json.RawMessage    `json:"dtlsParameters"`
	ServerConsumerTransportID domain.TransportID `json:"serverConsumerTransportId"`
}

type ConsumeRequest struct {
	RTPCapabilities           json.RawMessage    `json:"rtpCapabilities"`
	RemoteProducerID          domain.ProducerID  `json:"remoteProducerId"`
	ServerConsumerTransportID domain.TransportID `json:"serverConsumerTransportId"`
	AppData                   json.RawMessage    `json:"appData,omitempty"`
}

type ConsumerResumeRequest struct {
	ServerConsumerID domain.ConsumerID `json:"serverConsumerId"`
}

func (GetPeersRequest) Type() MessageType              { return TypeGetPeers }
func (JoinRoomRequest) Type() MessageType              { return TypeJoinRoom }
func (CreateWebRtcTransportRequest) Type() MessageType { return TypeCreateWebRtcTransport }
func (TransportConnectRequest) Type() MessageType      { return TypeTransportConnect }
func (TransportProduceRequest) Type() MessageType      { return TypeTransportProduce }
func (GetProducersRequest) Type() MessageType          { return TypeGetProducers }
func (TransportRecvConnectRequest) Type() MessageType  { return TypeTransportRecvConnect }
func (ConsumeRequest) Type() MessageType               { return TypeConsume }
func (ConsumerResumeRequest) Type() MessageType        { return TypeConsumerResume }

// Replies.

type PeersResponse map[domain.PeerID]domain.PeerDetails

type JoinRoomResponse struct {
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type CreateWebRtcTransportResponse struct {
	Params core.TransportParams `json:"params"`
}

type TransportProduceResponse struct {
	ID             domain.ProducerID `json:"id"`
	ProducersExist bool              `json:"producersExist"`
}

type ProducerInfo struct {
	ID      domain.ProducerID `json:"id"`
	AppData json.RawMessage   `json:"appData,omitempty"`
}

type ConsumerParams struct {
	ID               domain.ConsumerID `json:"id"`
	ProducerID       domain.ProducerID `json:"producerId"`
	Kind             domain.MediaKind  `json:"kind"`
	RTPParameters    json.RawMessage   `json:"rtpParameters"`
	ServerConsumerID domain.ConsumerID `json:"serverConsumerId"`
	ProducerAppData  json.RawMessage   `json:"producerAppData,omitempty"`
}

type ConsumeResponse struct {
	Params ConsumerParams `json:"params"`
}

// Pushes.

type ConnectionSuccess struct {
	SocketID domain.PeerID `json:"socketId"`
}

type NewProducer struct {
	ID      domain.ProducerID `json:"id"`
	AppData json.RawMessage   `json:"appData,omitempty"`
}

type ActiveSpeakerPush struct {
	ActiveSpeaker domain.ActiveSpeaker `json:"activeSpeaker"`
}

type ProducerClosed struct {
	RemoteProducerID domain.ProducerID `json:"remoteProducerId"`
}
