package protocol

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/VoiceRooms/internal/domain"
)

func requireObject(name string, raw json.RawMessage) error {
	var m map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil || m == nil {
		return errors.New(name + " must be an object")
	}
	return nil
}

func (GetPeersRequest) Validate() error     { return nil }
func (GetProducersRequest) Validate() error { return nil }

func (CreateWebRtcTransportRequest) Validate() error { return nil }

func (r JoinRoomRequest) Validate() error {
	if _, err := domain.ParseRoomName(r.RoomName); err != nil {
		return err
	}
	_, err := domain.NewPeerDetails(r.Name)
	return err
}

func (r TransportConnectRequest) Validate() error {
	return requireObject("dtlsParameters", r.DTLSParameters)
}

func (r TransportProduceRequest) Validate() error {
	if _, err := domain.ParseMediaKind(r.Kind); err != nil {
		return err
	}
	return requireObject("rtpParameters", r.RTPParameters)
}

func (r TransportRecvConnectRequest) Validate() error {
	if r.ServerConsumerTransportID == "" {
		return errors.New("serverConsumerTransportId required")
	}
	return requireObject("dtlsParameters", r.DTLSParameters)
}

func (r ConsumeRequest) Validate() error {
	if r.RemoteProducerID == "" {
		return errors.New("remoteProducerId required")
	}
	if r.ServerConsumerTransportID == "" {
		return errors.New("serverConsumerTransportId required")
	}
	return requireObject("rtpCapabilities", r.RTPCapabilities)
}

func (r ConsumerResumeRequest) Validate() error {
	if r.ServerConsumerID == "" {
		return errors.New("serverConsumerId required")
	}
	return nil
}
