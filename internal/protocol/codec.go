package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceRooms/internal/core"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = fmt.Errorf("%w: unknown message type", ErrMalformed)
)

// Decode parses one inbound frame into its envelope and typed request.
// The envelope is returned even on a payload error so the caller can reply to it.
func Decode(frame []byte) (Envelope, Request, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var req Request
	switch env.Type {
	case TypeGetPeers:
		req = &GetPeersRequest{}
	case TypeJoinRoom:
		req = &JoinRoomRequest{}
	case TypeCreateWebRtcTransport:
		req = &CreateWebRtcTransportRequest{}
	case TypeTransportConnect:
		req = &TransportConnectRequest{}
	case TypeTransportProduce:
		req = &TransportProduceRequest{}
	case TypeGetProducers:
		req = &GetProducersRequest{}
	case TypeTransportRecvConnect:
		req = &TransportRecvConnectRequest{}
	case TypeConsume:
		req = &ConsumeRequest{}
	case TypeConsumerResume:
		req = &ConsumerResumeRequest{}
	default:
		return env, nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, req); err != nil {
			return env, nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}
	if err := req.Validate(); err != nil {
		return env, nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return env, req, nil
}

// EncodeReply builds the reply for a request envelope. A nil id means the
// client did not ask for one and nothing is returned.
func EncodeReply(t MessageType, id *uint64, data any, err error) (core.Frame, error) {
	if id == nil {
		return nil, nil
	}
	env := Envelope{Type: t, ID: id}
	if err != nil {
		env.Error = &ErrorBody{Kind: ErrorKind(err), Message: err.Error()}
		return json.Marshal(env)
	}
	if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			return nil, mErr
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func EncodePush(t MessageType, data any) (core.Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: raw})
}

// ErrorKind maps an error onto the wire error kinds.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, core.ErrIncompatible):
		return "incompatible"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, core.ErrEngine), errors.Is(err, core.ErrFatal):
		return "engine_error"
	}
	return "internal"
}
