package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJoinRoom(t *testing.T) {
	env, req, err := Decode([]byte(`{"type":"joinRoom","id":7,"data":{"roomName":"lobby","name":"ann"}}`))
	require.NoError(t, err)
	require.NotNil(t, env.ID)
	assert.Equal(t, uint64(7), *env.ID)
	assert.Equal(t, TypeJoinRoom, req.Type())
	assert.Equal(t, &JoinRoomRequest{RoomName: "lobby", Name: "ann"}, req)
}

func TestDecodeEmptyPayloads(t *testing.T) {
	for _, frame := range []string{
		`{"type":"getPeers"}`,
		`{"type":"getPeers","data":null}`,
		`{"type":"getProducers","data":{}}`,
		`{"type":"createWebRtcTransport"}`,
	} {
		_, req, err := Decode([]byte(frame))
		require.NoError(t, err, frame)
		assert.NotNil(t, req, frame)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"leaveRoom","id":1}`},
		{"bad payload", `{"type":"joinRoom","id":1,"data":"lobby"}`},
		{"empty room", `{"type":"joinRoom","id":1,"data":{"roomName":"","name":"ann"}}`},
		{"blank name", `{"type":"joinRoom","id":1,"data":{"roomName":"lobby","name":"   "}}`},
		{"bad kind", `{"type":"transport-produce","id":1,"data":{"kind":"screen","rtpParameters":{}}}`},
		{"missing rtp parameters", `{"type":"transport-produce","id":1,"data":{"kind":"audio"}}`},
		{"dtls not object", `{"type":"transport-connect","id":1,"data":{"dtlsParameters":[]}}`},
		{"recv connect without transport", `{"type":"transport-recv-connect","id":1,"data":{"dtlsParameters":{}}}`},
		{"consume without producer", `{"type":"consume","id":1,"data":{"rtpCapabilities":{},"serverConsumerTransportId":"t"}}`},
		{"consume without caps", `{"type":"consume","id":1,"data":{"remoteProducerId":"p","serverConsumerTransportId":"t"}}`},
		{"resume without consumer", `{"type":"consumer-resume","id":1,"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, req, err := Decode([]byte(tt.frame))
			assert.Nil(t, req)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Equal(t, "malformed", ErrorKind(err))
		})
	}
}

func TestDecodeKeepsEnvelopeOnPayloadError(t *testing.T) {
	env, _, err := Decode([]byte(`{"type":"leaveRoom","id":3}`))
	assert.ErrorIs(t, err, ErrUnknownType)
	require.NotNil(t, env.ID)
	assert.Equal(t, uint64(3), *env.ID)
}

func TestEncodeReply(t *testing.T) {
	frame, err := EncodeReply(TypeJoinRoom, nil, JoinRoomResponse{}, nil)
	require.NoError(t, err)
	assert.Nil(t, frame)

	id := uint64(9)
	frame, err = EncodeReply(TypeTransportProduce, &id, TransportProduceResponse{ID: "p1", ProducersExist: true}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"transport-produce","id":9,"data":{"id":"p1","producersExist":true}}`, string(frame))

	frame, err = EncodeReply(TypeTransportConnect, &id, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"transport-connect","id":9}`, string(frame))

	frame, err = EncodeReply(TypeConsume, &id, nil, core.NotFound("producer", "p1"))
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Kind)
	assert.Contains(t, env.Error.Message, "p1")
	assert.Empty(t, env.Data)
}

func TestEncodePush(t *testing.T) {
	peer := domain.PeerID("a")
	frame, err := EncodePush(TypeActiveSpeaker, ActiveSpeakerPush{ActiveSpeaker: domain.ActiveSpeaker{PeerID: &peer}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"active-speaker","data":{"activeSpeaker":{"producerId":null,"peerId":"a","volume":null}}}`, string(frame))

	frame, err = EncodePush(TypeNewProducer, NewProducer{ID: "p1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"new-producer","data":{"id":"p1"}}`, string(frame))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", ErrMalformed), "malformed"},
		{core.NotFound("room", "r"), "not_found"},
		{core.ErrRoomClosed, "not_found"},
		{fmt.Errorf("wrap: %w", core.ErrInvalidState), "invalid_state"},
		{core.EngineError("consume", core.ErrIncompatible), "incompatible"},
		{core.EngineError("connect", errors.New("dtls")), "engine_error"},
		{core.ErrFatal, "engine_error"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), tt.err.Error())
	}
}
