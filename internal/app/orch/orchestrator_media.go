package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceRooms/internal/app"
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/rs/zerolog/log"
)

// CreateWebRtcTransport creates a send transport, or a receive transport when
// req.Consumer is set, and returns what the client needs for ICE/DTLS.
func (s *Session) CreateWebRtcTransport(ctx context.Context, req protocol.CreateWebRtcTransportRequest) (protocol.CreateWebRtcTransportResponse, error) {
	var resp protocol.CreateWebRtcTransportResponse
	room, err := s.joinedRoom()
	if err != nil {
		return resp, err
	}
	role := domain.RoleSend
	if req.Consumer {
		role = domain.RoleReceive
	}
	reg := s.o.Registry
	err = room.Do(ctx, func() error {
		if _, err := reg.Peer(s.ID); err != nil {
			return err
		}
		if role == domain.RoleSend {
			if _, err := reg.FindSendTransport(s.ID); err == nil {
				return fmt.Errorf("%w: send transport already created", core.ErrInvalidState)
			}
		}
		t, err := room.Router.CreateWebRtcTransport(ctx, s.o.Opts.Transport)
		if err != nil {
			return core.EngineError("create transport", err)
		}
		rec := &app.TransportRecord{ID: t.ID(), Owner: s.ID, Room: room.Name, Role: role, Transport: t}
		if err := reg.AddTransport(rec); err != nil {
			t.Close()
			return err
		}
		resp.Params = t.Params()
		log.Debug().Str("module", "orch").Str("sid", string(s.ID)).Str("transport", string(t.ID())).Str("role", role.String()).Msg("transport created")
		return nil
	})
	return resp, err
}

// TransportConnect connects the caller's send transport.
func (s *Session) TransportConnect(ctx context.Context, req protocol.TransportConnectRequest) error {
	room, err := s.joinedRoom()
	if err != nil {
		return err
	}
	return room.Do(ctx, func() error {
		rec, err := s.o.Registry.FindSendTransport(s.ID)
		if err != nil {
			return err
		}
		return core.EngineError("connect transport", rec.Transport.Connect(ctx, req.DTLSParameters))
	})
}

// TransportRecvConnect connects one of the caller's receive transports.
func (s *Session) TransportRecvConnect(ctx context.Context, req protocol.TransportRecvConnectRequest) error {
	room, err := s.joinedRoom()
	if err != nil {
		return err
	}
	return room.Do(ctx, func() error {
		rec, err := s.o.Registry.FindReceiveTransport(req.ServerConsumerTransportID)
		if err != nil {
			return err
		}
		if rec.Owner != s.ID {
			return core.NotFound("receive transport", req.ServerConsumerTransportID)
		}
		return core.EngineError("connect transport", rec.Transport.Connect(ctx, req.DTLSParameters))
	})
}

// TransportProduce creates a producer on the send transport and announces it
// to every other member of the room.
func (s *Session) TransportProduce(ctx context.Context, req protocol.TransportProduceRequest) (protocol.TransportProduceResponse, error) {
	var resp protocol.TransportProduceResponse
	room, err := s.joinedRoom()
	if err != nil {
		return resp, err
	}
	kind, err := domain.ParseMediaKind(req.Kind)
	if err != nil {
		return resp, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	reg := s.o.Registry
	err = room.Do(ctx, func() error {
		rec, err := reg.FindSendTransport(s.ID)
		if err != nil {
			return err
		}
		p, err := rec.Transport.Produce(ctx, core.ProduceOptions{
			Kind:          kind,
			RTPParameters: req.RTPParameters,
			AppData:       req.AppData,
			Owner:         s.ID,
		})
		if err != nil {
			return core.EngineError("produce", err)
		}
		pr := &app.ProducerRecord{ID: p.ID(), Owner: s.ID, Room: room.Name, Producer: p}
		if err := reg.AddProducer(pr); err != nil {
			p.Close()
			return err
		}
		p.OnTransportClose(func() {
			p.Close()
			room.Enqueue(func() { reg.RemoveProducer(pr.ID) })
		})
		if kind == domain.KindAudio {
			if err := room.Observer.AddProducer(p.ID()); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("producer", string(p.ID())).Msg("observer add producer")
			}
		}

		s.o.Broadcaster.ToOthers(s.conn, room.Name, protocol.TypeNewProducer, protocol.NewProducer{ID: p.ID(), AppData: req.AppData})

		resp.ID = p.ID()
		resp.ProducersExist = reg.RoomProducerCount(room.Name) > 1
		log.Info().Str("module", "orch").Str("sid", string(s.ID)).Str("room", string(room.Name)).
			Str("producer", string(p.ID())).Str("kind", string(kind)).Msg("producer created")
		return nil
	})
	return resp, err
}

// GetProducers lists the producers of the caller's room that the caller does
// not own.
func (s *Session) GetProducers() []protocol.ProducerInfo {
	out := []protocol.ProducerInfo{}
	room, err := s.joinedRoom()
	if err != nil {
		return out
	}
	for _, pr := range s.o.Registry.ListProducersExcept(room.Name, s.ID) {
		out = append(out, protocol.ProducerInfo{ID: pr.ID, AppData: pr.Producer.AppData()})
	}
	return out
}

// Consume creates a paused consumer of a remote producer on one of the
// caller's receive transports.
func (s *Session) Consume(ctx context.Context, req protocol.ConsumeRequest) (protocol.ConsumeResponse, error) {
	var resp protocol.ConsumeResponse
	room, err := s.joinedRoom()
	if err != nil {
		return resp, err
	}
	reg := s.o.Registry
	err = room.Do(ctx, func() error {
		if _, err := reg.Peer(s.ID); err != nil {
			return err
		}
		trec, err := reg.FindReceiveTransport(req.ServerConsumerTransportID)
		if err != nil {
			return err
		}
		if trec.Owner != s.ID {
			return core.NotFound("receive transport", req.ServerConsumerTransportID)
		}
		if _, err := reg.Producer(req.RemoteProducerID); err != nil {
			return err
		}
		if !room.Router.CanConsume(req.RemoteProducerID, req.RTPCapabilities) {
			return fmt.Errorf("producer %s: %w", req.RemoteProducerID, core.ErrIncompatible)
		}
		c, err := trec.Transport.Consume(ctx, core.ConsumeOptions{
			ProducerID:      req.RemoteProducerID,
			RTPCapabilities: req.RTPCapabilities,
			Paused:          true,
			AppData:         req.AppData,
		})
		if err != nil {
			return core.EngineError("consume", err)
		}
		crec := &app.ConsumerRecord{ID: c.ID(), Owner: s.ID, Room: room.Name, Transport: trec.ID, Consumer: c}
		if err := reg.AddConsumer(crec); err != nil {
			c.Close()
			return err
		}
		c.OnTransportClose(func() {
			room.Enqueue(func() { reg.RemoveConsumer(crec.ID) })
		})
		c.OnProducerClose(func() {
			room.Enqueue(func() { s.onProducerClosed(crec, req.RemoteProducerID) })
		})

		resp.Params = protocol.ConsumerParams{
			ID:               c.ID(),
			ProducerID:       req.RemoteProducerID,
			Kind:             c.Kind(),
			RTPParameters:    c.RTPParameters(),
			ServerConsumerID: c.ID(),
			ProducerAppData:  req.AppData,
		}
		return nil
	})
	return resp, err
}

// onProducerClosed runs on the room queue once the upstream producer of crec
// is gone. The per-producer receive transport and the consumer are dropped,
// then the consumer's owner is told.
func (s *Session) onProducerClosed(crec *app.ConsumerRecord, producerID domain.ProducerID) {
	reg := s.o.Registry
	if _, err := reg.Peer(crec.Owner); err != nil {
		return
	}
	if t := reg.RemoveTransport(crec.Transport); t != nil {
		t.Transport.Close()
	}
	if c := reg.RemoveConsumer(crec.ID); c != nil {
		c.Consumer.Close()
	}
	s.o.Broadcaster.ToPeer(s.conn, protocol.TypeProducerClosed, protocol.ProducerClosed{RemoteProducerID: producerID})
	log.Debug().Str("module", "orch").Str("sid", string(crec.Owner)).Str("producer", string(producerID)).Msg("producer closed, consumer removed")
}

// ConsumerResume resumes one of the caller's consumers; unknown ids are ignored.
func (s *Session) ConsumerResume(ctx context.Context, req protocol.ConsumerResumeRequest) error {
	room, err := s.joinedRoom()
	if err != nil {
		return err
	}
	return room.Do(ctx, func() error {
		c, err := s.o.Registry.FindConsumer(req.ServerConsumerID)
		if err != nil || c.Owner != s.ID {
			return nil
		}
		return core.EngineError("resume consumer", c.Consumer.Resume(ctx))
	})
}
