package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceRooms/internal/app/orch"
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var errJoinRate = fmt.Errorf("%w: too many join attempts", core.ErrInvalidState)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(c.id)).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess *orch.Session, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(c.id)).Msg("readPump closing")
		sess.Disconnect()
		ctl.joins.Forget(c.id)
		c.Close()
		cancel()
	}()

	pongWait := ctl.Opts.PingPeriod * 10 / 9
	if ctl.Opts.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(ctx, sess, c, data)
	}
}

// handleSignal decodes and dispatches one request frame, then replies if the
// client asked for a reply.
func (ctl *SignalWSController) handleSignal(ctx context.Context, sess *orch.Session, c core.SignalConnection, data []byte) {
	env, req, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.ID())).Str("type", string(env.Type)).Msg("bad message")
		ctl.reply(c, env, nil, err)
		return
	}
	if _, ok := req.(*protocol.JoinRoomRequest); ok && !ctl.joins.Allow(c.ID()) {
		log.Warn().Str("module", "signal").Str("sid", string(c.ID())).Msg("join rate limited")
		ctl.reply(c, env, nil, errJoinRate)
		return
	}
	log.Debug().Str("module", "signal").Str("sid", string(c.ID())).Str("type", string(env.Type)).Msg("request")

	rctx, cancel := context.WithTimeout(ctx, ctl.Opts.RequestTimeout)
	resp, err := sess.Handle(rctx, req)
	cancel()
	ctl.reply(c, env, resp, err)
}

func (ctl *SignalWSController) reply(c core.SignalConnection, env protocol.Envelope, resp any, err error) {
	frame, encErr := protocol.EncodeReply(env.Type, env.ID, resp, err)
	if encErr != nil {
		log.Error().Err(encErr).Str("module", "signal").Str("type", string(env.Type)).Msg("encode reply")
		return
	}
	if frame == nil {
		return
	}
	ctl.trySend(c, frame)
}

func (ctl *SignalWSController) sendPush(c core.SignalConnection, t protocol.MessageType, v any) {
	frame, err := protocol.EncodePush(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", string(t)).Msg("encode push")
		return
	}
	ctl.trySend(c, frame)
}

func (ctl *SignalWSController) trySend(c core.SignalConnection, frame core.Frame) {
	if err := c.TrySend(frame); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.ID())).Msg("send dropped")
	}
}
