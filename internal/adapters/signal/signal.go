package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceRooms/internal/app/orch"
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
	"github.com/dkeye/VoiceRooms/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit        int64
	PingPeriod       time.Duration
	RequestTimeout   time.Duration
	SendBuffer       int
	JoinRateLimit    int
	JoinRateInterval time.Duration
}

type SignalWSController struct {
	Orch  *orch.Orchestrator
	Hub   *Hub
	Opts  Options
	joins *JoinRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, hub *Hub, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &SignalWSController{
		Orch:  o,
		Hub:   hub,
		Opts:  opts,
		joins: NewJoinRateLimiter(opts.JoinRateLimit, opts.JoinRateInterval),
	}
}

// WsSignalConn is one websocket client. It implements core.SignalConnection.
type WsSignalConn struct {
	id   domain.PeerID
	hub  *Hub
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
	groups map[domain.RoomName]struct{}
}

func NewWsSignalConn(id domain.PeerID, hub *Hub, ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		id:     id,
		hub:    hub,
		conn:   ws,
		send:   make(chan core.Frame, buffer),
		groups: make(map[domain.RoomName]struct{}),
	}
}

func (c *WsSignalConn) ID() domain.PeerID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) JoinGroup(room domain.RoomName) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.groups[room] = struct{}{}
	c.mu.Unlock()
	c.hub.join(room, c)
}

func (c *WsSignalConn) LeaveGroup(room domain.RoomName) {
	c.mu.Lock()
	delete(c.groups, room)
	c.mu.Unlock()
	c.hub.leave(room, c.id)
}

func (c *WsSignalConn) BroadcastGroup(room domain.RoomName, f core.Frame) int {
	return c.hub.broadcast(room, c.id, f)
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	groups := c.groups
	c.groups = map[domain.RoomName]struct{}{}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	for room := range groups {
		c.hub.leave(room, c.id)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either side
// goes away or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := NewWsSignalConn(domain.PeerID(uuid.NewString()), ctl.Hub, ws, ctl.Opts.SendBuffer)
	log.Info().Str("module", "signal").Str("sid", string(conn.ID())).Str("client_token", c.GetString("client_token")).Msg("new WS connection")

	sess := ctl.Orch.NewSession(conn)
	ctx, cancel := context.WithCancel(ctx)

	ctl.sendPush(conn, protocol.TypeConnectionSuccess, protocol.ConnectionSuccess{SocketID: conn.ID()})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess, conn)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
}
