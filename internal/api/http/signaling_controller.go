package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/service"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	"golang.org/x/time/rate"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

type SignalingOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	RateLimit       float64
	RateBurst       int
}

func (o *SignalingOptions) setDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 50
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 100
	}
}

type SignalingController struct {
	relay    service.RelayInteractor
	log      *slog.Logger
	opts     SignalingOptions
	upgrader websocket.Upgrader
}

func NewSignalingController(relay service.RelayInteractor, log *slog.Logger, opts SignalingOptions) *SignalingController {
	if log == nil {
		log = slog.Default()
	}
	opts.setDefaults()
	return &SignalingController{
		relay: relay,
		log:   log,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Connect upgrades the request and serves one signaling connection until
// either side closes it.
func (c *SignalingController) Connect(ctx *gin.Context) {
	const op = "http.signaling.connect"

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.log.Warn("failed to upgrade connection", slog.String("op", op), sl.Err(err))
		return
	}

	peer := c.relay.Connect(context.Background())
	log := c.log.With(slog.String("op", op), slog.String("peer_id", peer.ID))

	go c.writePump(conn, peer, log)
	c.readLoop(conn, peer, log)
}

func (c *SignalingController) readLoop(conn *websocket.Conn, peer *domain.Peer, log *slog.Logger) {
	defer func() {
		if err := c.relay.Disconnect(context.Background(), peer.ID); err != nil {
			log.Debug("disconnect", sl.Err(err))
		}
		conn.Close()
	}()

	conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(c.opts.RateLimit), c.opts.RateBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("read failed", sl.Err(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if !limiter.Allow() {
			peer.EnqueueEvent(domain.NewErrorMessage(ErrRateLimited))
			continue
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			peer.EnqueueEvent(domain.NewErrorMessage(ErrMalformedMessage))
			continue
		}

		if err := c.relay.HandleSignal(context.Background(), peer.ID, &msg); err != nil {
			log.Debug("signal rejected", slog.String("type", msg.Type), sl.Err(err))
			peer.EnqueueEvent(domain.NewErrorMessage(err))
		}
	}
}

// writePump is the only writer on conn. It exits when the relay closes the
// peer's event queue or a write fails.
func (c *SignalingController) writePump(conn *websocket.Conn, peer *domain.Peer, log *slog.Logger) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-peer.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Debug("write failed", sl.Err(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
