package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

const DefaultReconnectDelay = 2 * time.Second

// MessageHandler consumes envelopes received from the relay. The mesh
// coordinator is the production handler.
type MessageHandler interface {
	HandleMessage(msg domain.SignalMessage) error
}

type SessionOptions struct {
	ServerURL      string
	ReconnectDelay time.Duration
	Client         ClientOptions
	// OnChat is called for every chat message received from the room.
	OnChat func(from string, msg domain.ChatMessage)
	Logger *slog.Logger
}

// Session keeps a signaling connection open for as long as Run is active,
// redialing after the reconnect delay whenever the connection drops. Every
// received envelope is handed to the handler; a new connection announces a
// new connection id, which the handler treats as a cue to rejoin.
type Session struct {
	opts SessionOptions
	log  *slog.Logger

	mu     sync.Mutex
	client *Client
}

func NewSession(opts SessionOptions) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		opts: opts,
		log:  opts.Logger.With(slog.String("server_url", opts.ServerURL)),
	}
}

// Run dials the relay and pumps envelopes into handler until ctx is done.
func (s *Session) Run(ctx context.Context, handler MessageHandler) error {
	const op = "signaling.Session.Run"

	log := s.log.With(slog.String("op", op))

	for {
		client, err := Dial(ctx, s.opts.ServerURL, s.opts.Client, s.log)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("cannot reach relay, retrying", sl.Err(err), slog.Duration("delay", s.opts.ReconnectDelay))
		} else {
			log.Info("signaling connected")
			s.setClient(client)
			s.pump(ctx, client, handler, log)
			s.setClient(nil)
			client.Close()

			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("signaling connection lost, reconnecting", slog.Duration("delay", s.opts.ReconnectDelay))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

// Send writes msg on the current connection.
func (s *Session) Send(msg domain.SignalMessage) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	return client.Send(msg)
}

// SendChat broadcasts content to the other participants of roomID.
func (s *Session) SendChat(roomID, sender, content string) error {
	raw, err := json.Marshal(domain.ChatMessage{
		Sender:  sender,
		Content: content,
		Time:    time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.Send(domain.SignalMessage{Type: domain.TypeSendMessage, RoomID: roomID, Message: raw})
}

// Connected reports whether a relay connection is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Session) setClient(c *Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Session) pump(ctx context.Context, client *Client, handler MessageHandler, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Incoming():
			if !ok {
				return
			}
			s.observe(msg, log)
			if err := handler.HandleMessage(msg); err != nil {
				log.Warn("handler rejected envelope", slog.String("type", msg.Type), sl.Err(err))
				if errors.Is(err, context.Canceled) {
					return
				}
			}
		}
	}
}

// observe handles the envelopes addressed to the participant rather than the
// mesh: chat, relay errors and pong.
func (s *Session) observe(msg domain.SignalMessage, log *slog.Logger) {
	switch msg.Type {
	case domain.TypeConnected:
		log.Info("connection id assigned", slog.String("self_id", msg.ID))
	case domain.TypeReceiveMessage:
		if s.opts.OnChat == nil {
			return
		}
		chat, err := domain.ParseChatMessage(msg.Message)
		if err != nil {
			log.Debug("malformed chat message", sl.Err(err))
			return
		}
		s.opts.OnChat(msg.From, *chat)
	case domain.TypeError:
		log.Warn("relay reported an error", slog.String("error", msg.Error))
	case domain.TypePong:
		log.Debug("pong", slog.Int64("timestamp", msg.Timestamp))
	}
}
