package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go-chat-core/internal/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ClientState is the lifecycle of one websocket session.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateAuthenticated
	StateRecovering
	StateLive
	StateClosing
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRecovering:
		return "recovering"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TokenValidator resolves a session token to a user.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type ClientConfig struct {
	AuthTimeout   time.Duration // Time allowed for the auth frame to arrive.
	PongWait      time.Duration // Time allowed to read the next pong message from the peer.
	WriteWait     time.Duration // Time allowed to write a message to the peer.
	MaxFrameBytes int64         // Maximum message size allowed from peer.
	InboundRate   float64
	InboundBurst  int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		AuthTimeout:   10 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		MaxFrameBytes: 16 << 10,
		InboundRate:   10,
		InboundBurst:  20,
	}
}

// pingPeriod must be less than pongWait.
func (c ClientConfig) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

var errAuthRequired = errors.New("first frame must be auth")

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	validator TokenValidator
	cfg       ClientConfig
	limiter   *rate.Limiter
	log       *slog.Logger

	state   atomic.Int32
	session *Connection
}

func NewClient(hub *Hub, conn *websocket.Conn, validator TokenValidator, cfg ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		hub:       hub,
		conn:      conn,
		validator: validator,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
		log:       log,
	}
}

func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
}

// Run walks the session through connecting → authenticated → recovering
// → live → closing and returns once the transport is gone.
func (c *Client) Run(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(c.cfg.MaxFrameBytes)

	auth, userID, err := c.authenticate()
	if err != nil {
		c.log.Info("websocket auth failed", "remote", c.conn.RemoteAddr().String(), logger.Err(err))
		c.refuse(err)
		return
	}
	c.setState(StateAuthenticated)

	session, err := c.hub.Register(ctx, userID)
	if err != nil {
		c.log.Error("registration failed", "user_id", userID, logger.Err(err))
		c.refuse(errors.New("registration failed"))
		return
	}
	c.session = session
	c.setState(StateRecovering)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	if err := c.hub.Recover(ctx, session, auth.LastSeenMessageID); err != nil {
		c.setState(StateClosing)
		<-writerDone
		return
	}
	c.setState(StateLive)

	c.readPump(ctx)

	c.setState(StateClosing)
	c.hub.Disconnect(session.ID)
	<-writerDone
}

// authenticate reads the auth frame. Nothing else is accepted first.
func (c *Client) authenticate() (ClientFrame, UserID, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))

	var frame ClientFrame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return frame, 0, fmt.Errorf("read auth frame: %w", err)
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, 0, fmt.Errorf("decode auth frame: %w", err)
	}
	if frame.Type != TypeAuth {
		return frame, 0, errAuthRequired
	}

	id, _, err := c.validator.ValidateToken(frame.SessionToken)
	if err != nil || id == 0 {
		return frame, 0, errors.New("invalid session token")
	}
	return frame, UserID(id), nil
}

// refuse is only used before the write pump starts.
func (c *Client) refuse(reason error) {
	c.setState(StateClosing)
	data, err := NewAuthResult(false, nil, reason.Error()).Encode()
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"))
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.registry.Touch(c.session.ID)
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "conn_id", c.session.ID, logger.Err(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.reject(c.session, frame, CodeBadFrame, errors.New("malformed frame"))
			continue
		}
		if !c.limiter.Allow() {
			c.hub.reject(c.session, frame, CodeRateLimited, errors.New("too many frames"))
			continue
		}
		c.hub.HandleFrame(ctx, c.session, frame)
	}
}

// writePump pumps events from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	out := c.session.Outbound()
	for {
		select {
		case ev, ok := <-out:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// The registry closed the connection.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := ev.Encode()
			if err != nil {
				c.log.Error("encode event", "type", ev.Type, logger.Err(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
