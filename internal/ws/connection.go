package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

const (
	DefaultSendBuffer    = 64
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPongTimeout   = 60 * time.Second
	DefaultMaxFrameBytes = 64 << 10
)

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type registry interface {
	Connect(ctx context.Context, sender Sender, username, channel string) string
	Disconnect(ctx context.Context, connectionID string)
}

type frameRouter interface {
	Route(ctx context.Context, conn models.Connection, frame []byte)
}

type ConnectionConfig struct {
	SendBuffer    int
	WriteTimeout  time.Duration
	PongTimeout   time.Duration
	MaxFrameBytes int64
	Logger        *slog.Logger
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Connection runs one websocket session: a read loop feeding the router in
// arrival order and a write loop draining the send buffer.
type Connection struct {
	ws       wsConnection
	hub      registry
	router   frameRouter
	cfg      ConnectionConfig
	logger   *slog.Logger
	username string
	channel  string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(
	hub registry,
	router frameRouter,
	ws wsConnection,
	username, channel string,
	cfg ConnectionConfig,
) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		ws:       ws,
		hub:      hub,
		router:   router,
		cfg:      cfg,
		logger:   cfg.Logger,
		username: username,
		channel:  channel,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

// Send queues payload for the write loop without blocking.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the session. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Handle registers the connection with the hub and serves it until the
// peer goes away, a write fails, the hub closes it or ctx is cancelled.
func (c *Connection) Handle(ctx context.Context) error {
	id := c.hub.Connect(ctx, c, c.username, c.channel)
	session := models.Connection{ID: id, Username: c.username, Channel: c.channel}
	logger := c.logger.With("connection_id", id)
	defer c.hub.Disconnect(ctx, id)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(gctx, session)
	})
	g.Go(func() error {
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.done:
		}
		// Unblocks the pending read.
		_ = c.ws.Close()
		return nil
	})

	err := g.Wait()
	_ = c.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("connection terminated", "error", err)
		return err
	}
	return nil
}

func (c *Connection) readLoop(ctx context.Context, session models.Connection) error {
	c.ws.SetReadLimit(c.cfg.MaxFrameBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return c.stop()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		c.router.Route(ctx, session, frame)
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PongTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		case <-c.done:
			c.writeClose()
			return nil
		case <-ctx.Done():
			c.writeClose()
			return nil
		}
	}
}

func (c *Connection) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
}

// stop ends the session from inside the group. The read loop returning nil
// would otherwise leave the write loop running.
func (c *Connection) stop() error {
	_ = c.Close()
	return nil
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
